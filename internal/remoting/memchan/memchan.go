// Package memchan is an in-process loopback realization of the
// remoting transport: two connected endpoints exchanging framed byte
// messages through bounded queues. It backs the package tests and the
// probe's loopback mode.
package memchan

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/danmuck/beanrpc/internal/remoting"
)

const DefaultWindow = 8

var (
	ErrEndpointClosed = errors.New("memchan: endpoint closed")
	ErrChannelClosed  = errors.New("memchan: channel closed")
)

// Endpoint is one side of an in-process connection.
type Endpoint struct {
	peer *Endpoint

	mu      sync.Mutex
	accepts chan *Channel
	closed  bool
	chans   []*Channel
}

// Pair returns two connected endpoints. Channels opened on one side
// are delivered to the other side's AcceptChannel.
func Pair() (*Endpoint, *Endpoint) {
	a := &Endpoint{accepts: make(chan *Channel, 4)}
	b := &Endpoint{accepts: make(chan *Channel, 4)}
	a.peer = b
	b.peer = a
	return a, b
}

// OpenChannel creates a channel pair and hands the remote half to the
// peer endpoint. The future settles immediately.
func (e *Endpoint) OpenChannel(name string) *remoting.ChannelFuture {
	f := remoting.NewChannelFuture()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		f.Fail(ErrEndpointClosed)
		return f
	}
	local, remote := newChannelPair(name, DefaultWindow)
	e.chans = append(e.chans, local)
	e.mu.Unlock()

	e.peer.mu.Lock()
	if e.peer.closed {
		e.peer.mu.Unlock()
		local.CloseAsync()
		f.Fail(ErrEndpointClosed)
		return f
	}
	e.peer.chans = append(e.peer.chans, remote)
	e.peer.accepts <- remote
	e.peer.mu.Unlock()

	f.Complete(local)
	return f
}

// AcceptChannel blocks until the peer opens a channel with the given
// name or ctx ends.
func (e *Endpoint) AcceptChannel(ctx context.Context, name string) (remoting.Channel, error) {
	for {
		select {
		case ch := <-e.accepts:
			if ch.name == name {
				return ch, nil
			}
			ch.CloseAsync()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close tears down the endpoint and every channel opened through it.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	chans := e.chans
	e.chans = nil
	e.mu.Unlock()
	for _, ch := range chans {
		ch.CloseAsync()
	}
	return nil
}

// Channel is one half of an in-process channel pair.
type Channel struct {
	name   string
	window int
	peer   *Channel

	inbound chan []byte
	armed   chan remoting.Receiver

	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	handlers []remoting.CloseHandler
}

func newChannelPair(name string, window int) (*Channel, *Channel) {
	a := newHalf(name, window)
	b := newHalf(name, window)
	a.peer = b
	b.peer = a
	go a.pump()
	go b.pump()
	return a, b
}

func newHalf(name string, window int) *Channel {
	return &Channel{
		name:    name,
		window:  window,
		inbound: make(chan []byte, 64),
		armed:   make(chan remoting.Receiver, 1),
		done:    make(chan struct{}),
	}
}

func (c *Channel) OutboundWindow() int { return c.window }

// WriteMessage reserves one outbound message buffer. The message is
// delivered to the peer on Close and dropped on Cancel.
func (c *Channel) WriteMessage() (remoting.MessageOutputStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	return &outMessage{ch: c}, nil
}

func (c *Channel) ReceiveMessage(r remoting.Receiver) {
	select {
	case c.armed <- r:
	default:
		// a receiver is already armed; Remoting treats this as a
		// caller bug, drop the extra arm
	}
}

func (c *Channel) AddCloseHandler(h remoting.CloseHandler) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		h(c, nil)
		return
	}
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// CloseAsync closes both halves of the channel pair.
func (c *Channel) CloseAsync() {
	c.closeHalf()
	c.peer.closeHalf()
}

func (c *Channel) closeHalf() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	handlers := c.handlers
	c.handlers = nil
	close(c.done)
	c.mu.Unlock()
	for _, h := range handlers {
		h(c, nil)
	}
}

// pump feeds inbound messages to whichever receiver is armed, one
// message per arm.
func (c *Channel) pump() {
	for {
		var r remoting.Receiver
		select {
		case r = <-c.armed:
		case <-c.done:
			return
		}
		select {
		case msg := <-c.inbound:
			r.HandleMessage(c, &inMessage{buf: bytes.NewReader(msg)})
		case <-c.done:
			// drain any message raced with close before reporting end
			select {
			case msg := <-c.inbound:
				r.HandleMessage(c, &inMessage{buf: bytes.NewReader(msg)})
			default:
				r.HandleEnd(c)
			}
			return
		}
	}
}

func (c *Channel) deliver(payload []byte) {
	c.peer.mu.Lock()
	closed := c.peer.closed
	c.peer.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.peer.inbound <- payload:
	case <-c.peer.done:
	}
}

type outMessage struct {
	ch   *Channel
	buf  bytes.Buffer
	once sync.Once
}

func (m *outMessage) Write(p []byte) (int, error) {
	return m.buf.Write(p)
}

func (m *outMessage) Close() error {
	m.once.Do(func() {
		m.ch.deliver(m.buf.Bytes())
	})
	return nil
}

func (m *outMessage) Cancel() error {
	m.once.Do(func() {})
	return nil
}

type inMessage struct {
	buf *bytes.Reader
}

func (m *inMessage) Read(p []byte) (int, error) { return m.buf.Read(p) }

func (m *inMessage) Close() error { return nil }
