// Package tcpchan realizes the remoting transport over one TCP stream:
// a channel-open exchange followed by length-prefixed message frames.
// One named channel runs per connection.
package tcpchan

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/beanrpc/internal/remoting"
)

const (
	frameOpen    byte = 1
	frameOpenAck byte = 2
	frameMessage byte = 3
	frameClose   byte = 4

	// DefaultWindow is the outbound message window advertised to the
	// peer during channel open.
	DefaultWindow = 16

	maxFrameLen = 8 * 1024 * 1024
	maxNameLen  = 255
)

var (
	ErrFrameTooLarge   = errors.New("tcpchan: frame too large")
	ErrNameTooLong     = errors.New("tcpchan: channel name too long")
	ErrChannelOpen     = errors.New("tcpchan: channel already open")
	ErrConnClosed      = errors.New("tcpchan: connection closed")
	ErrBadOpenExchange = errors.New("tcpchan: bad channel open exchange")
)

// Conn is the initiating side of a transport connection.
type Conn struct {
	nc net.Conn

	mu     sync.Mutex
	opened bool
	closed bool
}

// Dial connects to a transport listener.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Conn{nc: nc}, nil
}

// OpenChannel performs the open exchange. Only one channel may be open
// per connection.
func (c *Conn) OpenChannel(name string) *remoting.ChannelFuture {
	f := remoting.NewChannelFuture()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		f.Fail(ErrConnClosed)
		return f
	}
	if c.opened {
		c.mu.Unlock()
		f.Fail(ErrChannelOpen)
		return f
	}
	c.opened = true
	c.mu.Unlock()

	go func() {
		if len(name) > maxNameLen {
			f.Fail(ErrNameTooLong)
			return
		}
		if err := writeFrame(c.nc, frameOpen, []byte(name)); err != nil {
			f.Fail(err)
			return
		}
		kind, payload, err := readFrame(c.nc)
		if err != nil {
			f.Fail(err)
			return
		}
		if kind != frameOpenAck || len(payload) != 4 {
			f.Fail(ErrBadOpenExchange)
			return
		}
		window := int(binary.BigEndian.Uint32(payload))
		if window < 1 {
			window = 1
		}
		ch := newChannel(c.nc, name, window)
		go ch.readLoop()
		f.Complete(ch)
	}()
	return f
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.nc.Close()
}

// Listener accepts transport connections.
type Listener struct {
	ln     net.Listener
	window int
}

func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, window: DefaultWindow}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// AcceptChannel takes the next connection, completes its channel open
// exchange, and returns the serving half.
func (l *Listener) AcceptChannel() (string, remoting.Channel, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return "", nil, err
	}
	kind, payload, err := readFrame(nc)
	if err != nil {
		_ = nc.Close()
		return "", nil, err
	}
	if kind != frameOpen {
		_ = nc.Close()
		return "", nil, ErrBadOpenExchange
	}
	name := string(payload)
	var ack [4]byte
	binary.BigEndian.PutUint32(ack[:], uint32(l.window))
	if err := writeFrame(nc, frameOpenAck, ack[:]); err != nil {
		_ = nc.Close()
		return "", nil, err
	}
	ch := newChannel(nc, name, l.window)
	go ch.readLoop()
	return name, ch, nil
}

// Channel is one framed message stream over the connection.
type Channel struct {
	nc     net.Conn
	name   string
	window int

	writeMu sync.Mutex

	inbound chan []byte
	armed   chan remoting.Receiver

	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	handlers []remoting.CloseHandler
}

func newChannel(nc net.Conn, name string, window int) *Channel {
	ch := &Channel{
		nc:      nc,
		name:    name,
		window:  window,
		inbound: make(chan []byte, 64),
		armed:   make(chan remoting.Receiver, 1),
		done:    make(chan struct{}),
	}
	go ch.pump()
	return ch
}

func (c *Channel) OutboundWindow() int { return c.window }

func (c *Channel) WriteMessage() (remoting.MessageOutputStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnClosed
	}
	return &outMessage{ch: c}, nil
}

func (c *Channel) ReceiveMessage(r remoting.Receiver) {
	select {
	case c.armed <- r:
	default:
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

// CloseAsync sends a best-effort close frame and tears the stream down.
func (c *Channel) CloseAsync() {
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

	c.writeMu.Lock()
	_ = writeFrame(c.nc, frameClose, nil)
	c.writeMu.Unlock()
	_ = c.nc.Close()
	for _, h := range handlers {
		h(c, nil)
	}
}

// closeFromRead tears down after the peer went away.
func (c *Channel) closeFromRead(err error) {
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

	_ = c.nc.Close()
	for _, h := range handlers {
		h(c, err)
	}
}

func (c *Channel) readLoop() {
	for {
		kind, payload, err := readFrame(c.nc)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Str("channel", c.name).Msg("tcpchan: read loop ended")
			}
			c.closeFromRead(nil)
			return
		}
		switch kind {
		case frameMessage:
			select {
			case c.inbound <- payload:
			case <-c.done:
				return
			}
		case frameClose:
			c.closeFromRead(nil)
			return
		default:
			c.closeFromRead(fmt.Errorf("%w: unexpected frame kind %d", ErrBadOpenExchange, kind))
			return
		}
	}
}

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

func (c *Channel) deliver(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.nc, frameMessage, payload)
}

type outMessage struct {
	ch   *Channel
	buf  bytes.Buffer
	once sync.Once
	err  error
}

func (m *outMessage) Write(p []byte) (int, error) {
	return m.buf.Write(p)
}

func (m *outMessage) Close() error {
	m.once.Do(func() {
		m.err = m.ch.deliver(m.buf.Bytes())
	})
	return m.err
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

func writeFrame(w io.Writer, kind byte, payload []byte) error {
	if len(payload) > maxFrameLen {
		return ErrFrameTooLarge
	}
	header := make([]byte, 5)
	header[0] = kind
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func readFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFrameLen {
		return 0, nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return header[0], payload, nil
}
