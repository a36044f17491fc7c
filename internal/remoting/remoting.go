// Package remoting defines the message-transport boundary consumed by
// the invocation channel: connections open named channels, channels
// exchange framed byte messages in order, and closure is a unilateral
// event delivered to registered handlers.
package remoting

import (
	"context"
	"errors"
	"io"
	"sync"
)

var ErrChannelCancelled = errors.New("remoting: channel open cancelled")

// MessageInputStream is one inbound framed message. Read returns EOF at
// the frame boundary. The receiver owns the stream until Close.
type MessageInputStream interface {
	io.ReadCloser
}

// MessageOutputStream is one reserved outbound message slot. Close
// commits the message; Cancel tells the peer the partial write is
// invalid and releases the slot.
type MessageOutputStream interface {
	io.WriteCloser
	Cancel() error
}

// Receiver handles the next single inbound message on a channel. A
// receiver that wants the message after that must re-arm itself via
// Channel.ReceiveMessage before returning.
type Receiver interface {
	HandleMessage(ch Channel, msg MessageInputStream)
	HandleError(ch Channel, err error)
	HandleEnd(ch Channel)
}

// CloseHandler observes channel closure. err is nil on orderly close.
type CloseHandler func(ch Channel, err error)

// Channel is one logical framed bidirectional message stream.
type Channel interface {
	// WriteMessage reserves the next outbound message slot. It may
	// block on the transport's own flow control.
	WriteMessage() (MessageOutputStream, error)

	// ReceiveMessage arms r for the next inbound message.
	ReceiveMessage(r Receiver)

	// OutboundWindow is the transport-advertised number of outbound
	// messages that may be in flight at once.
	OutboundWindow() int

	AddCloseHandler(h CloseHandler)
	CloseAsync()
}

// Connection multiplexes named channels over one transport link.
// Implementations must be comparable (pointer identity) so per
// connection state can be keyed on the interface value.
type Connection interface {
	OpenChannel(name string) *ChannelFuture
	Close() error
}

// ChannelFuture is the pending result of Connection.OpenChannel.
type ChannelFuture struct {
	mu        sync.Mutex
	done      chan struct{}
	ch        Channel
	err       error
	cancelled bool
}

func NewChannelFuture() *ChannelFuture {
	return &ChannelFuture{done: make(chan struct{})}
}

// Get waits for the open to settle or ctx to end.
func (f *ChannelFuture) Get(ctx context.Context) (Channel, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return nil, ErrChannelCancelled
	}
	return f.ch, f.err
}

// Complete settles the future with an open channel. Only the first
// settlement wins.
func (f *ChannelFuture) Complete(ch Channel) {
	f.settle(func() { f.ch = ch })
}

// Fail settles the future with an error.
func (f *ChannelFuture) Fail(err error) {
	f.settle(func() { f.err = err })
}

// Cancel settles the future as cancelled.
func (f *ChannelFuture) Cancel() {
	f.settle(func() { f.cancelled = true })
}

func (f *ChannelFuture) settle(apply func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return
	default:
	}
	apply()
	close(f.done)
}
