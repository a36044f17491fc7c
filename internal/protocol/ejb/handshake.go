package ejb

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/beanrpc/internal/observability"
	"github.com/danmuck/beanrpc/internal/protocol/wire"
	"github.com/danmuck/beanrpc/internal/remoting"
)

// ClientChannelFuture is the memoized eventual outcome of one
// connection's handshake. All observers share it.
type ClientChannelFuture struct {
	done chan struct{}
	ch   *ClientChannel
	err  error
}

// Get waits for the handshake to settle or ctx to end. Timeouts are
// the caller's responsibility.
func (f *ClientChannelFuture) Get(ctx context.Context) (*ClientChannel, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
	return f.ch, f.err
}

func (f *ClientChannelFuture) complete(ch *ClientChannel) {
	f.ch = ch
	close(f.done)
}

func (f *ClientChannelFuture) fail(err error) {
	f.err = err
	close(f.done)
}

var (
	futuresMu sync.Mutex
	futures   = make(map[remoting.Connection]*ClientChannelFuture)
)

// FromFuture obtains the connection's shared channel future, starting
// the handshake the first time the connection is seen. The handshake
// writes to the wire, so it must run at most once per connection.
func FromFuture(conn remoting.Connection) *ClientChannelFuture {
	futuresMu.Lock()
	if f, ok := futures[conn]; ok {
		futuresMu.Unlock()
		return f
	}
	f := &ClientChannelFuture{done: make(chan struct{})}
	futures[conn] = f
	futuresMu.Unlock()

	go negotiate(conn, f)
	return f
}

// From obtains or creates the per-connection client channel.
func From(ctx context.Context, conn remoting.Connection) (*ClientChannel, error) {
	return FromFuture(conn).Get(ctx)
}

func negotiate(conn remoting.Connection, f *ClientChannelFuture) {
	ch, err := conn.OpenChannel(ChannelName).Get(context.Background())
	if err != nil {
		observability.RecordHandshake("open_failed", 0)
		f.fail(fmt.Errorf("%w: %w", ErrHandshakeFailed, err))
		return
	}
	ch.ReceiveMessage(&greetingReceiver{future: f})
}

// greetingReceiver consumes the one-message server greeting and sends
// the version selection back.
type greetingReceiver struct {
	future *ClientChannelFuture
}

func (g *greetingReceiver) HandleMessage(ch remoting.Channel, msg remoting.MessageInputStream) {
	version, err := readGreeting(msg)
	if err != nil {
		g.abort(ch, err)
		return
	}
	if err := writeVersionSelection(ch, version); err != nil {
		g.abort(ch, err)
		return
	}
	clientChannel, err := newClientChannel(ch, version)
	if err != nil {
		g.abort(ch, err)
		return
	}
	observability.RecordHandshake("negotiated", version)
	log.Info().Int("version", version).Msg("ejb channel negotiated")
	g.future.complete(clientChannel)
}

func (g *greetingReceiver) HandleError(ch remoting.Channel, err error) {
	observability.RecordHandshake("receive_error", 0)
	g.future.fail(fmt.Errorf("%w: %w", ErrHandshakeFailed, err))
}

func (g *greetingReceiver) HandleEnd(ch remoting.Channel) {
	observability.RecordHandshake("cancelled", 0)
	g.future.fail(fmt.Errorf("%w: channel ended before greeting", ErrHandshakeFailed))
}

// abort closes the channel and surfaces the original failure once the
// close has gone through.
func (g *greetingReceiver) abort(ch remoting.Channel, cause error) {
	observability.RecordHandshake("failed", 0)
	wrapped := fmt.Errorf("%w: %w", ErrHandshakeFailed, cause)
	ch.AddCloseHandler(func(remoting.Channel, error) {
		g.future.fail(wrapped)
	})
	ch.CloseAsync()
}

// readGreeting takes the server's maximum version from the first byte
// and discards the rest of the message.
func readGreeting(msg remoting.MessageInputStream) (int, error) {
	defer msg.Close()
	sv, err := wire.ReadByte(msg)
	if err != nil {
		return 0, err
	}
	if err := wire.Drain(msg); err != nil {
		return 0, err
	}
	return min(int(sv), LatestVersion), nil
}

func writeVersionSelection(ch remoting.Channel, version int) error {
	out, err := ch.WriteMessage()
	if err != nil {
		return err
	}
	if err := wire.WriteByte(out, byte(version)); err != nil {
		_ = out.Cancel()
		_ = out.Close()
		return err
	}
	if _, err := out.Write(handshakeCodecTag); err != nil {
		_ = out.Cancel()
		_ = out.Close()
		return err
	}
	return out.Close()
}
