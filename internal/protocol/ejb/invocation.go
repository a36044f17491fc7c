package ejb

import (
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/beanrpc/internal/observability"
	"github.com/danmuck/beanrpc/internal/protocol/wire"
	"github.com/danmuck/beanrpc/internal/remoting"
)

// methodInvocation is one pending method call. Terminal responses
// remove it from the registry and hand the receiver a lazy producer;
// PROCEED_ASYNC_RESPONSE leaves it registered for the real response.
type methodInvocation struct {
	channel         *ClientChannel
	idVal           uint16
	receiverContext ReceiverContext
	start           time.Time
	settled         atomic.Bool
}

func (m *methodInvocation) id() uint16 { return m.idVal }

// settle claims the one allowed completion.
func (m *methodInvocation) settle() bool {
	return m.settled.CompareAndSwap(false, true)
}

func (m *methodInvocation) handleResponse(op byte, msg remoting.MessageInputStream) {
	switch op {
	case OpCompressedInvocationMessage:
		m.channel.remove(m)
		if !m.settle() {
			_ = msg.Close()
			return
		}
		m.recordOutcome("result")
		m.receiverContext.ResultReady(&methodCallProducer{inv: m, stream: msg, compressed: true})
	case OpInvocationResponse:
		m.channel.remove(m)
		if !m.settle() {
			_ = msg.Close()
			return
		}
		m.recordOutcome("result")
		m.receiverContext.ResultReady(&methodCallProducer{inv: m, stream: msg})
	case OpApplicationException:
		m.channel.remove(m)
		if !m.settle() {
			_ = msg.Close()
			return
		}
		m.recordOutcome("application_exception")
		m.receiverContext.ResultReady(&exceptionProducer{inv: m, stream: msg})
	case OpNoSuchEJB:
		m.failWithMessage(msg, ErrTargetMissing, "target_missing")
	case OpNoSuchMethod:
		m.failWithMessage(msg, ErrMethodMissing, "method_missing")
	case OpSessionNotActive:
		m.failWithMessage(msg, ErrSessionInactive, "session_inactive")
	case OpEJBNotStateful:
		m.failWithMessage(msg, ErrNotStateful, "not_stateful")
	case OpProceedAsyncResponse:
		_ = msg.Close()
		m.receiverContext.ProceedAsynchronously()
	default:
		m.channel.remove(m)
		_ = wire.Drain(msg)
		_ = msg.Close()
		if !m.settle() {
			return
		}
		m.recordOutcome("protocol_error")
		m.receiverContext.ResultReady(FailedProducer{
			Err: fmt.Errorf("%w: unknown response opcode 0x%02x", ErrProtocol, op),
		})
	}
}

// failWithMessage terminates the invocation with a typed error whose
// detail is the frame's UTF message.
func (m *methodInvocation) failWithMessage(msg remoting.MessageInputStream, kind error, outcome string) {
	m.channel.remove(m)
	defer msg.Close()
	if !m.settle() {
		return
	}
	m.recordOutcome(outcome)
	text, err := wire.ReadUTF(msg)
	if err != nil {
		m.receiverContext.ResultReady(FailedProducer{
			Err: fmt.Errorf("%w: unreadable %v detail: %w", ErrProtocol, kind, err),
		})
		return
	}
	m.receiverContext.ResultReady(FailedProducer{Err: fmt.Errorf("%w: %s", kind, text)})
}

func (m *methodInvocation) handleClosed() {
	if !m.settle() {
		return
	}
	m.recordOutcome("closed")
	m.receiverContext.ResultReady(FailedProducer{Err: ErrChannelClosed})
}

func (m *methodInvocation) recordOutcome(outcome string) {
	observability.RecordInvocation("method", outcome, time.Since(m.start))
}

// methodCallProducer decodes a normal invocation result on demand: one
// result object, a one-byte attachment count, then key/value pairs of
// which only recognised keys are kept.
type methodCallProducer struct {
	inv        *methodInvocation
	stream     remoting.MessageInputStream
	compressed bool
}

func (p *methodCallProducer) GetResult() (any, error) {
	defer p.stream.Close()

	var src io.Reader = p.stream
	if p.compressed {
		zr, err := zlib.NewReader(p.stream)
		if err != nil {
			return nil, fmt.Errorf("%w: bad compressed response: %w", ErrProtocol, err)
		}
		defer zr.Close()
		src = zr
	}

	u, err := p.inv.channel.factory.CreateUnmarshaller(p.inv.channel.config)
	if err != nil {
		return nil, err
	}
	if err := u.Start(src); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	result, err := u.ReadObject()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read result: %w", ErrProtocol, err)
	}
	count, err := u.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read attachment count: %w", ErrProtocol, err)
	}
	for i := 0; i < int(count); i++ {
		keyObj, err := u.ReadObject()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read attachment key: %w", ErrProtocol, err)
		}
		val, err := u.ReadObject()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read attachment value: %w", ErrProtocol, err)
		}
		key, ok := keyObj.(string)
		if !ok {
			continue
		}
		if key == WeakAffinityContextKey {
			p.inv.receiverContext.InvocationContext().PutAttachment(WeakAffinityKey, val)
		}
		// unrecognised keys are discarded
	}
	if err := u.Finish(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return result, nil
}

func (p *methodCallProducer) DiscardResult() {
	_ = p.stream.Close()
}

// exceptionProducer decodes an application exception on demand and
// raises it. Versions before 3 carry a trailing attachment block that
// must be consumed so both peers stay aligned.
type exceptionProducer struct {
	inv    *methodInvocation
	stream remoting.MessageInputStream
}

func (p *exceptionProducer) GetResult() (any, error) {
	defer p.stream.Close()

	u, err := p.inv.channel.factory.CreateUnmarshaller(p.inv.channel.config)
	if err != nil {
		return nil, err
	}
	if err := u.Start(p.stream); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	cause, err := u.ReadObject()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read exception: %w", ErrProtocol, err)
	}
	if p.inv.channel.version < 3 {
		count, err := u.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read attachment count: %w", ErrProtocol, err)
		}
		for i := 0; i < int(count); i++ {
			if _, err := u.ReadObject(); err != nil {
				return nil, fmt.Errorf("%w: failed to drain attachment key: %w", ErrProtocol, err)
			}
			if _, err := u.ReadObject(); err != nil {
				return nil, fmt.Errorf("%w: failed to drain attachment value: %w", ErrProtocol, err)
			}
		}
	}
	if err := u.Finish(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return nil, &ApplicationError{Cause: cause}
}

func (p *exceptionProducer) DiscardResult() {
	_ = p.stream.Close()
}

// sessionOpenInvocation blocks its caller until exactly one response
// frame or closure arrives.
type sessionOpenInvocation struct {
	channel   *ClientChannel
	idVal     uint16
	stateless Locator

	mu       sync.Mutex
	settled  bool
	respOp   byte
	stream   remoting.MessageInputStream
	chClosed bool
	done     chan struct{}
}

func (s *sessionOpenInvocation) id() uint16 { return s.idVal }

func (s *sessionOpenInvocation) handleResponse(op byte, msg remoting.MessageInputStream) {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		_ = wire.Drain(msg)
		_ = msg.Close()
		return
	}
	s.settled = true
	s.respOp = op
	s.stream = msg
	s.mu.Unlock()
	close(s.done)
}

func (s *sessionOpenInvocation) handleClosed() {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return
	}
	s.settled = true
	s.chClosed = true
	s.mu.Unlock()
	close(s.done)
}

func (s *sessionOpenInvocation) getResult(ctx context.Context) (StatefulLocator, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		s.channel.remove(s)
		return StatefulLocator{}, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
	s.channel.remove(s)

	s.mu.Lock()
	op, stream, chClosed := s.respOp, s.stream, s.chClosed
	s.mu.Unlock()

	if chClosed || stream == nil {
		return StatefulLocator{}, fmt.Errorf("%w: connection closed before session was created", ErrChannelClosed)
	}
	defer stream.Close()

	switch op {
	case OpOpenSessionResponse:
		return s.readSessionResponse(stream)
	case OpApplicationException:
		return StatefulLocator{}, s.readApplicationException(stream)
	case OpNoSuchEJB:
		text, err := wire.ReadUTF(stream)
		if err != nil {
			return StatefulLocator{}, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		return StatefulLocator{}, fmt.Errorf("%w: %s", ErrTargetMissing, text)
	case OpEJBNotStateful:
		text, err := wire.ReadUTF(stream)
		if err != nil {
			return StatefulLocator{}, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		return StatefulLocator{}, fmt.Errorf("%w: %s", ErrNotStateful, text)
	default:
		_ = wire.Drain(stream)
		return StatefulLocator{}, fmt.Errorf("%w: invalid session create response opcode 0x%02x", ErrProtocol, op)
	}
}

func (s *sessionOpenInvocation) readSessionResponse(stream remoting.MessageInputStream) (StatefulLocator, error) {
	src := wire.AsByteReader(stream)
	size, err := wire.ReadPackedUint(src)
	if err != nil {
		return StatefulLocator{}, fmt.Errorf("%w: failed to read session id length: %w", ErrProtocol, err)
	}
	sessionID := make(SessionID, size)
	if _, err := io.ReadFull(src, sessionID); err != nil {
		return StatefulLocator{}, fmt.Errorf("%w: failed to read session id: %w", ErrProtocol, err)
	}

	u, err := s.channel.factory.CreateUnmarshaller(s.channel.config)
	if err != nil {
		return StatefulLocator{}, err
	}
	if err := u.Start(src); err != nil {
		return StatefulLocator{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	affObj, err := u.ReadObject()
	if err != nil {
		return StatefulLocator{}, fmt.Errorf("%w: failed to read affinity: %w", ErrProtocol, err)
	}
	if err := u.Finish(); err != nil {
		return StatefulLocator{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	affinity, ok := affObj.(Affinity)
	if !ok {
		affinity = NoAffinity{}
	}
	log.Debug().Str("session", sessionID.String()).Stringer("locator", s.stateless).Msg("ejb session opened")
	return StatefulLocator{Locator: s.stateless, SessionID: sessionID, Affinity: affinity}, nil
}

func (s *sessionOpenInvocation) readApplicationException(stream remoting.MessageInputStream) error {
	u, err := s.channel.factory.CreateUnmarshaller(s.channel.config)
	if err != nil {
		return err
	}
	if err := u.Start(stream); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	cause, err := u.ReadObject()
	if err != nil {
		return fmt.Errorf("%w: failed to read session create exception: %w", ErrProtocol, err)
	}
	if err := u.Finish(); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if s.channel.version < 3 {
		// drain trailing attachment bytes so the peer is not left
		// with a half-consumed frame
		if err := wire.Drain(stream); err != nil {
			return fmt.Errorf("%w: %w", ErrProtocol, err)
		}
	}
	return &ApplicationError{Cause: cause}
}
