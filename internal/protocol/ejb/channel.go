// Package ejb implements the client side of the remote component
// invocation protocol: a version handshake over one transport channel,
// a 16-bit id multiplexer for concurrent invocations, and the
// version-conditional request/response framing.
package ejb

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/beanrpc/internal/observability"
	"github.com/danmuck/beanrpc/internal/protocol/marshal"
	"github.com/danmuck/beanrpc/internal/protocol/marshal/river"
	"github.com/danmuck/beanrpc/internal/protocol/wire"
	"github.com/danmuck/beanrpc/internal/remoting"
)

// ClientChannel multiplexes method invocations and session opens over
// one negotiated transport channel. Safe for concurrent use; a single
// inbound receiver dispatches responses by invocation id.
type ClientChannel struct {
	channel remoting.Channel
	version int
	factory marshal.Factory
	config  marshal.Configuration

	mu      sync.Mutex
	pending map[uint16]invocation
	closed  bool

	credits  chan struct{}
	closedCh chan struct{}
}

// invocation is one pending request awaiting at most one terminal
// response.
type invocation interface {
	id() uint16
	handleResponse(op byte, msg remoting.MessageInputStream)
	handleClosed()
}

func newClientChannel(ch remoting.Channel, version int) (*ClientChannel, error) {
	factory, err := marshal.GetProvidedFactory(river.Name)
	if err != nil {
		return nil, err
	}
	window := ch.OutboundWindow()
	if window < 1 {
		window = 1
	}
	credits := make(chan struct{}, window)
	for i := 0; i < window; i++ {
		credits <- struct{}{}
	}
	c := &ClientChannel{
		channel:  ch,
		version:  version,
		factory:  factory,
		config:   MarshallingConfiguration(version),
		pending:  make(map[uint16]invocation),
		credits:  credits,
		closedCh: make(chan struct{}),
	}
	ch.AddCloseHandler(func(remoting.Channel, error) {
		c.transportClosed()
	})
	ch.ReceiveMessage(c)
	return c, nil
}

// Version reports the negotiated protocol version.
func (c *ClientChannel) Version() int {
	return c.version
}

// Closed reports whether the transport has gone away.
func (c *ClientChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// allocate samples free 16-bit ids and registers a fresh record. Random
// probing is cheap against realistic in-flight counts; the id space is
// 65536 wide.
func (c *ClientChannel) allocate(construct func(id uint16) invocation) (invocation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	for {
		id := uint16(rand.Intn(1 << 16))
		if _, busy := c.pending[id]; busy {
			continue
		}
		inv := construct(id)
		c.pending[id] = inv
		return inv, nil
	}
}

func (c *ClientChannel) lookup(id uint16) (invocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv, ok := c.pending[id]
	return inv, ok
}

// remove frees the record's id if it is still the registered one.
func (c *ClientChannel) remove(inv invocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pending[inv.id()]; ok && cur == inv {
		delete(c.pending, inv.id())
	}
}

// transportClosed broadcasts closure: the flag flips before any record
// is visited so no new record can slip in afterwards.
func (c *ClientChannel) transportClosed() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint16]invocation)
	c.mu.Unlock()

	close(c.closedCh)
	for _, inv := range pending {
		inv.handleClosed()
	}
	observability.RecordChannelClosure()
	log.Debug().Int("pending", len(pending)).Msg("ejb channel closed, pending invocations notified")
}

// getMessageBlocking reserves one outbound message slot, waiting while
// write credit is exhausted. The returned stream gives its credit unit
// back exactly once, on Close or Cancel.
func (c *ClientChannel) getMessageBlocking(ctx context.Context) (remoting.MessageOutputStream, error) {
	select {
	case <-c.credits:
	default:
		observability.RecordCreditWait()
		select {
		case <-c.credits:
		case <-c.closedCh:
			return nil, ErrChannelClosed
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		}
	}
	out, err := c.channel.WriteMessage()
	if err != nil {
		c.releaseCredit()
		if c.Closed() {
			return nil, ErrChannelClosed
		}
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return &creditedMessage{delegate: out, release: c.releaseCredit}, nil
}

func (c *ClientChannel) releaseCredit() {
	select {
	case c.credits <- struct{}{}:
	default:
	}
}

type creditedMessage struct {
	delegate remoting.MessageOutputStream
	release  func()
	once     sync.Once
}

func (m *creditedMessage) Write(p []byte) (int, error) {
	return m.delegate.Write(p)
}

func (m *creditedMessage) Close() error {
	m.once.Do(m.release)
	return m.delegate.Close()
}

func (m *creditedMessage) Cancel() error {
	m.once.Do(m.release)
	return m.delegate.Cancel()
}

// ProcessInvocation submits one method invocation. Fire-and-forget:
// the outcome arrives through the receiver context's callbacks.
func (c *ClientChannel) ProcessInvocation(ctx context.Context, receiverContext ReceiverContext) {
	inv, err := c.allocate(func(id uint16) invocation {
		return &methodInvocation{
			channel:         c,
			idVal:           id,
			receiverContext: receiverContext,
			start:           time.Now(),
		}
	})
	if err != nil {
		observability.RecordInvocation("method", "cancelled", 0)
		receiverContext.RequestCancelled()
		return
	}
	m := inv.(*methodInvocation)
	if err := c.writeInvocationRequest(ctx, m); err != nil {
		c.remove(inv)
		if !m.settle() {
			return
		}
		observability.RecordInvocation("method", "write_failed", 0)
		if errors.Is(err, ErrChannelClosed) || errors.Is(err, ErrInterrupted) {
			receiverContext.RequestCancelled()
			return
		}
		receiverContext.ResultReady(FailedProducer{Err: err})
	}
}

func (c *ClientChannel) writeInvocationRequest(ctx context.Context, m *methodInvocation) error {
	out, err := c.getMessageBlocking(ctx)
	if err != nil {
		return err
	}
	defer out.Close()

	if err := c.marshalInvocationRequest(out, m); err != nil {
		_ = out.Cancel()
		if c.Closed() {
			return fmt.Errorf("%w: %w", ErrChannelClosed, err)
		}
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return nil
}

func (c *ClientChannel) marshalInvocationRequest(out remoting.MessageOutputStream, m *methodInvocation) error {
	invCtx := m.receiverContext.InvocationContext()
	locator := invCtx.Locator

	if err := wire.WriteByte(out, OpInvocationRequest); err != nil {
		return err
	}
	if err := wire.WriteUint16(out, m.idVal); err != nil {
		return err
	}

	marshaller, err := c.factory.CreateMarshaller(c.config)
	if err != nil {
		return err
	}
	if err := marshaller.Start(out); err != nil {
		return err
	}

	if c.version < 3 {
		if err := wire.WriteUTF(out, invCtx.Method.Name); err != nil {
			return err
		}
		if err := wire.WriteUTF(out, invCtx.Method.SignatureString()); err != nil {
			return err
		}
		// protocol 1 & 2 carry the locator fields redundantly
		for _, v := range []any{locator.AppName, locator.ModuleName, locator.DistinctName, locator.BeanName} {
			if err := marshaller.WriteObject(v); err != nil {
				return err
			}
		}
	} else {
		if err := marshaller.WriteObject(invCtx.Method); err != nil {
			return err
		}
	}
	if err := marshaller.WriteObject(locator); err != nil {
		return err
	}
	for _, param := range invCtx.Parameters {
		if err := marshaller.WriteObject(param); err != nil {
			return err
		}
	}
	if err := c.marshalAttachments(marshaller, invCtx); err != nil {
		return err
	}
	return marshaller.Finish()
}

// marshalAttachments writes the public context data plus the private
// map folded into one entry under its reserved key. Versions before 3
// additionally duplicate the transaction id under a legacy key; the
// river codec has no back references, so the id is encoded twice.
func (c *ClientChannel) marshalAttachments(marshaller marshal.Marshaller, invCtx *InvocationContext) error {
	private := invCtx.privateAttachments()

	keys := make([]string, 0, len(invCtx.ContextData))
	for k := range invCtx.ContextData {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := len(keys)
	if len(private) > 0 {
		total++
	}

	txID, hasTxID := private[TransactionIDKey]
	if c.version < 3 && hasTxID {
		total++
	}

	if err := wire.WritePackedUint(marshaller, uint32(total)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := marshaller.WriteObject(k); err != nil {
			return err
		}
		if err := marshaller.WriteObject(invCtx.ContextData[k]); err != nil {
			return err
		}
	}
	if len(private) > 0 {
		if err := marshaller.WriteObject(PrivateAttachmentsKey); err != nil {
			return err
		}
		if err := marshaller.WriteObject(private); err != nil {
			return err
		}
	}
	if c.version < 3 && hasTxID {
		if err := marshaller.WriteObject(TransactionDataKey); err != nil {
			return err
		}
		if err := marshaller.WriteObject(txID); err != nil {
			return err
		}
	}
	return nil
}

// OpenSession creates a stateful session for the given stateless
// locator and blocks until the server answers or the channel dies.
func (c *ClientChannel) OpenSession(ctx context.Context, statelessLocator Locator) (StatefulLocator, error) {
	start := time.Now()
	if err := statelessLocator.Validate(); err != nil {
		return StatefulLocator{}, err
	}
	inv, err := c.allocate(func(id uint16) invocation {
		return &sessionOpenInvocation{
			channel:   c,
			idVal:     id,
			stateless: statelessLocator,
			done:      make(chan struct{}),
		}
	})
	if err != nil {
		observability.RecordInvocation("session", "cancelled", 0)
		return StatefulLocator{}, err
	}
	s := inv.(*sessionOpenInvocation)

	out, err := c.getMessageBlocking(ctx)
	if err != nil {
		c.remove(inv)
		observability.RecordInvocation("session", "write_failed", 0)
		return StatefulLocator{}, err
	}
	if err := writeOpenSessionRequest(out, s.idVal, statelessLocator); err != nil {
		_ = out.Cancel()
		_ = out.Close()
		c.remove(inv)
		observability.RecordInvocation("session", "write_failed", 0)
		return StatefulLocator{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if err := out.Close(); err != nil {
		c.remove(inv)
		observability.RecordInvocation("session", "write_failed", 0)
		return StatefulLocator{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	loc, err := s.getResult(ctx)
	observability.RecordInvocation("session", sessionOutcome(err), time.Since(start))
	return loc, err
}

func writeOpenSessionRequest(out remoting.MessageOutputStream, id uint16, locator Locator) error {
	if err := wire.WriteByte(out, OpOpenSessionRequest); err != nil {
		return err
	}
	if err := wire.WriteUint16(out, id); err != nil {
		return err
	}
	for _, s := range []string{locator.AppName, locator.ModuleName, locator.BeanName, locator.DistinctName} {
		if err := wire.WriteUTF(out, s); err != nil {
			return err
		}
	}
	return nil
}

func sessionOutcome(err error) string {
	switch {
	case err == nil:
		return "session_open"
	case errors.Is(err, ErrTargetMissing):
		return "target_missing"
	case errors.Is(err, ErrNotStateful):
		return "not_stateful"
	case errors.Is(err, ErrChannelClosed):
		return "closed"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	default:
		var appErr *ApplicationError
		if errors.As(err, &appErr) {
			return "application_exception"
		}
		return "protocol_error"
	}
}

// HandleMessage is the single inbound dispatcher: opcode, big-endian
// id, then the rest of the frame belongs to the matched record.
func (c *ClientChannel) HandleMessage(ch remoting.Channel, msg remoting.MessageInputStream) {
	// re-arm before touching the frame so the next response is never
	// stalled behind a slow consumer
	ch.ReceiveMessage(c)

	op, err := wire.ReadByte(msg)
	if err != nil {
		_ = msg.Close()
		log.Warn().Err(err).Msg("ejb channel: truncated response frame")
		return
	}
	id, err := wire.ReadUint16(msg)
	if err != nil {
		_ = msg.Close()
		log.Warn().Err(err).Str("opcode", opcodeName(op)).Msg("ejb channel: response frame missing invocation id")
		return
	}
	observability.RecordResponse(opcodeName(op))

	inv, ok := c.lookup(id)
	if !ok {
		_ = wire.Drain(msg)
		_ = msg.Close()
		log.Debug().Uint16("id", id).Str("opcode", opcodeName(op)).Msg("ejb channel: response for unknown invocation discarded")
		return
	}
	inv.handleResponse(op, msg)
}

func (c *ClientChannel) HandleError(ch remoting.Channel, err error) {
	log.Warn().Err(err).Msg("ejb channel: receive error")
	ch.CloseAsync()
}

func (c *ClientChannel) HandleEnd(ch remoting.Channel) {
	ch.CloseAsync()
}
