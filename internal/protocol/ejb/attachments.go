package ejb

import (
	"encoding/gob"
	"sync"
)

func init() {
	gob.Register(&AttachmentKey{})
	gob.Register(map[*AttachmentKey]any{})
}

// AttachmentKey is an identity-keyed handle into the private attachment
// map. Keys compare by pointer; the name travels on the wire.
type AttachmentKey struct {
	Name string
}

func NewAttachmentKey(name string) *AttachmentKey {
	return &AttachmentKey{Name: name}
}

var (
	// PrivateAttachmentsKey is the reserved key the whole private map
	// is serialized under as a single attachment entry.
	PrivateAttachmentsKey = NewAttachmentKey("jboss.private.attachments")

	// TransactionIDKey holds the active transaction id in the private
	// attachment map.
	TransactionIDKey = NewAttachmentKey("jboss.transaction.id")

	// TransactionDataKey is the legacy duplicate slot the transaction
	// id is additionally written under on protocol versions before 3.
	TransactionDataKey = NewAttachmentKey("jboss.transaction.data")

	// WeakAffinityKey receives the routing hint piggybacked on
	// invocation responses.
	WeakAffinityKey = NewAttachmentKey("jboss.weak.affinity")
)

// WeakAffinityContextKey is the response attachment name that carries
// an updated weak affinity.
const WeakAffinityContextKey = "jboss.weak-affinity"

// InvocationContext carries one method call's inputs: the target
// locator, the method, its parameters, public context data, and the
// private typed attachment map.
type InvocationContext struct {
	Locator     Locator
	Method      MethodLocator
	Parameters  []any
	ContextData map[string]any

	mu          sync.Mutex
	attachments map[*AttachmentKey]any
}

func NewInvocationContext(locator Locator, method MethodLocator, parameters ...any) *InvocationContext {
	return &InvocationContext{
		Locator:     locator,
		Method:      method,
		Parameters:  parameters,
		ContextData: make(map[string]any),
	}
}

// PutAttachment stores a private attachment under an identity key.
func (c *InvocationContext) PutAttachment(key *AttachmentKey, value any) {
	if key == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attachments == nil {
		c.attachments = make(map[*AttachmentKey]any)
	}
	c.attachments[key] = value
}

// Attachment returns the private attachment stored under key, if any.
func (c *InvocationContext) Attachment(key *AttachmentKey) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.attachments[key]
	return v, ok
}

// privateAttachments snapshots the private map for one request write.
func (c *InvocationContext) privateAttachments() map[*AttachmentKey]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.attachments) == 0 {
		return nil
	}
	out := make(map[*AttachmentKey]any, len(c.attachments))
	for k, v := range c.attachments {
		out[k] = v
	}
	return out
}

// ResultProducer hands the caller its invocation outcome exactly once:
// either GetResult decodes it or DiscardResult drops it unread.
type ResultProducer interface {
	GetResult() (any, error)
	DiscardResult()
}

// FailedProducer is a ResultProducer carrying a terminal error.
type FailedProducer struct {
	Err error
}

func (p FailedProducer) GetResult() (any, error) { return nil, p.Err }

func (p FailedProducer) DiscardResult() {}

// ReceiverContext is implemented by the higher-level client; the
// channel delivers the outcome of one method invocation through it.
type ReceiverContext interface {
	// InvocationContext returns the call being carried.
	InvocationContext() *InvocationContext

	// ResultReady delivers the lazy result producer. Called at most
	// once per invocation.
	ResultReady(p ResultProducer)

	// RequestCancelled reports that the request never reached the
	// wire.
	RequestCancelled()

	// ProceedAsynchronously tells the caller it may unblock; the real
	// response will still arrive under the same invocation id.
	ProceedAsynchronously()
}
