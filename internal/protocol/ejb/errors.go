package ejb

import (
	"errors"
	"fmt"
)

var (
	ErrTargetMissing   = errors.New("ejb: no such target bean")
	ErrMethodMissing   = errors.New("ejb: no such method")
	ErrNotStateful     = errors.New("ejb: target bean is not stateful")
	ErrSessionInactive = errors.New("ejb: session no longer active")
	ErrProtocol        = errors.New("ejb: protocol error")
	ErrChannelClosed   = errors.New("ejb: channel closed")
	ErrInterrupted     = errors.New("ejb: interrupted")
	ErrHandshakeFailed = errors.New("ejb: handshake failed")
)

// ApplicationError carries the throwable decoded from an
// APPLICATION_EXCEPTION response. Cause holds whatever object the
// server serialized; when that object is itself an error it unwraps.
type ApplicationError struct {
	Cause any
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("ejb: application exception: %v", e.Cause)
}

func (e *ApplicationError) Unwrap() error {
	if err, ok := e.Cause.(error); ok {
		return err
	}
	return nil
}

// RemoteException is the wire shape for server-side throwables.
type RemoteException struct {
	TypeName string
	Message  string
}

func (e RemoteException) Error() string {
	return fmt.Sprintf("%s: %s", e.TypeName, e.Message)
}
