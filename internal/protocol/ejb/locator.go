package ejb

import (
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidLocator = errors.New("ejb: invalid locator")

func init() {
	gob.Register(Locator{})
	gob.Register(MethodLocator{})
	gob.Register(StatefulLocator{})
	gob.Register(NoAffinity{})
	gob.Register(NodeAffinity{})
	gob.Register(ClusterAffinity{})
	gob.Register(RemoteException{})
}

// Locator identifies a stateless target component. AppName and
// DistinctName may be empty on the wire; ModuleName and BeanName are
// required.
type Locator struct {
	AppName      string
	ModuleName   string
	BeanName     string
	DistinctName string
}

func (l Locator) Validate() error {
	if strings.TrimSpace(l.ModuleName) == "" {
		return fmt.Errorf("%w: missing module name", ErrInvalidLocator)
	}
	if strings.TrimSpace(l.BeanName) == "" {
		return fmt.Errorf("%w: missing bean name", ErrInvalidLocator)
	}
	return nil
}

func (l Locator) String() string {
	return l.AppName + "/" + l.ModuleName + "/" + l.DistinctName + "/" + l.BeanName
}

// MethodLocator names one invoked method: the bare name plus the
// declared parameter type names in order.
type MethodLocator struct {
	Name           string
	ParameterTypes []string
}

// SignatureString renders the legacy signature form: parameter type
// names joined by commas, no whitespace.
func (m MethodLocator) SignatureString() string {
	return strings.Join(m.ParameterTypes, ",")
}

// SessionID is the opaque server-issued stateful session identifier.
type SessionID []byte

func (s SessionID) String() string {
	return hex.EncodeToString(s)
}

// StatefulLocator binds a stateless locator to an open session and the
// routing affinity the server returned with it.
type StatefulLocator struct {
	Locator
	SessionID SessionID
	Affinity  Affinity
}

// Affinity is an opaque routing hint returned by the server.
type Affinity interface {
	affinity()
}

// NoAffinity is the absent routing hint.
type NoAffinity struct{}

func (NoAffinity) affinity() {}

// NodeAffinity pins routing to one named node.
type NodeAffinity struct {
	NodeName string
}

func (NodeAffinity) affinity() {}

// ClusterAffinity pins routing to a named cluster.
type ClusterAffinity struct {
	ClusterName string
}

func (ClusterAffinity) affinity() {}
