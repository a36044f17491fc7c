// Package river is the default object-graph codec provider. Objects are
// carried as gob-encoded envelopes behind a two-byte stream header that
// pins the negotiated stream version on the wire.
package river

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/beanrpc/internal/protocol/marshal"
	"github.com/danmuck/beanrpc/internal/protocol/wire"
)

// Name is the provider's wire name, also the codec tag sent during the
// version handshake.
const Name = "river"

const streamMagic byte = 0x72

var (
	ErrBadStreamHeader = errors.New("river: bad stream header")
	ErrVersionMismatch = errors.New("river: stream version mismatch")
)

func init() {
	marshal.Register(Name, factory{})

	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]byte(nil))
}

type factory struct{}

func (factory) CreateMarshaller(cfg marshal.Configuration) (marshal.Marshaller, error) {
	return &marshaller{version: cfg.Version}, nil
}

func (factory) CreateUnmarshaller(cfg marshal.Configuration) (marshal.Unmarshaller, error) {
	return &unmarshaller{version: cfg.Version}, nil
}

// envelope carries one object; the interface field lets gob record the
// concrete type so ReadObject needs no prior knowledge of it.
type envelope struct {
	V any
}

type marshaller struct {
	version int
	sink    io.Writer
	enc     *gob.Encoder
}

func (m *marshaller) Start(sink io.Writer) error {
	if err := wire.WriteByte(sink, streamMagic); err != nil {
		return err
	}
	if err := wire.WriteByte(sink, byte(m.version)); err != nil {
		return err
	}
	m.sink = sink
	m.enc = gob.NewEncoder(sink)
	return nil
}

func (m *marshaller) WriteObject(v any) error {
	if m.enc == nil {
		return marshal.ErrNotStarted
	}
	return m.enc.Encode(envelope{V: v})
}

func (m *marshaller) Write(p []byte) (int, error) {
	if m.sink == nil {
		return 0, marshal.ErrNotStarted
	}
	return m.sink.Write(p)
}

func (m *marshaller) Finish() error {
	m.sink = nil
	m.enc = nil
	return nil
}

type unmarshaller struct {
	version int
	source  io.Reader
	dec     *gob.Decoder
}

func (u *unmarshaller) Start(source io.Reader) error {
	// Keep single-byte reads unbuffered so gob cannot consume bytes
	// that belong to the raw layer after the last object.
	source = wire.AsByteReader(source)
	magic, err := wire.ReadByte(source)
	if err != nil {
		return err
	}
	if magic != streamMagic {
		return fmt.Errorf("%w: magic 0x%02x", ErrBadStreamHeader, magic)
	}
	v, err := wire.ReadByte(source)
	if err != nil {
		return err
	}
	if int(v) != u.version {
		return fmt.Errorf("%w: got %d want %d", ErrVersionMismatch, v, u.version)
	}
	u.source = source
	u.dec = gob.NewDecoder(source)
	return nil
}

func (u *unmarshaller) ReadObject() (any, error) {
	if u.dec == nil {
		return nil, marshal.ErrNotStarted
	}
	var env envelope
	if err := u.dec.Decode(&env); err != nil {
		return nil, err
	}
	return env.V, nil
}

func (u *unmarshaller) Read(p []byte) (int, error) {
	if u.source == nil {
		return 0, marshal.ErrNotStarted
	}
	return u.source.Read(p)
}

func (u *unmarshaller) ReadByte() (byte, error) {
	if u.source == nil {
		return 0, marshal.ErrNotStarted
	}
	return wire.ReadByte(u.source)
}

func (u *unmarshaller) Finish() error {
	u.source = nil
	u.dec = nil
	return nil
}
