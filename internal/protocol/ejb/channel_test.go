package ejb

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/danmuck/beanrpc/internal/protocol/marshal"
	"github.com/danmuck/beanrpc/internal/protocol/marshal/river"
	"github.com/danmuck/beanrpc/internal/protocol/wire"
	"github.com/danmuck/beanrpc/internal/remoting"
	"github.com/danmuck/beanrpc/internal/remoting/memchan"
	"github.com/danmuck/beanrpc/internal/testutil/testlog"
)

// pushReceiver collects raw inbound frames and re-arms itself.
type pushReceiver struct {
	out chan []byte
}

func (r *pushReceiver) HandleMessage(ch remoting.Channel, msg remoting.MessageInputStream) {
	b, _ := io.ReadAll(msg)
	_ = msg.Close()
	r.out <- b
	ch.ReceiveMessage(r)
}

func (r *pushReceiver) HandleError(ch remoting.Channel, err error) {}

func (r *pushReceiver) HandleEnd(ch remoting.Channel) {}

// testServer drives the server end of a loopback channel pair.
type testServer struct {
	t      *testing.T
	ch     remoting.Channel
	frames chan []byte
}

// startServer accepts the "ejb" channel, sends the greeting, and
// returns once the server side is collecting frames.
func startServer(t *testing.T, endpoint *memchan.Endpoint, greeting []byte) *testServer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := endpoint.AcceptChannel(ctx, ChannelName)
	if err != nil {
		t.Fatalf("accept ejb channel: %v", err)
	}
	srv := &testServer{t: t, ch: ch, frames: make(chan []byte, 8)}
	ch.ReceiveMessage(&pushReceiver{out: srv.frames})
	srv.reply(greeting)
	return srv
}

func (s *testServer) reply(frame []byte) {
	s.t.Helper()
	out, err := s.ch.WriteMessage()
	if err != nil {
		s.t.Fatalf("server write message: %v", err)
	}
	if _, err := out.Write(frame); err != nil {
		s.t.Fatalf("server write frame: %v", err)
	}
	if err := out.Close(); err != nil {
		s.t.Fatalf("server close frame: %v", err)
	}
}

func (s *testServer) expectFrame() []byte {
	s.t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		s.t.Fatalf("no frame from client")
		return nil
	}
}

// connect runs the handshake against a scripted greeting and returns
// the negotiated channel plus the serving side.
func connect(t *testing.T, greeting []byte) (*ClientChannel, *testServer, *memchan.Endpoint) {
	t.Helper()
	testlog.Start(t)
	clientEnd, serverEnd := memchan.Pair()
	t.Cleanup(func() {
		_ = clientEnd.Close()
		_ = serverEnd.Close()
	})

	fut := FromFuture(clientEnd)
	srv := startServer(t, serverEnd, greeting)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	channel, err := fut.Get(ctx)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}

	// first client frame is the version selection
	selection := srv.expectFrame()
	want := append([]byte{byte(channel.Version())}, handshakeCodecTag...)
	if !bytes.Equal(selection, want) {
		t.Fatalf("unexpected version selection: got=%x want=%x", selection, want)
	}
	return channel, srv, clientEnd
}

func serverMarshaller(t *testing.T, version int) (marshal.Marshaller, *bytes.Buffer) {
	t.Helper()
	f, err := marshal.GetProvidedFactory(river.Name)
	if err != nil {
		t.Fatalf("get river factory: %v", err)
	}
	m, err := f.CreateMarshaller(MarshallingConfiguration(version))
	if err != nil {
		t.Fatalf("create marshaller: %v", err)
	}
	var buf bytes.Buffer
	if err := m.Start(&buf); err != nil {
		t.Fatalf("start marshaller: %v", err)
	}
	return m, &buf
}

func serverUnmarshaller(t *testing.T, version int, body io.Reader) marshal.Unmarshaller {
	t.Helper()
	f, err := marshal.GetProvidedFactory(river.Name)
	if err != nil {
		t.Fatalf("get river factory: %v", err)
	}
	u, err := f.CreateUnmarshaller(MarshallingConfiguration(version))
	if err != nil {
		t.Fatalf("create unmarshaller: %v", err)
	}
	if err := u.Start(body); err != nil {
		t.Fatalf("start unmarshaller: %v", err)
	}
	return u
}

// testReceiverContext implements ReceiverContext for one invocation.
type testReceiverContext struct {
	invCtx    *InvocationContext
	results   chan ResultProducer
	cancelled chan struct{}
	proceeds  chan struct{}
}

func newTestReceiverContext(invCtx *InvocationContext) *testReceiverContext {
	return &testReceiverContext{
		invCtx:    invCtx,
		results:   make(chan ResultProducer, 2),
		cancelled: make(chan struct{}, 2),
		proceeds:  make(chan struct{}, 2),
	}
}

func (r *testReceiverContext) InvocationContext() *InvocationContext { return r.invCtx }

func (r *testReceiverContext) ResultReady(p ResultProducer) { r.results <- p }

func (r *testReceiverContext) RequestCancelled() { r.cancelled <- struct{}{} }

func (r *testReceiverContext) ProceedAsynchronously() { r.proceeds <- struct{}{} }

func (r *testReceiverContext) awaitResult(t *testing.T) ResultProducer {
	t.Helper()
	select {
	case p := <-r.results:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("no result delivered")
		return nil
	}
}

func testLocator() Locator {
	return Locator{AppName: "shop", ModuleName: "orders", BeanName: "OrderBean"}
}

func TestHandshakeDowngradeToLatest(t *testing.T) {
	channel, _, _ := connect(t, []byte{5, 'g', 'b', 'g'})
	if channel.Version() != 3 {
		t.Fatalf("unexpected negotiated version: %d", channel.Version())
	}
}

func TestHandshakeKeepsLowerServerVersion(t *testing.T) {
	channel, _, _ := connect(t, []byte{2})
	if channel.Version() != 2 {
		t.Fatalf("unexpected negotiated version: %d", channel.Version())
	}
}

func TestHandshakeIsMemoizedPerConnection(t *testing.T) {
	channel, _, clientEnd := connect(t, []byte{3})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	again, err := From(ctx, clientEnd)
	if err != nil {
		t.Fatalf("second acquisition: %v", err)
	}
	if again != channel {
		t.Fatalf("expected the same channel instance")
	}
}

func TestSimpleInvocationV3(t *testing.T) {
	channel, srv, _ := connect(t, []byte{3})

	method := MethodLocator{Name: "placeOrder", ParameterTypes: nil}
	invCtx := NewInvocationContext(testLocator(), method)
	recv := newTestReceiverContext(invCtx)

	channel.ProcessInvocation(context.Background(), recv)

	frame := srv.expectFrame()
	if frame[0] != OpInvocationRequest {
		t.Fatalf("unexpected request opcode: 0x%02x", frame[0])
	}
	id := uint16(frame[1])<<8 | uint16(frame[2])

	u := serverUnmarshaller(t, 3, bytes.NewReader(frame[3:]))
	gotMethod, err := u.ReadObject()
	if err != nil {
		t.Fatalf("read method locator: %v", err)
	}
	if gotMethod.(MethodLocator).Name != "placeOrder" {
		t.Fatalf("unexpected method locator: %#v", gotMethod)
	}
	gotLocator, err := u.ReadObject()
	if err != nil {
		t.Fatalf("read locator: %v", err)
	}
	if gotLocator.(Locator) != testLocator() {
		t.Fatalf("unexpected locator: %#v", gotLocator)
	}
	attachments, err := wire.ReadPackedUint(u)
	if err != nil {
		t.Fatalf("read attachment count: %v", err)
	}
	if attachments != 0 {
		t.Fatalf("expected 0 attachments, got %d", attachments)
	}

	m, body := serverMarshaller(t, 3)
	if err := m.WriteObject("ok"); err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	body.WriteByte(0) // no response attachments
	if err := m.Finish(); err != nil {
		t.Fatalf("finish response: %v", err)
	}
	srv.reply(append([]byte{OpInvocationResponse, byte(id >> 8), byte(id)}, body.Bytes()...))

	result, err := recv.awaitResult(t).GetResult()
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if result != "ok" {
		t.Fatalf("unexpected result: %#v", result)
	}
	if _, ok := invCtx.Attachment(WeakAffinityKey); ok {
		t.Fatalf("unexpected weak affinity attachment")
	}
}

func TestWeakAffinityPropagation(t *testing.T) {
	channel, srv, _ := connect(t, []byte{3})

	invCtx := NewInvocationContext(testLocator(), MethodLocator{Name: "locate"})
	recv := newTestReceiverContext(invCtx)
	channel.ProcessInvocation(context.Background(), recv)

	frame := srv.expectFrame()
	id := uint16(frame[1])<<8 | uint16(frame[2])

	m, body := serverMarshaller(t, 3)
	if err := m.WriteObject("ok"); err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	body.WriteByte(2)
	for _, pair := range [][2]any{
		{WeakAffinityContextKey, NodeAffinity{NodeName: "node-1"}},
		{"x.unknown", "dropped"},
	} {
		if err := m.WriteObject(pair[0]); err != nil {
			t.Fatalf("marshal attachment key: %v", err)
		}
		if err := m.WriteObject(pair[1]); err != nil {
			t.Fatalf("marshal attachment value: %v", err)
		}
	}
	if err := m.Finish(); err != nil {
		t.Fatalf("finish response: %v", err)
	}
	srv.reply(append([]byte{OpInvocationResponse, byte(id >> 8), byte(id)}, body.Bytes()...))

	if _, err := recv.awaitResult(t).GetResult(); err != nil {
		t.Fatalf("get result: %v", err)
	}
	got, ok := invCtx.Attachment(WeakAffinityKey)
	if !ok {
		t.Fatalf("weak affinity attachment missing")
	}
	if got.(NodeAffinity).NodeName != "node-1" {
		t.Fatalf("unexpected weak affinity: %#v", got)
	}
}

func TestCompressedInvocationResponse(t *testing.T) {
	channel, srv, _ := connect(t, []byte{3})

	invCtx := NewInvocationContext(testLocator(), MethodLocator{Name: "bulk"})
	recv := newTestReceiverContext(invCtx)
	channel.ProcessInvocation(context.Background(), recv)

	frame := srv.expectFrame()
	id := uint16(frame[1])<<8 | uint16(frame[2])

	m, body := serverMarshaller(t, 3)
	if err := m.WriteObject("compressed-ok"); err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	body.WriteByte(0)
	if err := m.Finish(); err != nil {
		t.Fatalf("finish response: %v", err)
	}

	var deflated bytes.Buffer
	zw := zlib.NewWriter(&deflated)
	if _, err := zw.Write(body.Bytes()); err != nil {
		t.Fatalf("compress body: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close compressor: %v", err)
	}
	srv.reply(append([]byte{OpCompressedInvocationMessage, byte(id >> 8), byte(id)}, deflated.Bytes()...))

	result, err := recv.awaitResult(t).GetResult()
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if result != "compressed-ok" {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestApplicationExceptionV2AndChannelReuse(t *testing.T) {
	channel, srv, _ := connect(t, []byte{2})
	if channel.Version() != 2 {
		t.Fatalf("unexpected version: %d", channel.Version())
	}

	method := MethodLocator{Name: "charge", ParameterTypes: []string{"java.lang.String", "int"}}
	invCtx := NewInvocationContext(testLocator(), method, "card-1", 42)
	recv := newTestReceiverContext(invCtx)
	channel.ProcessInvocation(context.Background(), recv)

	frame := srv.expectFrame()
	if frame[0] != OpInvocationRequest {
		t.Fatalf("unexpected request opcode: 0x%02x", frame[0])
	}
	id := uint16(frame[1])<<8 | uint16(frame[2])

	// version 2 request layout: the codec stream opens first, then the
	// raw UTF name and signature, then the redundant locator fields as
	// objects
	u := serverUnmarshaller(t, 2, bytes.NewReader(frame[3:]))
	name, err := wire.ReadUTF(u)
	if err != nil {
		t.Fatalf("read method name: %v", err)
	}
	if name != "charge" {
		t.Fatalf("unexpected method name: %q", name)
	}
	sig, err := wire.ReadUTF(u)
	if err != nil {
		t.Fatalf("read signature: %v", err)
	}
	if sig != "java.lang.String,int" {
		t.Fatalf("unexpected signature: %q", sig)
	}
	for i, want := range []string{"shop", "orders", "", "OrderBean"} {
		got, err := u.ReadObject()
		if err != nil {
			t.Fatalf("read locator field %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("locator field %d: got=%#v want=%q", i, got, want)
		}
	}
	if _, err := u.ReadObject(); err != nil {
		t.Fatalf("read locator object: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := u.ReadObject(); err != nil {
			t.Fatalf("read parameter %d: %v", i, err)
		}
	}
	attachments, err := wire.ReadPackedUint(u)
	if err != nil {
		t.Fatalf("read attachment count: %v", err)
	}
	if attachments != 0 {
		t.Fatalf("expected 0 attachments, got %d", attachments)
	}

	m, respBody := serverMarshaller(t, 2)
	if err := m.WriteObject(RemoteException{TypeName: "javax.ejb.EJBException", Message: "card declined"}); err != nil {
		t.Fatalf("marshal exception: %v", err)
	}
	respBody.WriteByte(0) // trailing attachment count on v<3
	if err := m.Finish(); err != nil {
		t.Fatalf("finish response: %v", err)
	}
	srv.reply(append([]byte{OpApplicationException, byte(id >> 8), byte(id)}, respBody.Bytes()...))

	_, err = recv.awaitResult(t).GetResult()
	var appErr *ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected ApplicationError, got %v", err)
	}
	if appErr.Cause.(RemoteException).Message != "card declined" {
		t.Fatalf("unexpected cause: %#v", appErr.Cause)
	}

	// channel stays healthy: a fresh invocation succeeds
	invCtx2 := NewInvocationContext(testLocator(), MethodLocator{Name: "status"})
	recv2 := newTestReceiverContext(invCtx2)
	channel.ProcessInvocation(context.Background(), recv2)

	frame2 := srv.expectFrame()
	id2 := uint16(frame2[1])<<8 | uint16(frame2[2])
	if id2 == id {
		t.Fatalf("expected a fresh invocation id")
	}
	m2, body2 := serverMarshaller(t, 2)
	if err := m2.WriteObject("pending"); err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	body2.WriteByte(0)
	if err := m2.Finish(); err != nil {
		t.Fatalf("finish response: %v", err)
	}
	srv.reply(append([]byte{OpInvocationResponse, byte(id2 >> 8), byte(id2)}, body2.Bytes()...))

	result, err := recv2.awaitResult(t).GetResult()
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if result != "pending" {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestTargetErrorsAreTyped(t *testing.T) {
	channel, srv, _ := connect(t, []byte{3})

	cases := []struct {
		op   byte
		want error
	}{
		{OpNoSuchEJB, ErrTargetMissing},
		{OpNoSuchMethod, ErrMethodMissing},
		{OpSessionNotActive, ErrSessionInactive},
		{OpEJBNotStateful, ErrNotStateful},
	}
	for _, tc := range cases {
		invCtx := NewInvocationContext(testLocator(), MethodLocator{Name: "probe"})
		recv := newTestReceiverContext(invCtx)
		channel.ProcessInvocation(context.Background(), recv)

		frame := srv.expectFrame()
		id := uint16(frame[1])<<8 | uint16(frame[2])

		var detail bytes.Buffer
		if err := wire.WriteUTF(&detail, "nope"); err != nil {
			t.Fatalf("write detail: %v", err)
		}
		srv.reply(append([]byte{tc.op, byte(id >> 8), byte(id)}, detail.Bytes()...))

		_, err := recv.awaitResult(t).GetResult()
		if !errors.Is(err, tc.want) {
			t.Fatalf("opcode 0x%02x: expected %v, got %v", tc.op, tc.want, err)
		}
	}
}

func TestProceedAsyncKeepsInvocationRegistered(t *testing.T) {
	channel, srv, _ := connect(t, []byte{3})

	invCtx := NewInvocationContext(testLocator(), MethodLocator{Name: "slow"})
	recv := newTestReceiverContext(invCtx)
	channel.ProcessInvocation(context.Background(), recv)

	frame := srv.expectFrame()
	id := uint16(frame[1])<<8 | uint16(frame[2])

	srv.reply([]byte{OpProceedAsyncResponse, byte(id >> 8), byte(id)})
	select {
	case <-recv.proceeds:
	case <-time.After(2 * time.Second):
		t.Fatalf("proceed-async not delivered")
	}

	// the real response still arrives under the same id
	m, body := serverMarshaller(t, 3)
	if err := m.WriteObject("late"); err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	body.WriteByte(0)
	if err := m.Finish(); err != nil {
		t.Fatalf("finish response: %v", err)
	}
	srv.reply(append([]byte{OpInvocationResponse, byte(id >> 8), byte(id)}, body.Bytes()...))

	result, err := recv.awaitResult(t).GetResult()
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if result != "late" {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestUnknownOpcodeFailsInvocationOnly(t *testing.T) {
	channel, srv, _ := connect(t, []byte{3})

	invCtx := NewInvocationContext(testLocator(), MethodLocator{Name: "probe"})
	recv := newTestReceiverContext(invCtx)
	channel.ProcessInvocation(context.Background(), recv)

	frame := srv.expectFrame()
	id := uint16(frame[1])<<8 | uint16(frame[2])
	srv.reply([]byte{0x7f, byte(id >> 8), byte(id), 1, 2, 3})

	_, err := recv.awaitResult(t).GetResult()
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if channel.Closed() {
		t.Fatalf("channel must stay open after a protocol error response")
	}
}

func TestOpenSessionSuccess(t *testing.T) {
	channel, srv, _ := connect(t, []byte{3})

	type sessionResult struct {
		loc StatefulLocator
		err error
	}
	got := make(chan sessionResult, 1)
	go func() {
		loc, err := channel.OpenSession(context.Background(), Locator{ModuleName: "orders", BeanName: "CartBean"})
		got <- sessionResult{loc: loc, err: err}
	}()

	frame := srv.expectFrame()
	if frame[0] != OpOpenSessionRequest {
		t.Fatalf("unexpected opcode: 0x%02x", frame[0])
	}
	id := uint16(frame[1])<<8 | uint16(frame[2])
	body := bytes.NewReader(frame[3:])
	for i, want := range []string{"", "orders", "CartBean", ""} {
		s, err := wire.ReadUTF(body)
		if err != nil {
			t.Fatalf("read identifier %d: %v", i, err)
		}
		if s != want {
			t.Fatalf("identifier %d: got=%q want=%q", i, s, want)
		}
	}

	var resp bytes.Buffer
	sessionID := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := wire.WritePackedUint(&resp, uint32(len(sessionID))); err != nil {
		t.Fatalf("write session id length: %v", err)
	}
	resp.Write(sessionID)
	f, err := marshal.GetProvidedFactory(river.Name)
	if err != nil {
		t.Fatalf("get river factory: %v", err)
	}
	m, err := f.CreateMarshaller(MarshallingConfiguration(3))
	if err != nil {
		t.Fatalf("create marshaller: %v", err)
	}
	if err := m.Start(&resp); err != nil {
		t.Fatalf("start marshaller: %v", err)
	}
	if err := m.WriteObject(ClusterAffinity{ClusterName: "web"}); err != nil {
		t.Fatalf("marshal affinity: %v", err)
	}
	if err := m.Finish(); err != nil {
		t.Fatalf("finish marshaller: %v", err)
	}
	srv.reply(append([]byte{OpOpenSessionResponse, byte(id >> 8), byte(id)}, resp.Bytes()...))

	res := <-got
	if res.err != nil {
		t.Fatalf("open session: %v", res.err)
	}
	if !bytes.Equal(res.loc.SessionID, sessionID) {
		t.Fatalf("unexpected session id: %x", res.loc.SessionID)
	}
	if res.loc.Affinity.(ClusterAffinity).ClusterName != "web" {
		t.Fatalf("unexpected affinity: %#v", res.loc.Affinity)
	}
	if res.loc.BeanName != "CartBean" {
		t.Fatalf("unexpected locator: %#v", res.loc.Locator)
	}
}

func TestOpenSessionRejectsInvalidLocator(t *testing.T) {
	channel, _, _ := connect(t, []byte{3})
	_, err := channel.OpenSession(context.Background(), Locator{ModuleName: "orders"})
	if !errors.Is(err, ErrInvalidLocator) {
		t.Fatalf("expected ErrInvalidLocator, got %v", err)
	}
}

func TestChannelCloseDuringSessionWait(t *testing.T) {
	channel, srv, _ := connect(t, []byte{3})

	errs := make(chan error, 1)
	go func() {
		_, err := channel.OpenSession(context.Background(), Locator{ModuleName: "orders", BeanName: "CartBean"})
		errs <- err
	}()

	srv.expectFrame() // open-session request, never answered
	srv.ch.CloseAsync()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("expected ErrChannelClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("open session did not observe closure")
	}

	// closed flag is permanent: the next attempt fails immediately
	_, err := channel.OpenSession(context.Background(), Locator{ModuleName: "orders", BeanName: "CartBean"})
	if !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed on closed channel, got %v", err)
	}
}

func TestChannelCloseCancelsPendingMethodInvocation(t *testing.T) {
	channel, srv, _ := connect(t, []byte{3})

	invCtx := NewInvocationContext(testLocator(), MethodLocator{Name: "hang"})
	recv := newTestReceiverContext(invCtx)
	channel.ProcessInvocation(context.Background(), recv)

	srv.expectFrame()
	srv.ch.CloseAsync()

	_, err := recv.awaitResult(t).GetResult()
	if !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}

	// a new invocation on the closed channel is cancelled outright
	recv2 := newTestReceiverContext(NewInvocationContext(testLocator(), MethodLocator{Name: "hang"}))
	channel.ProcessInvocation(context.Background(), recv2)
	select {
	case <-recv2.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatalf("invocation on closed channel not cancelled")
	}
}

func TestResponseForUnknownIdIsDiscarded(t *testing.T) {
	channel, srv, _ := connect(t, []byte{3})

	srv.reply([]byte{OpInvocationResponse, 0x12, 0x34, 9, 9, 9})

	// the channel keeps working afterwards
	invCtx := NewInvocationContext(testLocator(), MethodLocator{Name: "ping"})
	recv := newTestReceiverContext(invCtx)
	channel.ProcessInvocation(context.Background(), recv)

	frame := srv.expectFrame()
	id := uint16(frame[1])<<8 | uint16(frame[2])
	m, body := serverMarshaller(t, 3)
	if err := m.WriteObject("pong"); err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	body.WriteByte(0)
	if err := m.Finish(); err != nil {
		t.Fatalf("finish response: %v", err)
	}
	srv.reply(append([]byte{OpInvocationResponse, byte(id >> 8), byte(id)}, body.Bytes()...))

	result, err := recv.awaitResult(t).GetResult()
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if result != "pong" {
		t.Fatalf("unexpected result: %#v", result)
	}
}
