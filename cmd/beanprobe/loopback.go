package main

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/beanrpc/internal/protocol/ejb"
	"github.com/danmuck/beanrpc/internal/protocol/marshal"
	"github.com/danmuck/beanrpc/internal/protocol/marshal/river"
	"github.com/danmuck/beanrpc/internal/protocol/wire"
	"github.com/danmuck/beanrpc/internal/remoting"
	"github.com/danmuck/beanrpc/internal/remoting/memchan"
)

// startLoopback brings up an in-process responder so the probe can
// exercise the full handshake and session-open path without a server.
func startLoopback() (remoting.Connection, func()) {
	clientEnd, serverEnd := memchan.Pair()
	go serveLoopback(serverEnd)
	stop := func() {
		_ = clientEnd.Close()
		_ = serverEnd.Close()
	}
	return clientEnd, stop
}

type loopbackResponder struct {
	version int
}

func serveLoopback(endpoint *memchan.Endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ch, err := endpoint.AcceptChannel(ctx, ejb.ChannelName)
	if err != nil {
		log.Warn().Err(err).Msg("loopback: accept failed")
		return
	}

	out, err := ch.WriteMessage()
	if err != nil {
		log.Warn().Err(err).Msg("loopback: greeting failed")
		return
	}
	// greeting: our maximum version plus padding the client discards
	if _, err := out.Write([]byte{ejb.LatestVersion, 0x00}); err != nil {
		log.Warn().Err(err).Msg("loopback: greeting failed")
		return
	}
	if err := out.Close(); err != nil {
		log.Warn().Err(err).Msg("loopback: greeting failed")
		return
	}

	r := &loopbackResponder{}
	ch.ReceiveMessage(&loopbackReceiver{responder: r, selection: true})
}

type loopbackReceiver struct {
	responder *loopbackResponder
	selection bool
}

func (l *loopbackReceiver) HandleMessage(ch remoting.Channel, msg remoting.MessageInputStream) {
	defer msg.Close()
	frame, err := io.ReadAll(msg)
	if err != nil {
		log.Warn().Err(err).Msg("loopback: read frame")
		return
	}
	if l.selection {
		if len(frame) < 1 {
			log.Warn().Msg("loopback: empty version selection")
			return
		}
		l.responder.version = int(frame[0])
		log.Debug().Int("version", l.responder.version).Msg("loopback: version selected")
	} else {
		l.responder.handleRequest(ch, frame)
	}
	ch.ReceiveMessage(&loopbackReceiver{responder: l.responder})
}

func (l *loopbackReceiver) HandleError(ch remoting.Channel, err error) {
	log.Warn().Err(err).Msg("loopback: receive error")
}

func (l *loopbackReceiver) HandleEnd(ch remoting.Channel) {}

func (r *loopbackResponder) handleRequest(ch remoting.Channel, frame []byte) {
	if len(frame) < 3 {
		return
	}
	op := frame[0]
	id := frame[1:3]

	switch op {
	case ejb.OpOpenSessionRequest:
		r.replyOpenSession(ch, id)
	default:
		var detail bytes.Buffer
		_ = wire.WriteUTF(&detail, "loopback responder only opens sessions")
		r.reply(ch, ejb.OpNoSuchEJB, id, detail.Bytes())
	}
}

func (r *loopbackResponder) replyOpenSession(ch remoting.Channel, id []byte) {
	var body bytes.Buffer
	sessionID := []byte{0x10, 0x20, 0x30, 0x40}
	if err := wire.WritePackedUint(&body, uint32(len(sessionID))); err != nil {
		log.Warn().Err(err).Msg("loopback: encode session id")
		return
	}
	body.Write(sessionID)

	factory, err := marshal.GetProvidedFactory(river.Name)
	if err != nil {
		log.Warn().Err(err).Msg("loopback: codec missing")
		return
	}
	m, err := factory.CreateMarshaller(ejb.MarshallingConfiguration(r.version))
	if err != nil {
		log.Warn().Err(err).Msg("loopback: create marshaller")
		return
	}
	if err := m.Start(&body); err != nil {
		log.Warn().Err(err).Msg("loopback: start marshaller")
		return
	}
	if err := m.WriteObject(ejb.NodeAffinity{NodeName: "loopback"}); err != nil {
		log.Warn().Err(err).Msg("loopback: marshal affinity")
		return
	}
	if err := m.Finish(); err != nil {
		log.Warn().Err(err).Msg("loopback: finish marshaller")
		return
	}
	r.reply(ch, ejb.OpOpenSessionResponse, id, body.Bytes())
}

func (r *loopbackResponder) reply(ch remoting.Channel, op byte, id, body []byte) {
	out, err := ch.WriteMessage()
	if err != nil {
		log.Warn().Err(err).Msg("loopback: write reply")
		return
	}
	if _, err := out.Write(append(append([]byte{op}, id...), body...)); err != nil {
		log.Warn().Err(err).Msg("loopback: write reply")
		_ = out.Cancel()
		_ = out.Close()
		return
	}
	if err := out.Close(); err != nil {
		log.Warn().Err(err).Msg("loopback: close reply")
	}
}
