package ejb

import "github.com/danmuck/beanrpc/internal/protocol/marshal"

// ChannelName is the transport channel the protocol runs on.
const ChannelName = "ejb"

// LatestVersion is the highest protocol version this client speaks.
const LatestVersion = 3

// handshakeCodecTag is the codec announcement sent after the version
// byte: a length-prefixed short name.
var handshakeCodecTag = []byte{5, 'r', 'i', 'v', 'e', 'r'}

// Request and response opcodes. Every frame except the two handshake
// messages (server greeting and client version selection) carries the
// opcode followed by a big-endian u16 invocation id.
const (
	OpOpenSessionRequest          byte = 0x01
	OpOpenSessionResponse         byte = 0x02
	OpInvocationRequest           byte = 0x03
	OpInvocationResponse          byte = 0x05
	OpApplicationException        byte = 0x06
	OpModuleAvailable             byte = 0x08
	OpModuleUnavailable           byte = 0x09
	OpNoSuchEJB                   byte = 0x0a
	OpNoSuchMethod                byte = 0x0b
	OpSessionNotActive            byte = 0x0c
	OpEJBNotStateful              byte = 0x0d
	OpProceedAsyncResponse        byte = 0x0e
	OpCompressedInvocationMessage byte = 0x1b
)

// protocolTable is an opaque out-of-band table agreement handed to the
// codec; both peers must select the same tables for a given version.
type protocolTable struct {
	name string
}

var (
	protocolV1ClassTable  = &protocolTable{name: "class-table-v1"}
	protocolV1ObjectTable = &protocolTable{name: "object-table-v1"}
	protocolV3ClassTable  = &protocolTable{name: "class-table-v3"}
	protocolV3ObjectTable = &protocolTable{name: "object-table-v3"}
)

// MarshallingConfiguration maps the negotiated protocol version to the
// codec dialect: versions 1 and 2 share the V1 tables and stream
// version 2, version 3 and later use the V3 tables and stream version 4.
func MarshallingConfiguration(version int) marshal.Configuration {
	if version < 3 {
		return marshal.Configuration{
			ClassTable:  protocolV1ClassTable,
			ObjectTable: protocolV1ObjectTable,
			Version:     2,
		}
	}
	return marshal.Configuration{
		ClassTable:  protocolV3ClassTable,
		ObjectTable: protocolV3ObjectTable,
		Version:     4,
	}
}

func opcodeName(op byte) string {
	switch op {
	case OpOpenSessionRequest:
		return "open_session_request"
	case OpOpenSessionResponse:
		return "open_session_response"
	case OpInvocationRequest:
		return "invocation_request"
	case OpInvocationResponse:
		return "invocation_response"
	case OpApplicationException:
		return "application_exception"
	case OpModuleAvailable:
		return "module_available"
	case OpModuleUnavailable:
		return "module_unavailable"
	case OpNoSuchEJB:
		return "no_such_ejb"
	case OpNoSuchMethod:
		return "no_such_method"
	case OpSessionNotActive:
		return "session_not_active"
	case OpEJBNotStateful:
		return "ejb_not_stateful"
	case OpProceedAsyncResponse:
		return "proceed_async_response"
	case OpCompressedInvocationMessage:
		return "compressed_invocation_message"
	default:
		return "unknown"
	}
}
