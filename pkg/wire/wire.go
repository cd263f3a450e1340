// Package wire implements the client-leader RPC wire format: the framed
// request/response header, the op-code and status enums, and the big-endian
// envelope around an opaque, serialized payload.
package wire

import (
	"errors"
	"fmt"
)

// Version is the only client wire version this package understands.
const Version uint8 = 1

// ErrMalformedFrame is returned by DecodeResponse when buf is shorter than
// the response header.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// OpCode identifies which RPC a request frame carries.
type OpCode uint8

// The version-1 op-code set. GetSupportedRPCVersions must be the first RPC a
// client issues against a server it has not spoken to before.
const (
	OpGetSupportedRPCVersions OpCode = 0
	OpOpenSession             OpCode = 1
	OpGetConfiguration        OpCode = 2
	OpSetConfiguration        OpCode = 3
	OpReadOnlyTree            OpCode = 4
	OpReadWriteTree           OpCode = 5
)

func (o OpCode) String() string {
	switch o {
	case OpGetSupportedRPCVersions:
		return "GET_SUPPORTED_RPC_VERSIONS"
	case OpOpenSession:
		return "OPEN_SESSION"
	case OpGetConfiguration:
		return "GET_CONFIGURATION"
	case OpSetConfiguration:
		return "SET_CONFIGURATION"
	case OpReadOnlyTree:
		return "READ_ONLY_TREE"
	case OpReadWriteTree:
		return "READ_WRITE_TREE"
	default:
		return fmt.Sprintf("OpCode(%d)", uint8(o))
	}
}

// Status is the response status byte. It is a closed enum: any value not
// listed here is a fatal protocol violation for the caller to handle.
type Status uint8

const (
	StatusOK              Status = 0
	StatusInvalidVersion  Status = 1
	StatusInvalidRequest  Status = 2
	StatusNotLeader       Status = 3
	StatusSessionExpired  Status = 4
)

// Known reports whether s is one of the statuses defined above. Any other
// value is a fatal protocol violation — see pkg/leaderrpc.
func Known(s Status) bool {
	switch s {
	case StatusOK, StatusInvalidVersion, StatusInvalidRequest, StatusNotLeader, StatusSessionExpired:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInvalidVersion:
		return "INVALID_VERSION"
	case StatusInvalidRequest:
		return "INVALID_REQUEST"
	case StatusNotLeader:
		return "NOT_LEADER"
	case StatusSessionExpired:
		return "SESSION_EXPIRED"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// EncodeRequest builds a full request frame: a 2-byte header (version,
// op_code) followed by payload. payload is assumed already serialized (see
// EncodeMessage).
func EncodeRequest(version uint8, op OpCode, payload []byte) []byte {
	buf := make([]byte, 2+len(payload))
	buf[0] = version
	buf[1] = uint8(op)
	copy(buf[2:], payload)
	return buf
}

// DecodeResponse reads the 1-byte status header and returns it along with the
// remaining bytes (the payload, if any). It never interprets the payload.
func DecodeResponse(buf []byte) (status Status, remainder []byte, err error) {
	if len(buf) < 1 {
		return 0, nil, ErrMalformedFrame
	}
	return Status(buf[0]), buf[1:], nil
}

// EncodeResponse is the server-side counterpart to DecodeResponse, used by
// internal/cabinserver and by tests that play the server role.
func EncodeResponse(status Status, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = uint8(status)
	copy(buf[1:], payload)
	return buf
}

// DecodeRequest is the server-side counterpart to EncodeRequest.
func DecodeRequest(buf []byte) (version uint8, op OpCode, payload []byte, err error) {
	if len(buf) < 2 {
		return 0, 0, nil, ErrMalformedFrame
	}
	return buf[0], OpCode(buf[1]), buf[2:], nil
}

// NotLeaderHint extracts the optional leader hint from a NOT_LEADER payload.
// The wire format is a null-terminated UTF-8 host:port string; an empty
// payload means no hint was provided. A payload lacking a terminating NUL is
// treated as having no hint (malformed, but advisory — never fatal).
func NotLeaderHint(payload []byte) (addr string, ok bool) {
	if len(payload) == 0 {
		return "", false
	}
	for i, b := range payload {
		if b == 0 {
			return string(payload[:i]), true
		}
	}
	return "", false
}

// EncodeNotLeaderHint is the server-side counterpart to NotLeaderHint. An
// empty addr encodes as an empty payload (no hint).
func EncodeNotLeaderHint(addr string) []byte {
	if addr == "" {
		return nil
	}
	buf := make([]byte, len(addr)+1)
	copy(buf, addr)
	return buf
}
