package wire

import (
	"bytes"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// EncodeMessage serializes v (one of the *Request/*Response types below, or
// any struct of exported fields) using the same big-endian, length-prefixed
// encoding XDR (RFC 4506) defines for opaque data — the shape the original
// protocol calls for without naming a concrete codec.
func EncodeMessage(v any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage deserializes payload into v, which must be a pointer.
func DecodeMessage(payload []byte, v any) error {
	_, err := xdr.Unmarshal(bytes.NewReader(payload), v)
	return err
}

// GetSupportedRPCVersionsRequest carries no fields; GET_SUPPORTED_RPC_VERSIONS
// must be the first RPC a client issues against a server it hasn't spoken to.
type GetSupportedRPCVersionsRequest struct{}

// GetSupportedRPCVersionsResponse reports the inclusive range of wire
// versions the server accepts.
type GetSupportedRPCVersionsResponse struct {
	MinVersion uint32
	MaxVersion uint32
}

// OpenSessionRequest opens a new exactly-once session.
type OpenSessionRequest struct{}

// OpenSessionResponse returns the new session's client ID.
type OpenSessionResponse struct {
	ClientID uint64
}

// ConfigurationServer describes one member of a cluster configuration.
type ConfigurationServer struct {
	ServerID uint64
	Address  string
}

// GetConfigurationRequest has no fields.
type GetConfigurationRequest struct{}

// GetConfigurationResponse reports the stable configuration ID and the
// current server list.
type GetConfigurationResponse struct {
	ID      uint64
	Servers []ConfigurationServer
}

// SetConfigurationRequest replaces the cluster configuration, conditioned on
// the client having observed OldID as the current configuration.
type SetConfigurationRequest struct {
	OldID      uint64
	NewServers []ConfigurationServer
}

// SetConfigurationResult enumerates the outcomes SET_CONFIGURATION may report
// in a successful (status OK) response.
type SetConfigurationResult uint32

const (
	ConfigurationOK SetConfigurationResult = iota
	ConfigurationChanged
	ConfigurationBad
)

// SetConfigurationResponse reports the outcome of a configuration change.
type SetConfigurationResponse struct {
	Result SetConfigurationResult
	// BadServers is populated when Result is ConfigurationBad, naming the
	// servers that kept the new configuration from reaching quorum.
	BadServers []ConfigurationServer
}

// ExactlyOnceRPCInfo is attached to mutating tree RPCs so the server can
// deduplicate retried requests.
type ExactlyOnceRPCInfo struct {
	ClientID            uint64
	FirstOutstandingRPC uint64
	RPCNumber           uint64
}

// ReadOnlyTreeRequest carries an opaque, tree-implementation-specific query.
// The tree state machine itself is out of scope here; the payload is
// forwarded verbatim.
type ReadOnlyTreeRequest struct {
	Query []byte
}

// ReadOnlyTreeResponse carries the opaque result of a read-only query.
type ReadOnlyTreeResponse struct {
	Result []byte
}

// ReadWriteTreeRequest carries an opaque mutating command plus the
// exactly-once metadata needed to deduplicate it.
type ReadWriteTreeRequest struct {
	ExactlyOnce ExactlyOnceRPCInfo
	Command     []byte
}

// ReadWriteTreeResponse carries the opaque result of a mutating command.
type ReadWriteTreeResponse struct {
	Result []byte
}
