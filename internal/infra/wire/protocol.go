// Package wire defines the capability protocol carried over a JSON-RPC
// connection: a version handshake, a listing request, and correlated
// invocations. The byte encoding belongs to the underlying transport.
package wire

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

const (
	MethodHandshake = "session/handshake"
	MethodList      = "capabilities/list"
	MethodInvoke    = "capabilities/invoke"
)

// JSON-RPC error codes used for request-level failures. Handler and
// capability errors travel inside InvokeResult instead, so a response always
// correlates back to its request.
const (
	CodeMethodNotFound      int64 = -32601
	CodeInvalidParams       int64 = -32602
	CodeHandshakeRequired   int64 = -32001
	CodeIncompatibleVersion int64 = -32002
)

// HandshakeParams opens a session. Version is the single protocol integer.
type HandshakeParams struct {
	Version    int    `json:"version"`
	ClientName string `json:"clientName,omitempty"`
}

// HandshakeResult acknowledges a session. The server always reports its own
// version so a rejected client can log both sides.
type HandshakeResult struct {
	Version    int    `json:"version"`
	ServerName string `json:"serverName,omitempty"`
}

// Descriptor is the wire shape of one capability. The input schema travels
// as a JSON Schema object; parameter declaration order is not preserved
// across the wire.
type Descriptor struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Kind        string             `json:"kind"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}

// ListResult carries a full listing plus its content hash.
type ListResult struct {
	Capabilities []Descriptor `json:"capabilities"`
	ETag         string       `json:"etag,omitempty"`
}

// InvokeParams names the capability and its arguments.
type InvokeParams struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// InvokeResult carries either a result value or a typed error, never both.
type InvokeResult struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the typed failure shape crossing the wire.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
