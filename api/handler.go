// File: api/handler.go
// Package api defines the embedder callback surface the connection state
// machine invokes.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// All callbacks run synchronously on the connection's state-machine
// goroutine (spec.md §6, "Embedder callbacks"), except OnSecurityViolation
// for an admission rejection, which runs on the server's accept-loop
// goroutine before any worker is involved. Handler groups them so a
// Server can be constructed with a single implementation, mirroring the
// teacher's single api.Handler contract (api/handler.go) generalized from
// one Handle(data any) method to the six callbacks this spec names.

package api

// HTTPRequest is the classified HTTP request handed to OnHttpRequest.
type HTTPRequest struct {
	Method   string
	Path     string
	Version  string
	Headers  map[string][]string
	Body     []byte
	ClientIP string
}

// Header returns the first value for a case-insensitively matched header,
// or "" if absent. Headers are stored canonicalized by the caller.
func (r *HTTPRequest) Header(name string) string {
	if vs, ok := r.Headers[CanonicalHeaderKey(name)]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// WSMessage is a fully reassembled, UTF-8-validated (if text) WebSocket
// message delivered to OnWebSocketMessage.
type WSMessage struct {
	Opcode   byte // OpcodeText or OpcodeBinary
	Data     []byte
	ClientIP string
}

// Handler is the embedder callback surface. Every method is synchronous on
// the state-machine goroutine driving the connection (admission-rejection
// OnSecurityViolation calls excepted, see above); an implementation
// that blocks holds up that one connection only (spec.md §5 ordering
// guarantees are per-connection).
type Handler interface {
	// OnHttpRequest computes the response body for a classified HTTP
	// request.
	OnHttpRequest(req *HTTPRequest) string

	// OnWebSocketMessage processes one complete WebSocket message; a
	// non-empty return is echoed back as a TEXT frame.
	OnWebSocketMessage(msg *WSMessage) string

	// OnConnect fires once admission succeeds for a new connection.
	OnConnect(clientIP string)

	// OnDisconnect fires once a connection reaches CLOSED.
	OnDisconnect(clientIP string)

	// OnSecurityViolation fires on any admission rejection or size-cap
	// breach.
	OnSecurityViolation(clientIP, reason string)

	// OnError fires on any non-fatal internal error.
	OnError(description string)
}

// CanonicalHeaderKey normalizes a header name the way net/textproto does,
// without importing it for this one call, keeping the protocol package
// free of net/http/net/textproto dependencies on its parse path.
func CanonicalHeaderKey(name string) string {
	b := []byte(name)
	upper := true
	for i, c := range b {
		if upper && 'a' <= c && c <= 'z' {
			b[i] = c - 'a' + 'A'
		} else if !upper && 'A' <= c && c <= 'Z' {
			b[i] = c - 'A' + 'a'
		}
		upper = c == '-'
	}
	return string(b)
}
