// File: protocol/handshake.go
// Package protocol implements RFC 6455 §4 HTTP Upgrade handshake
// validation and the Sec-WebSocket-Accept key derivation.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Works directly off a raw header block the connection state machine has
// already confirmed is complete (ends in CRLF-CRLF) rather than an
// io.Reader, since the state machine owns the accumulation buffer
// (spec.md §4.D: "caller has detected CRLF-CRLF"), and performs the
// header scan case-insensitively everywhere (spec.md §9 open question
// 1's resolution).

package protocol

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"strings"

	"github.com/wsforge/wsserver/api"
)

// WebSocketGUID is the RFC 6455 handshake magic value.
const WebSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const requiredVersion = "13"

// Handshake is the parsed client request, spec.md §3 "Handshake info".
type Handshake struct {
	Host               string
	Origin             string
	Key                string
	Version            string
	Protocols          []string // requested, in client order
	Extensions         []string
	Headers            map[string][]string // all raw headers, insertion order lost (map), values preserved
	SelectedProtocol   string
}

// ParseHandshake validates raw (a complete HTTP header block, CRLF line
// endings, terminated by the blank line) against spec.md §4.D's checks, in
// order. On any failure it returns a nil *Handshake and an
// ErrWebSocketHandshakeFailed-wrapped api.Result.
func ParseHandshake(raw []byte) (*Handshake, *api.Result) {
	fail := func() (*Handshake, *api.Result) {
		r := api.NewResult(api.ErrWebSocketHandshakeFailed, 0)
		return nil, &r
	}

	br := bufio.NewReader(bytes.NewReader(raw))

	requestLine, err := br.ReadString('\n')
	if err != nil {
		return fail()
	}
	tokens := strings.Fields(strings.TrimSpace(requestLine))
	if len(tokens) != 3 {
		return fail()
	}
	method, _, version := tokens[0], tokens[1], tokens[2]
	if method != "GET" || version != "HTTP/1.1" {
		return fail()
	}

	headers := make(map[string][]string)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return fail()
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		idx := strings.IndexByte(trimmed, ':')
		if idx < 0 {
			continue
		}
		name := api.CanonicalHeaderKey(strings.TrimSpace(trimmed[:idx]))
		value := strings.TrimSpace(trimmed[idx+1:])
		headers[name] = append(headers[name], value)
	}

	if !headerContainsToken(headers, "Upgrade", "websocket") {
		return fail()
	}
	if !headerContainsToken(headers, "Connection", "upgrade") {
		return fail()
	}

	key := firstHeader(headers, "Sec-Websocket-Key")
	if len(strings.TrimSpace(key)) < 16 {
		return fail()
	}

	if firstHeader(headers, "Sec-Websocket-Version") != requiredVersion {
		return fail()
	}

	host := firstHeader(headers, "Host")
	if host == "" {
		return fail()
	}

	h := &Handshake{
		Host:       host,
		Origin:     firstHeader(headers, "Origin"),
		Key:        strings.TrimSpace(key),
		Version:    requiredVersion,
		Protocols:  splitCommaList(firstHeader(headers, "Sec-Websocket-Protocol")),
		Extensions: splitCommaList(firstHeader(headers, "Sec-Websocket-Extensions")),
		Headers:    headers,
	}
	return h, nil
}

// AcceptKey derives Sec-WebSocket-Accept from the client's key per RFC
// 6455 §1.3: concatenate key and WebSocketGUID, SHA-1, base64-encode.
func AcceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey))
	h.Write([]byte(WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// NegotiateSubprotocol returns the first client-requested protocol that is
// also present in serverProtocols; client preference wins on tie (spec.md
// §4.D). Returns "" if there is no intersection.
func NegotiateSubprotocol(clientProtocols, serverProtocols []string) string {
	serverSet := make(map[string]struct{}, len(serverProtocols))
	for _, p := range serverProtocols {
		serverSet[p] = struct{}{}
	}
	for _, p := range clientProtocols {
		if _, ok := serverSet[p]; ok {
			return p
		}
	}
	return ""
}

// BuildSwitchingProtocolsResponse renders the HTTP/1.1 101 response
// described in spec.md §4.D, including the Sec-WebSocket-Protocol header
// only when selectedProtocol is non-empty.
func BuildSwitchingProtocolsResponse(acceptKey, selectedProtocol string) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: ")
	b.WriteString(acceptKey)
	b.WriteString("\r\n")
	if selectedProtocol != "" {
		b.WriteString("Sec-WebSocket-Protocol: ")
		b.WriteString(selectedProtocol)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// BuildBadRequestResponse renders the 400-class response sent when
// handshake validation fails (spec.md §7 user-visible failure behaviour).
func BuildBadRequestResponse() []byte {
	body := "Bad Request"
	var b strings.Builder
	b.WriteString("HTTP/1.1 400 Bad Request\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Length: ")
	b.WriteString(itoa(len(body)))
	b.WriteString("\r\n")
	b.WriteString("Connection: close\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func headerContainsToken(headers map[string][]string, name, token string) bool {
	token = strings.ToLower(token)
	for _, v := range headers[api.CanonicalHeaderKey(name)] {
		for _, part := range strings.Split(v, ",") {
			if strings.ToLower(strings.TrimSpace(part)) == token {
				return true
			}
		}
	}
	return false
}

func firstHeader(headers map[string][]string, name string) string {
	vs := headers[api.CanonicalHeaderKey(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

func splitCommaList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
