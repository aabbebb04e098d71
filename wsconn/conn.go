// File: wsconn/conn.go
// Package wsconn is the per-connection state machine (spec.md §2 component
// G, §4.G): owns one socket and its receive buffer, drives
// ACCEPTED -> RECEIVING -> CLASSIFIED -> HTTP_RESPONDING | WS_HANDSHAKING
// -> WS_OPEN -> CLOSING -> CLOSED.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Field shape: transport handle, buffer pool, plain int64 byte/frame
// counters, handler indirection. Control-frame dispatch (ping/pong/close) is inline
// rather than channel-driven, via an explicit state field advanced by a
// single receive-buffer classifier, since spec.md requires one connection
// to pass through HTTP and WebSocket phases rather than assume WebSocket
// from the start.

package wsconn

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/wsforge/wsserver/admission"
	"github.com/wsforge/wsserver/api"
	"github.com/wsforge/wsserver/protocol"
)

// State is one node of the connection lifecycle (spec.md §4.G).
type State int

const (
	StateAccepted State = iota
	StateReceiving
	StateClassified
	StateHTTPResponding
	StateWSHandshaking
	StateWSOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "ACCEPTED"
	case StateReceiving:
		return "RECEIVING"
	case StateClassified:
		return "CLASSIFIED"
	case StateHTTPResponding:
		return "HTTP_RESPONDING"
	case StateWSHandshaking:
		return "WS_HANDSHAKING"
	case StateWSOpen:
		return "WS_OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Transport is the minimal socket surface this package depends on; the
// socket package's linux/windows Socket types each satisfy it.
type Transport interface {
	Send([]byte) (int, error)
	Receive(max int) ([]byte, error)
	// ReceiveInto reads into a caller-supplied buffer, letting the caller
	// source that buffer from an api.BufferPool instead of forcing a
	// fresh allocation per read (spec.md §5 "Buffer reuse").
	ReceiveInto(buf []byte) (int, error)
	Close() error
}

// Limits bounds the state machine's buffering (spec.md §4.G, §8).
type Limits struct {
	IdleTimeout        time.Duration
	HTTPRequestCap     int
	WSFrameCap         int
	WSMessageCap       int
	ReceiveChunk       int
}

// DefaultLimits mirrors admission.DefaultConfig's size caps.
func DefaultLimits() Limits {
	return Limits{
		IdleTimeout:    300 * time.Second,
		HTTPRequestCap: 1 << 20,
		WSFrameCap:     1 << 20,
		WSMessageCap:   1 << 20,
		ReceiveChunk:   16 << 10,
	}
}

// Conn owns one accepted socket and its receive buffer through the full
// HTTP-or-WebSocket lifecycle.
type Conn struct {
	transport Transport
	pool      api.BufferPool
	handler   api.Handler
	adm       *admission.Controller
	limits    Limits
	serverProtocols []string
	log       hclog.Logger

	clientIP string
	connectedAt time.Time
	deadline    time.Time
	lastActivity time.Time

	mu    sync.Mutex
	state State

	recvBuf bytes.Buffer

	isWebSocket   bool
	closeSent     bool
	closeReceived bool

	fragOpcode  byte
	fragBuf     bytes.Buffer
	fragActive  bool

	bytesReceived  int64
	bytesSent      int64
	framesReceived int64
	framesSent     int64
}

// New constructs a Conn in state ACCEPTED. serverProtocols is the set of
// WebSocket subprotocols this embedder supports, consulted against the
// client's Sec-WebSocket-Protocol offer during handshake (spec.md §4.D);
// pass nil if the embedder does not negotiate subprotocols.
func New(tr Transport, clientIP string, pool api.BufferPool, handler api.Handler, adm *admission.Controller, limits Limits, serverProtocols []string, log hclog.Logger) *Conn {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	now := time.Now()
	return &Conn{
		transport:       tr,
		pool:            pool,
		handler:         handler,
		adm:             adm,
		limits:          limits,
		serverProtocols: serverProtocols,
		log:             log.Named("conn").With("client_ip", clientIP),
		clientIP:        clientIP,
		connectedAt:     now,
		lastActivity:    now,
		state:           StateAccepted,
	}
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Admit transitions ACCEPTED -> RECEIVING, establishes the idle deadline
// (spec.md §4.G first bullet) and fires OnConnect.
func (c *Conn) Admit() {
	now := time.Now()
	c.mu.Lock()
	c.lastActivity = now
	c.deadline = now.Add(c.limits.IdleTimeout)
	c.state = StateReceiving
	c.mu.Unlock()
	if c.handler != nil {
		c.handler.OnConnect(c.clientIP)
	}
}

// touch records activity, refreshing both this connection's own idle
// deadline and the admission controller's independent last-activity
// tracking (spec.md §4.F idle timeout, §4.G deadline).
func (c *Conn) touch() {
	now := time.Now()
	c.mu.Lock()
	c.lastActivity = now
	c.deadline = now.Add(c.limits.IdleTimeout)
	c.mu.Unlock()
	if c.adm != nil {
		c.adm.Touch(c.clientIP)
	}
}

// IdleTimedOut reports whether the connection has gone past its idle
// deadline. Safe to call from another goroutine, e.g. server housekeeping
// (spec.md §5 "housekeeping tick").
func (c *Conn) IdleTimedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().After(c.deadline)
}

// ForceClose marks the connection for closing on its next ServeOnce
// iteration, e.g. when its IP is added to the admission blocklist mid-
// connection (spec.md §4.F "Dynamic management") or when housekeeping
// reaps an idle connection.
func (c *Conn) ForceClose() {
	c.setState(StateClosing)
}

// violate reports a size-cap or admission breach to the embedder
// (spec.md §6 callback table: "OnSecurityViolation … on any admission
// rejection or size-cap breach").
func (c *Conn) violate(reason string) {
	if c.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("security violation callback panic", "recover", r)
		}
	}()
	c.handler.OnSecurityViolation(c.clientIP, reason)
}

// requestSizeLimited reports whether HTTP request size enforcement
// applies: loopback peers and a disabled toggle both bypass it (spec.md
// §4.F "loopback IPs bypass all size checks").
func (c *Conn) requestSizeLimited() bool {
	if admission.IsLoopback(c.clientIP) {
		return false
	}
	if c.adm == nil {
		return true
	}
	return c.adm.RequestSizeLimitEnabled()
}

// messageSizeLimited is requestSizeLimited's counterpart for WebSocket
// frame/message size caps.
func (c *Conn) messageSizeLimited() bool {
	if admission.IsLoopback(c.clientIP) {
		return false
	}
	if c.adm == nil {
		return true
	}
	return c.adm.MessageSizeLimitEnabled()
}

// receiveChunk reads one chunk off the transport into recvBuf and returns
// the number of bytes appended. When a buffer pool is available the read
// lands in a pooled scratch buffer that is copied into recvBuf and
// released immediately, rather than forcing a fresh allocation per read
// (spec.md §5 "Buffer reuse").
func (c *Conn) receiveChunk() (int, error) {
	if c.pool == nil {
		data, err := c.transport.Receive(c.limits.ReceiveChunk)
		if err != nil {
			return 0, err
		}
		c.recvBuf.Write(data)
		return len(data), nil
	}
	buf := c.pool.Get(c.limits.ReceiveChunk)
	n, err := c.transport.ReceiveInto(buf.Data)
	if err == nil && n > 0 {
		c.recvBuf.Write(buf.Data[:n])
	}
	buf.Release()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ServeOnce performs one readiness-driven iteration: read available bytes,
// refresh activity, and drive the state machine as far as the buffered
// data allows. It returns when the connection is CLOSED or there is
// nothing further to do until the next readable wakeup.
func (c *Conn) ServeOnce() {
	for {
		switch c.State() {
		case StateClosed:
			return
		case StateReceiving:
			if c.receivingStep() {
				continue
			}
			return
		case StateClassified:
			c.classify()
			continue
		case StateHTTPResponding:
			c.respondHTTP()
			continue
		case StateWSHandshaking:
			c.handshake()
			continue
		case StateWSOpen:
			if c.wsStep() {
				continue
			}
			return
		case StateClosing:
			c.doClose()
			continue
		default:
			return
		}
	}
}

// receivingStep reads one chunk and advances past RECEIVING when the HTTP
// header terminator has arrived, or closes on idle/oversize per spec.md
// §4.G. Returns true if the caller should loop again immediately.
func (c *Conn) receivingStep() bool {
	if c.IdleTimedOut() {
		c.log.Debug("idle timeout in RECEIVING")
		c.setState(StateClosing)
		return true
	}
	n, err := c.receiveChunk()
	if err != nil {
		c.setState(StateClosing)
		return true
	}
	if n == 0 {
		return false // would-block: wait for next wakeup
	}
	c.touch()
	c.bytesReceived += int64(n)

	if bytes.Contains(c.recvBuf.Bytes(), []byte("\r\n\r\n")) {
		c.setState(StateClassified)
		return true
	}
	if c.requestSizeLimited() && c.recvBuf.Len() > c.limits.HTTPRequestCap {
		c.log.Debug("oversize request before header terminator")
		c.violate("http request oversize")
		c.setState(StateClosing)
		return true
	}
	return false
}

// classify inspects the buffered request line/headers for the WebSocket
// upgrade triple (spec.md §4.G CLASSIFIED).
func (c *Conn) classify() {
	head := c.recvBuf.String()
	idx := strings.Index(head, "\r\n\r\n")
	headerBlock := head
	if idx >= 0 {
		headerBlock = head[:idx]
	}
	lower := strings.ToLower(headerBlock)
	hasUpgrade := strings.Contains(lower, "upgrade: websocket")
	hasConnection := strings.Contains(lower, "connection: upgrade")
	hasKey := strings.Contains(lower, "sec-websocket-key:")
	if hasUpgrade && hasConnection && hasKey {
		c.isWebSocket = true
		c.setState(StateWSHandshaking)
		return
	}
	c.setState(StateHTTPResponding)
}

// respondHTTP parses the buffered request, invokes the embedder callback,
// writes the HTTP/1.1 response, and transitions to CLOSING (spec.md §4.G).
func (c *Conn) respondHTTP() {
	raw := c.recvBuf.Bytes()
	req := parseHTTPRequest(raw, c.clientIP)
	if c.adm != nil {
		c.adm.RecordRequest(c.clientIP)
	}

	var body string
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("http handler panic", "recover", r)
				body = "Server Error"
			}
		}()
		if c.handler != nil {
			body = c.handler.OnHttpRequest(req)
		}
	}()

	resp := buildHTTPResponse(body)
	if _, err := c.transport.Send([]byte(resp)); err != nil {
		c.log.Debug("http response write failed", "err", err)
	}
	c.bytesSent += int64(len(resp))
	c.setState(StateClosing)
}

// handshake runs the WebSocket handshake validator and either replies 101
// and moves to WS_OPEN, or replies 400 and moves to CLOSING.
func (c *Conn) handshake() {
	raw := c.recvBuf.Bytes()
	hs, res := protocol.ParseHandshake(raw)
	if res != nil && res.IsError() {
		c.log.Debug("handshake rejected", "reason", res.Error())
		resp := protocol.BuildBadRequestResponse()
		_, _ = c.transport.Send(resp)
		c.setState(StateClosing)
		return
	}
	hs.SelectedProtocol = protocol.NegotiateSubprotocol(hs.Protocols, c.serverProtocols)
	accept := protocol.AcceptKey(hs.Key)
	resp := protocol.BuildSwitchingProtocolsResponse(accept, hs.SelectedProtocol)
	if _, err := c.transport.Send(resp); err != nil {
		c.setState(StateClosing)
		return
	}
	c.recvBuf.Reset()
	c.setState(StateWSOpen)
}

// wsStep reads available bytes and repeatedly drains complete frames from
// the receive buffer per the WS_OPEN message loop (spec.md §4.G).
func (c *Conn) wsStep() bool {
	if c.IdleTimedOut() {
		c.log.Debug("idle timeout in WS_OPEN")
		c.sendClose(protocol.CloseNormal, "idle timeout")
		c.setState(StateClosing)
		return true
	}
	n, err := c.receiveChunk()
	if err != nil {
		c.setState(StateClosing)
		return true
	}
	if n > 0 {
		c.touch()
		c.bytesReceived += int64(n)
	}

	for {
		frame, consumed, err := protocol.Parse(c.recvBuf.Bytes())
		if err == protocol.ErrShortBuffer {
			return false
		}
		if err != nil {
			c.sendClose(protocol.CloseProtocolError, "protocol error")
			c.setState(StateClosing)
			return true
		}
		c.recvBuf.Next(consumed)
		c.framesReceived++

		if c.messageSizeLimited() && len(frame.Payload) > c.limits.WSFrameCap {
			c.violate("ws frame oversize")
			c.sendClose(protocol.CloseMessageTooBig, "frame too large")
			c.setState(StateClosing)
			return true
		}
		if c.dispatchFrame(frame) {
			return true
		}
		if c.recvBuf.Len() == 0 {
			return false
		}
	}
}

// dispatchFrame handles one parsed frame per the opcode table in spec.md
// §4.G. Returns true if the connection transitioned to CLOSING.
func (c *Conn) dispatchFrame(f *protocol.Frame) bool {
	switch f.Opcode {
	case protocol.OpcodePing:
		c.sendFrame(protocol.NewPongFrame(f.Payload))
		return false

	case protocol.OpcodePong:
		return false

	case protocol.OpcodeClose:
		code := protocol.CloseNormal
		if parsed, _, ok := protocol.ParseCloseCode(f.Payload); ok {
			code = parsed
		}
		if !c.closeReceived {
			c.closeReceived = true
			if !c.closeSent {
				c.sendClose(code, "")
			}
		}
		c.setState(StateClosing)
		return true

	case protocol.OpcodeText, protocol.OpcodeBinary:
		if !f.Final {
			c.fragActive = true
			c.fragOpcode = f.Opcode
			c.fragBuf.Reset()
			c.fragBuf.Write(f.Payload)
			return false
		}
		return c.deliverMessage(f.Opcode, f.Payload)

	case protocol.OpcodeContinuation:
		if !c.fragActive {
			c.sendClose(protocol.CloseProtocolError, "unexpected continuation")
			c.setState(StateClosing)
			return true
		}
		c.fragBuf.Write(f.Payload)
		if c.messageSizeLimited() && c.fragBuf.Len() > c.limits.WSMessageCap {
			c.violate("ws message oversize")
			c.sendClose(protocol.CloseMessageTooBig, "message too large")
			c.setState(StateClosing)
			return true
		}
		if !f.Final {
			return false
		}
		opcode := c.fragOpcode
		payload := append([]byte(nil), c.fragBuf.Bytes()...)
		c.fragActive = false
		c.fragBuf.Reset()
		return c.deliverMessage(opcode, payload)

	default:
		c.sendClose(protocol.CloseProtocolError, "invalid opcode")
		c.setState(StateClosing)
		return true
	}
}

// deliverMessage validates (if text) and hands a complete message to the
// embedder's WebSocket callback, optionally echoing a non-empty reply.
func (c *Conn) deliverMessage(opcode byte, payload []byte) bool {
	if opcode == protocol.OpcodeText && !protocol.ValidUTF8(payload) {
		c.sendClose(protocol.CloseInvalidUTF8, "invalid UTF-8")
		c.setState(StateClosing)
		return true
	}
	if c.adm != nil {
		c.adm.RecordRequest(c.clientIP)
	}
	var reply string
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("ws handler panic", "recover", r)
			}
		}()
		if c.handler != nil {
			reply = c.handler.OnWebSocketMessage(&api.WSMessage{Opcode: opcode, Data: payload, ClientIP: c.clientIP})
		}
	}()
	if reply != "" {
		c.sendFrame(protocol.NewTextFrame([]byte(reply)))
	}
	return false
}

func (c *Conn) sendClose(code uint16, reason string) {
	c.sendFrame(protocol.NewCloseFrame(code, reason))
	c.closeSent = true
}

func (c *Conn) sendFrame(f *protocol.Frame) {
	raw, err := protocol.Generate(f)
	if err != nil {
		return
	}
	if _, err := c.transport.Send(raw); err != nil {
		return
	}
	c.framesSent++
	c.bytesSent += int64(len(raw))
}

// doClose tears the connection down: shuts the socket, releases the
// admission slot, and reaches CLOSED (spec.md §4.G CLOSING bullet).
func (c *Conn) doClose() {
	_ = c.transport.Close()
	if c.adm != nil {
		c.adm.Release(c.clientIP)
	}
	if c.handler != nil {
		c.handler.OnDisconnect(c.clientIP)
	}
	c.setState(StateClosed)
}

// Stats returns byte/frame counters for diagnostics.
func (c *Conn) Stats() map[string]int64 {
	return map[string]int64{
		"bytes_received":  c.bytesReceived,
		"bytes_sent":      c.bytesSent,
		"frames_received": c.framesReceived,
		"frames_sent":     c.framesSent,
	}
}

// ClientIP returns the peer address recorded at accept time.
func (c *Conn) ClientIP() string { return c.clientIP }

func parseHTTPRequest(raw []byte, clientIP string) *api.HTTPRequest {
	req := &api.HTTPRequest{Headers: make(map[string][]string), ClientIP: clientIP}
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	head := raw
	if idx >= 0 {
		head = raw[:idx]
		if idx+4 < len(raw) {
			req.Body = raw[idx+4:]
		}
	}
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 {
		return req
	}
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) == 3 {
		req.Method = parts[0]
		req.Path = parts[1]
		req.Version = parts[2]
	}
	for _, line := range lines[1:] {
		sep := strings.Index(line, ":")
		if sep < 0 {
			continue
		}
		name := api.CanonicalHeaderKey(strings.TrimSpace(line[:sep]))
		val := strings.TrimSpace(line[sep+1:])
		req.Headers[name] = append(req.Headers[name], val)
	}
	return req
}

func buildHTTPResponse(body string) string {
	status := "200 OK"
	contentType := "text/html; charset=UTF-8"
	b := body
	if strings.HasPrefix(body, "HTTP/1.1 ") {
		if nl := strings.Index(body, "\r\n"); nl >= 0 {
			return body
		}
	}
	var buf strings.Builder
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(status)
	buf.WriteString("\r\n")
	buf.WriteString("Content-Type: ")
	buf.WriteString(contentType)
	buf.WriteString("\r\n")
	buf.WriteString("Content-Length: ")
	buf.WriteString(strconv.Itoa(len(b)))
	buf.WriteString("\r\n")
	buf.WriteString("Connection: close\r\n\r\n")
	buf.WriteString(b)
	return buf.String()
}
