package wsconn_test

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wsforge/wsserver/api"
	"github.com/wsforge/wsserver/protocol"
	"github.com/wsforge/wsserver/wsconn"
)

// fakeTransport is an in-memory Transport: Send appends to sent, Receive
// pops from a queue of canned reads (an exhausted queue means would-block;
// a nil entry reports a peer-closed error).
type fakeTransport struct {
	reads  [][]byte
	pos    int
	sent   [][]byte
	closed bool
}

func (f *fakeTransport) Send(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	f.sent = append(f.sent, cp)
	return len(b), nil
}

func (f *fakeTransport) Receive(max int) ([]byte, error) {
	if f.pos >= len(f.reads) {
		return nil, nil
	}
	r := f.reads[f.pos]
	f.pos++
	if r == nil {
		return nil, errors.New("peer closed")
	}
	return r, nil
}

func (f *fakeTransport) ReceiveInto(buf []byte) (int, error) {
	data, err := f.Receive(len(buf))
	if err != nil {
		return 0, err
	}
	return copy(buf, data), nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

type fakeHandler struct {
	httpBody  string
	wsReply   string
	connected []string
	disconnected []string
}

func (h *fakeHandler) OnHttpRequest(req *api.HTTPRequest) string { return h.httpBody }
func (h *fakeHandler) OnWebSocketMessage(msg *api.WSMessage) string { return h.wsReply }
func (h *fakeHandler) OnConnect(ip string)                         { h.connected = append(h.connected, ip) }
func (h *fakeHandler) OnDisconnect(ip string)                      { h.disconnected = append(h.disconnected, ip) }
func (h *fakeHandler) OnSecurityViolation(ip, reason string)       {}
func (h *fakeHandler) OnError(description string)                  {}

func TestHTTPRequestLifecycle(t *testing.T) {
	req := "GET /status HTTP/1.1\r\nHost: example.com\r\n\r\n"
	tr := &fakeTransport{reads: [][]byte{[]byte(req)}}
	h := &fakeHandler{httpBody: "ok"}
	c := wsconn.New(tr, "10.0.0.1", nil, h, nil, wsconn.DefaultLimits(), nil, nil)
	c.Admit()
	c.ServeOnce()

	require.Equal(t, wsconn.StateClosed, c.State())
	require.Len(t, tr.sent, 1)
	assert.Contains(t, string(tr.sent[0]), "200 OK")
	assert.Contains(t, string(tr.sent[0]), "ok")
	assert.True(t, tr.closed)
}

func TestWebSocketHandshakeAndEcho(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789012345"))
	req := "GET /chat HTTP/1.1\r\nHost: example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: " + key + "\r\nSec-WebSocket-Version: 13\r\n\r\n"

	textFrame, err := protocol.Generate(protocol.NewTextFrame([]byte("hello")))
	require.NoError(t, err)

	tr := &fakeTransport{reads: [][]byte{[]byte(req), textFrame}}
	h := &fakeHandler{wsReply: "world"}
	c := wsconn.New(tr, "10.0.0.2", nil, h, nil, wsconn.DefaultLimits(), nil, nil)
	c.Admit()
	c.ServeOnce()

	require.Equal(t, wsconn.StateWSOpen, c.State())
	require.GreaterOrEqual(t, len(tr.sent), 2)
	assert.Contains(t, string(tr.sent[0]), "101 Switching Protocols")
	assert.Equal(t, []string{"10.0.0.2"}, h.connected)

	reply, n, err := protocol.Parse(tr.sent[1])
	require.NoError(t, err)
	require.Equal(t, len(tr.sent[1]), n)
	assert.Equal(t, protocol.OpcodeText, reply.Opcode)
	assert.Equal(t, "world", string(reply.Payload))
}

func TestInvalidUTF8ClosesWithCode1007(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789012345"))
	req := "GET / HTTP/1.1\r\nHost: example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: " + key + "\r\nSec-WebSocket-Version: 13\r\n\r\n"

	bad := protocol.NewTextFrame([]byte{0xFF, 0xFE})
	badFrame, err := protocol.Generate(bad)
	require.NoError(t, err)

	tr := &fakeTransport{reads: [][]byte{[]byte(req), badFrame}}
	h := &fakeHandler{}
	c := wsconn.New(tr, "10.0.0.3", nil, h, nil, wsconn.DefaultLimits(), nil, nil)
	c.Admit()
	c.ServeOnce()

	require.Equal(t, wsconn.StateClosed, c.State())
	closeFrame, _, err := protocol.Parse(tr.sent[len(tr.sent)-1])
	require.NoError(t, err)
	require.Equal(t, protocol.OpcodeClose, closeFrame.Opcode)
	code, _, ok := protocol.ParseCloseCode(closeFrame.Payload)
	require.True(t, ok)
	assert.Equal(t, protocol.CloseInvalidUTF8, code)
}

func TestFragmentedMessageReassembly(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789012345"))
	req := "GET / HTTP/1.1\r\nHost: example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: " + key + "\r\nSec-WebSocket-Version: 13\r\n\r\n"

	first, err := protocol.Generate(protocol.NewFragment(false, protocol.OpcodeText, []byte("hel")))
	require.NoError(t, err)
	second, err := protocol.Generate(protocol.NewFragment(true, protocol.OpcodeContinuation, []byte("lo")))
	require.NoError(t, err)

	tr := &fakeTransport{reads: [][]byte{[]byte(req), append(first, second...)}}
	h := &fakeHandler{wsReply: "got-it"}
	c := wsconn.New(tr, "10.0.0.4", nil, h, nil, wsconn.DefaultLimits(), nil, nil)
	c.Admit()
	c.ServeOnce()

	require.Equal(t, wsconn.StateWSOpen, c.State())
	reply, _, err := protocol.Parse(tr.sent[len(tr.sent)-1])
	require.NoError(t, err)
	assert.Equal(t, "got-it", string(reply.Payload))
}

func TestPingRepliesWithPongAndStaysOpen(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789012345"))
	req := "GET / HTTP/1.1\r\nHost: example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: " + key + "\r\nSec-WebSocket-Version: 13\r\n\r\n"
	ping, err := protocol.Generate(protocol.NewPingFrame([]byte("x")))
	require.NoError(t, err)

	tr := &fakeTransport{reads: [][]byte{[]byte(req), ping}}
	h := &fakeHandler{}
	c := wsconn.New(tr, "10.0.0.5", nil, h, nil, wsconn.DefaultLimits(), nil, nil)
	c.Admit()
	c.ServeOnce()

	require.Equal(t, wsconn.StateWSOpen, c.State())
	pong, _, err := protocol.Parse(tr.sent[len(tr.sent)-1])
	require.NoError(t, err)
	assert.Equal(t, protocol.OpcodePong, pong.Opcode)
	assert.Equal(t, "x", string(pong.Payload))
}
