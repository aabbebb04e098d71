package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validHandshakeRequest() []byte {
	return []byte("GET /chat HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Protocol: chat, superchat\r\n" +
		"\r\n")
}

func TestParseHandshakeSuccess(t *testing.T) {
	h, errRes := ParseHandshake(validHandshakeRequest())
	require.Nil(t, errRes)
	require.NotNil(t, h)
	assert.Equal(t, "example.com", h.Host)
	assert.Equal(t, "dGhlIHNhbXBsZSBub25jZQ==", h.Key)
	assert.Equal(t, []string{"chat", "superchat"}, h.Protocols)
}

func TestParseHandshakeCaseInsensitive(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\n" +
		"host: example.com\r\n" +
		"UPGRADE: WebSocket\r\n" +
		"connection: upgrade\r\n" +
		"sec-websocket-key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n")
	h, errRes := ParseHandshake(raw)
	require.Nil(t, errRes)
	require.NotNil(t, h)
}

func TestParseHandshakeRejectsMissingHost(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n")
	h, errRes := ParseHandshake(raw)
	assert.Nil(t, h)
	require.NotNil(t, errRes)
}

func TestParseHandshakeRejectsShortKey(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\n" +
		"Host: x\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: short\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n")
	h, errRes := ParseHandshake(raw)
	assert.Nil(t, h)
	require.NotNil(t, errRes)
}

func TestParseHandshakeRejectsWrongVersion(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\n" +
		"Host: x\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 8\r\n" +
		"\r\n")
	h, errRes := ParseHandshake(raw)
	assert.Nil(t, h)
	require.NotNil(t, errRes)
}

func TestBuildSwitchingProtocolsResponse(t *testing.T) {
	resp := BuildSwitchingProtocolsResponse("s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", "")
	s := string(resp)
	assert.Contains(t, s, "HTTP/1.1 101 Switching Protocols\r\n")
	assert.Contains(t, s, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n")
	assert.NotContains(t, s, "Sec-WebSocket-Protocol")
}
