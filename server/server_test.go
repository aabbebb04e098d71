package server_test

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wsforge/wsserver/api"
	"github.com/wsforge/wsserver/server"
)

type echoHandler struct{}

func (echoHandler) OnHttpRequest(req *api.HTTPRequest) string { return "hello " + req.Path }
func (echoHandler) OnWebSocketMessage(msg *api.WSMessage) string {
	return "echo:" + string(msg.Data)
}
func (echoHandler) OnConnect(ip string)                   {}
func (echoHandler) OnDisconnect(ip string)                {}
func (echoHandler) OnSecurityViolation(ip, reason string) {}
func (echoHandler) OnError(description string)            {}

func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

func startServer(t *testing.T) (*server.Server, uint16) {
	t.Helper()
	port := freePort(t)
	cfg := server.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1"
	cfg.Port = port
	cfg.NumWorkers = 4
	cfg.ReceiveTimeout = 50 * time.Millisecond

	s, err := server.New(cfg, echoHandler{})
	require.NoError(t, err)

	go s.Run()
	time.Sleep(50 * time.Millisecond)
	return s, port
}

func TestServerServesPlainHTTP(t *testing.T) {
	s, port := startServer(t)
	defer s.Shutdown()

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(port)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /ping HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "200")

	body := make([]byte, 0)
	buf := make([]byte, 256)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	assert.Contains(t, string(body), "hello /ping")
}

func TestServerWebSocketHandshakeAndEcho(t *testing.T) {
	s, port := startServer(t)
	defer s.Shutdown()

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(port)))
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	req := "GET /chat HTTP/1.1\r\nHost: localhost\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "101")

	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}

	frame := []byte{0x81, 0x02, 'h', 'i'} // final TEXT, unmasked, payload "hi"
	_, err = conn.Write(frame)
	require.NoError(t, err)

	head := make([]byte, 2)
	_, err = reader.Read(head)
	require.NoError(t, err)
	payloadLen := int(head[1] & 0x7F)
	payload := make([]byte, payloadLen)
	_, err = reader.Read(payload)
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(payload))
}
