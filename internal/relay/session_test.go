package relay

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsServer starts an httptest server that upgrades every request and hands
// the resulting connection to onConn. It returns the ws:// URL.
func wsServer(t *testing.T, onConn func(*websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		onConn(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + srv.URL[len("http"):]
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// tcpEcho starts a loopback TCP listener that echoes every byte it reads
// back to the same connection, and returns its address.
func tcpEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

// tcpSink starts a loopback TCP listener that records every byte written to
// it and never replies, handing the accepted conn to the caller via ch.
func tcpSink(t *testing.T, ch chan<- net.Conn) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ch <- conn
	}()
	return ln.Addr().String()
}

func defaultCfg() Config {
	return Config{ConnectTimeout: time.Second, MaxWsBufferBytes: 4096}
}

func TestSession_BytesFlowClientToBackend(t *testing.T) {
	backendAddr := tcpEcho(t)

	url := wsServer(t, func(serverWS *websocket.Conn) {
		s := NewSession(serverWS, backendAddr, defaultCfg(), zerolog.Nop(), nil)
		s.Run(context.Background())
	})

	client := dialWS(t, url)
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("hello backend")))

	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello backend", string(data))
}

func TestSession_BytesFlowBackendToClient(t *testing.T) {
	backendAddr := tcpEcho(t)

	url := wsServer(t, func(serverWS *websocket.Conn) {
		s := NewSession(serverWS, backendAddr, defaultCfg(), zerolog.Nop(), nil)
		s.Run(context.Background())
	})

	client := dialWS(t, url)
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("round trip")))

	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "round trip", string(data))
}

func TestSession_PreConnectMessagesAreBufferedAndFlushed(t *testing.T) {
	connCh := make(chan net.Conn, 1)
	backendAddr := tcpSink(t, connCh)

	releaseDial := make(chan struct{})

	url := wsServer(t, func(serverWS *websocket.Conn) {
		<-releaseDial
		s := NewSession(serverWS, backendAddr, defaultCfg(), zerolog.Nop(), nil)
		s.Run(context.Background())
	})

	client := dialWS(t, url)
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("buffered-before-connect")))
	close(releaseDial)

	backend := <-connCh
	defer backend.Close()

	buf := make([]byte, 64)
	backend.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := backend.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "buffered-before-connect", string(buf[:n]))
}

func TestSession_PreConnectBufferOverflowClosesPolicyViolation(t *testing.T) {
	connCh := make(chan net.Conn, 1)
	backendAddr := tcpSink(t, connCh)

	releaseDial := make(chan struct{})
	cfg := Config{ConnectTimeout: time.Second, MaxWsBufferBytes: 8}

	url := wsServer(t, func(serverWS *websocket.Conn) {
		<-releaseDial
		s := NewSession(serverWS, backendAddr, cfg, zerolog.Nop(), nil)
		s.Run(context.Background())
	})

	client := dialWS(t, url)
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("this message is too long")))
	close(releaseDial)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %T: %v", err, err)
	assert.Equal(t, ClosePolicyViolation, closeErr.Code)
}

func TestSession_BackendDialFailureClosesTransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().String()
	ln.Close() // nothing listening now

	cfg := Config{ConnectTimeout: 200 * time.Millisecond, MaxWsBufferBytes: 4096}

	url := wsServer(t, func(serverWS *websocket.Conn) {
		s := NewSession(serverWS, deadAddr, cfg, zerolog.Nop(), nil)
		s.Run(context.Background())
	})

	client := dialWS(t, url)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %T: %v", err, err)
	assert.Equal(t, CloseTransportError, closeErr.Code)
}

func TestSession_ContextCancelTearsDownBothSockets(t *testing.T) {
	connCh := make(chan net.Conn, 1)
	backendAddr := tcpSink(t, connCh)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	url := wsServer(t, func(serverWS *websocket.Conn) {
		s := NewSession(serverWS, backendAddr, defaultCfg(), zerolog.Nop(), nil)
		s.Run(ctx)
		close(done)
	})

	client := dialWS(t, url)
	backend := <-connCh
	defer backend.Close()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not tear down after context cancel")
	}

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := client.ReadMessage()
	assert.Error(t, err)

	buf := make([]byte, 1)
	backend.SetReadDeadline(time.Now().Add(time.Second))
	_, err = backend.Read(buf)
	assert.Error(t, err)
}

func TestSession_StateTransitions(t *testing.T) {
	backendAddr := tcpEcho(t)
	sessionCh := make(chan *Session, 1)

	url := wsServer(t, func(serverWS *websocket.Conn) {
		s := NewSession(serverWS, backendAddr, defaultCfg(), zerolog.Nop(), nil)
		sessionCh <- s
		s.Run(context.Background())
	})

	client := dialWS(t, url)
	s := <-sessionCh

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("ping")))
	_, _, err := client.ReadMessage()
	require.NoError(t, err)

	assert.Equal(t, StateOpen, s.State())

	client.Close()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateClosed, s.State())
}
