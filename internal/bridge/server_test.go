package bridge

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduithq/conduit/pkg/agent"
)

// freePort grabs an ephemeral port from the OS.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func startServer(t *testing.T, onMessage MessageFunc) *Server {
	t.Helper()
	s := NewServer(freePort(t), onMessage, testLogger(t))
	require.NoError(t, s.Start())
	t.Cleanup(s.Close)
	return s
}

func dialBridge(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d", s.Port())
	var conn *websocket.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			return conn
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("failed to dial bridge: %v", err)
	return nil
}

func TestServerReceivesFrames(t *testing.T) {
	received := make(chan *agent.Message, 4)
	s := startServer(t, func(msg *agent.Message) { received <- msg })

	conn := dialBridge(t, s)
	defer conn.Close()

	err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"system","subtype":"init","session_id":"agent-1"}`+"\n"))
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, agent.MessageTypeSystem, msg.Type)
		assert.Equal(t, "agent-1", msg.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestServerHandlesFramesWithoutTrailingNewline(t *testing.T) {
	received := make(chan *agent.Message, 4)
	s := startServer(t, func(msg *agent.Message) { received <- msg })

	conn := dialBridge(t, s)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"keep_alive"}`)))

	select {
	case msg := <-received:
		assert.Equal(t, agent.MessageTypeKeepAlive, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestServerOnConnectFiresOnce(t *testing.T) {
	s := startServer(t, func(*agent.Message) {})

	connected := make(chan struct{}, 2)
	s.OnConnect(func() { connected <- struct{}{} })

	conn := dialBridge(t, s)
	defer conn.Close()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect callback")
	}

	// A second connection must not fire the cleared callback again.
	conn2 := dialBridge(t, s)
	defer conn2.Close()
	select {
	case <-connected:
		t.Fatal("connect callback fired twice")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServerSendReachesClient(t *testing.T) {
	s := startServer(t, func(*agent.Message) {})
	conn := dialBridge(t, s)
	defer conn.Close()

	// Wait for the server side to register the connection.
	require.Eventually(t, s.IsConnected, 2*time.Second, 20*time.Millisecond)

	s.Send(agent.NewUserMessage("hello"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":"hello"}}`, string(data))
}

func TestServerReplacesOlderConnection(t *testing.T) {
	received := make(chan *agent.Message, 4)
	s := startServer(t, func(msg *agent.Message) { received <- msg })

	conn1 := dialBridge(t, s)
	defer conn1.Close()
	require.Eventually(t, s.IsConnected, 2*time.Second, 20*time.Millisecond)

	conn2 := dialBridge(t, s)
	defer conn2.Close()

	// The first connection is closed by the server.
	require.NoError(t, conn1.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn1.ReadMessage(); err != nil {
			break
		}
	}

	// The newer connection still delivers frames.
	require.NoError(t, conn2.WriteMessage(websocket.TextMessage, []byte(`{"type":"keep_alive"}`+"\n")))
	select {
	case msg := <-received:
		assert.Equal(t, agent.MessageTypeKeepAlive, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame on replacement connection")
	}
}

func TestServerSendWithoutClientIsNoop(t *testing.T) {
	s := startServer(t, func(*agent.Message) {})
	assert.False(t, s.IsConnected())
	assert.NotPanics(t, func() {
		s.Send(agent.NewInterrupt())
	})
}
