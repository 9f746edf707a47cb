package bridge

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/conduithq/conduit/internal/common/errors"
	"github.com/conduithq/conduit/internal/common/logger"
	"github.com/conduithq/conduit/pkg/agent"
)

const (
	// Time allowed to write a frame to the agent
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the agent
	maxMessageSize = 10 * 1024 * 1024 // 10MB
)

// MessageFunc receives each parsed inbound frame from the connected agent.
type MessageFunc func(msg *agent.Message)

// Server is the per-session WebSocket endpoint the spawned agent dials back
// to. Exactly one client is attached at a time; a newer connection replaces
// the older one.
type Server struct {
	port       int
	logger     *logger.Logger
	onMessage  MessageFunc
	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader

	mu        sync.Mutex
	conn      *websocket.Conn
	onConnect func()

	writeMu sync.Mutex
	closed  bool
}

// NewServer creates a bridge server for the given localhost port. Inbound
// frames are parsed off the NDJSON stream and handed to onMessage in arrival
// order.
func NewServer(port int, onMessage MessageFunc, log *logger.Logger) *Server {
	return &Server{
		port:      port,
		logger:    log.WithFields(zap.String("component", "bridge"), zap.Int("port", port)),
		onMessage: onMessage,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local agent subprocess only; no browser origins involved.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.port
}

// URL returns the ws:// endpoint the agent should dial.
func (s *Server) URL() string {
	return fmt.Sprintf("ws://localhost:%d", s.port)
}

// Start binds the listener. A bind failure propagates so the caller can
// release the port and mark the session errored.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return apperrors.Bridge(fmt.Sprintf("failed to bind bridge port %d", s.port), err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("bridge server stopped", zap.Error(err))
		}
	}()

	s.logger.Debug("bridge listening")
	return nil
}

// OnConnect installs a callback fired the first time a client connects after
// installation. The callback is cleared once fired.
func (s *Server) OnConnect(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = cb
}

// IsConnected reports whether an agent is currently attached.
func (s *Server) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send serializes one outbound frame to the attached agent. With no client
// attached the call logs a warning and is a no-op; write errors are logged
// and swallowed.
func (s *Server) Send(v any) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		s.logger.Warn("send with no agent attached")
		return
	}

	data, err := Marshal(v)
	if err != nil {
		s.logger.Error("failed to serialize outbound frame", zap.Error(err))
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Warn("failed to write frame to agent", zap.Error(err))
	}
}

// Close shuts down the listener and detaches any connected client.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	s.logger.Debug("bridge closed")
}

// handleUpgrade accepts the agent connection, enforcing the one-client policy.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("bridge upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	old := s.conn
	s.conn = conn
	cb := s.onConnect
	s.onConnect = nil
	s.mu.Unlock()

	if old != nil {
		s.logger.Warn("replacing previously attached agent connection")
		_ = old.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced"),
			time.Now().Add(writeWait))
		_ = old.Close()
	}

	if cb != nil {
		cb()
	}

	go s.readLoop(conn)
}

// readLoop feeds inbound text frames to the NDJSON parser until the socket
// closes, then flushes the parser to surface any final message.
func (s *Server) readLoop(conn *websocket.Conn) {
	parser := NewParser(s.parseLine, s.logger)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("agent connection read error", zap.Error(err))
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		// WebSocket frames may arrive without a trailing newline; the
		// parser only emits on newline boundaries.
		if len(data) == 0 || data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		parser.Feed(data)
	}

	parser.Flush()

	// Detach only if this socket is still the current one; a rapid
	// reconnect may already have replaced it.
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// parseLine decodes one NDJSON line into a protocol message.
func (s *Server) parseLine(line []byte) {
	msg, err := agent.ParseMessage(line)
	if err != nil {
		s.logger.Warn("dropping undecodable frame", zap.Error(err))
		return
	}
	s.onMessage(msg)
}
