package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conduithq/conduit/internal/bridge"
	"github.com/conduithq/conduit/internal/common/config"
	apperrors "github.com/conduithq/conduit/internal/common/errors"
	"github.com/conduithq/conduit/internal/common/logger"
	"github.com/conduithq/conduit/internal/events"
	"github.com/conduithq/conduit/internal/events/bus"
	"github.com/conduithq/conduit/internal/permission"
	"github.com/conduithq/conduit/internal/store"
	"github.com/conduithq/conduit/pkg/agent"
)

// connectTimeout is how long the spawned CLI gets to dial the bridge before
// session creation fails. Deliberately not configurable; a variable only so
// tests can shorten the wait.
var connectTimeout = 15 * time.Second

// CreateParams are the caller-supplied fields for a new session. Empty
// Model/PermissionMode/SystemPrompt fields fall back to the project defaults.
type CreateParams struct {
	ProjectID          string `json:"project_id"`
	Name               string `json:"name"`
	Model              string `json:"model"`
	PermissionMode     string `json:"permission_mode"`
	Resume             string `json:"resume"`
	ForkSession        bool   `json:"fork_session"`
	SystemPrompt       string `json:"system_prompt"`
	AppendSystemPrompt string `json:"append_system_prompt"`
}

// liveSession is the in-memory runtime of one non-terminal session.
type liveSession struct {
	id        string
	projectID string
	bridge    *bridge.Server
	proc      *Process

	mu         sync.Mutex
	terminated bool
}

// markTerminated flips the session to terminated exactly once. Returns false
// if it was already terminated.
func (ls *liveSession) markTerminated() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.terminated {
		return false
	}
	ls.terminated = true
	return true
}

// Manager owns the session lifecycle: spawning the agent CLI, wiring its
// bridge, reacting to inbound frames, and tearing everything down.
type Manager struct {
	cfg    *config.Config
	store  store.Store
	bus    *bus.EventBus
	router *bridge.Router
	engine *permission.Engine
	ports  *PortPool
	logger *logger.Logger

	mu   sync.Mutex
	live map[string]*liveSession
}

// NewManager creates a session manager. The port pool spans the configured
// bridge range.
func NewManager(cfg *config.Config, st store.Store, eventBus *bus.EventBus, router *bridge.Router, engine *permission.Engine, log *logger.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  st,
		bus:    eventBus,
		router: router,
		engine: engine,
		ports:  NewPortPool(cfg.Bridge.PortRangeStart, cfg.Bridge.PortRangeEnd),
		logger: log.WithFields(zap.String("component", "session-manager")),
		live:   make(map[string]*liveSession),
	}
}

// CreateSession validates the request, binds a bridge, spawns the agent CLI,
// and blocks until the agent dials back. Whichever of connect, subprocess
// exit, or the connect timeout happens first decides the outcome; on loss
// everything set up so far is unwound and the caller gets the typed error.
func (m *Manager) CreateSession(ctx context.Context, params CreateParams) (*store.Session, error) {
	if !agent.IsValidPermissionMode(params.PermissionMode) {
		return nil, apperrors.Validation(fmt.Sprintf("invalid permission mode %q", params.PermissionMode))
	}

	project, err := m.store.GetProject(ctx, params.ProjectID)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	log := m.logger.WithSessionID(sessionID)
	ls := &liveSession{id: sessionID, projectID: params.ProjectID}

	// The live map doubles as the cap counter, so the slot must be taken
	// under the same lock that checks the limit.
	m.mu.Lock()
	if len(m.live) >= m.cfg.Agent.MaxSessions {
		m.mu.Unlock()
		return nil, apperrors.Conflict(fmt.Sprintf("session limit reached (%d)", m.cfg.Agent.MaxSessions))
	}
	m.live[sessionID] = ls
	m.mu.Unlock()

	port, err := m.ports.Allocate()
	if err != nil {
		m.dropLive(sessionID)
		return nil, err
	}

	ls.bridge = bridge.NewServer(port, func(msg *agent.Message) {
		m.router.Dispatch(sessionID, msg, m.callbacks(ls))
	}, m.logger)

	// Installed before the CLI is spawned so an immediate dial cannot be
	// missed. The callback runs before the bridge starts reading frames,
	// so the idle write is ordered ahead of any frame handler.
	connected := make(chan struct{})
	ls.bridge.OnConnect(func() {
		log.Info("agent connected to bridge")
		if err := m.store.UpdateStatus(context.Background(), sessionID, store.StatusIdle); err != nil {
			log.WithError(err).Error("failed to transition session to idle")
		}
		m.emit(events.SessionStatus, sessionID, map[string]any{"status": string(store.StatusIdle)})
		close(connected)
	})

	if err := ls.bridge.Start(); err != nil {
		m.ports.Release(port)
		m.dropLive(sessionID)
		return nil, err
	}

	model := params.Model
	if model == "" {
		model = project.DefaultModel
	}
	permissionMode := params.PermissionMode
	if permissionMode == "" {
		permissionMode = project.DefaultPermissionMode
	}
	systemPrompt := params.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = project.SystemPrompt
	}
	appendSystemPrompt := params.AppendSystemPrompt
	if appendSystemPrompt == "" {
		appendSystemPrompt = project.AppendSystemPrompt
	}

	sess := &store.Session{
		ID:        sessionID,
		ProjectID: params.ProjectID,
		Name:      params.Name,
		Status:    store.StatusStarting,
		Model:     model,
		WSPort:    &port,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		ls.bridge.Close()
		m.ports.Release(port)
		m.dropLive(sessionID)
		return nil, err
	}

	proc, err := Launch(LaunchSpec{
		CLIPath:            m.cfg.Agent.CLIPath,
		SDKURL:             ls.bridge.URL(),
		Model:              model,
		PermissionMode:     permissionMode,
		Resume:             params.Resume,
		ForkSession:        params.ForkSession,
		SystemPrompt:       systemPrompt,
		AppendSystemPrompt: appendSystemPrompt,
		WorkDir:            project.FolderPath,
		AccessToken:        m.cfg.Agent.AccessToken,
	}, log)
	if err != nil {
		ls.bridge.Close()
		m.ports.Release(port)
		m.dropLive(sessionID)
		if markErr := m.store.MarkError(ctx, sessionID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("failed to mark session errored after spawn failure")
		}
		return nil, err
	}
	ls.proc = proc

	pid := proc.PID()
	sess.CLIPID = &pid
	if err := m.store.SetRuntime(ctx, sessionID, pid, port); err != nil {
		log.WithError(err).Error("failed to record session runtime")
	}

	exited := make(chan error, 1)
	proc.OnExit(func(exitErr error) {
		exited <- exitErr
	})

	select {
	case <-connected:
		// A concurrent shutdown may have terminated the session while the
		// creation wait was in flight.
		ls.mu.Lock()
		terminated := ls.terminated
		ls.mu.Unlock()
		if terminated {
			m.teardown(ls)
			return nil, apperrors.Conflict(fmt.Sprintf("session %s closed during creation", sessionID))
		}

	case exitErr := <-exited:
		ls.markTerminated()
		m.teardown(ls)
		msg := "agent process exited before connecting"
		if exitErr != nil {
			msg = fmt.Sprintf("%s: %v", msg, exitErr)
		}
		if stderr := proc.Stderr(); stderr != "" {
			msg = fmt.Sprintf("%s; stderr: %s", msg, stderr)
		}
		m.failSession(sessionID, events.ReasonUnexpectedExit, msg)
		return nil, apperrors.Spawn(msg, exitErr)

	case <-time.After(connectTimeout):
		ls.markTerminated()
		m.teardown(ls)
		msg := fmt.Sprintf("agent CLI did not connect within %s", connectTimeout)
		if stderr := proc.Stderr(); stderr != "" {
			msg = fmt.Sprintf("%s; stderr: %s", msg, stderr)
		}
		m.failSession(sessionID, events.ReasonCLIFailedToConnect, msg)
		return nil, apperrors.Spawn(msg, nil)

	case <-ctx.Done():
		ls.markTerminated()
		m.teardown(ls)
		m.failSession(sessionID, events.ReasonCLIFailedToConnect, "session creation canceled")
		return nil, ctx.Err()
	}

	sess.Status = store.StatusIdle

	proc.OnExit(func(exitErr error) {
		m.handleUnexpectedExit(ls, exitErr)
	})

	m.emit(events.SessionCreated, sessionID, map[string]any{
		"project_id": params.ProjectID,
		"name":       params.Name,
	})
	log.Info("session created", zap.Int("port", port), zap.Int("pid", pid))
	return sess, nil
}

// dropLive releases a reserved live-map slot after a failed creation.
func (m *Manager) dropLive(sessionID string) {
	m.mu.Lock()
	delete(m.live, sessionID)
	m.mu.Unlock()
}

// SendMessage forwards a prompt to a running session and moves it to active.
func (m *Manager) SendMessage(ctx context.Context, sessionID, content string) error {
	if content == "" {
		return apperrors.Validation("message content cannot be empty")
	}
	ls, err := m.requireLive(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ls.bridge.IsConnected() {
		return apperrors.Conflict(fmt.Sprintf("session %s has no connected agent", sessionID))
	}

	frame := agent.NewUserMessage(content)
	payload, err := bridge.Marshal(frame)
	if err != nil {
		return apperrors.InternalError("failed to serialize user message", err)
	}
	if err := m.store.AppendMessage(ctx, &store.MessageRecord{
		SessionID: sessionID,
		Direction: store.DirectionOutbound,
		Type:      agent.MessageTypeUser,
		Payload:   payload,
	}); err != nil {
		m.logger.WithError(err).WithSessionID(sessionID).Error("failed to append outbound transcript entry")
	}

	if err := m.store.UpdateStatus(ctx, sessionID, store.StatusActive); err != nil {
		return err
	}
	m.emit(events.SessionStatus, sessionID, map[string]any{"status": string(store.StatusActive)})

	ls.bridge.Send(frame)
	return nil
}

// Interrupt asks the agent to stop the in-flight turn. The interrupted turn
// still terminates with a result frame, so no status change happens here.
func (m *Manager) Interrupt(ctx context.Context, sessionID string) error {
	ls, err := m.requireLive(ctx, sessionID)
	if err != nil {
		return err
	}
	ls.bridge.Send(agent.NewInterrupt())
	m.logger.WithSessionID(sessionID).Info("interrupt sent")
	return nil
}

// CloseSession terminates a session: kills the subprocess, tears down the
// bridge, releases the port, and marks the row closed. Closing an already
// terminal session is a no-op.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	ls := m.live[sessionID]
	m.mu.Unlock()

	if ls == nil {
		sess, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return nil
		}
		// Row exists but nothing is running; just settle the record.
		if err := m.store.MarkClosed(ctx, sessionID); err != nil {
			return err
		}
		m.emit(events.SessionClosed, sessionID, nil)
		return nil
	}

	if !ls.markTerminated() {
		return nil
	}
	m.teardown(ls)

	if err := m.store.MarkClosed(ctx, sessionID); err != nil {
		return err
	}
	m.emit(events.SessionClosed, sessionID, nil)
	m.logger.WithSessionID(sessionID).Info("session closed")
	return nil
}

// CleanupOrphans terminates subprocesses recorded by a previous run and
// settles their session rows. Running it twice is a no-op the second time
// because settled rows are terminal.
func (m *Manager) CleanupOrphans(ctx context.Context) error {
	sessions, err := m.store.ListUnterminated(ctx)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.CLIPID != nil {
			TerminatePID(*sess.CLIPID, m.logger)
		}
		if err := m.store.MarkError(ctx, sess.ID, "orphaned by server restart"); err != nil {
			m.logger.WithError(err).WithSessionID(sess.ID).Error("failed to settle orphaned session")
		}
	}
	if len(sessions) > 0 {
		m.logger.Info("cleaned up orphaned sessions", zap.Int("count", len(sessions)))
	}
	return nil
}

// Shutdown closes every live session. Sessions close concurrently; each one
// waits out its own kill grace period.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := m.CloseSession(ctx, id); err != nil {
				m.logger.WithError(err).WithSessionID(id).Warn("failed to close session on shutdown")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// LiveCount returns the number of currently running sessions.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// requireLive resolves a session that must be running, distinguishing
// not-found from exists-but-terminated.
func (m *Manager) requireLive(ctx context.Context, sessionID string) (*liveSession, error) {
	m.mu.Lock()
	ls := m.live[sessionID]
	m.mu.Unlock()
	if ls != nil {
		return ls, nil
	}
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return nil, apperrors.Conflict(fmt.Sprintf("session %s is not running", sessionID))
}

// callbacks builds the router callbacks bound to one live session.
func (m *Manager) callbacks(ls *liveSession) bridge.Callbacks {
	return bridge.Callbacks{
		OnSystemInit:        m.onSystemInit,
		OnAssistant:         m.onAssistant,
		OnResult:            m.onResult,
		OnStatus:            m.onStatus,
		OnPermissionRequest: func(sessionID, requestID, toolName string, toolInput map[string]any) {
			m.onPermissionRequest(ls, requestID, toolName, toolInput)
		},
	}
}

// onSystemInit captures the agent-assigned session id once and marks the
// session active: the init announcement means the agent is processing a turn.
func (m *Manager) onSystemInit(sessionID string, msg *agent.Message) {
	ctx := context.Background()
	log := m.logger.WithSessionID(sessionID)

	if msg.SessionID != "" {
		if err := m.store.SetAgentSessionID(ctx, sessionID, msg.SessionID); err != nil {
			log.WithError(err).Error("failed to record agent session id")
		}
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		log.WithError(err).Error("failed to load session on init")
		return
	}
	if sess.Status.Terminal() {
		return
	}
	if err := m.store.UpdateStatus(ctx, sessionID, store.StatusActive); err != nil {
		log.WithError(err).Error("failed to transition session to active")
		return
	}
	m.emit(events.SessionStatus, sessionID, map[string]any{"status": string(store.StatusActive)})
	log.Info("session initialized", zap.String("agent_session_id", msg.SessionID), zap.String("model", msg.Model))
}

// onAssistant appends the frame to the transcript.
func (m *Manager) onAssistant(sessionID string, msg *agent.Message) {
	if err := m.store.AppendMessage(context.Background(), &store.MessageRecord{
		SessionID: sessionID,
		Direction: store.DirectionInbound,
		Type:      msg.Type,
		Payload:   msg.Raw,
	}); err != nil {
		m.logger.WithError(err).WithSessionID(sessionID).Error("failed to append inbound transcript entry")
	}
}

// onResult records the end of a turn: transcript entry, cumulative metrics,
// and the active -> idle transition.
func (m *Manager) onResult(sessionID string, msg *agent.Message) {
	ctx := context.Background()
	log := m.logger.WithSessionID(sessionID)

	if err := m.store.AppendMessage(ctx, &store.MessageRecord{
		SessionID: sessionID,
		Direction: store.DirectionInbound,
		Type:      msg.Type,
		Payload:   msg.Raw,
	}); err != nil {
		log.WithError(err).Error("failed to append result transcript entry")
	}

	var inputTokens, outputTokens int64
	if msg.Usage != nil {
		inputTokens = msg.Usage.InputTokens
		outputTokens = msg.Usage.OutputTokens
	}
	if err := m.store.ApplyResult(ctx, sessionID, msg.TotalCostUSD, inputTokens, outputTokens); err != nil {
		log.WithError(err).Error("failed to apply result metrics")
		return
	}
	m.emit(events.SessionStatus, sessionID, map[string]any{"status": string(store.StatusIdle)})
}

// onStatus handles agent-reported status passthroughs such as compacting.
func (m *Manager) onStatus(sessionID, status string) {
	if status != string(store.StatusCompacting) {
		return
	}
	if err := m.store.UpdateStatus(context.Background(), sessionID, store.StatusCompacting); err != nil {
		m.logger.WithError(err).WithSessionID(sessionID).Error("failed to record compacting status")
		return
	}
	m.emit(events.SessionStatus, sessionID, map[string]any{"status": status})
}

// onPermissionRequest evaluates the tool-use request and replies on the
// bridge. The engine never fails; a rule-store outage degrades to the
// default decision.
func (m *Manager) onPermissionRequest(ls *liveSession, requestID, toolName string, toolInput map[string]any) {
	decision := m.engine.Evaluate(context.Background(), &permission.Request{
		SessionID: ls.id,
		ProjectID: ls.projectID,
		RequestID: requestID,
		ToolName:  toolName,
		ToolInput: toolInput,
	})
	m.logger.WithSessionID(ls.id).Info("permission decision",
		zap.String("tool", toolName),
		zap.String("behavior", decision.Behavior),
		zap.String("source", decision.Source))
	ls.bridge.Send(agent.NewControlResponse(requestID, decision.Behavior, decision.UpdatedInput))
}

// handleUnexpectedExit fires when the subprocess dies while the session is
// supposed to be running.
func (m *Manager) handleUnexpectedExit(ls *liveSession, exitErr error) {
	if !ls.markTerminated() {
		return
	}
	msg := "agent process exited unexpectedly"
	if exitErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, exitErr)
	}
	if stderr := ls.proc.Stderr(); stderr != "" {
		msg = fmt.Sprintf("%s; stderr: %s", msg, stderr)
	}
	m.teardown(ls)
	m.failSession(ls.id, events.ReasonUnexpectedExit, msg)
}

// failSession settles the row as errored and announces it.
func (m *Manager) failSession(sessionID, reason, message string) {
	if err := m.store.MarkError(context.Background(), sessionID, message); err != nil {
		m.logger.WithError(err).WithSessionID(sessionID).Error("failed to mark session errored")
	}
	m.emit(events.SessionError, sessionID, map[string]any{
		"reason":  reason,
		"message": message,
	})
}

// teardown releases the runtime resources of a terminated session: bridge,
// subprocess, port, and the live-map entry. Callers must have marked the
// session terminated first. The bridge and subprocess may be nil when a
// creation was interrupted partway.
func (m *Manager) teardown(ls *liveSession) {
	if ls.bridge != nil {
		ls.bridge.Close()
	}
	if ls.proc != nil && !ls.proc.Exited() {
		ls.proc.Kill()
	}
	if ls.bridge != nil {
		m.ports.Release(ls.bridge.Port())
	}

	m.mu.Lock()
	delete(m.live, ls.id)
	m.mu.Unlock()
}

func (m *Manager) emit(eventType, sessionID string, data map[string]any) {
	m.bus.Emit(bus.NewEvent(eventType, sessionID, data))
}
