package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduithq/conduit/internal/bridge"
	"github.com/conduithq/conduit/internal/common/config"
	"github.com/conduithq/conduit/internal/common/logger"
	"github.com/conduithq/conduit/internal/db"
	"github.com/conduithq/conduit/internal/events/bus"
	"github.com/conduithq/conduit/internal/permission"
	"github.com/conduithq/conduit/internal/session"
	"github.com/conduithq/conduit/internal/store/sqlite"
)

func setupAPI(t *testing.T) *gin.Engine {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	pool, err := db.Open(filepath.Join(t.TempDir(), "conduit.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pool.Close()
	})
	repo, err := sqlite.New(pool)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Bridge.PortRangeStart = 17000
	cfg.Bridge.PortRangeEnd = 17099
	cfg.Agent.CLIPath = "agent"
	cfg.Agent.MaxSessions = 10

	eventBus := bus.NewEventBus(log)
	engine := permission.NewEngine(repo, repo, log)
	router := bridge.NewRouter(eventBus, log)
	manager := session.NewManager(cfg, repo, eventBus, router, engine, log)

	return NewServer(cfg, repo, manager, engine, eventBus, log).Router()
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	r := setupAPI(t)
	w := doJSON(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["live_sessions"])
	assert.Contains(t, body, "bus_subscribers")
}

func TestProjectCRUD(t *testing.T) {
	r := setupAPI(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/projects", map[string]any{
		"name":        "demo",
		"folder_path": "/tmp/demo",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode(t, w)
	projectID := created["id"].(string)
	require.NotEmpty(t, projectID)

	w = doJSON(t, r, http.MethodGet, "/api/v1/projects/"+projectID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "demo", decode(t, w)["name"])

	w = doJSON(t, r, http.MethodGet, "/api/v1/projects", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["projects"], 1)

	w = doJSON(t, r, http.MethodGet, "/api/v1/projects/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProjectValidation(t *testing.T) {
	r := setupAPI(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/projects", map[string]any{"folder_path": "/tmp/x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/projects", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/projects", map[string]any{
		"name": "x", "folder_path": "/tmp/x", "default_permission_mode": "yolo",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRuleEndpoints(t *testing.T) {
	r := setupAPI(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/permission-rules", map[string]any{
		"tool_name": "Bash", "rule_content": "git:*", "behavior": "deny", "priority": 5,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	ruleID := decode(t, w)["id"].(string)

	w = doJSON(t, r, http.MethodGet, "/api/v1/permission-rules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["rules"], 1)

	w = doJSON(t, r, http.MethodPatch, "/api/v1/permission-rules/"+ruleID, map[string]any{
		"behavior": "allow", "priority": 7,
	})
	require.Equal(t, http.StatusOK, w.Code)
	updated := decode(t, w)
	assert.Equal(t, "allow", updated["behavior"])
	assert.Equal(t, float64(7), updated["priority"])

	w = doJSON(t, r, http.MethodPatch, "/api/v1/permission-rules/"+ruleID, map[string]any{
		"behavior": "sometimes",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodDelete, "/api/v1/permission-rules/"+ruleID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/permission-rules/"+ruleID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRuleCreateValidation(t *testing.T) {
	r := setupAPI(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/permission-rules", map[string]any{
		"tool_name": "", "behavior": "deny",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/permission-rules", map[string]any{
		"tool_name": "Bash", "behavior": "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionEndpointsUnknownSession(t *testing.T) {
	r := setupAPI(t)

	assert.Equal(t, http.StatusNotFound, doJSON(t, r, http.MethodGet, "/api/v1/sessions/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, r, http.MethodGet, "/api/v1/sessions/nope/messages", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, r, http.MethodGet, "/api/v1/sessions/nope/permission-log", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, r, http.MethodDelete, "/api/v1/sessions/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, r, http.MethodPost, "/api/v1/sessions/nope/message", map[string]any{"content": "hi"}).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, r, http.MethodPost, "/api/v1/sessions/nope/interrupt", nil).Code)
}

func TestCreateSessionValidation(t *testing.T) {
	r := setupAPI(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/sessions", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/sessions", map[string]any{
		"project_id": "p1", "permission_mode": "yolo",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Valid mode but unknown project.
	w = doJSON(t, r, http.MethodPost, "/api/v1/sessions", map[string]any{
		"project_id": "p1",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSessionsEmpty(t *testing.T) {
	r := setupAPI(t)
	w := doJSON(t, r, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["sessions"], 0)
}
