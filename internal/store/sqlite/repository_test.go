package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/conduithq/conduit/internal/common/errors"
	"github.com/conduithq/conduit/internal/db"
	"github.com/conduithq/conduit/internal/store"
)

func setupRepo(t *testing.T) *Repository {
	t.Helper()
	pool, err := db.Open(filepath.Join(t.TempDir(), "conduit.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pool.Close()
	})

	repo, err := New(pool)
	require.NoError(t, err)
	return repo
}

func seedProject(t *testing.T, repo *Repository, id string) *store.Project {
	t.Helper()
	p := &store.Project{
		ID:         id,
		Name:       "test project",
		FolderPath: "/tmp/" + id,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, repo.CreateProject(context.Background(), p))
	return p
}

func seedSession(t *testing.T, repo *Repository, id, projectID string) *store.Session {
	t.Helper()
	s := &store.Session{
		ID:        id,
		ProjectID: projectID,
		Name:      "test session",
		Status:    store.StatusStarting,
		Model:     "m1",
	}
	require.NoError(t, repo.CreateSession(context.Background(), s))
	return s
}

func TestProjectRoundTrip(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	seedProject(t, repo, "proj-1")

	got, err := repo.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "test project", got.Name)
	assert.Equal(t, "/tmp/proj-1", got.FolderPath)

	_, err = repo.GetProject(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))

	projects, err := repo.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 1)
}

func TestSessionLifecycle(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	seedProject(t, repo, "proj-1")
	seedSession(t, repo, "sess-1", "proj-1")

	got, err := repo.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStarting, got.Status)
	assert.Zero(t, got.NumTurns)

	require.NoError(t, repo.SetRuntime(ctx, "sess-1", 4242, 17005))
	got, err = repo.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got.CLIPID)
	assert.Equal(t, 4242, *got.CLIPID)
	require.NotNil(t, got.WSPort)
	assert.Equal(t, 17005, *got.WSPort)

	require.NoError(t, repo.UpdateStatus(ctx, "sess-1", store.StatusIdle))
	got, err = repo.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusIdle, got.Status)

	require.NoError(t, repo.MarkClosed(ctx, "sess-1"))
	got, err = repo.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, got.Status)
	assert.NotNil(t, got.ClosedAt)
	assert.Nil(t, got.WSPort, "terminal rows must not keep the bridge port")
}

func TestSessionNotFoundContract(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	_, err := repo.GetSession(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
	assert.True(t, apperrors.IsNotFound(repo.UpdateStatus(ctx, "missing", store.StatusIdle)))
	assert.True(t, apperrors.IsNotFound(repo.MarkError(ctx, "missing", "boom")))
	assert.True(t, apperrors.IsNotFound(repo.MarkClosed(ctx, "missing")))
	assert.True(t, apperrors.IsNotFound(repo.ApplyResult(ctx, "missing", 1, 1, 1)))
}

func TestSetAgentSessionIDNeverOverwrites(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	seedProject(t, repo, "proj-1")
	seedSession(t, repo, "sess-1", "proj-1")

	require.NoError(t, repo.SetAgentSessionID(ctx, "sess-1", "agent-aaa"))
	require.NoError(t, repo.SetAgentSessionID(ctx, "sess-1", "agent-bbb"))

	got, err := repo.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-aaa", got.AgentSessionID)
}

func TestApplyResultSetsNotAdds(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	seedProject(t, repo, "proj-1")
	seedSession(t, repo, "sess-1", "proj-1")

	// First result: cumulative totals from the payload.
	require.NoError(t, repo.ApplyResult(ctx, "sess-1", 0.10, 100, 50))
	got, err := repo.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 0.10, got.TotalCostUSD)
	assert.Equal(t, int64(100), got.TotalInputTokens)
	assert.Equal(t, int64(50), got.TotalOutputTokens)
	assert.Equal(t, 1, got.NumTurns)
	assert.Equal(t, store.StatusIdle, got.Status)

	// Second result carries new cumulative totals; they replace, not sum.
	require.NoError(t, repo.ApplyResult(ctx, "sess-1", 0.25, 300, 120))
	got, err = repo.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 0.25, got.TotalCostUSD)
	assert.Equal(t, int64(300), got.TotalInputTokens)
	assert.Equal(t, int64(120), got.TotalOutputTokens)
	assert.Equal(t, 2, got.NumTurns)
}

func TestListUnterminated(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	seedProject(t, repo, "proj-1")
	seedSession(t, repo, "sess-running", "proj-1")
	seedSession(t, repo, "sess-closed", "proj-1")
	seedSession(t, repo, "sess-errored", "proj-1")

	require.NoError(t, repo.SetRuntime(ctx, "sess-errored", 111, 17050))
	require.NoError(t, repo.MarkClosed(ctx, "sess-closed"))
	require.NoError(t, repo.MarkError(ctx, "sess-errored", "boom"))

	errored, err := repo.GetSession(ctx, "sess-errored")
	require.NoError(t, err)
	assert.Nil(t, errored.WSPort)

	open, err := repo.ListUnterminated(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "sess-running", open[0].ID)

	// Settling the survivor makes a second pass a no-op.
	require.NoError(t, repo.MarkError(ctx, "sess-running", "orphaned"))
	open, err = repo.ListUnterminated(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestMessagesTranscriptOrder(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	seedProject(t, repo, "proj-1")
	seedSession(t, repo, "sess-1", "proj-1")

	base := time.Now().UTC()
	for i, payload := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		require.NoError(t, repo.AppendMessage(ctx, &store.MessageRecord{
			SessionID: "sess-1",
			Direction: store.DirectionInbound,
			Type:      "assistant",
			Payload:   []byte(payload),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	messages, err := repo.ListMessages(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.JSONEq(t, `{"n":1}`, string(messages[0].Payload))
	assert.JSONEq(t, `{"n":3}`, string(messages[2].Payload))

	limited, err := repo.ListMessages(ctx, "sess-1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRuleCRUDAndOrdering(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	seedProject(t, repo, "proj-1")

	pid := "proj-1"
	low := &store.PermissionRule{ID: "low", ProjectID: &pid, ToolName: "Bash", Behavior: store.RuleBehaviorAllow, Priority: 1}
	high := &store.PermissionRule{ID: "high", ProjectID: &pid, ToolName: "Bash", Behavior: store.RuleBehaviorDeny, Priority: 10}
	global := &store.PermissionRule{ID: "global", ToolName: "*", Behavior: store.RuleBehaviorAllow, Priority: 5}
	for _, r := range []*store.PermissionRule{low, high, global} {
		require.NoError(t, repo.CreateRule(ctx, r))
	}

	project, err := repo.ListProjectRules(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, project, 2)
	assert.Equal(t, "high", project[0].ID)
	assert.Equal(t, "low", project[1].ID)

	globals, err := repo.ListGlobalRules(ctx)
	require.NoError(t, err)
	require.Len(t, globals, 1)
	assert.Equal(t, "global", globals[0].ID)

	require.NoError(t, repo.DeleteRule(ctx, "low"))
	assert.True(t, apperrors.IsNotFound(repo.DeleteRule(ctx, "low")))
	_, err = repo.GetRule(ctx, "low")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUpdateRuleFieldAllowlist(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	seedProject(t, repo, "proj-1")

	pid := "proj-1"
	rule := &store.PermissionRule{ID: "rule-1", ProjectID: &pid, ToolName: "Bash", RuleContent: "ls", Behavior: store.RuleBehaviorAllow, Priority: 1}
	require.NoError(t, repo.CreateRule(ctx, rule))

	// Writable fields apply; id and project_id are silently ignored.
	err := repo.UpdateRule(ctx, "rule-1", map[string]any{
		"behavior":   store.RuleBehaviorDeny,
		"priority":   9,
		"id":         "hijacked",
		"project_id": nil,
		"created_at": time.Now(),
	})
	require.NoError(t, err)

	got, err := repo.GetRule(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, store.RuleBehaviorDeny, got.Behavior)
	assert.Equal(t, 9, got.Priority)
	require.NotNil(t, got.ProjectID)
	assert.Equal(t, "proj-1", *got.ProjectID)

	// A payload with no writable keys still reports not-found for unknown ids.
	err = repo.UpdateRule(ctx, "missing", map[string]any{"id": "x"})
	assert.True(t, apperrors.IsNotFound(err))

	assert.True(t, apperrors.IsNotFound(repo.UpdateRule(ctx, "missing", map[string]any{"priority": 1})))
}

func TestPermissionLogAppendAndList(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	base := time.Now().UTC()
	ruleID := "rule-1"
	entries := []*store.PermissionLogEntry{
		{SessionID: "sess-1", RequestID: "req-1", ToolName: "Bash", ToolInputJSON: `{"command":"ls"}`, Decision: "allow", DecisionSource: store.DecisionSourceAutoDefault, DecidedBy: "engine", DecidedAt: base},
		{SessionID: "sess-1", RequestID: "req-2", ToolName: "Bash", ToolInputJSON: `{"command":"rm"}`, Decision: "deny", DecisionSource: store.DecisionSourceAutoRule, RuleID: &ruleID, DecidedBy: "engine", DecidedAt: base.Add(time.Second)},
		{SessionID: "sess-2", RequestID: "req-3", ToolName: "Read", ToolInputJSON: `{}`, Decision: "allow", DecisionSource: store.DecisionSourceAutoDefault, DecidedBy: "engine", DecidedAt: base},
	}
	for _, e := range entries {
		require.NoError(t, repo.AppendPermissionLog(ctx, e))
	}

	got, err := repo.ListPermissionLog(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Newest first.
	assert.Equal(t, "req-2", got[0].RequestID)
	require.NotNil(t, got[0].RuleID)
	assert.Equal(t, "rule-1", *got[0].RuleID)

	limited, err := repo.ListPermissionLog(ctx, "sess-1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
