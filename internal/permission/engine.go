package permission

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/conduithq/conduit/internal/common/errors"
	"github.com/conduithq/conduit/internal/common/logger"
	"github.com/conduithq/conduit/internal/store"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Behavior     string         `json:"behavior"`
	Source       string         `json:"source"`
	RuleID       *string        `json:"rule_id,omitempty"`
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
}

// Request carries the fields of a can_use_tool control request that the
// engine needs.
type Request struct {
	SessionID string
	ProjectID string
	RequestID string
	ToolName  string
	ToolInput map[string]any
}

// Engine evaluates tool-use requests against the persisted rule set and
// records every decision in the audit log.
type Engine struct {
	rules  store.RuleStore
	audit  store.PermissionLogStore
	logger *logger.Logger
}

func NewEngine(rules store.RuleStore, audit store.PermissionLogStore, log *logger.Logger) *Engine {
	return &Engine{rules: rules, audit: audit, logger: log}
}

// Evaluate decides a tool-use request. Precedence is fixed: project deny,
// global deny, project allow, global allow, then default allow. Within each
// band rules are already ordered by priority, highest first, and the first
// match wins. Evaluation itself never fails; rule-store errors degrade to
// the default decision.
func (e *Engine) Evaluate(ctx context.Context, req *Request) *Decision {
	projectRules, globalRules := e.loadRules(ctx, req.ProjectID)

	decision := &Decision{Behavior: store.RuleBehaviorAllow, Source: store.DecisionSourceAutoDefault}
	bands := []struct {
		rules    []*store.PermissionRule
		behavior string
	}{
		{projectRules, store.RuleBehaviorDeny},
		{globalRules, store.RuleBehaviorDeny},
		{projectRules, store.RuleBehaviorAllow},
		{globalRules, store.RuleBehaviorAllow},
	}
	for _, band := range bands {
		if rule := firstMatch(band.rules, band.behavior, req.ToolName, req.ToolInput); rule != nil {
			decision = &Decision{
				Behavior: rule.Behavior,
				Source:   store.DecisionSourceAutoRule,
				RuleID:   &rule.ID,
			}
			break
		}
	}

	e.appendAudit(ctx, req, decision)
	return decision
}

func (e *Engine) loadRules(ctx context.Context, projectID string) (project, global []*store.PermissionRule) {
	var err error
	if projectID != "" {
		if project, err = e.rules.ListProjectRules(ctx, projectID); err != nil {
			e.logger.WithError(err).WithProjectID(projectID).Warn("failed to load project rules, falling back to default decision")
			project = nil
		}
	}
	if global, err = e.rules.ListGlobalRules(ctx); err != nil {
		e.logger.WithError(err).Warn("failed to load global rules, falling back to default decision")
		global = nil
	}
	return project, global
}

func firstMatch(rules []*store.PermissionRule, behavior, toolName string, toolInput map[string]any) *store.PermissionRule {
	for _, rule := range rules {
		if rule.Behavior != behavior {
			continue
		}
		if Matches(rule, toolName, toolInput) {
			return rule
		}
	}
	return nil
}

// appendAudit writes exactly one audit row per evaluation. An audit write
// failure is logged but does not change the decision.
func (e *Engine) appendAudit(ctx context.Context, req *Request, d *Decision) {
	inputJSON, err := json.Marshal(req.ToolInput)
	if err != nil {
		inputJSON = []byte("{}")
	}
	entry := &store.PermissionLogEntry{
		SessionID:      req.SessionID,
		RequestID:      req.RequestID,
		ToolName:       req.ToolName,
		ToolInputJSON:  string(inputJSON),
		Decision:       d.Behavior,
		DecisionSource: d.Source,
		RuleID:         d.RuleID,
		DecidedBy:      "engine",
		DecidedAt:      time.Now().UTC(),
	}
	if err := e.audit.AppendPermissionLog(ctx, entry); err != nil {
		e.logger.WithError(err).WithSessionID(req.SessionID).Error("failed to append permission audit entry")
	}
}

// CreateRule validates and persists a new rule.
func (e *Engine) CreateRule(ctx context.Context, rule *store.PermissionRule) error {
	if err := validateRule(rule.ToolName, rule.Behavior); err != nil {
		return err
	}
	return e.rules.CreateRule(ctx, rule)
}

// UpdateRule applies a partial update. The store enforces the writable-field
// allowlist; the engine validates behavior values before they reach it.
func (e *Engine) UpdateRule(ctx context.Context, id string, fields map[string]any) error {
	if behavior, ok := fields["behavior"]; ok {
		s, _ := behavior.(string)
		if s != store.RuleBehaviorAllow && s != store.RuleBehaviorDeny {
			return apperrors.Validation("behavior must be allow or deny")
		}
	}
	if toolName, ok := fields["tool_name"]; ok {
		if s, _ := toolName.(string); s == "" {
			return apperrors.Validation("tool_name cannot be empty")
		}
	}
	return e.rules.UpdateRule(ctx, id, fields)
}

func (e *Engine) GetRule(ctx context.Context, id string) (*store.PermissionRule, error) {
	return e.rules.GetRule(ctx, id)
}

func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	return e.rules.DeleteRule(ctx, id)
}

// ListRules returns the project band followed by the global band when a
// project id is given, or just the global band otherwise.
func (e *Engine) ListRules(ctx context.Context, projectID string) ([]*store.PermissionRule, error) {
	if projectID == "" {
		return e.rules.ListGlobalRules(ctx)
	}
	project, err := e.rules.ListProjectRules(ctx, projectID)
	if err != nil {
		return nil, err
	}
	global, err := e.rules.ListGlobalRules(ctx)
	if err != nil {
		return nil, err
	}
	return append(project, global...), nil
}

func validateRule(toolName, behavior string) error {
	if toolName == "" {
		return apperrors.Validation("tool_name cannot be empty")
	}
	if behavior != store.RuleBehaviorAllow && behavior != store.RuleBehaviorDeny {
		return apperrors.Validation("behavior must be allow or deny")
	}
	return nil
}
