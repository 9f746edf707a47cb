package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/conduithq/conduit/internal/common/errors"
	"github.com/conduithq/conduit/internal/common/logger"
	"github.com/conduithq/conduit/internal/permission"
	"github.com/conduithq/conduit/internal/store"
)

// RuleHandlers serves permission rule CRUD.
type RuleHandlers struct {
	engine *permission.Engine
	logger *logger.Logger
}

func NewRuleHandlers(engine *permission.Engine, log *logger.Logger) *RuleHandlers {
	return &RuleHandlers{
		engine: engine,
		logger: log.WithFields(zap.String("component", "rule-handlers")),
	}
}

func (h *RuleHandlers) Register(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/permission-rules", h.createRule)
	api.GET("/permission-rules", h.listRules)
	api.GET("/permission-rules/:id", h.getRule)
	api.PATCH("/permission-rules/:id", h.updateRule)
	api.DELETE("/permission-rules/:id", h.deleteRule)
}

type createRuleRequest struct {
	ProjectID   *string `json:"project_id,omitempty"`
	ToolName    string  `json:"tool_name"`
	RuleContent string  `json:"rule_content"`
	Behavior    string  `json:"behavior"`
	Priority    int     `json:"priority"`
}

func (h *RuleHandlers) createRule(c *gin.Context) {
	var body createRuleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, h.logger, apperrors.Validation("invalid payload: "+err.Error()))
		return
	}

	rule := &store.PermissionRule{
		ProjectID:   body.ProjectID,
		ToolName:    body.ToolName,
		RuleContent: body.RuleContent,
		Behavior:    body.Behavior,
		Priority:    body.Priority,
	}
	if err := h.engine.CreateRule(c.Request.Context(), rule); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *RuleHandlers) listRules(c *gin.Context) {
	rules, err := h.engine.ListRules(c.Request.Context(), c.Query("project_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if rules == nil {
		rules = []*store.PermissionRule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (h *RuleHandlers) getRule(c *gin.Context) {
	rule, err := h.engine.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// updateRule accepts a partial payload. Only tool_name, rule_content,
// behavior, and priority are writable; other keys are dropped before they
// reach storage.
func (h *RuleHandlers) updateRule(c *gin.Context) {
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		respondError(c, h.logger, apperrors.Validation("invalid payload: "+err.Error()))
		return
	}
	// JSON numbers arrive as float64; priority is an integer column.
	if p, ok := fields["priority"].(float64); ok {
		fields["priority"] = int(p)
	}

	if err := h.engine.UpdateRule(c.Request.Context(), c.Param("id"), fields); err != nil {
		respondError(c, h.logger, err)
		return
	}
	rule, err := h.engine.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *RuleHandlers) deleteRule(c *gin.Context) {
	if err := h.engine.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
