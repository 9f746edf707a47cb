package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/conduithq/conduit/internal/common/errors"
	"github.com/conduithq/conduit/internal/common/logger"
	"github.com/conduithq/conduit/internal/session"
	"github.com/conduithq/conduit/internal/store"
)

// SessionHandlers serves the session lifecycle endpoints.
type SessionHandlers struct {
	manager *session.Manager
	store   store.Store
	logger  *logger.Logger
}

func NewSessionHandlers(manager *session.Manager, st store.Store, log *logger.Logger) *SessionHandlers {
	return &SessionHandlers{
		manager: manager,
		store:   st,
		logger:  log.WithFields(zap.String("component", "session-handlers")),
	}
}

func (h *SessionHandlers) Register(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/sessions", h.createSession)
	api.GET("/sessions", h.listSessions)
	api.GET("/sessions/:id", h.getSession)
	api.DELETE("/sessions/:id", h.closeSession)
	api.POST("/sessions/:id/message", h.sendMessage)
	api.POST("/sessions/:id/interrupt", h.interrupt)
	api.GET("/sessions/:id/messages", h.listMessages)
	api.GET("/sessions/:id/permission-log", h.listPermissionLog)
}

func (h *SessionHandlers) createSession(c *gin.Context) {
	var params session.CreateParams
	if err := c.ShouldBindJSON(&params); err != nil {
		respondError(c, h.logger, apperrors.Validation("invalid payload: "+err.Error()))
		return
	}
	if params.ProjectID == "" {
		respondError(c, h.logger, apperrors.Validation("project_id is required"))
		return
	}

	sess, err := h.manager.CreateSession(c.Request.Context(), params)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *SessionHandlers) listSessions(c *gin.Context) {
	sessions, err := h.store.ListSessions(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *SessionHandlers) getSession(c *gin.Context) {
	sess, err := h.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandlers) closeSession(c *gin.Context) {
	if err := h.manager.CloseSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (h *SessionHandlers) sendMessage(c *gin.Context) {
	var body sendMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, h.logger, apperrors.Validation("invalid payload: "+err.Error()))
		return
	}
	if err := h.manager.SendMessage(c.Request.Context(), c.Param("id"), body.Content); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (h *SessionHandlers) interrupt(c *gin.Context) {
	if err := h.manager.Interrupt(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "interrupted"})
}

func (h *SessionHandlers) listMessages(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	// Unknown sessions are a 404, not an empty transcript.
	if _, err := h.store.GetSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}

	messages, err := h.store.ListMessages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	out := make([]gin.H, 0, len(messages))
	for _, m := range messages {
		out = append(out, gin.H{
			"id":         m.ID,
			"direction":  m.Direction,
			"type":       m.Type,
			"payload":    json.RawMessage(m.Payload),
			"created_at": m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (h *SessionHandlers) listPermissionLog(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if _, err := h.store.GetSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}

	entries, err := h.store.ListPermissionLog(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*store.PermissionLogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, apperrors.Validation("limit must be a non-negative integer")
	}
	return limit, nil
}
