package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/conduithq/conduit/internal/common/errors"
	"github.com/conduithq/conduit/internal/common/logger"
	"github.com/conduithq/conduit/internal/store"
	"github.com/conduithq/conduit/pkg/agent"
)

// ProjectHandlers serves project CRUD.
type ProjectHandlers struct {
	store  store.ProjectStore
	logger *logger.Logger
}

func NewProjectHandlers(st store.ProjectStore, log *logger.Logger) *ProjectHandlers {
	return &ProjectHandlers{
		store:  st,
		logger: log.WithFields(zap.String("component", "project-handlers")),
	}
}

func (h *ProjectHandlers) Register(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/projects", h.createProject)
	api.GET("/projects", h.listProjects)
	api.GET("/projects/:id", h.getProject)
}

type createProjectRequest struct {
	Name                  string `json:"name"`
	FolderPath            string `json:"folder_path"`
	DefaultModel          string `json:"default_model"`
	DefaultPermissionMode string `json:"default_permission_mode"`
	SystemPrompt          string `json:"system_prompt"`
	AppendSystemPrompt    string `json:"append_system_prompt"`
}

func (h *ProjectHandlers) createProject(c *gin.Context) {
	var body createProjectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, h.logger, apperrors.Validation("invalid payload: "+err.Error()))
		return
	}
	if body.Name == "" {
		respondError(c, h.logger, apperrors.Validation("name is required"))
		return
	}
	if body.FolderPath == "" {
		respondError(c, h.logger, apperrors.Validation("folder_path is required"))
		return
	}
	if !agent.IsValidPermissionMode(body.DefaultPermissionMode) {
		respondError(c, h.logger, apperrors.Validation("invalid default_permission_mode"))
		return
	}

	project := &store.Project{
		ID:                    uuid.New().String(),
		Name:                  body.Name,
		FolderPath:            body.FolderPath,
		DefaultModel:          body.DefaultModel,
		DefaultPermissionMode: body.DefaultPermissionMode,
		SystemPrompt:          body.SystemPrompt,
		AppendSystemPrompt:    body.AppendSystemPrompt,
		CreatedAt:             time.Now().UTC(),
	}
	if err := h.store.CreateProject(c.Request.Context(), project); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (h *ProjectHandlers) listProjects(c *gin.Context) {
	projects, err := h.store.ListProjects(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if projects == nil {
		projects = []*store.Project{}
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *ProjectHandlers) getProject(c *gin.Context) {
	project, err := h.store.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, project)
}
