// Package api exposes the HTTP, SSE, and consumer-WebSocket surface.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/conduithq/conduit/internal/common/errors"
	"github.com/conduithq/conduit/internal/common/logger"
)

// respondError maps application errors to their HTTP shape. Non-application
// errors are logged and surface as an opaque 500.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}
	log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": apperrors.ErrCodeInternalError})
}
