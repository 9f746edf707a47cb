package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/conduithq/conduit/internal/common/config"
	"github.com/conduithq/conduit/internal/common/httpmw"
	"github.com/conduithq/conduit/internal/common/logger"
	"github.com/conduithq/conduit/internal/events/bus"
	"github.com/conduithq/conduit/internal/permission"
	"github.com/conduithq/conduit/internal/session"
	"github.com/conduithq/conduit/internal/store"
)

// Server is the outward HTTP surface: REST, SSE, and the consumer WebSocket.
type Server struct {
	cfg        *config.Config
	router     *gin.Engine
	httpServer *http.Server
	logger     *logger.Logger
}

// NewServer wires every handler group onto one gin engine.
func NewServer(cfg *config.Config, st store.Store, manager *session.Manager, engine *permission.Engine, eventBus *bus.EventBus, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "conduit"))
	router.Use(httpmw.OtelTracing("conduit-http"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"live_sessions":   manager.LiveCount(),
			"bus_subscribers": eventBus.SubscriberCount(),
		})
	})

	NewProjectHandlers(st, log).Register(router)
	NewSessionHandlers(manager, st, log).Register(router)
	NewRuleHandlers(engine, log).Register(router)
	NewEventHandlers(eventBus, log).Register(router)
	NewConsumerWSHandlers(manager, st, eventBus, log).Register(router)

	return &Server{
		cfg:    cfg,
		router: router,
		logger: log.WithFields(zap.String("component", "api-server")),
	}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start begins serving. It blocks until the listener fails or is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: s.cfg.Server.ReadTimeoutDuration(),
		// WriteTimeout stays unset so SSE and WebSocket streams are not cut off.
	}

	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

