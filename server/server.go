package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Mounter registers routes on a router. Both *Handler and
// *bus.Forwarder satisfy this through their Routes methods.
type Mounter interface {
	Routes(r gin.IRouter)
}

// Server hosts one HTTP listener with graceful shutdown.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds a server on addr with the given route mounts.
func New(addr string, logger *slog.Logger, mounts ...Mounter) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	for _, m := range mounts {
		m.Routes(engine)
	}

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: engine},
		logger:     logger,
	}
}

// Start runs the listener until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests,
// bounded by the context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
