package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Wei-Shaw/coprox/internal/handler"
	"github.com/Wei-Shaw/coprox/internal/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownGrace = 5 * time.Second

// Server is the HTTP front: the OpenAI-compatible endpoints plus the status
// page, served by one gin engine.
type Server struct {
	engine *gin.Engine
	http   *http.Server
}

// New assembles the router.
func New(gateway *handler.GatewayHandler, status *handler.StatusHandler) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.HandleMethodNotAllowed = true

	engine.POST("/v1/chat/completions", gateway.ChatCompletions)
	engine.POST("/chat/completions", gateway.ChatCompletions)
	engine.GET("/models", gateway.Models)
	engine.GET("/status", status.Status)

	return &Server{engine: engine}
}

// Run serves on host:port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, host string, port int) error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("proxy listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
