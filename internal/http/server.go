package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

type Server struct {
	Engine *gin.Engine
	srv    *http.Server
}

func NewServer(cfg RouterConfig) *Server {
	return &Server{Engine: NewRouter(cfg)}
}

// Run starts the HTTP server and blocks until Shutdown is called or the
// listener fails.
func (s *Server) Run(address string) error {
	s.srv = &http.Server{Addr: address, Handler: s.Engine}
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, letting in-flight requests (notably
// WebSocket log streams) finish or be cancelled by ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
