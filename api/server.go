package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// readHeaderTimeout bounds slow clients; bodies are not time-bounded since
// inline tables can be large
const readHeaderTimeout = 10 * time.Second

// Server owns the listening HTTP server
type Server struct {
	http   *http.Server
	logger *zap.Logger
	addr   net.Addr
}

// NewServer creates a Server for handler on port
func NewServer(port int, handler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: logger.With(zap.String("component", "http")),
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	s.addr = ln.Addr()
	s.logger.Info("starting HTTP server", zap.String("addr", s.addr.String()))

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once Start succeeded
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// is done. Running sandbox units finish on their own timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.http.Shutdown(ctx)
}
