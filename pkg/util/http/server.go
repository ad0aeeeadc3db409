// Package httputil wraps http.Server with start/stop plumbing for the
// volume daemon's sidecar endpoints (metrics, pprof).
package httputil

import (
	"context"
	"errors"
	"net/http"
	"time"
)

const defaultShutdownTimeout = 15 * time.Second

// Server serves one HTTP handler on one address.
type Server struct {
	shutdownTimeout time.Duration

	srv *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithShutdownTimeout bounds how long Shutdown waits for in-flight
// requests. Non-positive values keep the default.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New builds a Server listening on addr.
func New(addr string, handler http.Handler, opts ...Option) *Server {
	s := &Server{
		shutdownTimeout: defaultShutdownTimeout,
		srv: &http.Server{
			Addr:    addr,
			Handler: handler,
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Serve listens and serves until Shutdown. The http.ErrServerClosed
// returned by a regular shutdown is swallowed.
func (s *Server) Serve() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// Shutdown stops the server, waiting up to the configured timeout for
// in-flight requests.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	return s.srv.Shutdown(ctx)
}
