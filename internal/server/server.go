// Package server wires the Request Handler and Control Surface onto a
// gorilla/mux router and runs it with graceful shutdown, following the
// codebase's existing server/signal-handling convention.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/snapp-incubator/frl-proxy/internal/control"
	"github.com/snapp-incubator/frl-proxy/internal/handler"
	"github.com/snapp-incubator/frl-proxy/internal/logging"
)

// Server is the main client-facing HTTP listener.
type Server struct {
	httpServer *http.Server
}

// New builds the router: the Request Handler answers everything except
// /status and /control/*, which the Control Surface owns.
func New(bind string, h *handler.Handler, ctrl *control.Surface) *Server {
	r := mux.NewRouter()
	ctrl.Register(r)
	r.PathPrefix("/").Handler(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         bind,
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 65 * time.Second, // above the 60s default upstream timeout
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.L.Error("http server terminated abnormally", zap.Error(err))
		return err
	}
	return nil
}

// Shutdown gracefully stops accepting connections and waits for in-flight
// requests to finish, up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
