package observability

import (
	"context"
	"net/http"
)

// Server exposes /metrics and /healthz over HTTP, the way the rest of
// the pack gives every long-running process an observability endpoint
// separate from its main protocol listener.
type Server struct {
	httpServer *http.Server
}

// NewServer builds (but does not start) an observability HTTP server
// bound to addr.
func NewServer(addr, nodeID string, metrics *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", HealthHandler(nodeID))
	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

// Start runs the server in the background. Call Shutdown to stop it.
func (s *Server) Start(log *Logger) {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "observability server stopped unexpectedly")
		}
	}()
	log.Info("observability server listening on " + s.httpServer.Addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
