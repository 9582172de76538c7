package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/user/agterm/internal/hub"
	"github.com/user/agterm/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// Server binds the websocket transport, the REST API and the metrics
// endpoint to one listener.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
}

// New listens on addr right away so that a port conflict is reported
// before anything else starts. apiHandler and m may be nil.
func New(addr string, h *hub.Hub, apiHandler http.Handler, m *metrics.Metrics) (*Server, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWebSocket)
	if apiHandler != nil {
		mux.Handle("/api/", apiHandler)
	}
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "{\"status\":\"ok\",\"clients\":%d}\n", h.ClientCount())
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return &Server{
		listener: ln,
		httpServer: &http.Server{
			Handler:           m.Middleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Start serves until ctx is done and then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.listener.Addr().String())
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
