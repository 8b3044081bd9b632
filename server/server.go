// Package server exposes the history store over HTTP and the live
// broadcast hub over a websocket endpoint.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/weftlabs/weft/forward"
	"github.com/weftlabs/weft/history"
	"github.com/weftlabs/weft/hub"
)

// Server serves run history queries and live event subscriptions.
type Server struct {
	addr      string
	logger    *zap.SugaredLogger
	store     *history.Store
	hub       *hub.Hub
	forwarder *forward.Forwarder

	mux        *http.ServeMux
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New wires the HTTP surface. allowedOrigins guards both CORS responses
// and websocket upgrades; requests without an Origin header always pass.
// A nil forwarder gets the default exclusion set, publishing straight
// into the hub.
func New(addr string, store *history.Store, h *hub.Hub, fwd *forward.Forwarder, allowedOrigins []string, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if fwd == nil {
		fwd = forward.NewForwarder(hub.NestedSink(h), logger)
	}

	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	checkOrigin := func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := origins[origin]
		return ok
	}

	s := &Server{
		addr:      addr,
		logger:    logger,
		store:     store,
		hub:       h,
		forwarder: fwd,
		mux:       http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
	s.setupRoutes(checkOrigin)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(checkOrigin func(*http.Request) bool) {
	s.mux.HandleFunc("/api/runs", s.corsMiddleware(checkOrigin, s.HandleRuns))     // List runs (GET)
	s.mux.HandleFunc("/api/runs/", s.corsMiddleware(checkOrigin, s.HandleRun))     // Run and sub-resources (GET /api/runs/{id}[/steps|/events])
	s.mux.HandleFunc("/api/traces/", s.corsMiddleware(checkOrigin, s.HandleTrace)) // Cross-run trace events (GET /api/traces/{id}/events)
	s.mux.HandleFunc("/api/events", s.corsMiddleware(checkOrigin, s.HandleIngest)) // Nested-execution event ingest (POST)
	s.mux.HandleFunc("/ws", s.HandleWebSocket)
	s.mux.HandleFunc("/health", s.corsMiddleware(checkOrigin, s.HandleHealth))
}

// Handler returns the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Infow("HTTP server listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infow("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for configured origins and answers
// preflight requests.
func (s *Server) corsMiddleware(checkOrigin func(*http.Request) bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}
