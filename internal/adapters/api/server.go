package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"GameHelper/internal/core"
)

// Server is the HTTP API server for the scheduler
type Server struct {
	port      int
	logger    *slog.Logger
	scheduler *core.Scheduler
	server    *http.Server
	mux       *http.ServeMux

	// SSE clients
	sseClients   map[chan core.TaskUpdateEvent]struct{}
	sseClientsMu sync.Mutex

	// Providers, set via options
	prereqProvider func(ctx context.Context) (any, error)
	deviceProvider func(ctx context.Context) (any, error)
	configProvider func() any
}

// ServerOption configures the Server
type ServerOption func(*Server)

// WithPrereqProvider sets the function reporting prerequisite status
func WithPrereqProvider(fn func(ctx context.Context) (any, error)) ServerOption {
	return func(s *Server) {
		s.prereqProvider = fn
	}
}

// WithDeviceProvider sets the function listing devices
func WithDeviceProvider(fn func(ctx context.Context) (any, error)) ServerOption {
	return func(s *Server) {
		s.deviceProvider = fn
	}
}

// WithConfigProvider sets the function returning the effective configuration
func WithConfigProvider(fn func() any) ServerOption {
	return func(s *Server) {
		s.configProvider = fn
	}
}

// NewServer creates a new API server. Register it on the scheduler with AddEmitter
// so SSE clients receive task updates.
func NewServer(port int, logger *slog.Logger, scheduler *core.Scheduler, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		port:       port,
		logger:     logger,
		scheduler:  scheduler,
		sseClients: make(map[chan core.TaskUpdateEvent]struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux = http.NewServeMux()

	s.mux.HandleFunc("/api/health", s.handleHealth)

	// Tasks
	s.mux.HandleFunc("/api/tasks", s.handleTasks)
	s.mux.HandleFunc("/api/tasks/", s.handleTask) // /api/tasks/{id} and /api/tasks/{id}/{action}

	s.mux.HandleFunc("/api/events", s.handleSSE)

	s.mux.HandleFunc("/api/prereqs", s.handlePrereqs)
	s.mux.HandleFunc("/api/devices", s.handleDevices)
	s.mux.HandleFunc("/api/config", s.handleConfig)
}

// Handler returns the routed handler with CORS, request logging and tracing applied.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.corsMiddleware(s.loggingMiddleware(s.mux)), "gamehelper-api",
		otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != "/api/events" }))
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("[API] Start: listening", "port", s.port)
	return s.server.ListenAndServe()
}

// StartBackground starts the server in a goroutine and shuts it down when ctx is done
func (s *Server) StartBackground(ctx context.Context) {
	started := make(chan struct{})
	go func() {
		s.server = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.port),
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		close(started)
		s.logger.Info("[API] Start: listening", "port", s.port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("[API] Start: server error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		<-started
		s.logger.Info("[API] StartBackground: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("[API] StartBackground: shutdown error", "err", err)
		}
	}()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("[API] request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

// corsMiddleware adds CORS headers for cross-origin requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// EmitTaskUpdate implements core.TaskEventEmitter by broadcasting to SSE clients
func (s *Server) EmitTaskUpdate(event core.TaskUpdateEvent) {
	s.sseClientsMu.Lock()
	defer s.sseClientsMu.Unlock()

	for clientChan := range s.sseClients {
		select {
		case clientChan <- event:
		default:
			s.logger.Warn("[API] EmitTaskUpdate: SSE client slow, dropping event", "task", event.TaskID, "seq", event.Seq)
		}
	}
}

func (s *Server) addSSEClient(ch chan core.TaskUpdateEvent) {
	s.sseClientsMu.Lock()
	defer s.sseClientsMu.Unlock()
	s.sseClients[ch] = struct{}{}
	s.logger.Info("[API] SSE client connected", "total", len(s.sseClients))
}

func (s *Server) removeSSEClient(ch chan core.TaskUpdateEvent) {
	s.sseClientsMu.Lock()
	defer s.sseClientsMu.Unlock()
	delete(s.sseClients, ch)
	close(ch)
	s.logger.Info("[API] SSE client disconnected", "total", len(s.sseClients))
}

func (s *Server) clientCount() int {
	s.sseClientsMu.Lock()
	defer s.sseClientsMu.Unlock()
	return len(s.sseClients)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data}); err != nil {
		s.logger.Error("[API] writeJSON: encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
		},
	}); err != nil {
		s.logger.Error("[API] writeError: encode failed", "err", err)
	}
}
