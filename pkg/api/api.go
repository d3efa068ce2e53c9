package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/ransomward/pkg/events"
	"github.com/lucid-vigil/ransomward/pkg/pipeline"
)

// Server exposes operational endpoints: health checks, detection status, and
// operator clearing of contained paths. It is read-mostly; the only mutating
// endpoint is /clear, which maps to the supervisor's state machine reset.
type Server struct {
	supervisor *pipeline.Supervisor
	bus        *events.Bus
	httpServer *http.Server
	logger     zerolog.Logger
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Timestamp time.Time           `json:"timestamp"`
	Pipelines []pipeline.Snapshot `json:"pipelines"`
	Bus       events.BusMetrics   `json:"bus"`
}

// NewServer creates the API server. The bus may be nil when the caller runs
// without one (training mode does not publish).
func NewServer(port string, supervisor *pipeline.Supervisor, bus *events.Bus, logger zerolog.Logger) *Server {
	s := &Server{
		supervisor: supervisor,
		bus:        bus,
		logger:     logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/clear", s.clearHandler)

	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the HTTP server in a goroutine until Stop is called.
func (s *Server) Start() {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("API server starting")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server failed")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		Timestamp: time.Now(),
		Pipelines: s.supervisor.Snapshots(),
	}
	if s.bus != nil {
		resp.Bus = s.bus.Metrics()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode status response")
	}
}

// clearHandler resets the alert state machine for one path after operator
// remediation. POST /clear?path=/srv/share
func (s *Server) clearHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "missing path parameter", http.StatusBadRequest)
		return
	}

	if err := s.supervisor.Clear(path); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	s.logger.Info().Str("path", path).Msg("Alert state cleared via API")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("cleared"))
}
