// Package api exposes the Vigil control surface over HTTP: introspection,
// the proposal lifecycle, training control, and a live audit stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clawinfra/vigil/internal/config"
	"github.com/clawinfra/vigil/internal/core"
	"github.com/clawinfra/vigil/internal/metrics"
	"github.com/clawinfra/vigil/internal/pattern"
	"github.com/clawinfra/vigil/internal/security"
	"github.com/clawinfra/vigil/internal/selfmod"
	"github.com/clawinfra/vigil/internal/training"
)

// Server is the HTTP API server.
type Server struct {
	cfg        config.ServerConfig
	svc        *core.Service
	secret     []byte
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates an API server. A nil secret leaves the control surface
// open; mutating routes then accept any caller.
func NewServer(cfg config.ServerConfig, svc *core.Service, secret []byte, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		svc:    svc,
		secret: secret,
		logger: logger.With("component", "api"),
	}
}

// Handler builds the full route table. Split out from Start for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	operator := security.RequireRole(s.secret, security.RoleOperator)

	// Read-only surface.
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/weaknesses", s.handleWeaknesses)
	mux.HandleFunc("/api/patterns", s.handlePatterns)
	mux.HandleFunc("/api/proposals", s.handleProposals)
	mux.HandleFunc("/api/versions", s.handleVersions)
	mux.HandleFunc("/api/audit", s.handleAudit)
	mux.HandleFunc("/api/stream", s.handleStream)

	// Ingestion.
	mux.HandleFunc("/api/metrics", s.handleRecordMetric)
	mux.HandleFunc("/api/events", s.handleRecordEvent)
	mux.HandleFunc("/api/training/samples", s.handleAddSamples)

	// Mutating control surface, operator-gated.
	mux.Handle("/api/rsi/run", operator(http.HandlerFunc(s.handleRunCycle)))
	mux.Handle("/api/proposals/", operator(http.HandlerFunc(s.handleProposalAction)))
	mux.Handle("/api/training/trigger", operator(http.HandlerFunc(s.handleTrainingTrigger)))
	mux.Handle("/api/versions/", operator(http.HandlerFunc(s.handleVersionAction)))

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.secret == nil {
		s.logger.Warn("auth disabled, control surface is open")
	}
	s.logger.Info("api server starting", "port", s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respondJSON(w, s.svc.GetStats())
}

func (s *Server) handleWeaknesses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	weaknesses := s.svc.GetWeaknesses(limit)
	if weaknesses == nil {
		weaknesses = []metrics.Weakness{}
	}
	s.respondJSON(w, weaknesses)
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	patterns := s.svc.GetPatterns(pattern.Type(r.URL.Query().Get("type")))
	if patterns == nil {
		patterns = []pattern.Pattern{}
	}
	s.respondJSON(w, patterns)
}

func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respondJSON(w, s.svc.ListProposals())
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respondJSON(w, s.svc.GetVersions())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	s.respondJSON(w, s.svc.Audit().Records(auditEntity(r.URL.Query().Get("entity")), limit))
}

func (s *Server) handleRecordMetric(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var sample metrics.Sample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		http.Error(w, "invalid sample", http.StatusBadRequest)
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	s.svc.RecordMetric(sample)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var ev pattern.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil || ev.Type == "" {
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.svc.RecordEvent(ev)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAddSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var batch []training.Sample
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, "invalid samples", http.StatusBadRequest)
		return
	}
	s.svc.AddTrainingSamples(batch)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respondJSON(w, s.svc.RunRSICycle(r.Context()))
}

// handleProposalAction routes /api/proposals/{id}/{approve|apply|rollback}.
func (s *Server) handleProposalAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/proposals/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "expected /api/proposals/{id}/{action}", http.StatusBadRequest)
		return
	}
	id, action := parts[0], parts[1]

	var err error
	switch action {
	case "approve":
		err = s.svc.Approve(id)
	case "apply":
		err = s.svc.Apply(r.Context(), id)
	case "rollback":
		err = s.svc.Rollback(r.Context(), id)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, map[string]string{"id": id, "action": action, "result": "ok"})
}

func (s *Server) handleTrainingTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	v := s.svc.TriggerTraining(r.Context(), training.Trigger{
		Kind:   training.TriggerManual,
		Reason: body.Reason,
		At:     time.Now(),
	})
	if v == nil {
		s.respondJSON(w, map[string]string{"result": "no version produced"})
		return
	}
	s.respondJSON(w, v)
}

// handleVersionAction routes /api/versions/{v}/activate.
func (s *Server) handleVersionAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/versions/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "activate" {
		http.Error(w, "expected /api/versions/{version}/activate", http.StatusBadRequest)
		return
	}
	version, err := strconv.Atoi(parts[0])
	if err != nil {
		http.Error(w, "invalid version", http.StatusBadRequest)
		return
	}
	if err := s.svc.SwapToVersion(r.Context(), version); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, map[string]any{"version": version, "result": "activated"})
}

func (s *Server) respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode json", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// respondError maps the domain error taxonomy to HTTP status codes.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, selfmod.ErrNotFound), errors.Is(err, training.ErrVersionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, selfmod.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, selfmod.ErrNotApproved):
		status = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
