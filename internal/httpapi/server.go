// Package httpapi exposes the call webhook and the session, transcript and
// flow read/write API over net/http.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tiger/conversational-ivr/api/callflow"
	"github.com/tiger/conversational-ivr/internal/runtime/executionpool"
	"github.com/tiger/conversational-ivr/internal/runtime/store"
	"github.com/tiger/conversational-ivr/internal/runtime/timebase"
	"github.com/tiger/conversational-ivr/internal/security/webhook"
)

const maxBodyBytes = 1 << 20

// Runner executes one call pipeline.
type Runner interface {
	Run(ctx context.Context, callID, from, to, mediaRef string) callflow.TerminalSummary
}

// Dispatcher schedules background work without waiting for it.
type Dispatcher interface {
	Submit(task executionpool.Task) error
}

// Config wires the server. Store, Runner and Dispatcher are required.
type Config struct {
	Store      store.Store
	Runner     Runner
	Dispatcher Dispatcher
	Verifier   webhook.Verifier
	Clock      *timebase.Clock

	Env             string
	ProviderSummary string
	// RecordingsDir is served under /media/ when set.
	RecordingsDir string
	// Metrics is served under /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server routes HTTP requests to the stores and dispatcher.
type Server struct {
	cfg     Config
	schemas schemas
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New validates cfg, compiles request schemas and registers routes.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Runner == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("httpapi requires store, runner and dispatcher")
	}
	if cfg.Clock == nil {
		cfg.Clock = timebase.NewClock(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		schemas: compiled,
		logger:  cfg.Logger.With("component", "httpapi"),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleHealth)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /webhook/call", s.handleCallWebhook)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{call_id}", s.handleGetSession)
	s.mux.HandleFunc("GET /api/transcripts", s.handleSearchTranscripts)
	s.mux.HandleFunc("POST /api/flows", s.handleUpsertFlow)
	s.mux.HandleFunc("GET /api/flows", s.handleListFlows)
	s.mux.HandleFunc("GET /api/flows/{flow_id}", s.handleGetFlow)
	if dir := strings.TrimSpace(s.cfg.RecordingsDir); dir != "" {
		s.mux.Handle("GET /media/", http.StripPrefix("/media/", http.FileServer(http.Dir(dir))))
	}
	if s.cfg.Metrics != nil {
		s.mux.Handle("GET /metrics", s.cfg.Metrics)
	}
}

// Handler returns the routed handler wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
