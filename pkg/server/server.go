// Package server exposes detection and the trust pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	llmguard "github.com/run-bigpig/llm-guard/pkg"
	"github.com/run-bigpig/llm-guard/pkg/detection"
	"github.com/run-bigpig/llm-guard/pkg/guardrails"
	"github.com/run-bigpig/llm-guard/pkg/logging"
	"github.com/run-bigpig/llm-guard/pkg/multitenancy"
	"github.com/run-bigpig/llm-guard/pkg/pipeline"
)

// Request headers
const (
	HeaderRequestID = "X-Request-ID"
	HeaderOrgID     = "X-Org-ID"
)

// Service is what the server fronts
type Service interface {
	Detect(ctx context.Context, text string) (detection.Verdict, error)
	Process(ctx context.Context, text string, capabilities []string) (*pipeline.Result, error)
}

// Server routes HTTP requests to a Service
type Server struct {
	service     Service
	tenants     *multitenancy.ConfigManager
	gatherer    prometheus.Gatherer
	metricsPath string
	maxBody     int64
	logger      logging.Logger
	router      *mux.Router
}

// Option configures a Server
type Option func(*Server)

// WithTenants restricts requests to registered tenants
func WithTenants(tenants *multitenancy.ConfigManager) Option {
	return func(s *Server) {
		s.tenants = tenants
	}
}

// WithMetrics serves gatherer at path
func WithMetrics(gatherer prometheus.Gatherer, path string) Option {
	return func(s *Server) {
		s.gatherer = gatherer
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithMaxBodyBytes bounds request bodies
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithLogger sets the logger for the server
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a server for service
func New(service Service, options ...Option) *Server {
	s := &Server{
		service:     service,
		metricsPath: "/metrics",
		maxBody:     1 << 20,
		logger:      logging.NewNop(),
		router:      mux.NewRouter(),
	}
	for _, option := range options {
		option(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestID, s.accessLog, s.orgID)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		s.router.Handle(s.metricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	v1.HandleFunc("/process", s.handleProcess).Methods(http.MethodPost)
}

// Router returns the HTTP handler
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string, readTimeout, writeTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "HTTP server listening", map[string]interface{}{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.logger.Info(shutdownCtx, "HTTP server shutting down", nil)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return <-errCh
}

type detectRequest struct {
	Text string `json:"text"`
}

type processRequest struct {
	Text         string   `json:"text"`
	Capabilities []string `json:"capabilities"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.authorize(w, r, nil) {
		return
	}

	verdict, err := s.service.Detect(r.Context(), req.Text)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, verdict)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.authorize(w, r, req.Capabilities) {
		return
	}

	result, err := s.service.Process(r.Context(), req.Text, req.Capabilities)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, result)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Reason: err.Error()})
		return false
	}
	return true
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, capabilities []string) bool {
	if s.tenants == nil {
		return true
	}
	if err := s.tenants.Authorize(r.Context(), capabilities); err != nil {
		s.writeJSON(r.Context(), w, http.StatusForbidden, errorResponse{Error: "forbidden", Reason: err.Error()})
		return false
	}
	return true
}

// writeError maps service errors onto status codes
func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var validation *guardrails.ValidationError
	var coreErr *pipeline.CoreExecutionError

	switch {
	case errors.As(err, &validation):
		s.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{Error: "request rejected", Reason: validation.Error()})
	case errors.As(err, &coreErr):
		s.logger.Error(ctx, "Core execution failed", map[string]interface{}{
			"attempt": coreErr.Attempt,
			"error":   coreErr.Err.Error(),
		})
		s.writeJSON(ctx, w, http.StatusBadGateway, errorResponse{Error: "core execution failed"})
	case errors.Is(err, detection.ErrDetectionUnavailable), errors.Is(err, llmguard.ErrPipelineDisabled):
		s.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeJSON(ctx, w, http.StatusGatewayTimeout, errorResponse{Error: err.Error()})
	default:
		s.logger.Error(ctx, "Request failed", map[string]interface{}{"error": err.Error()})
		s.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn(ctx, "Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

// requestID propagates X-Request-ID, generating one when absent
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// orgID puts a valid X-Org-ID into the request context
func (s *Server) orgID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := r.Header.Get(HeaderOrgID)
		if orgID == "" {
			next.ServeHTTP(w, r)
			return
		}
		if err := multitenancy.ValidateOrgID(orgID); err != nil {
			s.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "invalid " + HeaderOrgID, Reason: err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(multitenancy.WithOrgID(r.Context(), orgID)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info(r.Context(), "HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
