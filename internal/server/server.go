package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/routing-engine/internal/blacklist"
	"github.com/tributary-ai/routing-engine/internal/health"
	"github.com/tributary-ai/routing-engine/internal/middleware"
	"github.com/tributary-ai/routing-engine/internal/model"
	"github.com/tributary-ai/routing-engine/internal/orchestrator"
	"github.com/tributary-ai/routing-engine/internal/router"
)

// Version is the engine's reported build version. It is a plain constant,
// so it cannot be overridden at link time; this repo carries no
// build-info injection step.
const Version = "0.1.0"

// Server is the inbound HTTP API: it decodes caller requests
// into model.RoutingRequest, hands them to the Orchestrator, and writes
// back whatever Result the Orchestrator produced. It owns no routing or
// execution logic of its own.
type Server struct {
	orch      *orchestrator.Orchestrator
	router    *router.CoreRouter
	health    *health.Manager
	blacklist *blacklist.Manager

	httpServer           *http.Server
	logger               *logrus.Logger
	config               *ServerConfig
	securityMiddleware   *middleware.SecurityMiddleware
	validationMiddleware *middleware.ValidationMiddleware

	startedAt     time.Time
	totalRequests int64
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxHeaderBytes int
	Security       *middleware.SecurityMiddlewareConfig
	Validation     *middleware.ValidationConfig
}

// NewServer creates a new server instance.
func NewServer(orch *orchestrator.Orchestrator, coreRouter *router.CoreRouter, healthMgr *health.Manager, blacklistMgr *blacklist.Manager, config *ServerConfig, logger *logrus.Logger) (*Server, error) {
	server := &Server{
		orch:      orch,
		router:    coreRouter,
		health:    healthMgr,
		blacklist: blacklistMgr,
		logger:    logger,
		config:    config,
		startedAt: time.Now(),
	}

	if config.Security != nil {
		securityMiddleware, err := middleware.NewSecurityMiddleware(config.Security, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize security middleware: %w", err)
		}
		server.securityMiddleware = securityMiddleware
	}

	if config.Validation != nil {
		validationMiddleware, err := middleware.NewValidationMiddleware(config.Validation, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize validation middleware: %w", err)
		}
		server.validationMiddleware = validationMiddleware
	}

	return server, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	r := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        r,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("starting routing engine HTTP server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping routing engine HTTP server")

	if s.securityMiddleware != nil {
		s.securityMiddleware.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	if s.securityMiddleware != nil {
		r.Use(s.securityMiddleware.Handler())
	}
	if s.validationMiddleware != nil {
		r.Use(s.validationMiddleware.Middleware)
	}

	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/messages", s.handleMessages).Methods("POST")
	api.HandleFunc("/chat/completions", s.handleChatCompletion).Methods("POST")

	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/health", s.handleStatus).Methods("GET")
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")

	s.setupSwaggerRoutes(r)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"user_agent":  r.UserAgent(),
			"remote_addr": r.RemoteAddr,
		}).Info("http request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" || r.Method == "PUT" {
			contentType := r.Header.Get("Content-Type")
			if contentType != "application/json" && contentType != "" {
				s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// handleMessages handles Anthropic-shaped /v1/messages requests.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, "anthropic")
}

// handleChatCompletion handles OpenAI-shaped /v1/chat/completions requests.
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, "openai")
}

// handle decodes the caller's body, builds a RoutingRequest, and drives it
// through the Orchestrator. callerFormat is "anthropic" or "openai" and
// doubles as the response shape the Orchestrator is told to return: the
// caller's protocol is always the response shape, independent of the
// provider ultimately serving the request.
func (s *Server) handle(w http.ResponseWriter, r *http.Request, callerFormat string) {
	atomic.AddInt64(&s.totalRequests, 1)

	var raw map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	modelName, _ := raw["model"].(string)
	req := &model.RoutingRequest{
		ID:    model.NewRequestID(),
		Model: modelName,
		Metadata: model.Metadata{
			OriginFormat: callerFormat,
			TargetFormat: callerFormat,
		},
		Timestamp: time.Now(),
		RawBody:   raw,
	}

	result := s.orch.Execute(r.Context(), req, callerFormat)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.Status)
	json.NewEncoder(w).Encode(result.Body)
}

// statusResponse is the shape served for GET /status and
// GET /health: isRunning, port, uptime, version, totalRequests,
// activePipelines, health.status, health.checks[].
type statusResponse struct {
	IsRunning       bool          `json:"isRunning"`
	Port            string        `json:"port"`
	Uptime          string        `json:"uptime"`
	Version         string        `json:"version"`
	TotalRequests   int64         `json:"totalRequests"`
	ActivePipelines int           `json:"activePipelines"`
	Health          statusHealth  `json:"health"`
}

type statusHealth struct {
	Status string       `json:"status"` // healthy | degraded | unhealthy
	Checks []healthCheck `json:"checks"`
}

type healthCheck struct {
	PipelineID  string  `json:"pipelineId"`
	Healthy     bool    `json:"healthy"`
	SuccessRate float64 `json:"successRate"`
	Blacklisted bool    `json:"blacklisted"`
	Destroyed   bool    `json:"destroyed"`
}

// handleStatus serves both GET /status and GET /health.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	routes := s.router.Routes()

	checks := make([]healthCheck, 0, len(routes))
	healthyCount, unhealthyCount := 0, 0
	for _, rt := range routes {
		for _, m := range rt.SupportedModels {
			id := model.NewPipelineID(rt.ProviderID, m, 0)
			stats := s.health.Stats(id)
			healthy := s.health.IsHealthy(id)
			bl := s.blacklist.Status(id)

			if healthy && !bl.Active && !bl.Destroyed {
				healthyCount++
			} else {
				unhealthyCount++
			}

			checks = append(checks, healthCheck{
				PipelineID:  string(id),
				Healthy:     healthy,
				SuccessRate: stats.SuccessRate(),
				Blacklisted: bl.Active,
				Destroyed:   bl.Destroyed,
			})
		}
	}

	overall := "healthy"
	switch {
	case len(checks) == 0:
		overall = "healthy"
	case healthyCount == 0:
		overall = "unhealthy"
	case unhealthyCount > 0:
		overall = "degraded"
	}

	resp := statusResponse{
		IsRunning:       true,
		Port:            s.config.Port,
		Uptime:          time.Since(s.startedAt).String(),
		Version:         Version,
		TotalRequests:   atomic.LoadInt64(&s.totalRequests),
		ActivePipelines: len(checks),
		Health:          statusHealth{Status: overall, Checks: checks},
	}

	statusCode := http.StatusOK
	if overall == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// handleMetrics serves a Prometheus-text-format endpoint sourced from the
// health and blacklist managers.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	routes := s.router.Routes()

	fmt.Fprint(w, "# HELP routing_engine_pipeline_requests_total Total requests observed per pipeline\n")
	fmt.Fprint(w, "# TYPE routing_engine_pipeline_requests_total counter\n")
	for _, rt := range routes {
		for _, m := range rt.SupportedModels {
			id := model.NewPipelineID(rt.ProviderID, m, 0)
			stats := s.health.Stats(id)
			fmt.Fprintf(w, "routing_engine_pipeline_requests_total{pipeline=%q,provider=%q} %d\n", id, rt.ProviderID, stats.TotalRequests)
		}
	}

	fmt.Fprint(w, "\n# HELP routing_engine_pipeline_success_total Total successful requests per pipeline\n")
	fmt.Fprint(w, "# TYPE routing_engine_pipeline_success_total counter\n")
	for _, rt := range routes {
		for _, m := range rt.SupportedModels {
			id := model.NewPipelineID(rt.ProviderID, m, 0)
			stats := s.health.Stats(id)
			fmt.Fprintf(w, "routing_engine_pipeline_success_total{pipeline=%q,provider=%q} %d\n", id, rt.ProviderID, stats.SuccessCount)
		}
	}

	fmt.Fprint(w, "\n# HELP routing_engine_pipeline_errors_total Total failed requests per pipeline\n")
	fmt.Fprint(w, "# TYPE routing_engine_pipeline_errors_total counter\n")
	for _, rt := range routes {
		for _, m := range rt.SupportedModels {
			id := model.NewPipelineID(rt.ProviderID, m, 0)
			stats := s.health.Stats(id)
			fmt.Fprintf(w, "routing_engine_pipeline_errors_total{pipeline=%q,provider=%q} %d\n", id, rt.ProviderID, stats.ErrorCount)
		}
	}

	fmt.Fprint(w, "\n# HELP routing_engine_pipeline_blacklisted Whether a pipeline is currently blacklisted (1=yes, 0=no)\n")
	fmt.Fprint(w, "# TYPE routing_engine_pipeline_blacklisted gauge\n")
	for _, rt := range routes {
		for _, m := range rt.SupportedModels {
			id := model.NewPipelineID(rt.ProviderID, m, 0)
			bl := s.blacklist.Status(id)
			v := 0
			if bl.Active {
				v = 1
			}
			fmt.Fprintf(w, "routing_engine_pipeline_blacklisted{pipeline=%q,provider=%q} %d\n", id, rt.ProviderID, v)
		}
	}

	fmt.Fprint(w, "\n# HELP routing_engine_requests_total Total inbound requests handled\n")
	fmt.Fprint(w, "# TYPE routing_engine_requests_total counter\n")
	fmt.Fprintf(w, "routing_engine_requests_total %d\n", atomic.LoadInt64(&s.totalRequests))
}

// Helper functions

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	}

	json.NewEncoder(w).Encode(errorResp)
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for streaming support.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
