package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/openelectorate/pollstation/internal/audit"
	"github.com/openelectorate/pollstation/internal/auth"
	"github.com/openelectorate/pollstation/internal/autofix"
	"github.com/openelectorate/pollstation/internal/config"
	"github.com/openelectorate/pollstation/internal/failover"
	"github.com/openelectorate/pollstation/internal/health"
	"github.com/openelectorate/pollstation/internal/memdb"
	"github.com/openelectorate/pollstation/internal/suggest"
	"go.uber.org/zap"
)

// HealthMonitor is the read surface of the probe loop.
type HealthMonitor interface {
	Status() health.Status
	Replicas() []health.ReplicaHealth
	IsPrimaryHealthy() bool
	Diagnostics() []health.ProbeResult
}

// ModeController is the failover controller capability the handlers
// use. *failover.Controller satisfies it.
type ModeController interface {
	Mode() failover.Mode
	ReadOnly() bool
	WritesAllowed() bool
	SystemHealthy() bool
	TransitionInProgress() bool
	TriggerManual(ctx context.Context, target failover.Mode, reason string) error
	ForceReconnect(ctx context.Context) (int, error)
	History(limit int) []failover.Event
	PersistedHistory(ctx context.Context, limit int) []failover.Event
	Executions(limit int) []failover.RuleExecution
	Rules() []failover.RuleView
	UpdateRule(id string, patch failover.RulePatch) (failover.RuleView, error)
}

// Applier is the remediation capability behind the autofix endpoints.
type Applier interface {
	Preview(ctx context.Context, id uuid.UUID) (*suggest.Suggestion, bool, error)
	Apply(ctx context.Context, id uuid.UUID, principal *auth.Principal, approvedBy string) (*autofix.Outcome, *autofix.GateError)
	ApplyBatch(ctx context.Context, ids []uuid.UUID, principal *auth.Principal, approvedBy string) ([]autofix.BatchItem, *autofix.GateError)
}

// SuggestionSource lists detected suggestions.
type SuggestionSource interface {
	ListByStatus(ctx context.Context, status suggest.Status, limit int) ([]*suggest.Suggestion, error)
}

// Detector runs a detection pass.
type Detector interface {
	Run(ctx context.Context, trigger string) (*suggest.TaskRun, []*suggest.Suggestion, error)
}

// PolicyAdmin manages per-kind autofix policies.
type PolicyAdmin interface {
	List(ctx context.Context) ([]*autofix.Policy, error)
	Update(ctx context.Context, kind string, enabled bool, maxSeverity suggest.Severity) (*autofix.Policy, error)
}

// Auditor records and queries the cross-cutting audit trail.
// *audit.Service satisfies it.
type Auditor interface {
	LogEvent(ctx context.Context, event *audit.Event)
	Query(ctx context.Context, eventType audit.EventType, limit int) ([]*audit.Event, error)
}

// Server is the HTTP surface of the resilience and auto-remediation
// engine.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server

	monitor     HealthMonitor
	controller  ModeController
	applier     Applier
	suggestions SuggestionSource
	detector    Detector
	policies    PolicyAdmin
	auditor     Auditor
	authsvc     *auth.Service
	fallback    *memdb.Store
	metrics     *Metrics

	requestCount int64
	startTime    time.Time
}

// NewServer wires the routes. fallback may be nil when the memory
// modes are not configured.
func NewServer(cfg *config.Config, logger *zap.Logger, monitor HealthMonitor, controller ModeController,
	applier Applier, suggestions SuggestionSource, detector Detector, policies PolicyAdmin,
	auditor Auditor, authsvc *auth.Service, fallback *memdb.Store) *Server {

	s := &Server{
		config:      cfg,
		logger:      logger,
		router:      mux.NewRouter(),
		monitor:     monitor,
		controller:  controller,
		applier:     applier,
		suggestions: suggestions,
		detector:    detector,
		policies:    policies,
		auditor:     auditor,
		authsvc:     authsvc,
		fallback:    fallback,
		metrics:     NewMetrics(),
		startTime:   time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	limiter := NewRateLimiter()
	s.router.Use(s.loggingMiddleware)
	s.router.Use(limiter.Middleware)
	s.router.Use(s.authsvc.Middleware)

	s.router.HandleFunc("/health", s.handleLiveness).Methods("GET")
	s.router.HandleFunc("/metrics", s.metricsHandlerFunc()).Methods("GET")

	s.router.HandleFunc("/api/v1/auth/login", s.handleLogin).Methods("POST")
	s.router.HandleFunc("/api/v1/elections", s.handleElections).Methods("GET")

	r := s.router.PathPrefix("/api/v1/resilience").Subrouter()
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/health", s.handleHealthScore).Methods("GET")
	r.HandleFunc("/trigger", s.handleTrigger).Methods("POST")
	r.HandleFunc("/reconnect", s.handleReconnect).Methods("POST")
	r.HandleFunc("/history", s.handleHistory).Methods("GET")
	r.HandleFunc("/rules", s.handleListRules).Methods("GET")
	r.HandleFunc("/rules/{id}", s.handleUpdateRule).Methods("PUT")
	r.HandleFunc("/metrics", s.handleEngineMetrics).Methods("GET")
	r.HandleFunc("/diagnostics", s.handleDiagnostics).Methods("GET")
	r.HandleFunc("/audit", s.handleAuditQuery).Methods("GET")

	// Autofix is a chi sub-API mounted on the main router.
	s.router.PathPrefix("/api/v1/autofix").Handler(s.autofixRoutes())
}

func (s *Server) metricsHandlerFunc() http.HandlerFunc {
	h := s.metrics.Handler()
	return func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&s.requestCount, 1)
		start := time.Now()

		next.ServeHTTP(w, r)

		elapsed := time.Since(start)
		s.metrics.RecordLatency(r.Method, r.URL.Path, elapsed.Seconds())
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", elapsed),
		)
	})
}

// Start begins serving requests.
func (s *Server) Start() error {
	s.logger.Info("starting server", zap.Int("port", s.config.Server.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// auditEvent records an administrative action. Auditing is best-effort
// and optional; a nil auditor disables it.
func (s *Server) auditEvent(ctx context.Context, event *audit.Event) {
	if s.auditor == nil {
		return
	}
	s.auditor.LogEvent(ctx, event)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok": false, "error": "invalid body",
		})
		return
	}

	token, err := s.authsvc.Login(body.Email, body.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"ok": false, "error": "invalid credentials",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "token": token,
	})
}
