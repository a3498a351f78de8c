package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/pickup-monitor/internal/metrics"
	"github.com/JakeFAU/pickup-monitor/internal/monitor"
	"github.com/JakeFAU/pickup-monitor/internal/pipeline"
)

const defaultTimeout = 60 * time.Second

// Pipeline is the part of the orchestrator the handlers drive.
type Pipeline interface {
	Run(ctx context.Context, source monitor.Source) (pipeline.RunOutcome, error)
	RunIfDue(ctx context.Context, source monitor.Source) (pipeline.RunOutcome, error)
	Record(ctx context.Context, result monitor.CheckResult) (pipeline.RunOutcome, error)
	SetTarget(ctx context.Context, searchNumber string) (monitor.Status, error)
	CachedDocument(ctx context.Context) (string, *time.Time, error)
	SetCachedDocument(ctx context.Context, rawURL string) (monitor.Status, error)
	StatusView(ctx context.Context) pipeline.StatusView
}

// Mailer sends operator test mail and reports its configuration.
type Mailer interface {
	Configured() bool
	Recipient() string
	SendTest(ctx context.Context, target string) (monitor.NotifyResult, error)
}

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the routes. Mailer, Notifier and Pinger
// are optional.
type Deps struct {
	Pipeline Pipeline
	Resolver monitor.Resolver
	Matcher  monitor.Matcher
	Mailer   Mailer
	// Notifier delivers manually requested notifications, usually the same
	// fan-out the pipeline uses.
	Notifier monitor.Notifier
	Pinger   Pinger
}

// Config holds the HTTP-facing settings.
type Config struct {
	PageURL         string
	SchedulerSecret string
	CronSecret      string
	TrustedHeader   string
	TrustedValue    string
	Timeout         time.Duration
	// AllowedHosts restricts caller-supplied URLs on /api/resolve and
	// /api/check. Empty allows any host.
	AllowedHosts []string
}

// Server wires HTTP handlers to the pipeline.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.Timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/automation", s.getAutomation)
		r.Post("/automation", s.postAutomation)

		r.With(s.requireTrigger(cfg.SchedulerSecret, true)).Get("/scheduled-check", s.scheduledCheck)
		r.With(s.requireTrigger(cfg.CronSecret, false)).Get("/cron/check-pdf", s.cronCheck)

		r.Get("/resolve", s.resolveDefault)
		r.Post("/resolve", s.resolveCustom)
		r.Post("/check", s.checkDocument)

		r.Get("/pdf-url", s.getDocumentURL)
		r.Post("/pdf-url", s.setDocumentURL)

		r.Get("/notify", s.notifyInfo)
		r.Post("/notify", s.sendNotification)
		r.Post("/notify/test", s.notifyTest)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Pinger.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

func writeErrorDetails(w http.ResponseWriter, status int, msg string, err error) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg, Details: err.Error()})
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, monitor.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, monitor.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, monitor.ErrStore):
		return http.StatusServiceUnavailable
	case errors.Is(err, monitor.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, monitor.ErrFetch), errors.Is(err, monitor.ErrDelivery):
		return http.StatusBadGateway
	case errors.Is(err, monitor.ErrParse):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
