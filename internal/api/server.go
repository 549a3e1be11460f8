package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bridgecall/bridgecall/internal/api/middleware"
	"github.com/bridgecall/bridgecall/internal/config"
	"github.com/bridgecall/bridgecall/internal/database"
	"github.com/bridgecall/bridgecall/internal/relay"
	"github.com/bridgecall/bridgecall/internal/report"
	"github.com/bridgecall/bridgecall/internal/session"
	"github.com/bridgecall/bridgecall/internal/telephony"
	"github.com/bridgecall/bridgecall/internal/transfer"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	cfg       *config.Config
	registry  *session.Registry
	phone     *telephony.Controller
	relays    *relay.Factory
	transfers *transfer.Coordinator
	reports   *report.Dispatcher
	records   database.CallRecordRepository
	logger    *slog.Logger
	startTime time.Time

	callLimiter *middleware.IPRateLimiter
	promReg     *prometheus.Registry
}

// NewServer creates the HTTP handler with all routes mounted. promReg may be
// nil to disable the /metrics endpoint.
func NewServer(
	cfg *config.Config,
	registry *session.Registry,
	phone *telephony.Controller,
	relays *relay.Factory,
	transfers *transfer.Coordinator,
	reports *report.Dispatcher,
	records database.CallRecordRepository,
	promReg *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		cfg:         cfg,
		registry:    registry,
		phone:       phone,
		relays:      relays,
		transfers:   transfers,
		reports:     reports,
		records:     records,
		logger:      logger.With("subsystem", "api"),
		startTime:   time.Now(),
		callLimiter: middleware.NewIPRateLimiter(middleware.CallCreateRateLimitConfig()),
		promReg:     promReg,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background goroutines owned by the server.
func (s *Server) Close() {
	s.callLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	// API routes under /api/v1.
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/calls", func(r chi.Router) {
			r.With(middleware.RateLimit(s.callLimiter)).Post("/", s.handleCreateCall)
			r.Get("/", s.handleListCallRecords)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCallRecord)
				r.With(middleware.RateLimit(s.callLimiter)).Post("/sales", s.handleCreateSalesCall)
			})
		})
	})

	// Telephony provider webhooks. Each tolerates unknown call sids and
	// replayed events silently.
	r.Route("/twilio", func(r chi.Router) {
		r.Post("/voice", s.handleVoiceWebhook)
		r.Post("/status", s.handleStatusWebhook)
		r.Post("/amd", s.handleAMDWebhook)
		r.Post("/conference", s.handleConferenceWebhook)
		r.Get("/stream", s.handleStream)
	})

	if s.promReg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.registry.Count(),
		"active_relays":   s.relays.ActiveCount(),
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
	})
}
