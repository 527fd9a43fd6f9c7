package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/dhirmadi/mwapserver-sub005/internal/auth"
)

// ServerConfig holds the parameters NewServer needs, decoupled from any
// service-specific configuration struct.
type ServerConfig struct {
	CORSAllowedOrigins []string
}

// Server holds the HTTP server dependencies.
type Server struct {
	Router chi.Router

	// PublicRouter serves the unauthenticated provider-redirect surface:
	// /callback, /success, /error. Mounted at /api/v1/oauth.
	PublicRouter chi.Router

	// TenantRouter serves tenant-owner authenticated integration actions:
	// initiate, refresh, reset. Mounted at
	// /api/v1/oauth/tenants/{tenantId}/integrations/{integrationId}.
	TenantRouter chi.Router

	// AdminRouter serves super-admin-only security introspection endpoints,
	// mounted at /api/v1/oauth/security.
	AdminRouter chi.Router

	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server with middleware and health/metrics
// endpoints. Domain handlers (C4-C8) are mounted onto PublicRouter,
// TenantRouter, and AdminRouter after calling NewServer.
func NewServer(cfg ServerConfig, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	router := chi.NewRouter()
	s.Router = router

	router.Use(RequestID)
	router.Use(Logger(logger))
	router.Use(Metrics)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (unauthenticated)
	router.Get("/healthz", s.handleHealthz)
	router.Get("/readyz", s.handleReadyz)

	// Prometheus metrics (unauthenticated)
	router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	router.Route("/api/v1/oauth", func(r chi.Router) {
		r.Group(func(pub chi.Router) {
			s.PublicRouter = pub
		})

		r.Route("/tenants/{tenantId}/integrations/{integrationId}", func(tr chi.Router) {
			tr.Use(auth.RequireAuth)
			tr.Use(auth.RequireTenantOwner("tenantId"))
			s.TenantRouter = tr
		})

		r.Route("/security", func(ar chi.Router) {
			ar.Use(auth.RequireAuth)
			ar.Use(auth.RequireSuperAdmin)
			s.AdminRouter = ar
		})
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startedAt)
}
