package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentsupervisor/server/internal/auth"
	"github.com/agentsupervisor/server/internal/controller"
	"github.com/agentsupervisor/server/internal/store"
	"github.com/agentsupervisor/server/internal/supervisor"
	"github.com/agentsupervisor/server/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main.go after all components are initialized and passed to
// NewRouter as a single struct to keep the constructor signature manageable
// as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.AuthService
	Controller  *controller.Controller
	Supervisor  *supervisor.Supervisor
	Hub         *websocket.Hub
	Logger      *zap.Logger

	Users     store.UserStore
	Templates store.TemplateStore
	Events    store.EventStore

	// Secure controls whether OIDC session cookies are set with the Secure
	// flag. Set to true in production (HTTPS), false in local development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router. All resource
// routes are registered under /api, per §6.1. /healthz and /metrics are
// mounted at the root, unauthenticated, for liveness probes and Prometheus
// scraping.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Unauthenticated operational endpoints ---
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Users, cfg.Logger, cfg.Secure)
	agentHandler := NewAgentHandler(cfg.Controller, cfg.Supervisor, cfg.Events, cfg.Logger)
	userHandler := NewUserHandler(cfg.Users, cfg.Logger)
	templateHandler := NewTemplateHandler(cfg.Templates, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.AuthService.JWTManager(), cfg.Controller, cfg.Logger)

	jwtMgr := cfg.AuthService.JWTManager()

	r.Route("/api", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/register", authHandler.Register)
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)

			// OIDC flow — public because the user is not yet authenticated.
			r.Get("/auth/oidc/login", authHandler.OIDCLogin)
			r.Get("/auth/oidc/callback", authHandler.OIDCCallback)
		})

		// --- Authenticated routes (valid JWT required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(jwtMgr))

			r.Get("/auth/profile", authHandler.Profile)

			// Agents — read and "any authenticated" routes.
			r.Get("/agents", agentHandler.List)
			r.Get("/agents/stats", agentHandler.Stats)
			r.Post("/agents/validate-config", agentHandler.ValidateConfig)
			r.Get("/agents/{id}", agentHandler.GetByID)
			r.Get("/agents/{id}/process", agentHandler.Process)
			r.Get("/agents/{id}/health", agentHandler.Health)
			r.Get("/agents/{id}/logs", agentHandler.Logs)
			r.Get("/agents/{id}/metrics", agentHandler.Metrics)
			r.Get("/agents/{id}/ws", wsHandler.ServeWS)

			// Templates — read.
			r.Get("/templates", templateHandler.List)
			r.Get("/templates/{id}", templateHandler.GetByID)

			// --- operator+ routes (operator or admin) ---
			r.Group(func(r chi.Router) {
				r.Use(RequireOperator())

				r.Post("/agents", agentHandler.Create)
				r.Put("/agents/{id}", agentHandler.Update)
				r.Delete("/agents/{id}", agentHandler.Delete)
				r.Post("/agents/{id}/start", agentHandler.Start)
				r.Post("/agents/{id}/stop", agentHandler.Stop)
				r.Post("/agents/{id}/restart", agentHandler.Restart)
				r.Get("/agents/processes", agentHandler.Processes)

				r.Post("/templates", templateHandler.Create)
				r.Delete("/templates/{id}", templateHandler.Delete)
			})

			// --- Admin-only routes ---
			r.Group(func(r chi.Router) {
				r.Use(RequireRole("admin"))

				r.Get("/users", userHandler.List)
				r.Get("/users/{id}", userHandler.GetByID)
				r.Put("/users/{id}", userHandler.Update)
				r.Delete("/users/{id}", userHandler.Delete)
			})
		})
	})

	return r
}
