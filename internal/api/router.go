package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fleetd-io/fleetd/server/internal/auth"
	"github.com/fleetd-io/fleetd/server/internal/cache"
	"github.com/fleetd-io/fleetd/server/internal/orchestrator"
	"github.com/fleetd-io/fleetd/server/internal/repositories"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService  *auth.AuthService
	Orchestrator *orchestrator.Orchestrator
	Cache        *cache.State
	Logger       *zap.Logger

	// Repositories — used directly by handlers that do not need service-layer logic.
	Users         repositories.UserRepository
	Machines      repositories.MachineRepository
	MachineACLs   repositories.MachineACLRepository
	Jobs          repositories.JobRepository
	Audit         repositories.AuditRepository
	OIDCProviders repositories.OIDCProviderRepository

	// AgentStream and ClientStream serve the two WebSocket upgrade endpoints.
	AgentStream  AgentStreamHandler
	ClientStream ClientStreamHandler

	// Secure controls whether auth cookies are set with the Secure flag.
	// Set to true in production (HTTPS), false in local development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router.
// All REST routes are registered under /api/v1; the two WebSocket upgrade
// endpoints and /metrics sit outside that prefix per the external interface
// definition.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status, bytes
	// written, request ID and remote address.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger, cfg.Secure)
	machineHandler := NewMachineHandler(cfg.Machines, cfg.MachineACLs, cfg.Cache, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Jobs, cfg.Orchestrator, cfg.Logger)
	userHandler := NewUserHandler(cfg.Users, cfg.Logger)
	auditHandler := NewAuditHandler(cfg.Audit, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.OIDCProviders, cfg.Logger)

	// jwtMgr is used by the Authenticate middleware to validate Bearer tokens.
	jwtMgr := cfg.AuthService.JWTManager()

	// --- WebSocket streams ---
	// Agent streams authenticate via their own register message, not the
	// bearer middleware. Operator streams authenticate their own bearer
	// token inside ServeWS since the browser WebSocket API cannot set an
	// Authorization header on the upgrade request.
	if cfg.AgentStream != nil {
		r.Get("/ws/agent", cfg.AgentStream.ServeWS)
	}
	if cfg.ClientStream != nil {
		r.Get("/ws/client", cfg.ClientStream.ServeWS)
	}

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)

			// OIDC flow — public because the user is not yet authenticated.
			r.Get("/auth/oidc/login", authHandler.OIDCLogin)
			r.Get("/auth/oidc/callback", authHandler.OIDCCallback)
		})

		// --- Authenticated routes (valid JWT required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(jwtMgr))

			// Auth
			r.Post("/auth/logout", authHandler.Logout)

			// Current user profile
			r.Get("/users/me", userHandler.GetMe)
			r.Patch("/users/me", userHandler.UpdateMe)

			// Machines
			r.Get("/machines", machineHandler.List)
			r.Get("/machines/{id}", machineHandler.GetByID)
			r.Patch("/machines/{id}", machineHandler.Update)
			r.Delete("/machines/{id}", machineHandler.Delete)

			// Jobs
			r.Get("/jobs", jobHandler.List)
			r.Post("/jobs", jobHandler.Create)
			r.Get("/jobs/{id}", jobHandler.GetByID)
			r.Get("/jobs/{id}/executions", jobHandler.GetExecutions)
			r.Post("/jobs/{id}/abort", jobHandler.Abort)

			// Audit log
			r.Get("/audit-log", auditHandler.List)

			// --- Admin-only routes ---
			r.Group(func(r chi.Router) {
				r.Use(RequireRole("admin"))

				// User management
				r.Get("/users", userHandler.List)
				r.Post("/users", userHandler.Create)
				r.Get("/users/{id}", userHandler.GetByID)
				r.Patch("/users/{id}", userHandler.Update)
				r.Delete("/users/{id}", userHandler.Delete)

				// Machine ACL management
				r.Post("/machines/{id}/acl", machineHandler.GrantACL)
				r.Delete("/machines/{id}/acl/{userId}", machineHandler.RevokeACL)

				// OIDC provider configuration
				r.Get("/settings/oidc", settingsHandler.GetOIDC)
				r.Put("/settings/oidc", settingsHandler.UpsertOIDC)
			})
		})
	})

	return r
}
