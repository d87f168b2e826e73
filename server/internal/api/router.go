package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/agentsvc"
	"github.com/netwatch-io/netwatch/server/internal/auth"
	"github.com/netwatch-io/netwatch/server/internal/backup"
	"github.com/netwatch-io/netwatch/server/internal/discovery"
	"github.com/netwatch-io/netwatch/server/internal/hub"
	"github.com/netwatch-io/netwatch/server/internal/job"
	"github.com/netwatch-io/netwatch/server/internal/repository"
	"github.com/netwatch-io/netwatch/server/internal/scheduler"
	"github.com/netwatch-io/netwatch/server/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.AuthService
	Scheduler   *scheduler.Scheduler
	AgentSvc    *agentsvc.Service
	Hub         *hub.Hub
	GUIHub      *websocket.Hub
	Jobs        *job.Service
	Discovery   *discovery.Service
	Backups     *backup.Service
	Logger      *zap.Logger

	// Repositories — used directly by handlers that do not need service-layer logic.
	Users             repository.UserRepository
	Customers         repository.CustomerRepository
	Networks          repository.NetworkRepository
	Credentials       repository.CredentialRepository
	Agents            repository.AgentRepository
	Devices           repository.DeviceRepository
	DiscoverySessions repository.DiscoverySessionRepository
	JobRepo           repository.JobRepository
	BackupRuns        repository.BackupRunRepository
	BackupSchedules   repository.BackupScheduleRepository
	Notifications     repository.NotificationRepository
	OIDCProviders     repository.OIDCProviderRepository

	// HeartbeatInterval bounds how long the agent WebSocket handler waits
	// between expected heartbeats before declaring a session dead.
	HeartbeatInterval time.Duration

	// Secure controls whether auth cookies are set with the Secure flag.
	// Set to true in production (HTTPS), false in local development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router.
// All routes are registered under /api/v1, including the two WebSocket
// endpoints: the agent control plane sits in the public group and the
// operator-facing push channel in the authenticated group.
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

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger, cfg.Secure)
	userHandler := NewUserHandler(cfg.Users, cfg.Logger)
	customerHandler := NewCustomerHandler(cfg.Customers, cfg.Logger)
	networkHandler := NewNetworkHandler(cfg.Networks, cfg.Logger)
	credentialHandler := NewCredentialHandler(cfg.Credentials, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Agents, cfg.AgentSvc, cfg.Hub, cfg.Logger)
	agentWSHandler := NewAgentWSHandler(cfg.Agents, cfg.AgentSvc, cfg.Hub, cfg.HeartbeatInterval, cfg.Logger)
	deviceHandler := NewDeviceHandler(cfg.Devices, cfg.Logger)
	discoveryHandler := NewDiscoveryHandler(cfg.DiscoverySessions, cfg.Agents, cfg.Discovery, cfg.Jobs, cfg.Hub, cfg.Logger)
	jobHandler := NewJobHandler(cfg.JobRepo, cfg.Jobs, cfg.Logger)
	backupHandler := NewBackupHandler(cfg.BackupRuns, cfg.Devices, cfg.Agents, cfg.BackupSchedules, cfg.Backups, cfg.Scheduler, cfg.Hub, cfg.Logger)
	commandHandler := NewCommandHandler(cfg.Devices, cfg.Agents, cfg.Credentials, cfg.Backups, cfg.Hub, cfg.Logger)
	notificationHandler := NewNotificationHandler(cfg.Notifications, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.OIDCProviders, cfg.Logger)
	wsHandler := NewWSHandler(cfg.GUIHub, cfg.AuthService.JWTManager(), cfg.Logger)

	// jwtMgr is used by the Authenticate middleware to validate Bearer tokens.
	jwtMgr := cfg.AuthService.JWTManager()

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			// The agent control plane authenticates its own handshake (C2's
			// nonce/HMAC exchange), not operator JWTs, so it is mounted outside
			// the authenticated group.
			r.Get("/agents/ws/{agent_id}", agentWSHandler.ServeWS)

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

			// Operator push channel
			r.Get("/ws", wsHandler.ServeWS)

			// Customers and their nested resources
			r.Get("/customers", customerHandler.List)
			r.Post("/customers", customerHandler.Create)
			r.Get("/customers/{id}", customerHandler.GetByID)
			r.Get("/customers/{id}/networks", networkHandler.List)
			r.Post("/customers/{id}/networks", networkHandler.Create)
			r.Get("/customers/{id}/devices", deviceHandler.List)
			r.Get("/customers/{id}/discovery/scans", discoveryHandler.List)
			r.Get("/customers/{id}/backups/schedule", backupHandler.GetSchedule)

			// Credentials
			r.Get("/credentials", credentialHandler.List)
			r.Post("/credentials", credentialHandler.Create)
			r.Delete("/credentials/{id}", credentialHandler.Delete)

			// Agents
			r.Get("/agents/pending", agentHandler.ListPending)
			r.Get("/agents/{id}", agentHandler.GetByID)
			r.Post("/agents/{id}/approve", agentHandler.Approve)
			r.Post("/agents/{id}/reject", agentHandler.Reject)
			r.Post("/agents/{id}/test", agentHandler.Test)

			// Devices
			r.Get("/devices/{id}", deviceHandler.GetByID)
			r.Patch("/devices/{id}", deviceHandler.Update)
			r.Delete("/devices/{id}", deviceHandler.Delete)
			r.Get("/devices/{id}/backups", backupHandler.ListByDevice)
			r.Post("/devices/{id}/backup", backupHandler.Create)

			// Discovery
			r.Post("/discovery/scans", discoveryHandler.Create)
			r.Get("/discovery/scans/{id}", discoveryHandler.GetByID)

			// Jobs
			r.Get("/jobs", jobHandler.List)
			r.Get("/jobs/{id}", jobHandler.GetByID)
			r.Delete("/jobs/{id}", jobHandler.Cancel)

			// Backups
			r.Get("/backups/{id}", backupHandler.GetByID)
			r.Get("/backups/{id}/artifact", backupHandler.Artifact)
			r.Post("/backups/schedules", backupHandler.UpsertSchedule)

			// Commands
			r.Post("/commands", commandHandler.Run)

			// Notifications
			r.Get("/notifications", notificationHandler.List)
			r.Patch("/notifications/{id}/read", notificationHandler.MarkAsRead)
			r.Patch("/notifications/read-all", notificationHandler.MarkAllAsRead)

			// --- Admin-only routes ---
			r.Group(func(r chi.Router) {
				r.Use(RequireRole("admin"))

				// User management
				r.Get("/users", userHandler.List)
				r.Post("/users", userHandler.Create)
				r.Get("/users/{id}", userHandler.GetByID)
				r.Patch("/users/{id}", userHandler.Update)
				r.Delete("/users/{id}", userHandler.Delete)

				// OIDC provider configuration
				r.Get("/settings/oidc", settingsHandler.GetOIDC)
				r.Put("/settings/oidc", settingsHandler.UpsertOIDC)
			})
		})
	})

	return r
}
