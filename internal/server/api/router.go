package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/server/auth"
	"github.com/fabrice-guiot/shuttersense/internal/server/dispatcher"
	"github.com/fabrice-guiot/shuttersense/internal/server/repositories"
	"github.com/fabrice-guiot/shuttersense/internal/server/uploadsessions"
	"github.com/fabrice-guiot/shuttersense/internal/server/websocket"
)

// RouterConfig holds every dependency NewRouter needs, populated in
// cmd/server/main.go once the components are constructed. One struct keeps
// the constructor signature manageable as dependencies grow.
type RouterConfig struct {
	Auth     *auth.Service
	Dispatch *dispatcher.Dispatcher
	Uploads  *uploadsessions.Service
	Hub      *websocket.Hub
	Logger   *zap.Logger
	Version  string

	Agents        repositories.AgentRepository
	AgentRuntimes repositories.AgentRuntimeRepository
	Connectors    repositories.ConnectorRepository
	Collections   repositories.CollectionRepository
	Teams         repositories.TeamRepository
	Jobs          repositories.JobRepository
	Results       repositories.ResultRepository
	UploadSess    repositories.UploadSessionRepository
}

// NewRouter builds the fully configured Chi router implementing the
// agent<->server API plus the admin WebSocket feed.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	agentHandler := NewAgentHandler(cfg.Auth, cfg.Agents, cfg.AgentRuntimes, cfg.Connectors, cfg.Teams, cfg.Dispatch, cfg.Hub, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Dispatch, cfg.Jobs, cfg.Results, cfg.Collections, cfg.Connectors, cfg.Hub, cfg.Logger)
	uploadHandler := NewUploadHandler(cfg.Uploads, cfg.UploadSess, cfg.Results, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)
	versionHandler := NewVersionHandler(cfg.Version)

	// Registration is unauthenticated: it trades a registration token for
	// an API key.
	r.Post("/agents/register", agentHandler.Register)

	// Unauthenticated: agents poll this before registering/updating.
	r.Get("/version", versionHandler.Get)

	// Everything else requires the bearer API key minted at registration.
	r.Group(func(r chi.Router) {
		r.Use(AuthenticateAgent(cfg.Auth))

		r.Post("/agents/heartbeat", agentHandler.Heartbeat)

		r.Post("/jobs/claim", jobHandler.Claim)
		r.Post("/jobs/{guid}/progress", jobHandler.Progress)
		r.Post("/jobs/{guid}/complete", jobHandler.Complete)
		r.Post("/jobs/{guid}/fail", jobHandler.Fail)
		r.Post("/jobs/{guid}/uploads/initiate", uploadHandler.Initiate)

		r.Put("/uploads/{id}/{index}", uploadHandler.PutChunk)
		r.Post("/uploads/{id}/finalize", uploadHandler.Finalize)
		r.Delete("/uploads/{id}", uploadHandler.Cancel)

		r.Post("/connectors/{guid}/report-capability", agentHandler.ReportCapability)
	})

	// Admin-facing live status feed — not part of the agent<->server
	// contract, so it sits outside the bearer-auth group entirely; a
	// reverse proxy in front of the server is expected to gate it.
	r.Get("/ws", wsHandler.Subscribe)

	return r
}
