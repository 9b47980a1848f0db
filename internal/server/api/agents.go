package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/server/auth"
	"github.com/fabrice-guiot/shuttersense/internal/server/db"
	"github.com/fabrice-guiot/shuttersense/internal/server/dispatcher"
	"github.com/fabrice-guiot/shuttersense/internal/server/repositories"
	"github.com/fabrice-guiot/shuttersense/internal/server/websocket"
	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
	"github.com/fabrice-guiot/shuttersense/internal/shared/guid"
)

// AgentHandler groups the register, heartbeat, and report-capability
// handlers.
type AgentHandler struct {
	authSvc    *auth.Service
	agents     repositories.AgentRepository
	runtimes   repositories.AgentRuntimeRepository
	connectors repositories.ConnectorRepository
	teams      repositories.TeamRepository
	dispatch   *dispatcher.Dispatcher
	hub        *websocket.Hub
	logger     *zap.Logger
}

func NewAgentHandler(
	authSvc *auth.Service,
	agents repositories.AgentRepository,
	runtimes repositories.AgentRuntimeRepository,
	connectors repositories.ConnectorRepository,
	teams repositories.TeamRepository,
	dispatch *dispatcher.Dispatcher,
	hub *websocket.Hub,
	logger *zap.Logger,
) *AgentHandler {
	return &AgentHandler{
		authSvc:    authSvc,
		agents:     agents,
		runtimes:   runtimes,
		connectors: connectors,
		teams:      teams,
		dispatch:   dispatch,
		hub:        hub,
		logger:     logger.Named("agent_handler"),
	}
}

// Register handles POST /agents/register.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req apitypes.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Token == "" {
		ErrBadRequest(w, "name and token are required")
		return
	}

	token, err := h.authSvc.ConsumeToken(r.Context(), req.Token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			errJSON(w, http.StatusUnauthorized, "authentication required", "invalid or expired registration token")
			return
		}
		h.logger.Error("consume token failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	apiKey, err := auth.NewAPIKey()
	if err != nil {
		h.logger.Error("generate api key failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	capsJSON, _ := json.Marshal(req.Capabilities)

	agent := &db.Agent{
		TeamID:         token.TeamID,
		Name:           req.Name,
		APIKey:         apiKey,
		Platform:       req.Platform,
		BinaryChecksum: req.Checksum,
	}
	if err := h.agents.Create(r.Context(), agent); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "agent already registered")
			return
		}
		h.logger.Error("create agent failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	runtime := &db.AgentRuntime{
		AgentID:      agent.ID,
		Status:       "online",
		Capabilities: string(capsJSON),
	}
	if err := h.runtimes.Upsert(r.Context(), runtime); err != nil {
		h.logger.Error("create agent runtime failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, apitypes.RegisterResponse{
		GUID:     guid.Encode(guid.Agent, agent.ID),
		APIKey:   apiKey,
		Name:     agent.Name,
		TeamGUID: guid.Encode(guid.Team, agent.TeamID),
	})
}

// Heartbeat handles POST /agents/heartbeat. Writes only to
// AgentRuntime, never Agent.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	if agent == nil {
		ErrUnauthorized(w)
		return
	}

	var req apitypes.HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	capsJSON, _ := json.Marshal(req.Capabilities)
	rootsJSON, _ := json.Marshal(req.AuthorizedRoots)
	now := timeNow()

	runtime := &db.AgentRuntime{
		AgentID:         agent.ID,
		Status:          "online",
		LastHeartbeat:   &now,
		Capabilities:    string(capsJSON),
		AuthorizedRoots: string(rootsJSON),
		CPUPercent:      req.Metrics.CPUPercent,
		MemPercent:      req.Metrics.MemPercent,
		DiskFreeGB:      req.Metrics.DiskFreeGB,
	}
	if err := h.runtimes.Upsert(r.Context(), runtime); err != nil {
		h.logger.Error("heartbeat upsert failed", zap.String("agent_id", agent.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	commands, err := h.dispatch.DrainCommands(r.Context(), agent.ID)
	if err != nil {
		h.logger.Error("drain commands failed", zap.String("agent_id", agent.ID.String()), zap.Error(err))
		commands = nil // heartbeat itself still succeeded; commands are best-effort
	}

	agentGUID := guid.Encode(guid.Agent, agent.ID)
	h.hub.Publish("agent:"+agentGUID, websocket.Message{
		Type:    websocket.MsgAgentMetrics,
		Topic:   "agent:" + agentGUID,
		Payload: req.Metrics,
	})

	Ok(w, apitypes.HeartbeatResponse{PendingCommands: commands})
}

// ReportCapability handles POST /connectors/{guid}/report-capability:
// flips a Connector's credential_location from pending to agent once the
// agent has stored credentials for it.
func (h *AgentHandler) ReportCapability(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	if agent == nil {
		ErrUnauthorized(w)
		return
	}

	_, id, err := guid.Parse(chiParam(r, "guid"), guid.Connector)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	var req apitypes.ReportCapabilityRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	connector, err := h.connectors.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	if connector.TeamID != agent.TeamID {
		ErrForbidden(w, "connector not in agent's team")
		return
	}

	updated := false
	if req.HasCredentials && connector.CredentialLocation == "pending" {
		if err := h.connectors.SetCredentialLocation(r.Context(), id, "agent"); err != nil {
			h.logger.Error("set credential location failed", zap.Error(err))
			ErrInternal(w)
			return
		}
		updated = true
	}

	Ok(w, apitypes.ReportCapabilityResponse{
		Acknowledged:              true,
		CredentialLocationUpdated: updated,
	})
}
