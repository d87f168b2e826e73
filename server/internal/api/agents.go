package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/agentsvc"
	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/hub"
	"github.com/netwatch-io/netwatch/server/internal/repository"
	"github.com/netwatch-io/netwatch/shared/types"
)

// AgentHandler groups all agent-related HTTP handlers. Enrollment and the
// hello/challenge handshake live in agentws.go — this handler covers the
// operator-facing approval workflow and administrative actions.
type AgentHandler struct {
	repo   repository.AgentRepository
	svc    *agentsvc.Service
	hub    *hub.Hub
	logger *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(repo repository.AgentRepository, svc *agentsvc.Service, h *hub.Hub, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		repo:   repo,
		svc:    svc,
		hub:    h,
		logger: logger.Named("agent_handler"),
	}
}

// agentResponse is the JSON representation of an agent returned by the API.
// Token is intentionally excluded — it never leaves the server after enrollment.
type agentResponse struct {
	ID           string  `json:"id"`
	DisplayName  string  `json:"display_name"`
	Kind         string  `json:"kind"`
	Address      string  `json:"address"`
	Port         int     `json:"port,omitempty"`
	Status       string  `json:"status"`
	CustomerID   *string `json:"customer_id,omitempty"`
	LastSeenAt   *string `json:"last_seen_at,omitempty"`
	Capabilities string  `json:"capabilities,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

func agentToResponse(a *db.Agent) agentResponse {
	resp := agentResponse{
		ID:           a.ID.String(),
		DisplayName:  a.DisplayName,
		Kind:         a.Kind,
		Address:      a.Address,
		Port:         a.Port,
		Status:       a.Status,
		Capabilities: a.Capabilities,
		CreatedAt:    a.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if a.CustomerID != nil {
		s := a.CustomerID.String()
		resp.CustomerID = &s
	}
	if a.LastSeenAt != nil {
		s := a.LastSeenAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.LastSeenAt = &s
	}
	return resp
}

type listAgentsResponse struct {
	Items []agentResponse `json:"items"`
	Total int64           `json:"total"`
}

// ListPending handles GET /api/v1/agents/pending.
func (h *AgentHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	agents, total, err := h.repo.ListPending(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list pending agents", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]agentResponse, len(agents))
	for i := range agents {
		items[i] = agentToResponse(&agents[i])
	}
	Ok(w, listAgentsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeKind(w, types.ErrNotFound, "agent not found")
			return
		}
		h.logger.Error("failed to get agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, agentToResponse(agent))
}

type approveAgentRequest struct {
	CustomerID string `json:"customer_id"`
}

// Approve handles POST /api/v1/agents/{id}/approve. Binds the agent to a
// customer, rotates its enrollment token, and pushes the new token to any
// live session so the agent can re-authenticate without re-enrolling.
func (h *AgentHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req approveAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	customerID, err := uuid.Parse(req.CustomerID)
	if err != nil {
		ErrBadRequest(w, "invalid customer_id: must be a valid UUID")
		return
	}

	agent, err := h.svc.Approve(r.Context(), id, customerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeKind(w, types.ErrNotFound, "agent not found")
			return
		}
		if errors.Is(err, agentsvc.ErrNotPending) {
			writeKind(w, types.ErrConflict, "agent is not pending approval")
			return
		}
		h.logger.Error("failed to approve agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, agentToResponse(agent))
}

// Reject handles POST /api/v1/agents/{id}/reject. Removes a pending or previously
// approved agent and closes any live session immediately.
func (h *AgentHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.svc.Reject(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeKind(w, types.ErrNotFound, "agent not found")
			return
		}
		h.logger.Error("failed to reject agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

type testAgentResponse struct {
	OK        bool  `json:"ok"`
	LatencyMS int64 `json:"latency_ms"`
}

// Test handles POST /api/v1/agents/{id}/test. Round-trips a no-op RPC
// through the hub to confirm the agent session is live and responsive.
func (h *AgentHandler) Test(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	start := time.Now()
	_, err := h.hub.Call(r.Context(), id.String(), types.MethodAgentTest, nil, 10*time.Second, nil, nil)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	Ok(w, testAgentResponse{OK: true, LatencyMS: time.Since(start).Milliseconds()})
}
