package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/discovery"
	"github.com/netwatch-io/netwatch/server/internal/hub"
	"github.com/netwatch-io/netwatch/server/internal/job"
	"github.com/netwatch-io/netwatch/server/internal/repository"
	"github.com/netwatch-io/netwatch/shared/types"
)

// DiscoveryHandler exposes operator-triggered scans. A scan is one job
// targeting a single agent; the session row tracks the network-level
// lifecycle while job.Service tracks dispatch and retry.
type DiscoveryHandler struct {
	sessions repository.DiscoverySessionRepository
	agents   repository.AgentRepository
	svc      *discovery.Service
	jobs     *job.Service
	hub      *hub.Hub
	logger   *zap.Logger
}

// NewDiscoveryHandler creates a new DiscoveryHandler.
func NewDiscoveryHandler(sessions repository.DiscoverySessionRepository, agents repository.AgentRepository, svc *discovery.Service, jobs *job.Service, h *hub.Hub, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		sessions: sessions,
		agents:   agents,
		svc:      svc,
		jobs:     jobs,
		hub:      h,
		logger:   logger.Named("discovery_handler"),
	}
}

type discoverySessionResponse struct {
	ID          string  `json:"id"`
	JobID       string  `json:"job_id"`
	CustomerID  string  `json:"customer_id"`
	AgentID     string  `json:"agent_id"`
	NetworkCIDR string  `json:"network_cidr,omitempty"`
	ScanType    string  `json:"scan_type"`
	Status      string  `json:"status"`
	StartedAt   string  `json:"started_at"`
	FinishedAt  *string `json:"finished_at,omitempty"`
}

func discoverySessionToResponse(s *db.DiscoverySession, jobID string) discoverySessionResponse {
	resp := discoverySessionResponse{
		ID:          s.ID.String(),
		JobID:       jobID,
		CustomerID:  s.CustomerID.String(),
		AgentID:     s.AgentID.String(),
		NetworkCIDR: s.NetworkCIDR,
		ScanType:    s.ScanType,
		Status:      s.Status,
		StartedAt:   s.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if s.FinishedAt != nil {
		f := s.FinishedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.FinishedAt = &f
	}
	return resp
}

type createScanRequest struct {
	CustomerID  string `json:"customer_id"`
	AgentID     string `json:"agent_id"`
	NetworkCIDR string `json:"network_cidr"`
	ScanType    string `json:"scan_type"`
}

// Create handles POST /api/v1/discovery/scans. Binds a DiscoverySession to a
// single-target job.Create("scan", ...), returning 202 with the job and
// session ids so the caller can poll either.
func (h *DiscoveryHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CustomerID == "" || req.AgentID == "" {
		writeKind(w, types.ErrValidation, "customer_id and agent_id are required")
		return
	}
	customerID, ok := parseUUIDString(w, req.CustomerID, "customer_id")
	if !ok {
		return
	}
	agentID, ok := parseUUIDString(w, req.AgentID, "agent_id")
	if !ok {
		return
	}
	if req.ScanType == "" {
		req.ScanType = "all"
	}
	if !h.hub.IsOnline(agentID.String()) {
		writeKind(w, types.ErrAgentOffline, "agent is not connected")
		return
	}

	sess, err := h.svc.StartScan(r.Context(), customerID, agentID, req.NetworkCIDR, req.ScanType)
	if err != nil {
		h.logger.Error("failed to start scan", zap.Error(err))
		ErrInternal(w)
		return
	}

	j, err := h.jobs.Create(r.Context(), "scan", []job.Target{{AgentID: agentID, SessionID: sess.ID}})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/jobs/"+j.ID.String())
	JSON(w, http.StatusAccepted, envelope{"data": discoverySessionToResponse(sess, j.ID.String())})
}

// GetByID handles GET /api/v1/discovery/scans/{id}.
func (h *DiscoveryHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	sess, err := h.sessions.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	Ok(w, discoverySessionToResponse(sess, ""))
}

type listDiscoverySessionsResponse struct {
	Items []discoverySessionResponse `json:"items"`
	Total int64                      `json:"total"`
}

// List handles GET /api/v1/customers/{id}/discovery/scans.
func (h *DiscoveryHandler) List(w http.ResponseWriter, r *http.Request) {
	customerID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	opts := paginationOpts(r)
	sessions, total, err := h.sessions.ListByCustomer(r.Context(), customerID, opts)
	if err != nil {
		h.logger.Error("failed to list discovery sessions", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]discoverySessionResponse, len(sessions))
	for i := range sessions {
		items[i] = discoverySessionToResponse(&sessions[i], "")
	}
	Ok(w, listDiscoverySessionsResponse{Items: items, Total: total})
}
