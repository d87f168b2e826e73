package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/repository"
	"github.com/netwatch-io/netwatch/shared/types"
)

// NetworkHandler groups all network-related HTTP handlers. Networks are
// always addressed in the context of their owning customer.
type NetworkHandler struct {
	repo   repository.NetworkRepository
	logger *zap.Logger
}

// NewNetworkHandler creates a new NetworkHandler.
func NewNetworkHandler(repo repository.NetworkRepository, logger *zap.Logger) *NetworkHandler {
	return &NetworkHandler{
		repo:   repo,
		logger: logger.Named("network_handler"),
	}
}

type networkResponse struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	Name       string `json:"name,omitempty"`
	Type       string `json:"type"`
	CIDR       string `json:"cidr"`
	Gateway    string `json:"gateway,omitempty"`
	VLANID     *int   `json:"vlan_id,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func networkToResponse(n *db.Network) networkResponse {
	return networkResponse{
		ID:         n.ID.String(),
		CustomerID: n.CustomerID.String(),
		Name:       n.Name,
		Type:       n.Type,
		CIDR:       n.CIDR,
		Gateway:    n.Gateway,
		VLANID:     n.VLANID,
		CreatedAt:  n.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// List handles GET /api/v1/customers/{id}/networks.
func (h *NetworkHandler) List(w http.ResponseWriter, r *http.Request) {
	customerID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	networks, err := h.repo.ListByCustomer(r.Context(), customerID)
	if err != nil {
		h.logger.Error("failed to list networks", zap.String("customer_id", customerID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]networkResponse, len(networks))
	for i := range networks {
		items[i] = networkToResponse(&networks[i])
	}
	Ok(w, items)
}

type createNetworkRequest struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	CIDR    string `json:"cidr"`
	Gateway string `json:"gateway"`
	VLANID  *int   `json:"vlan_id"`
}

// Create handles POST /api/v1/customers/{id}/networks.
func (h *NetworkHandler) Create(w http.ResponseWriter, r *http.Request) {
	customerID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req createNetworkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CIDR == "" {
		writeKind(w, types.ErrValidation, "cidr is required")
		return
	}
	if req.Type == "" {
		writeKind(w, types.ErrValidation, "type is required")
		return
	}

	network := &db.Network{
		CustomerID: customerID,
		Name:       req.Name,
		Type:       req.Type,
		CIDR:       req.CIDR,
		Gateway:    req.Gateway,
		VLANID:     req.VLANID,
	}
	if err := h.repo.Create(r.Context(), network); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			writeKind(w, types.ErrConflict, "network already exists for this customer")
			return
		}
		h.logger.Error("failed to create network", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, networkToResponse(network))
}
