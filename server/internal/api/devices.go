package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/repository"
)

// DeviceHandler exposes the devices discovery ingest has populated.
// Read-only plus Monitored toggling — devices are never created directly
// through this surface, only by discovery ingest or manual entry via
// discovery's "manual" source.
type DeviceHandler struct {
	repo   repository.DeviceRepository
	logger *zap.Logger
}

// NewDeviceHandler creates a new DeviceHandler.
func NewDeviceHandler(repo repository.DeviceRepository, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		repo:   repo,
		logger: logger.Named("device_handler"),
	}
}

type deviceResponse struct {
	ID           string `json:"id"`
	CustomerID   string `json:"customer_id"`
	Address      string `json:"address"`
	MAC          string `json:"mac,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	Vendor       string `json:"vendor,omitempty"`
	Platform     string `json:"platform,omitempty"`
	Role         string `json:"role,omitempty"`
	Monitored    bool   `json:"monitored"`
	LastSeenAt   string `json:"last_seen_at"`
	Source       string `json:"source"`
	SourceDetail string `json:"source_detail"`
}

func deviceToResponse(d *db.Device) deviceResponse {
	return deviceResponse{
		ID:           d.ID.String(),
		CustomerID:   d.CustomerID.String(),
		Address:      d.Address,
		MAC:          d.MAC,
		Hostname:     d.Hostname,
		Vendor:       d.Vendor,
		Platform:     d.Platform,
		Role:         d.Role,
		Monitored:    d.Monitored,
		LastSeenAt:   d.LastSeenAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Source:       d.Source,
		SourceDetail: d.SourceDetail,
	}
}

type listDevicesResponse struct {
	Items []deviceResponse `json:"items"`
	Total int64            `json:"total"`
}

// List handles GET /api/v1/customers/{id}/devices.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	customerID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	opts := paginationOpts(r)
	devices, total, err := h.repo.List(r.Context(), customerID, opts)
	if err != nil {
		h.logger.Error("failed to list devices", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]deviceResponse, len(devices))
	for i := range devices {
		items[i] = deviceToResponse(&devices[i])
	}
	Ok(w, listDevicesResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/devices/{id}.
func (h *DeviceHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	device, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	Ok(w, deviceToResponse(device))
}

type updateDeviceRequest struct {
	Monitored *bool  `json:"monitored"`
	Role      string `json:"role"`
}

// Update handles PATCH /api/v1/devices/{id}. The only mutable fields from
// this surface are the ones an operator, rather than discovery ingest, owns:
// whether the device is actively monitored/backed up and its assigned role.
func (h *DeviceHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	device, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if req.Monitored != nil {
		device.Monitored = *req.Monitored
	}
	if req.Role != "" {
		device.Role = req.Role
	}
	if err := h.repo.Update(r.Context(), device); err != nil {
		h.logger.Error("failed to update device", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, deviceToResponse(device))
}

// Delete handles DELETE /api/v1/devices/{id}.
func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.repo.Delete(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	NoContent(w)
}
