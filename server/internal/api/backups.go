package api

import (
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/backup"
	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/hub"
	"github.com/netwatch-io/netwatch/server/internal/repository"
	"github.com/netwatch-io/netwatch/server/internal/scheduler"
	"github.com/netwatch-io/netwatch/shared/types"
)

// BackupHandler exposes on-demand backups, artifact retrieval, and
// per-customer backup schedules.
type BackupHandler struct {
	runs      repository.BackupRunRepository
	devices   repository.DeviceRepository
	agents    repository.AgentRepository
	schedules repository.BackupScheduleRepository
	svc       *backup.Service
	sched     *scheduler.Scheduler
	hub       *hub.Hub
	logger    *zap.Logger
}

// NewBackupHandler creates a new BackupHandler.
func NewBackupHandler(runs repository.BackupRunRepository, devices repository.DeviceRepository, agents repository.AgentRepository, schedules repository.BackupScheduleRepository, svc *backup.Service, sched *scheduler.Scheduler, h *hub.Hub, logger *zap.Logger) *BackupHandler {
	return &BackupHandler{
		runs:      runs,
		devices:   devices,
		agents:    agents,
		schedules: schedules,
		svc:       svc,
		sched:     sched,
		hub:       h,
		logger:    logger.Named("backup_handler"),
	}
}

type backupRunResponse struct {
	ID          string  `json:"id"`
	CustomerID  string  `json:"customer_id"`
	DeviceID    string  `json:"device_id"`
	AgentID     string  `json:"agent_id"`
	Kind        string  `json:"kind"`
	Status      string  `json:"status"`
	Size        int64   `json:"size,omitempty"`
	Checksum    string  `json:"checksum,omitempty"`
	TriggeredBy string  `json:"triggered_by"`
	Error       string  `json:"error,omitempty"`
	StartedAt   string  `json:"started_at"`
	FinishedAt  *string `json:"finished_at,omitempty"`
}

func backupRunToResponse(r *db.BackupRun) backupRunResponse {
	resp := backupRunResponse{
		ID:          r.ID.String(),
		CustomerID:  r.CustomerID.String(),
		DeviceID:    r.DeviceID.String(),
		AgentID:     r.AgentID.String(),
		Kind:        r.Kind,
		Status:      r.Status,
		Size:        r.Size,
		Checksum:    r.Checksum,
		TriggeredBy: r.TriggeredBy,
		Error:       r.Error,
		StartedAt:   r.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if r.FinishedAt != nil {
		f := r.FinishedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.FinishedAt = &f
	}
	return resp
}

type createBackupRequest struct {
	Kind string `json:"kind"`
}

// Create handles POST /api/v1/devices/{id}/backup. Resolves an online agent
// for the device's customer and starts the backup asynchronously, returning
// 202 with the BackupRun id the instant the row exists.
func (h *BackupHandler) Create(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req createBackupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = "config"
	}

	device, err := h.devices.GetByID(r.Context(), deviceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	agent, err := onlineAgentForCustomer(r.Context(), h.agents, h.hub, device.CustomerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	run, err := h.svc.StartAsync(agent.ID, deviceID, req.Kind, "manual")
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/backups/"+run.ID.String())
	JSON(w, http.StatusAccepted, envelope{"data": backupRunToResponse(run)})
}

// GetByID handles GET /api/v1/backups/{id}.
func (h *BackupHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	run, err := h.runs.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	Ok(w, backupRunToResponse(run))
}

type listBackupRunsResponse struct {
	Items []backupRunResponse `json:"items"`
	Total int64               `json:"total"`
}

// ListByDevice handles GET /api/v1/devices/{id}/backups.
func (h *BackupHandler) ListByDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	opts := paginationOpts(r)
	runs, total, err := h.runs.ListByDevice(r.Context(), deviceID, opts)
	if err != nil {
		h.logger.Error("failed to list backup runs", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]backupRunResponse, len(runs))
	for i := range runs {
		items[i] = backupRunToResponse(&runs[i])
	}
	Ok(w, listBackupRunsResponse{Items: items, Total: total})
}

// Artifact handles GET /api/v1/backups/{id}/artifact, streaming the raw
// artifact bytes. Returns 410 if the run's file has since been purged by a
// retention sweep.
func (h *BackupHandler) Artifact(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	run, err := h.runs.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if run.Status != "success" || run.FilePath == "" {
		writeKind(w, types.ErrNotFound, "backup artifact not available")
		return
	}

	f, err := os.Open(run.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			JSON(w, http.StatusGone, types.RPCErrorPayload{Kind: types.ErrNotFound, Message: "backup artifact has been purged by retention"})
			return
		}
		h.logger.Error("failed to open backup artifact", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+run.ID.String()+"\"")
	http.ServeContent(w, r, run.ID.String(), run.FinishedAt.UTC(), f)
}

type backupScheduleResponse struct {
	ID                string  `json:"id"`
	CustomerID        string  `json:"customer_id"`
	Enabled           bool    `json:"enabled"`
	Cadence           string  `json:"cadence"`
	At                string  `json:"at,omitempty"`
	Days              string  `json:"days,omitempty"`
	DayOfMonth        int     `json:"day_of_month,omitempty"`
	Cron              string  `json:"cron,omitempty"`
	Kinds             string  `json:"kinds,omitempty"`
	RetentionDays     int     `json:"retention_days,omitempty"`
	RetentionCount    int     `json:"retention_count,omitempty"`
	RetentionStrategy string  `json:"retention_strategy"`
	LastRunAt         *string `json:"last_run_at,omitempty"`
	NextRunAt         *string `json:"next_run_at,omitempty"`
}

func backupScheduleToResponse(s *db.BackupSchedule) backupScheduleResponse {
	resp := backupScheduleResponse{
		ID:                s.ID.String(),
		CustomerID:        s.CustomerID.String(),
		Enabled:           s.Enabled,
		Cadence:           s.Cadence,
		At:                s.At,
		Days:              s.Days,
		DayOfMonth:        s.DayOfMonth,
		Cron:              s.Cron,
		Kinds:             s.Kinds,
		RetentionDays:     s.RetentionDays,
		RetentionCount:    s.RetentionCount,
		RetentionStrategy: s.RetentionStrategy,
	}
	if s.LastRunAt != nil {
		t := s.LastRunAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.LastRunAt = &t
	}
	if s.NextRunAt != nil {
		t := s.NextRunAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.NextRunAt = &t
	}
	return resp
}

type upsertScheduleRequest struct {
	CustomerID        string `json:"customer_id"`
	Enabled           bool   `json:"enabled"`
	Cadence           string `json:"cadence"`
	At                string `json:"at"`
	Days              string `json:"days"`
	DayOfMonth        int    `json:"day_of_month"`
	Cron              string `json:"cron"`
	Kinds             string `json:"kinds"`
	RetentionDays     int    `json:"retention_days"`
	RetentionCount    int    `json:"retention_count"`
	RetentionStrategy string `json:"retention_strategy"`
}

// UpsertSchedule handles POST /api/v1/backups/schedules. There is at most one
// schedule per customer; an existing row for the customer is updated in
// place rather than erroring as a conflict.
func (h *BackupHandler) UpsertSchedule(w http.ResponseWriter, r *http.Request) {
	var req upsertScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CustomerID == "" {
		writeKind(w, types.ErrValidation, "customer_id is required")
		return
	}
	customerID, ok := parseUUIDString(w, req.CustomerID, "customer_id")
	if !ok {
		return
	}
	if req.Cadence == "" {
		writeKind(w, types.ErrValidation, "cadence is required")
		return
	}
	if req.RetentionStrategy == "" {
		req.RetentionStrategy = "both"
	}

	existing, err := h.schedules.GetByCustomer(r.Context(), customerID)
	if err == nil {
		existing.Enabled = req.Enabled
		existing.Cadence = req.Cadence
		existing.At = req.At
		existing.Days = req.Days
		existing.DayOfMonth = req.DayOfMonth
		existing.Cron = req.Cron
		existing.Kinds = req.Kinds
		existing.RetentionDays = req.RetentionDays
		existing.RetentionCount = req.RetentionCount
		existing.RetentionStrategy = req.RetentionStrategy
		if uErr := h.sched.UpdateSchedule(existing); uErr != nil {
			writeServiceError(w, uErr)
			return
		}
		Ok(w, backupScheduleToResponse(existing))
		return
	}

	schedule := &db.BackupSchedule{
		CustomerID:        customerID,
		Enabled:           req.Enabled,
		Cadence:           req.Cadence,
		At:                req.At,
		Days:              req.Days,
		DayOfMonth:        req.DayOfMonth,
		Cron:              req.Cron,
		Kinds:             req.Kinds,
		RetentionDays:     req.RetentionDays,
		RetentionCount:    req.RetentionCount,
		RetentionStrategy: req.RetentionStrategy,
	}
	if err := h.sched.AddSchedule(schedule); err != nil {
		writeServiceError(w, err)
		return
	}
	Created(w, backupScheduleToResponse(schedule))
}

// GetSchedule handles GET /api/v1/customers/{id}/backups/schedule.
func (h *BackupHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	customerID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	schedule, err := h.schedules.GetByCustomer(r.Context(), customerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	Ok(w, backupScheduleToResponse(schedule))
}
