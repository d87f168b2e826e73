package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/job"
	"github.com/netwatch-io/netwatch/server/internal/repository"
	"github.com/netwatch-io/netwatch/shared/types"
)

// JobHandler groups all job-related HTTP handlers.
// Jobs are created exclusively by discovery/backup/command operations and
// the scheduler — the API surface is read plus cancel.
type JobHandler struct {
	repo   repository.JobRepository
	jobs   *job.Service
	logger *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(repo repository.JobRepository, jobs *job.Service, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		repo:   repo,
		jobs:   jobs,
		logger: logger.Named("job_handler"),
	}
}

type jobTargetResponse struct {
	ID         string  `json:"id"`
	AgentID    string  `json:"agent_id"`
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	StartedAt  *string `json:"started_at,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

type jobResponse struct {
	ID             string              `json:"id"`
	Kind           string              `json:"kind"`
	Status         string              `json:"status"`
	DevicesTotal   int                 `json:"devices_total"`
	DevicesSuccess int                 `json:"devices_success"`
	DevicesFailed  int                 `json:"devices_failed"`
	Error          string              `json:"error,omitempty"`
	StartedAt      string              `json:"started_at"`
	FinishedAt     *string             `json:"finished_at,omitempty"`
	Targets        []jobTargetResponse `json:"targets,omitempty"`
	CreatedAt      string              `json:"created_at"`
}

func jobToResponse(j *db.Job, targets []db.JobTarget) jobResponse {
	resp := jobResponse{
		ID:             j.ID.String(),
		Kind:           j.Kind,
		Status:         j.Status,
		DevicesTotal:   j.DevicesTotal,
		DevicesSuccess: j.DevicesSuccess,
		DevicesFailed:  j.DevicesFailed,
		Error:          j.Error,
		StartedAt:      j.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		CreatedAt:      j.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if j.FinishedAt != nil {
		s := j.FinishedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.FinishedAt = &s
	}
	if targets != nil {
		resp.Targets = make([]jobTargetResponse, len(targets))
		for i, t := range targets {
			tr := jobTargetResponse{
				ID:      t.ID.String(),
				AgentID: t.AgentID.String(),
				Status:  t.Status,
				Error:   t.Error,
			}
			if t.StartedAt != nil {
				s := t.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
				tr.StartedAt = &s
			}
			if t.FinishedAt != nil {
				s := t.FinishedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
				tr.FinishedAt = &s
			}
			resp.Targets[i] = tr
		}
	}
	return resp
}

type listJobsResponse struct {
	Items []jobResponse `json:"items"`
	Total int64         `json:"total"`
}

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	jobs, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i], nil)
	}
	Ok(w, listJobsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	j, targets, err := h.repo.GetByIDWithTargets(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeKind(w, types.ErrNotFound, "job not found")
			return
		}
		h.logger.Error("failed to get job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, jobToResponse(j, targets))
}

// Cancel handles DELETE /api/v1/jobs/{id}. Signals every in-flight target
// goroutine to stop; already-terminal jobs return 409 since there is
// nothing left to cancel.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.jobs.Cancel(id); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeKind(w, types.ErrConflict, "job is not running")
			return
		}
		h.logger.Error("failed to cancel job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}
