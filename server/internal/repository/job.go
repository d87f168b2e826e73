package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netwatch-io/netwatch/server/internal/db"
)

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// GetByIDWithTargets retrieves a job together with its JobTarget rows.
func (r *gormJobRepository) GetByIDWithTargets(ctx context.Context, id uuid.UUID) (*db.Job, []db.JobTarget, error) {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	targets, err := r.ListTargetsByJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return job, targets, nil
}

func (r *gormJobRepository) Update(ctx context.Context, job *db.Job) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus transitions a job to a terminal or intermediate status.
func (r *gormJobRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, finishedAt *time.Time, errMsg string) error {
	updates := map[string]interface{}{"status": status}
	if finishedAt != nil {
		updates["finished_at"] = *finishedAt
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	result := r.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("jobs: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementCounters atomically bumps devices_success/devices_failed as
// per-agent JobTarget results come in, so concurrent completions from
// different agents never race on a read-modify-write of the job row.
func (r *gormJobRepository) IncrementCounters(ctx context.Context, id uuid.UUID, successDelta, failedDelta int) error {
	err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"devices_success": gorm.Expr("devices_success + ?", successDelta),
			"devices_failed":  gorm.Expr("devices_failed + ?", failedDelta),
		}).Error
	if err != nil {
		return fmt.Errorf("jobs: increment counters: %w", err)
	}
	return nil
}

func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("started_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

// CreateTargets bulk-inserts the per-agent slices of a newly created job.
func (r *gormJobRepository) CreateTargets(ctx context.Context, targets []db.JobTarget) error {
	if len(targets) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&targets).Error; err != nil {
		return fmt.Errorf("jobs: create targets: %w", err)
	}
	return nil
}

func (r *gormJobRepository) ListTargetsByJob(ctx context.Context, jobID uuid.UUID) ([]db.JobTarget, error) {
	var targets []db.JobTarget
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&targets).Error; err != nil {
		return nil, fmt.Errorf("jobs: list targets by job: %w", err)
	}
	return targets, nil
}

func (r *gormJobRepository) UpdateTargetStatus(ctx context.Context, id uuid.UUID, status string, finishedAt *time.Time, errMsg string) error {
	updates := map[string]interface{}{"status": status}
	if finishedAt != nil {
		updates["finished_at"] = *finishedAt
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	result := r.db.WithContext(ctx).Model(&db.JobTarget{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("jobs: update target status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
