package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netwatch-io/netwatch/server/internal/db"
)

// gormBackupRunRepository is the GORM implementation of BackupRunRepository.
type gormBackupRunRepository struct {
	db *gorm.DB
}

// NewBackupRunRepository returns a BackupRunRepository backed by the provided *gorm.DB.
func NewBackupRunRepository(db *gorm.DB) BackupRunRepository {
	return &gormBackupRunRepository{db: db}
}

func (r *gormBackupRunRepository) Create(ctx context.Context, run *db.BackupRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("backup_runs: create: %w", err)
	}
	return nil
}

func (r *gormBackupRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.BackupRun, error) {
	var run db.BackupRun
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("backup_runs: get by id: %w", err)
	}
	return &run, nil
}

func (r *gormBackupRunRepository) Update(ctx context.Context, run *db.BackupRun) error {
	result := r.db.WithContext(ctx).Save(run)
	if result.Error != nil {
		return fmt.Errorf("backup_runs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete hard-deletes a backup run row. The caller is responsible for
// removing the underlying artifact file first — see retention sweep in C7.
func (r *gormBackupRunRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.BackupRun{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("backup_runs: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormBackupRunRepository) ListByDevice(ctx context.Context, deviceID uuid.UUID, opts ListOptions) ([]db.BackupRun, int64, error) {
	var runs []db.BackupRun
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.BackupRun{}).
		Where("device_id = ?", deviceID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("backup_runs: list by device count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("started_at DESC").
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("backup_runs: list by device: %w", err)
	}

	return runs, total, nil
}

// ListSuccessfulByDevice returns every completed run for a device, newest
// first — used by the retention sweep to decide which artifacts to keep.
func (r *gormBackupRunRepository) ListSuccessfulByDevice(ctx context.Context, deviceID uuid.UUID) ([]db.BackupRun, error) {
	var runs []db.BackupRun
	if err := r.db.WithContext(ctx).
		Where("device_id = ? AND status = ?", deviceID, "success").
		Order("started_at DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("backup_runs: list successful by device: %w", err)
	}
	return runs, nil
}
