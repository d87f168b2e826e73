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

// gormBackupScheduleRepository is the GORM implementation of BackupScheduleRepository.
type gormBackupScheduleRepository struct {
	db *gorm.DB
}

// NewBackupScheduleRepository returns a BackupScheduleRepository backed by the provided *gorm.DB.
func NewBackupScheduleRepository(db *gorm.DB) BackupScheduleRepository {
	return &gormBackupScheduleRepository{db: db}
}

func (r *gormBackupScheduleRepository) Create(ctx context.Context, schedule *db.BackupSchedule) error {
	if err := r.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return fmt.Errorf("backup_schedules: create: %w", err)
	}
	return nil
}

func (r *gormBackupScheduleRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.BackupSchedule, error) {
	var schedule db.BackupSchedule
	err := r.db.WithContext(ctx).First(&schedule, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("backup_schedules: get by id: %w", err)
	}
	return &schedule, nil
}

// GetByCustomer retrieves the single BackupSchedule for a customer, if one
// has been configured.
func (r *gormBackupScheduleRepository) GetByCustomer(ctx context.Context, customerID uuid.UUID) (*db.BackupSchedule, error) {
	var schedule db.BackupSchedule
	err := r.db.WithContext(ctx).First(&schedule, "customer_id = ?", customerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("backup_schedules: get by customer: %w", err)
	}
	return &schedule, nil
}

func (r *gormBackupScheduleRepository) Update(ctx context.Context, schedule *db.BackupSchedule) error {
	result := r.db.WithContext(ctx).Save(schedule)
	if result.Error != nil {
		return fmt.Errorf("backup_schedules: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormBackupScheduleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.BackupSchedule{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("backup_schedules: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEnabled returns every enabled schedule, used at startup to seed the
// gocron scheduler's job set.
func (r *gormBackupScheduleRepository) ListEnabled(ctx context.Context) ([]db.BackupSchedule, error) {
	var schedules []db.BackupSchedule
	if err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("backup_schedules: list enabled: %w", err)
	}
	return schedules, nil
}

func (r *gormBackupScheduleRepository) UpdateRunTimes(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&db.BackupSchedule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at": lastRunAt,
			"next_run_at": nextRunAt,
		}).Error
	if err != nil {
		return fmt.Errorf("backup_schedules: update run times: %w", err)
	}
	return nil
}
