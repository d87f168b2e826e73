package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/netwatch-io/netwatch/server/internal/db"
)

// gormBackupTemplateRepository is the GORM implementation of BackupTemplateRepository.
type gormBackupTemplateRepository struct {
	db *gorm.DB
}

// NewBackupTemplateRepository returns a BackupTemplateRepository backed by the provided *gorm.DB.
func NewBackupTemplateRepository(db *gorm.DB) BackupTemplateRepository {
	return &gormBackupTemplateRepository{db: db}
}

func (r *gormBackupTemplateRepository) GetByVendor(ctx context.Context, vendor string) (*db.BackupTemplate, error) {
	var template db.BackupTemplate
	err := r.db.WithContext(ctx).First(&template, "vendor = ?", vendor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("backup_templates: get by vendor: %w", err)
	}
	return &template, nil
}

// Upsert inserts or replaces the command set for a vendor. Used by the seed
// command and by the settings UI's "reset to default template" action.
func (r *gormBackupTemplateRepository) Upsert(ctx context.Context, template *db.BackupTemplate) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vendor"}},
			DoUpdates: clause.AssignmentColumns([]string{"commands", "parsing_hints", "updated_at"}),
		}).
		Create(template).Error
	if err != nil {
		return fmt.Errorf("backup_templates: upsert: %w", err)
	}
	return nil
}

func (r *gormBackupTemplateRepository) List(ctx context.Context) ([]db.BackupTemplate, error) {
	var templates []db.BackupTemplate
	if err := r.db.WithContext(ctx).Order("vendor ASC").Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("backup_templates: list: %w", err)
	}
	return templates, nil
}
