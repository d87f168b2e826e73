package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netwatch-io/netwatch/server/internal/db"
)

// gormCredentialRepository is the GORM implementation of CredentialRepository.
type gormCredentialRepository struct {
	db *gorm.DB
}

// NewCredentialRepository returns a CredentialRepository backed by the provided *gorm.DB.
func NewCredentialRepository(db *gorm.DB) CredentialRepository {
	return &gormCredentialRepository{db: db}
}

// Create inserts a new credential record. Secret is automatically encrypted
// by EncryptedString.Value().
func (r *gormCredentialRepository) Create(ctx context.Context, cred *db.Credential) error {
	if err := r.db.WithContext(ctx).Create(cred).Error; err != nil {
		return fmt.Errorf("credentials: create: %w", err)
	}
	return nil
}

func (r *gormCredentialRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Credential, error) {
	var cred db.Credential
	err := r.db.WithContext(ctx).First(&cred, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("credentials: get by id: %w", err)
	}
	return &cred, nil
}

func (r *gormCredentialRepository) Update(ctx context.Context, cred *db.Credential) error {
	result := r.db.WithContext(ctx).Save(cred)
	if result.Error != nil {
		return fmt.Errorf("credentials: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCredentialRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Credential{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("credentials: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCredentialRepository) List(ctx context.Context, opts ListOptions) ([]db.Credential, int64, error) {
	var creds []db.Credential
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Credential{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("credentials: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&creds).Error; err != nil {
		return nil, 0, fmt.Errorf("credentials: list: %w", err)
	}

	return creds, total, nil
}

// ListApplicable returns every active credential of the given kind visible to
// customerID: global credentials (scope="global") plus that customer's own
// (scope="customer", customer_id=customerID). Customer-scoped, is_default
// credentials sort first so callers picking "the" credential for a probe can
// just take index 0.
func (r *gormCredentialRepository) ListApplicable(ctx context.Context, customerID uuid.UUID, kind string) ([]db.Credential, error) {
	var creds []db.Credential
	err := r.db.WithContext(ctx).
		Where("kind = ? AND active = ? AND (scope = ? OR (scope = ? AND customer_id = ?))",
			kind, true, "global", "customer", customerID).
		Order("scope = 'customer' DESC, is_default DESC, created_at ASC").
		Find(&creds).Error
	if err != nil {
		return nil, fmt.Errorf("credentials: list applicable: %w", err)
	}
	return creds, nil
}
