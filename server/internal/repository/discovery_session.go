package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netwatch-io/netwatch/server/internal/db"
)

// gormDiscoverySessionRepository is the GORM implementation of DiscoverySessionRepository.
type gormDiscoverySessionRepository struct {
	db *gorm.DB
}

// NewDiscoverySessionRepository returns a DiscoverySessionRepository backed by the provided *gorm.DB.
func NewDiscoverySessionRepository(db *gorm.DB) DiscoverySessionRepository {
	return &gormDiscoverySessionRepository{db: db}
}

func (r *gormDiscoverySessionRepository) Create(ctx context.Context, session *db.DiscoverySession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("discovery_sessions: create: %w", err)
	}
	return nil
}

func (r *gormDiscoverySessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.DiscoverySession, error) {
	var session db.DiscoverySession
	err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("discovery_sessions: get by id: %w", err)
	}
	return &session, nil
}

func (r *gormDiscoverySessionRepository) Update(ctx context.Context, session *db.DiscoverySession) error {
	result := r.db.WithContext(ctx).Save(session)
	if result.Error != nil {
		return fmt.Errorf("discovery_sessions: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDiscoverySessionRepository) ListByCustomer(ctx context.Context, customerID uuid.UUID, opts ListOptions) ([]db.DiscoverySession, int64, error) {
	var sessions []db.DiscoverySession
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.DiscoverySession{}).
		Where("customer_id = ?", customerID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("discovery_sessions: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("started_at DESC").
		Find(&sessions).Error; err != nil {
		return nil, 0, fmt.Errorf("discovery_sessions: list: %w", err)
	}

	return sessions, total, nil
}
