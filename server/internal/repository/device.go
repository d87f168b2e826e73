package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netwatch-io/netwatch/server/internal/db"
)

// gormDeviceRepository is the GORM implementation of DeviceRepository.
type gormDeviceRepository struct {
	db *gorm.DB
}

// NewDeviceRepository returns a DeviceRepository backed by the provided *gorm.DB.
func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &gormDeviceRepository{db: db}
}

func (r *gormDeviceRepository) Create(ctx context.Context, device *db.Device) error {
	if err := r.db.WithContext(ctx).Create(device).Error; err != nil {
		return fmt.Errorf("devices: create: %w", err)
	}
	return nil
}

func (r *gormDeviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Device, error) {
	var device db.Device
	err := r.db.WithContext(ctx).First(&device, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("devices: get by id: %w", err)
	}
	return &device, nil
}

// GetByMAC is the primary half of the discovery-ingest find-or-insert lookup.
// mac="" never matches — callers should fall back to GetByAddress instead.
func (r *gormDeviceRepository) GetByMAC(ctx context.Context, customerID uuid.UUID, mac string) (*db.Device, error) {
	if mac == "" {
		return nil, ErrNotFound
	}
	var device db.Device
	err := r.db.WithContext(ctx).
		First(&device, "customer_id = ? AND mac = ?", customerID, mac).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("devices: get by mac: %w", err)
	}
	return &device, nil
}

// GetByAddress is the fallback half of the discovery-ingest lookup, used when
// the probe could not resolve a MAC for the device (e.g. routed subnets).
func (r *gormDeviceRepository) GetByAddress(ctx context.Context, customerID uuid.UUID, address string) (*db.Device, error) {
	var device db.Device
	err := r.db.WithContext(ctx).
		First(&device, "customer_id = ? AND address = ?", customerID, address).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("devices: get by address: %w", err)
	}
	return &device, nil
}

func (r *gormDeviceRepository) Update(ctx context.Context, device *db.Device) error {
	result := r.db.WithContext(ctx).Save(device)
	if result.Error != nil {
		return fmt.Errorf("devices: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDeviceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Device{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("devices: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDeviceRepository) List(ctx context.Context, customerID uuid.UUID, opts ListOptions) ([]db.Device, int64, error) {
	var devices []db.Device
	var total int64

	q := r.db.WithContext(ctx).Model(&db.Device{}).Where("customer_id = ?", customerID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("devices: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("last_seen_at DESC").
		Find(&devices).Error; err != nil {
		return nil, 0, fmt.Errorf("devices: list: %w", err)
	}

	return devices, total, nil
}
