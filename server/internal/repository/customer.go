package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netwatch-io/netwatch/server/internal/db"
)

// gormCustomerRepository is the GORM implementation of CustomerRepository.
type gormCustomerRepository struct {
	db *gorm.DB
}

// NewCustomerRepository returns a CustomerRepository backed by the provided *gorm.DB.
func NewCustomerRepository(db *gorm.DB) CustomerRepository {
	return &gormCustomerRepository{db: db}
}

// Create inserts a new customer record into the database.
func (r *gormCustomerRepository) Create(ctx context.Context, customer *db.Customer) error {
	if err := r.db.WithContext(ctx).Create(customer).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("customers: create: %w", err)
	}
	return nil
}

// GetByID retrieves a customer by its UUID. Returns ErrNotFound if no record exists.
func (r *gormCustomerRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Customer, error) {
	var customer db.Customer
	err := r.db.WithContext(ctx).First(&customer, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("customers: get by id: %w", err)
	}
	return &customer, nil
}

// GetByCode retrieves a customer by its short code. Returns ErrNotFound if no record exists.
func (r *gormCustomerRepository) GetByCode(ctx context.Context, code string) (*db.Customer, error) {
	var customer db.Customer
	err := r.db.WithContext(ctx).First(&customer, "code = ?", code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("customers: get by code: %w", err)
	}
	return &customer, nil
}

// Update persists all fields of an existing customer record.
func (r *gormCustomerRepository) Update(ctx context.Context, customer *db.Customer) error {
	result := r.db.WithContext(ctx).Save(customer)
	if result.Error != nil {
		return fmt.Errorf("customers: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a customer by setting deleted_at.
func (r *gormCustomerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Customer{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("customers: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of customers and the total count.
func (r *gormCustomerRepository) List(ctx context.Context, opts ListOptions) ([]db.Customer, int64, error) {
	var customers []db.Customer
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Customer{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("customers: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&customers).Error; err != nil {
		return nil, 0, fmt.Errorf("customers: list: %w", err)
	}

	return customers, total, nil
}
