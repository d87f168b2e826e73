// Package repository implements the persistence layer: one interface plus
// one GORM-backed implementation per aggregate. Handlers, the hub, the job
// engine, and the scheduler depend only on these interfaces, never on *gorm.DB
// directly, so the API surface stays mockable in tests.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/netwatch-io/netwatch/server/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	GetByOIDC(ctx context.Context, provider, sub string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
}

// -----------------------------------------------------------------------------
// RefreshTokenRepository
// -----------------------------------------------------------------------------

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// OIDCProviderRepository
// -----------------------------------------------------------------------------

type OIDCProviderRepository interface {
	Create(ctx context.Context, provider *db.OIDCProvider) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.OIDCProvider, error)
	GetEnabled(ctx context.Context) (*db.OIDCProvider, error)
	Update(ctx context.Context, provider *db.OIDCProvider) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// CustomerRepository
// -----------------------------------------------------------------------------

type CustomerRepository interface {
	Create(ctx context.Context, customer *db.Customer) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Customer, error)
	GetByCode(ctx context.Context, code string) (*db.Customer, error)
	Update(ctx context.Context, customer *db.Customer) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Customer, int64, error)
}

// -----------------------------------------------------------------------------
// NetworkRepository
// -----------------------------------------------------------------------------

type NetworkRepository interface {
	Create(ctx context.Context, network *db.Network) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Network, error)
	Update(ctx context.Context, network *db.Network) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]db.Network, error)
}

// -----------------------------------------------------------------------------
// CredentialRepository
// -----------------------------------------------------------------------------

type CredentialRepository interface {
	Create(ctx context.Context, cred *db.Credential) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Credential, error)
	Update(ctx context.Context, cred *db.Credential) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Credential, int64, error)

	// ListApplicable returns every active Credential visible to customerID —
	// global credentials plus that customer's own — ordered so IsDefault
	// credentials of the most specific scope sort first.
	ListApplicable(ctx context.Context, customerID uuid.UUID, kind string) ([]db.Credential, error)
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)
	ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]db.Agent, error)
	ListApproved(ctx context.Context) ([]db.Agent, error)
	ListPending(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)
}

// -----------------------------------------------------------------------------
// DeviceRepository
// -----------------------------------------------------------------------------

type DeviceRepository interface {
	Create(ctx context.Context, device *db.Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Device, error)

	// GetByMAC and GetByAddress are the two halves of the discovery-ingest
	// find-or-insert lookup (MAC first, address as fallback), both scoped to
	// a single customer.
	GetByMAC(ctx context.Context, customerID uuid.UUID, mac string) (*db.Device, error)
	GetByAddress(ctx context.Context, customerID uuid.UUID, address string) (*db.Device, error)

	Update(ctx context.Context, device *db.Device) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, customerID uuid.UUID, opts ListOptions) ([]db.Device, int64, error)
}

// -----------------------------------------------------------------------------
// DiscoverySessionRepository
// -----------------------------------------------------------------------------

type DiscoverySessionRepository interface {
	Create(ctx context.Context, session *db.DiscoverySession) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.DiscoverySession, error)
	Update(ctx context.Context, session *db.DiscoverySession) error
	ListByCustomer(ctx context.Context, customerID uuid.UUID, opts ListOptions) ([]db.DiscoverySession, int64, error)
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)

	// GetByIDWithTargets retrieves a job together with its JobTarget rows,
	// returned separately since GORM does not auto-resolve UUID-typed
	// foreign keys into embedded slice associations here.
	GetByIDWithTargets(ctx context.Context, id uuid.UUID) (*db.Job, []db.JobTarget, error)

	Update(ctx context.Context, job *db.Job) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, finishedAt *time.Time, errMsg string) error
	IncrementCounters(ctx context.Context, id uuid.UUID, successDelta, failedDelta int) error
	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)

	// JobTarget
	CreateTargets(ctx context.Context, targets []db.JobTarget) error
	ListTargetsByJob(ctx context.Context, jobID uuid.UUID) ([]db.JobTarget, error)
	UpdateTargetStatus(ctx context.Context, id uuid.UUID, status string, finishedAt *time.Time, errMsg string) error
}

// -----------------------------------------------------------------------------
// BackupRunRepository
// -----------------------------------------------------------------------------

type BackupRunRepository interface {
	Create(ctx context.Context, run *db.BackupRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.BackupRun, error)
	Update(ctx context.Context, run *db.BackupRun) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByDevice(ctx context.Context, deviceID uuid.UUID, opts ListOptions) ([]db.BackupRun, int64, error)
	ListSuccessfulByDevice(ctx context.Context, deviceID uuid.UUID) ([]db.BackupRun, error)
}

// -----------------------------------------------------------------------------
// BackupScheduleRepository
// -----------------------------------------------------------------------------

type BackupScheduleRepository interface {
	Create(ctx context.Context, schedule *db.BackupSchedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.BackupSchedule, error)
	GetByCustomer(ctx context.Context, customerID uuid.UUID) (*db.BackupSchedule, error)
	Update(ctx context.Context, schedule *db.BackupSchedule) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListEnabled(ctx context.Context) ([]db.BackupSchedule, error)
	UpdateRunTimes(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time) error
}

// -----------------------------------------------------------------------------
// BackupTemplateRepository
// -----------------------------------------------------------------------------

type BackupTemplateRepository interface {
	GetByVendor(ctx context.Context, vendor string) (*db.BackupTemplate, error)
	Upsert(ctx context.Context, template *db.BackupTemplate) error
	List(ctx context.Context) ([]db.BackupTemplate, error)
}

// -----------------------------------------------------------------------------
// NotificationRepository
// -----------------------------------------------------------------------------

type NotificationRepository interface {
	Create(ctx context.Context, notification *db.Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	MarkAsRead(ctx context.Context, id uuid.UUID) error
	MarkAllAsRead(ctx context.Context, customerID *uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByCustomer(ctx context.Context, customerID *uuid.UUID, opts ListOptions) ([]db.Notification, int64, error)
	DeleteReadOlderThan(ctx context.Context, t time.Time) error
}

// -----------------------------------------------------------------------------
// SettingsRepository
// -----------------------------------------------------------------------------

type SettingsRepository interface {
	Get(ctx context.Context, key string) (*db.Setting, error)
	Set(ctx context.Context, key string, value db.EncryptedString) error
	GetMany(ctx context.Context, prefix string) ([]db.Setting, error)
	Delete(ctx context.Context, key string) error
}
