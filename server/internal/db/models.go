package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// --- Operator identity (AS4) ---

// User is an operator account. Password is hashed with Argon2id by the auth
// package and then stored through EncryptedString so the hash itself is also
// encrypted at rest.
type User struct {
	softDelete
	Email        string         `gorm:"uniqueIndex;not null"`
	Password     EncryptedString `gorm:"type:text"`
	DisplayName  string
	Role         string `gorm:"not null;default:viewer"` // admin, operator, viewer
	IsActive     bool   `gorm:"not null;default:true"`
	OIDCProvider string // OIDCProvider.ID.String(), empty for local accounts
	OIDCSub      string
	LastLoginAt  *time.Time
}

// RefreshToken backs the opaque refresh-token rotation flow. Only the hash is
// stored — the raw token lives solely in the client.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;index;not null"`
	TokenHash string    `gorm:"uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"not null"`
	RevokedAt *time.Time
	UserAgent string
	IPAddress string
}

// OIDCProvider holds the single configured external identity provider, if any.
type OIDCProvider struct {
	softDelete
	Name         string
	Issuer       string
	ClientID     string
	ClientSecret EncryptedString `gorm:"type:text"`
	RedirectURL  string
	Scopes       string
	Enabled      bool `gorm:"not null;default:false"`
}

// --- Tenancy (C10 / §3) ---

// Customer is the root of tenancy. Soft-deletable via Active, never hard
// deleted while dependent rows exist.
type Customer struct {
	softDelete
	Code   string `gorm:"uniqueIndex;not null"`
	Name   string `gorm:"not null"`
	Active bool   `gorm:"not null;default:true"`
}

// Network is owned by exactly one Customer. (CIDR, VLANID) must be unique
// within a Customer; CIDRs may repeat across Customers.
type Network struct {
	base
	CustomerID uuid.UUID `gorm:"type:text;index:idx_network_customer_cidr_vlan,unique;not null"`
	Name       string
	Type       string `gorm:"not null"` // lan, wan, dmz, guest, management, voip
	CIDR       string `gorm:"index:idx_network_customer_cidr_vlan,unique;not null"`
	Gateway    string
	VLANID     *int `gorm:"index:idx_network_customer_cidr_vlan,unique"`
}

// Credential stores a secret used by agents to probe or back up devices.
// Secret is never exposed in cleartext by any API but the probe/backup path.
type Credential struct {
	softDelete
	Scope        string     `gorm:"not null"` // global, customer
	CustomerID   *uuid.UUID `gorm:"type:text;index"`
	Kind         string     `gorm:"not null"` // ssh, snmp, mikrotik, wmi, api, device
	Username     string
	Secret       EncryptedString `gorm:"type:text"`
	Fields       string          `gorm:"type:text"` // kind-specific JSON (e.g. snmp community/version)
	DeviceFilter string          // optional CIDR/hostname glob this credential applies to
	IsDefault    bool            `gorm:"not null;default:false"`
	Active       bool            `gorm:"not null;default:true"`
}

// --- Agent fleet (C4) ---

// Agent is a remote probing/backup process. Created pending by its own first
// hello; becomes approved (and customer-bound) only through an operator
// action. Rejection (§4.4) removes the row outright rather than soft
// deleting it, so a later hello asserting the same agent id is free to reuse
// it for a brand new pending row rather than colliding on a live primary key.
type Agent struct {
	base
	DisplayName  string
	Kind         string     `gorm:"not null"` // docker, mikrotik-container
	Address      string
	Port         int
	// Token is the enrollment secret, AES-256-GCM encrypted at rest via
	// EncryptedString rather than one-way hashed: the session handshake is a
	// nonce/HMAC challenge-response (C2), which requires the server to
	// recover the raw secret to verify the agent's HMAC.
	Token        EncryptedString `gorm:"type:text;column:token_hash;not null"`
	Status       string     `gorm:"not null;default:pending"` // pending, approved, offline, online
	CustomerID   *uuid.UUID `gorm:"type:text;index"`
	LastSeenAt   *time.Time
	Capabilities string // JSON array of strings
}

// Device is identified within a Customer by MAC if present, else by Address.
type Device struct {
	softDelete
	CustomerID   uuid.UUID `gorm:"type:text;index;not null"`
	Address      string    `gorm:"not null"`
	MAC          string    `gorm:"index"`
	Hostname     string
	Vendor       string
	Platform     string
	Role         string
	Monitored    bool   `gorm:"not null;default:true"`
	LastSeenAt   time.Time
	Source       string `gorm:"not null"` // coarse REST-facing value: scan, neighbor, manual
	SourceDetail string `gorm:"not null"` // fine-grained lattice value: manual,snmp,nmap,neighbor,ping,arp
}

// DiscoverySession is one operator-initiated scan and its lifecycle.
type DiscoverySession struct {
	base
	CustomerID  uuid.UUID `gorm:"type:text;index;not null"`
	AgentID     uuid.UUID `gorm:"type:text;index;not null"`
	NetworkCIDR string
	ScanType    string `gorm:"not null"` // arp, ping, nmap, snmp, all
	Status      string `gorm:"not null;default:pending"`
	StartedAt   time.Time
	FinishedAt  *time.Time
	FoundCount  int
}

// --- Job engine (C5) ---

// Job is a batch wrapper around one-or-more per-agent RPCs.
type Job struct {
	base
	Kind            string `gorm:"not null"` // scan, backup, command, test
	Status          string `gorm:"not null;default:pending"`
	DevicesTotal    int
	DevicesSuccess  int
	DevicesFailed   int
	StartedAt       time.Time
	FinishedAt      *time.Time
	Error           string
}

// JobTarget is one agent slice of a batch Job.
type JobTarget struct {
	base
	JobID      uuid.UUID `gorm:"type:text;index;not null"`
	AgentID    uuid.UUID `gorm:"type:text;index;not null"`
	Status     string    `gorm:"not null;default:pending"` // pending, running, completed, failed, cancelled
	Error      string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// --- Backup subsystem (C7/C8) ---

// BackupRun is one produced artifact plus its metadata. File bytes live on
// disk at FilePath; the row holds metadata only.
type BackupRun struct {
	base
	CustomerID  uuid.UUID `gorm:"type:text;index;not null"`
	DeviceID    uuid.UUID `gorm:"type:text;index;not null"`
	AgentID     uuid.UUID `gorm:"type:text;index;not null"`
	Kind        string    `gorm:"not null"` // config, binary, both
	Status      string    `gorm:"not null;default:pending"`
	FilePath    string    `gorm:"uniqueIndex"`
	Size        int64
	Checksum    string
	TriggeredBy string `gorm:"not null"` // schedule, manual, pre-change
	StartedAt   time.Time
	FinishedAt  *time.Time
	Error       string
}

// BackupSchedule fires per-customer backup waves. At most one per Customer.
type BackupSchedule struct {
	base
	CustomerID       uuid.UUID `gorm:"type:text;uniqueIndex;not null"`
	Enabled          bool      `gorm:"not null;default:true"`
	Cadence          string    `gorm:"not null"` // daily, weekly, monthly, cron
	At               string    // HH:MM
	Days             string    // JSON array, for weekly
	DayOfMonth       int
	Cron             string
	Kinds            string // JSON array: config, binary, both
	RetentionDays    int
	RetentionCount   int
	RetentionStrategy string `gorm:"not null;default:both"` // days, count, both
	LastRunAt        *time.Time
	NextRunAt        *time.Time
}

// BackupTemplate is vendor seed data: the command set and parsing hints used
// by the agent-side vendor adapters (C7).
type BackupTemplate struct {
	base
	Vendor       string `gorm:"uniqueIndex;not null"` // hp_aruba, mikrotik
	Commands     string `gorm:"type:text;not null"`   // JSON array of CLI commands
	ParsingHints string `gorm:"type:text"`             // JSON object
}

// --- Notifications (DS1) ---

// Notification is an in-app, WebSocket-pushed event optionally mirrored to
// external channels (SMTP/webhook).
type Notification struct {
	base
	CustomerID *uuid.UUID `gorm:"type:text;index"`
	Kind       string     `gorm:"not null"` // job_succeeded, job_failed, agent_offline, backup_failed
	Title      string     `gorm:"not null"`
	Body       string
	Payload    string // JSON
	ReadAt     *time.Time
}

// Setting is a generic key/value row used by DS1's runtime-tunable SMTP and
// webhook configuration. Value is encrypted at rest since it may carry
// SMTP passwords or webhook HMAC secrets.
type Setting struct {
	Key       string `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text"`
	UpdatedAt time.Time
}
