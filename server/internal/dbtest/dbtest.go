// Package dbtest builds an in-memory sqlite *gorm.DB for package tests
// across repository/discovery/backup/job, migrated with the same models.go
// schema the embedded migrations produce in production.
package dbtest

import (
	"database/sql"
	"testing"

	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/netwatch-io/netwatch/server/internal/db"
)

// testKey is a fixed 32-byte AES-256 key used only by tests; InitEncryption
// is package-level state so every test package that imports dbtest gets a
// usable EncryptedString without reading real configuration.
var testKey = []byte("0123456789abcdef0123456789abcdef")[:32]

// New opens a fresh in-memory sqlite database, migrates every model, and
// initializes db.EncryptedString's encryption key. Each call gets its own
// isolated database.
func New(t *testing.T) *gorm.DB {
	t.Helper()

	if err := db.InitEncryption(testKey); err != nil {
		t.Fatalf("dbtest: init encryption: %v", err)
	}

	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("dbtest: open sqlite: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("dbtest: open gorm: %v", err)
	}

	if err := gdb.AutoMigrate(
		&db.User{},
		&db.RefreshToken{},
		&db.OIDCProvider{},
		&db.Customer{},
		&db.Network{},
		&db.Credential{},
		&db.Agent{},
		&db.Device{},
		&db.DiscoverySession{},
		&db.Job{},
		&db.JobTarget{},
		&db.BackupRun{},
		&db.BackupSchedule{},
		&db.BackupTemplate{},
		&db.Notification{},
		&db.Setting{},
	); err != nil {
		t.Fatalf("dbtest: automigrate: %v", err)
	}

	return gdb
}
