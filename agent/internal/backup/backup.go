// Package backup implements the agent side of a backup RPC: one Adapter per
// supported device vendor, each speaking that vendor's own configuration
// dialect over SSH. It is the agent-side counterpart of server/internal/backup,
// which persists whatever an Adapter returns here.
package backup

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/shared/types"
)

// ArtifactFunc streams a binary backup in chunks; eof=true marks the final
// call (data may be nil on that call). Only MikroTik's binary backup kind
// uses it — config-only backups travel inline in BackupResponse.Config.
type ArtifactFunc func(data []byte, eof bool)

// Adapter knows how to produce a backup for one device kind.
type Adapter interface {
	Backup(ctx context.Context, req types.BackupRequest, artifact ArtifactFunc) (types.BackupResponse, error)
}

// Service dispatches to the Adapter registered for req.DeviceKind.
type Service struct {
	logger   *zap.Logger
	adapters map[string]Adapter
}

// New returns a Service with the built-in hp_aruba and mikrotik adapters
// registered.
func New(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("backup")
	return &Service{
		logger: logger,
		adapters: map[string]Adapter{
			"hp_aruba": &hpArubaAdapter{logger: logger},
			"mikrotik": &mikrotikAdapter{logger: logger},
		},
	}
}

// Backup runs the backup for req.DeviceKind. It is the BackupHandler the
// executor package dispatches agent.backup RPCs to.
func (s *Service) Backup(ctx context.Context, req types.BackupRequest, artifact ArtifactFunc) (types.BackupResponse, error) {
	adapter, ok := s.adapters[req.DeviceKind]
	if !ok {
		return types.BackupResponse{}, fmt.Errorf("backup: unsupported device_kind %q", req.DeviceKind)
	}
	if artifact == nil {
		artifact = func([]byte, bool) {}
	}
	return adapter.Backup(ctx, req, artifact)
}
