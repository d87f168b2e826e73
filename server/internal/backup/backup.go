// Package backup implements the server-side half of the backup engine (C7):
// artifact persistence, per-device concurrency, pre-change safety snapshots,
// and retention sweeps. The agent-side half (vendor SSH adapters) lives in
// agent/internal/backup and produces the config/binary bytes this package
// writes to disk.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/hub"
	"github.com/netwatch-io/netwatch/server/internal/job"
	"github.com/netwatch-io/netwatch/server/internal/metrics"
	"github.com/netwatch-io/netwatch/server/internal/notification"
	"github.com/netwatch-io/netwatch/server/internal/repository"
	"github.com/netwatch-io/netwatch/shared/types"
)

// ErrAlreadyRunning is returned by RunTryLock (not Run, which blocks) when
// another backup is already in flight for the device.
var ErrAlreadyRunning = errors.New("backup: already running for this device")

// ErrPreChangeFailed wraps the underlying failure of a pre-change snapshot;
// the API layer maps it to 412 pre_change_backup_failed.
var ErrPreChangeFailed = errors.New(string(types.ErrPreChangeBackupFailed))

// retryDelays are the fixed backoff steps applied to transport-level
// failures only; parse/vendor errors are never retried.
var retryDelays = []time.Duration{time.Second, 5 * time.Second}

// Service runs backups and retention sweeps and implements job.Executor for
// kind "backup" so the job engine can dispatch scheduled waves.
type Service struct {
	backupRoot string

	runs        repository.BackupRunRepository
	devices     repository.DeviceRepository
	customers   repository.CustomerRepository
	credentials repository.CredentialRepository
	schedules   repository.BackupScheduleRepository
	hub         *hub.Hub
	logger      *zap.Logger

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex

	metrics  *metrics.Registry
	notifier notification.Service
}

// SetMetrics installs the Prometheus registry whose backup_runs_total counter
// is incremented for every terminal BackupRun. Optional — a nil registry is a
// no-op.
func (s *Service) SetMetrics(m *metrics.Registry) {
	s.metrics = m
}

// SetNotifier installs the notification Service used to announce backup
// success/failure (DS1). Optional — a nil notifier is a no-op.
func (s *Service) SetNotifier(n notification.Service) {
	s.notifier = n
}

// New creates a Service. backupRoot is the directory artifacts are written
// under; it must already exist and be writable.
func New(backupRoot string, runs repository.BackupRunRepository, devices repository.DeviceRepository, customers repository.CustomerRepository, credentials repository.CredentialRepository, schedules repository.BackupScheduleRepository, h *hub.Hub, logger *zap.Logger) *Service {
	return &Service{
		backupRoot:  backupRoot,
		runs:        runs,
		devices:     devices,
		customers:   customers,
		credentials: credentials,
		schedules:   schedules,
		hub:         h,
		locks:       make(map[uuid.UUID]*sync.Mutex),
		logger:      logger.Named("backup"),
	}
}

// CleanPartials removes any *.partial file left behind by a crash, called
// once at server startup before listeners open. The exact fate of in-flight
// partial files on crash is unspecified upstream; this implementation always
// discards them rather than trying to resume a write of unknown completeness.
func (s *Service) CleanPartials() error {
	return filepath.Walk(s.backupRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".partial" {
			if rmErr := os.Remove(path); rmErr != nil {
				s.logger.Warn("failed to remove stale partial backup", zap.String("path", path), zap.Error(rmErr))
			}
		}
		return nil
	})
}

func (s *Service) deviceLock(deviceID uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[deviceID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[deviceID] = m
	}
	return m
}

// Dispatch implements job.Executor for kind "backup", used by scheduled and
// batch on-demand runs. Target.Kind/Trigger carry the backup kind and
// trigger the caller wants; Run does the actual work.
func (s *Service) Dispatch(ctx context.Context, jobID uuid.UUID, target job.Target) error {
	_, err := s.Run(ctx, target.AgentID, target.DeviceID, target.Kind, target.Trigger)
	return err
}

// RunTryLock is Run's fail-fast sibling: callers that would rather surface
// "a backup is already in progress" than block (e.g. an operator-triggered
// on-demand backup from the GUI) use this instead of Run.
func (s *Service) RunTryLock(ctx context.Context, agentID, deviceID uuid.UUID, kind, trigger string) (*db.BackupRun, error) {
	lock := s.deviceLock(deviceID)
	if !lock.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer lock.Unlock()
	return s.runLocked(ctx, agentID, deviceID, kind, trigger)
}

// Run performs one backup end to end: resolve device/credential, dispatch
// agent.backup over the hub (retrying once on transport failure), write the
// artifact atomically, persist the BackupRun row, and sweep retention on
// success. It blocks if another backup is already running for deviceID.
func (s *Service) Run(ctx context.Context, agentID, deviceID uuid.UUID, kind, trigger string) (*db.BackupRun, error) {
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()
	return s.runLocked(ctx, agentID, deviceID, kind, trigger)
}

// RunPreChange is Run with trigger="pre-change", wrapping any failure in
// ErrPreChangeFailed so the caller can translate it to 412 without executing
// the command that was guarded by this snapshot.
func (s *Service) RunPreChange(ctx context.Context, agentID, deviceID uuid.UUID, kind string) (*db.BackupRun, error) {
	run, err := s.Run(ctx, agentID, deviceID, kind, "pre-change")
	if err != nil {
		return run, fmt.Errorf("%w: %v", ErrPreChangeFailed, err)
	}
	if run.Status != "success" {
		return run, fmt.Errorf("%w: %s", ErrPreChangeFailed, run.Error)
	}
	return run, nil
}

func (s *Service) runLocked(ctx context.Context, agentID, deviceID uuid.UUID, kind, trigger string) (*db.BackupRun, error) {
	device, customer, cred, err := s.prepareRun(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	run, err := s.createRun(ctx, agentID, device, kind, trigger)
	if err != nil {
		return nil, err
	}

	s.execute(ctx, run, agentID, device, customer, kind, cred)
	if run.Status != "success" {
		return run, errors.New(run.Error)
	}
	return run, nil
}

// StartAsync is RunTryLock's fire-and-return sibling: it performs every
// lookup and the per-device try-lock synchronously (so a 404 or
// already_running error surfaces immediately to the REST caller) but hands
// the agent RPC, artifact write, and retention sweep to a background
// goroutine, returning the BackupRun row the instant it is persisted with
// status "running". Used by the on-demand REST endpoint, which reports
// {backup_id} back to the operator before the backup itself completes.
func (s *Service) StartAsync(agentID, deviceID uuid.UUID, kind, trigger string) (*db.BackupRun, error) {
	ctx := context.Background()

	lock := s.deviceLock(deviceID)
	if !lock.TryLock() {
		return nil, ErrAlreadyRunning
	}

	device, customer, cred, err := s.prepareRun(ctx, deviceID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	run, err := s.createRun(ctx, agentID, device, kind, trigger)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	go func() {
		defer lock.Unlock()
		s.execute(context.Background(), run, agentID, device, customer, kind, cred)
	}()

	return run, nil
}

// prepareRun resolves the device, its customer, and the credential an
// agent.backup RPC for it will carry. Pulled out of runLocked/StartAsync so
// both the synchronous and fire-and-return paths fail fast on the same
// lookups before any BackupRun row or goroutine exists.
func (s *Service) prepareRun(ctx context.Context, deviceID uuid.UUID) (*db.Device, *db.Customer, types.CredentialPayload, error) {
	device, err := s.devices.GetByID(ctx, deviceID)
	if err != nil {
		return nil, nil, types.CredentialPayload{}, fmt.Errorf("backup: device lookup: %w", err)
	}
	customer, err := s.customers.GetByID(ctx, device.CustomerID)
	if err != nil {
		return nil, nil, types.CredentialPayload{}, fmt.Errorf("backup: customer lookup: %w", err)
	}
	cred, err := s.resolveCredential(ctx, device)
	if err != nil {
		return nil, nil, types.CredentialPayload{}, fmt.Errorf("%w: %v", errors.New(string(types.ErrCredentialDecrypt)), err)
	}
	return device, customer, cred, nil
}

func (s *Service) createRun(ctx context.Context, agentID uuid.UUID, device *db.Device, kind, trigger string) (*db.BackupRun, error) {
	run := &db.BackupRun{
		CustomerID:  device.CustomerID,
		DeviceID:    device.ID,
		AgentID:     agentID,
		Kind:        kind,
		Status:      "running",
		TriggeredBy: trigger,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("backup: create run: %w", err)
	}
	return run, nil
}

// execute performs the agent RPC, writes the artifact, and persists the
// terminal status onto run in place. Called synchronously by runLocked or
// from the background goroutine started by StartAsync.
func (s *Service) execute(ctx context.Context, run *db.BackupRun, agentID uuid.UUID, device *db.Device, customer *db.Customer, kind string, cred types.CredentialPayload) {
	resp, binary, callErr := s.callAgent(ctx, agentID, device, kind, cred)
	now := time.Now().UTC()
	run.FinishedAt = &now

	deviceName := device.Hostname
	if deviceName == "" {
		deviceName = device.Address
	}

	if callErr != nil {
		run.Status = "failed"
		run.Error = callErr.Error()
		_ = s.runs.Update(ctx, run)
		s.reportTerminal(ctx, run, device.CustomerID, deviceName)
		return
	}

	path, size, checksum, writeErr := s.writeArtifact(customer.Code, device, run.StartedAt, resp, binary)
	if writeErr != nil {
		run.Status = "failed"
		run.Error = writeErr.Error()
		_ = s.runs.Update(ctx, run)
		s.reportTerminal(ctx, run, device.CustomerID, deviceName)
		return
	}

	run.Status = "success"
	run.FilePath = path
	run.Size = size
	run.Checksum = checksum
	if err := s.runs.Update(ctx, run); err != nil {
		s.logger.Error("backup: persist success", zap.String("run_id", run.ID.String()), zap.Error(err))
		return
	}
	s.reportTerminal(ctx, run, device.CustomerID, deviceName)

	if err := s.sweepRetention(ctx, device); err != nil {
		s.logger.Warn("retention sweep failed", zap.String("device_id", device.ID.String()), zap.Error(err))
	}
}

// reportTerminal increments the backup_runs_total counter and notifies
// subscribers for a BackupRun that just reached a terminal status. Both
// dependencies are optional so tests and minimal wiring can omit them.
func (s *Service) reportTerminal(ctx context.Context, run *db.BackupRun, customerID uuid.UUID, deviceName string) {
	if s.metrics != nil {
		s.metrics.BackupRunsTotal.WithLabelValues(run.Status, run.TriggeredBy).Inc()
	}
	if s.notifier == nil {
		return
	}
	var err error
	if run.Status == "success" {
		err = s.notifier.NotifyBackupSucceeded(ctx, customerID, run.ID, deviceName)
	} else {
		err = s.notifier.NotifyBackupFailed(ctx, customerID, run.ID, deviceName, run.Error)
	}
	if err != nil {
		s.logger.Warn("notification delivery failed", zap.String("run_id", run.ID.String()), zap.Error(err))
	}
}

// callAgent issues agent.backup, retrying once with backoff on
// transport-level failures only (timeout, agent_offline, transport_closed).
// Parse/vendor errors surface immediately.
func (s *Service) callAgent(ctx context.Context, agentID uuid.UUID, device *db.Device, kind string, cred types.CredentialPayload) (types.BackupResponse, []byte, error) {
	req := types.BackupRequest{
		DeviceID:      device.ID.String(),
		DeviceAddress: device.Address,
		DeviceKind:    device.Platform,
		BackupKind:    kind,
		Credential:    cred,
	}

	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelays[attempt-1]):
			case <-ctx.Done():
				return types.BackupResponse{}, nil, ctx.Err()
			}
		}

		var binBuf []byte
		onArtifact := func(seq int, eof bool, data []byte) {
			binBuf = append(binBuf, data...)
		}

		raw, err := s.hub.Call(ctx, agentID.String(), types.MethodAgentBackup, req, 0, nil, onArtifact)
		if err == nil {
			var resp types.BackupResponse
			if uErr := json.Unmarshal(raw, &resp); uErr != nil {
				return types.BackupResponse{}, nil, fmt.Errorf("backup: decode response: %w", uErr)
			}
			return resp, binBuf, nil
		}

		lastErr = err
		if !isTransportError(err) {
			return types.BackupResponse{}, nil, err
		}
	}
	return types.BackupResponse{}, nil, lastErr
}

func isTransportError(err error) bool {
	if errors.Is(err, hub.ErrAgentOffline) {
		return true
	}
	msg := err.Error()
	return msg == string(types.ErrTimeout) || msg == string(types.ErrAgentOffline) || msg == string(types.ErrTransportClosed)
}

// writeArtifact writes the config text (if any) and binary blob (if any) to
// <backup_root>/<customer_code>/<device_hostname>/<ISO-timestamp>.<ext>,
// atomically via a .partial file renamed on success. The primary artifact
// (config when present, else binary) is hashed and returned as the
// BackupRun's recorded FilePath/Size/Checksum.
func (s *Service) writeArtifact(customerCode string, device *db.Device, startedAt time.Time, resp types.BackupResponse, binary []byte) (string, int64, string, error) {
	name := device.Hostname
	if name == "" {
		name = device.Address
	}
	dir := filepath.Join(s.backupRoot, customerCode, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", 0, "", fmt.Errorf("backup: mkdir: %w", err)
	}

	stamp := startedAt.UTC().Format("2006-01-02T15-04-05Z")
	base := filepath.Join(dir, stamp)

	var primaryPath string
	var primarySize int64
	var primarySum string

	if resp.Config != "" {
		path := base + ".txt"
		if err := writeAtomic(path, []byte(resp.Config)); err != nil {
			return "", 0, "", err
		}
		primaryPath = path
		primarySize = int64(len(resp.Config))
		primarySum = checksum(resp.Config)
	}
	if len(binary) > 0 {
		path := base + ".backup"
		if err := writeAtomic(path, binary); err != nil {
			return "", 0, "", err
		}
		if primaryPath == "" {
			primaryPath = path
			primarySize = int64(len(binary))
			primarySum = checksumBytes(binary)
		}
	}
	if primaryPath == "" {
		return "", 0, "", fmt.Errorf("backup: agent returned no config and no binary")
	}

	return primaryPath, primarySize, primarySum, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".partial"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("backup: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("backup: rename %s: %w", tmp, err)
	}
	return nil
}

func checksum(s string) string {
	return checksumBytes([]byte(s))
}

func checksumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SweepRetentionForCustomer runs the retention sweep for every device
// belonging to customerID. It is the scheduler's daily backstop GC pass,
// catching devices that have not had a successful backup recently enough to
// trigger sweepRetention inline (e.g. a device offline since before a
// retention policy tightened).
func (s *Service) SweepRetentionForCustomer(ctx context.Context, customerID uuid.UUID) error {
	const pageSize = 200
	offset := 0
	for {
		devices, total, err := s.devices.List(ctx, customerID, repository.ListOptions{Limit: pageSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("backup: list devices for retention sweep: %w", err)
		}
		for i := range devices {
			if err := s.sweepRetention(ctx, &devices[i]); err != nil {
				s.logger.Warn("retention sweep failed", zap.String("device_id", devices[i].ID.String()), zap.Error(err))
			}
		}
		offset += len(devices)
		if len(devices) == 0 || int64(offset) >= total {
			return nil
		}
	}
}

// sweepRetention deletes successful BackupRuns for device beyond the
// customer's BackupSchedule retention policy. The most recent success is
// never deleted regardless of age or count.
func (s *Service) sweepRetention(ctx context.Context, device *db.Device) error {
	schedule, err := s.schedules.GetByCustomer(ctx, device.CustomerID)
	if err != nil {
		// No schedule configured for this customer: nothing to enforce.
		return nil
	}

	runs, err := s.runs.ListSuccessfulByDevice(ctx, device.ID)
	if err != nil {
		return fmt.Errorf("backup: list successful runs: %w", err)
	}
	if len(runs) <= 1 {
		return nil
	}

	// ListSuccessfulByDevice is expected newest-first; keep index 0 always.
	cutoff := time.Now().UTC().AddDate(0, 0, -schedule.RetentionDays)
	for i := 1; i < len(runs); i++ {
		r := runs[i]
		expired := false
		switch schedule.RetentionStrategy {
		case "days":
			expired = schedule.RetentionDays > 0 && r.StartedAt.Before(cutoff)
		case "count":
			expired = schedule.RetentionCount > 0 && i >= schedule.RetentionCount
		default: // both
			expired = (schedule.RetentionDays > 0 && r.StartedAt.Before(cutoff)) ||
				(schedule.RetentionCount > 0 && i >= schedule.RetentionCount)
		}
		if !expired {
			continue
		}
		if r.FilePath != "" {
			if rmErr := os.Remove(r.FilePath); rmErr != nil && !os.IsNotExist(rmErr) {
				s.logger.Warn("retention: failed to remove artifact", zap.String("path", r.FilePath), zap.Error(rmErr))
				continue
			}
		}
		if err := s.runs.Delete(ctx, r.ID); err != nil {
			s.logger.Warn("retention: failed to delete run row", zap.String("run_id", r.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// resolveCredential picks the applicable credential for device: the first
// one in ListApplicable order (customer-scoped first, then defaults, then
// oldest) whose DeviceFilter glob matches the device's address or hostname,
// or, when none matches, the first credential in that order.
func (s *Service) resolveCredential(ctx context.Context, device *db.Device) (types.CredentialPayload, error) {
	credKind := "ssh"
	if device.Platform == "mikrotik" {
		credKind = "mikrotik"
	}

	creds, err := s.credentials.ListApplicable(ctx, device.CustomerID, credKind)
	if err != nil {
		return types.CredentialPayload{}, err
	}
	if len(creds) == 0 {
		return types.CredentialPayload{}, fmt.Errorf("backup: no applicable %s credential for customer %s", credKind, device.CustomerID)
	}

	var chosen *db.Credential
	for i := range creds {
		c := &creds[i]
		if c.DeviceFilter == "" {
			continue
		}
		if ok, _ := filepath.Match(c.DeviceFilter, device.Address); ok {
			chosen = c
			break
		}
		if ok, _ := filepath.Match(c.DeviceFilter, device.Hostname); ok {
			chosen = c
			break
		}
	}
	if chosen == nil {
		chosen = &creds[0]
	}

	var fields map[string]string
	if chosen.Fields != "" {
		_ = json.Unmarshal([]byte(chosen.Fields), &fields)
	}

	return types.CredentialPayload{
		Username: chosen.Username,
		Secret:   string(chosen.Secret),
		Fields:   fields,
	}, nil
}

