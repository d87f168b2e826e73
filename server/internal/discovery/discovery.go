// Package discovery implements discovery ingest (C6): turning a batch of
// agent-reported DeviceRecords into Device rows, merging fields
// last-writer-wins, upgrading Source only along a fixed trust lattice, and
// publishing device_upserted for every row actually changed.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/hub"
	"github.com/netwatch-io/netwatch/server/internal/job"
	"github.com/netwatch-io/netwatch/server/internal/metrics"
	"github.com/netwatch-io/netwatch/server/internal/repository"
	"github.com/netwatch-io/netwatch/server/internal/websocket"
	"github.com/netwatch-io/netwatch/shared/types"
)

// sourceRank orders discovery sources by trust. A Device's Source/SourceDetail
// only ever move up this order (mergeFields), and dedup keeps the
// highest-ranked record per key within one batch; the other fields are
// last-writer-wins whatever the source.
var sourceRank = map[string]int{
	"manual":   5,
	"snmp":     4,
	"nmap":     3,
	"neighbor": 2,
	"ping":     1,
	"arp":      0,
}

func rank(source string) int {
	if r, ok := sourceRank[source]; ok {
		return r
	}
	return -1
}

// Service ingests scan results and implements job.Executor for the "scan"
// kind, so the job engine can dispatch discovery scans without knowing
// anything about devices or the source lattice.
type Service struct {
	gdb      *gorm.DB
	sessions repository.DiscoverySessionRepository
	devices  repository.DeviceRepository
	agents   repository.AgentRepository
	hub      *hub.Hub
	gui      *websocket.Hub
	logger   *zap.Logger

	// customerLocks serializes concurrent ingest passes for one customer on
	// dialects without a native advisory lock (sqlite). Built lazily, one
	// mutex per customer, and never removed — the set of customers is small
	// and long-lived relative to process lifetime.
	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex

	metrics *metrics.Registry
}

// SetMetrics installs the Prometheus registry whose
// devices_ingested_total counter is incremented for every Device row an
// ingest pass touches. Optional — a nil registry is a no-op.
func (s *Service) SetMetrics(m *metrics.Registry) {
	s.metrics = m
}

// New creates a Service.
func New(gdb *gorm.DB, sessions repository.DiscoverySessionRepository, devices repository.DeviceRepository, agents repository.AgentRepository, h *hub.Hub, gui *websocket.Hub, logger *zap.Logger) *Service {
	return &Service{
		gdb:      gdb,
		sessions: sessions,
		devices:  devices,
		agents:   agents,
		hub:      h,
		gui:      gui,
		locks:    make(map[uuid.UUID]*sync.Mutex),
		logger:   logger.Named("discovery"),
	}
}

// StartScan creates the DiscoverySession row for the given agent; it creates
// no job or job.Target. The caller (the REST handler) passes the returned
// session id and the job id from job.Service.Create back to the client
// together.
func (s *Service) StartScan(ctx context.Context, customerID, agentID uuid.UUID, networkCIDR, scanType string) (*db.DiscoverySession, error) {
	sess := &db.DiscoverySession{
		CustomerID:  customerID,
		AgentID:     agentID,
		NetworkCIDR: networkCIDR,
		ScanType:    scanType,
		Status:      "pending",
		StartedAt:   time.Now().UTC(),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("discovery: create session: %w", err)
	}
	return sess, nil
}

// Dispatch implements job.Executor for kind "scan". It issues agent.scan
// over the hub, streaming progress into incremental Ingest passes, then
// ingests the terminal device list and marks the session finished.
//
// The DiscoverySession to ingest into is looked up by target.SessionID
// rather than through any state keyed by AgentID: an agent can serve more
// than one concurrent scan (the Hub's per-agent max_inflight semaphore
// explicitly allows it), so AgentID alone cannot disambiguate which scan a
// given Dispatch call belongs to. SessionID is set by the REST handler when
// it builds the job.Target, before job.Service.Create ever runs the
// dispatch goroutine, so there is no window where Dispatch can observe it
// unset.
func (s *Service) Dispatch(ctx context.Context, jobID uuid.UUID, target job.Target) error {
	customerID, cidr, scanType, err := s.scanParamsFor(ctx, target.SessionID)
	if err != nil {
		return fmt.Errorf("discovery: no session %s for agent %s: %w", target.SessionID, target.AgentID, err)
	}

	onProgress := func(env types.Envelope) {
		var p types.ScanProgress
		if err := env.Decode(&p); err != nil || len(p.Devices) == 0 {
			return
		}
		if _, err := s.Ingest(context.Background(), customerID, target.AgentID, p.Devices); err != nil {
			s.logger.Warn("discovery: partial ingest failed", zap.Error(err))
		}
	}

	raw, callErr := s.hub.Call(ctx, target.AgentID.String(), types.MethodAgentScan,
		types.ScanRequest{NetworkCIDR: cidr, ScanType: scanType}, 0, onProgress, nil)

	now := time.Now().UTC()
	sess, getErr := s.sessions.GetByID(context.Background(), target.SessionID)
	if getErr != nil {
		return callErr
	}

	if callErr != nil {
		sess.Status = "failed"
		sess.FinishedAt = &now
		_ = s.sessions.Update(context.Background(), sess)
		return callErr
	}

	var resp types.ScanResponse
	if uErr := json.Unmarshal(raw, &resp); uErr == nil && len(resp.Devices) > 0 {
		if _, iErr := s.Ingest(context.Background(), customerID, target.AgentID, resp.Devices); iErr != nil {
			s.logger.Warn("discovery: terminal ingest failed", zap.Error(iErr))
		}
	}

	sess.Status = "completed"
	sess.FinishedAt = &now
	return s.sessions.Update(context.Background(), sess)
}

// scanParamsFor loads the CustomerID/NetworkCIDR/ScanType a Dispatch call
// should use, by SessionID rather than AgentID, so two concurrent scans
// against the same agent each resolve to their own DiscoverySession instead
// of whichever one last overwrote shared state.
func (s *Service) scanParamsFor(ctx context.Context, sessionID uuid.UUID) (customerID uuid.UUID, cidr, scanType string, err error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return uuid.UUID{}, "", "", err
	}
	return sess.CustomerID, sess.NetworkCIDR, sess.ScanType, nil
}

// Ingest runs one ingest pass: dedup within the batch, then for every
// resulting record find-or-insert the Device, merge fields, and publish
// device_upserted for anything that actually changed. Returns the number of
// rows touched (created or updated).
func (s *Service) Ingest(ctx context.Context, customerID, agentID uuid.UUID, records []types.DeviceRecord) (int, error) {
	records = dedup(records)

	unlock, err := s.lockCustomer(ctx, customerID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	touched := 0
	err = s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rec := range records {
			changed, upErr := s.upsertOne(ctx, tx, customerID, agentID, rec)
			if upErr != nil {
				return upErr
			}
			if changed {
				touched++
			}
		}
		return nil
	})
	if err == nil && touched > 0 && s.metrics != nil {
		s.metrics.DiscoveryIngested.Add(float64(touched))
	}
	return touched, err
}

func (s *Service) upsertOne(ctx context.Context, tx *gorm.DB, customerID, agentID uuid.UUID, rec types.DeviceRecord) (bool, error) {
	txDevices := repository.NewDeviceRepository(tx)

	var existing *db.Device
	var err error
	if rec.MAC != "" {
		existing, err = txDevices.GetByMAC(ctx, customerID, rec.MAC)
	}
	if (existing == nil || err != nil) && rec.Address != "" {
		existing, err = txDevices.GetByAddress(ctx, customerID, rec.Address)
	}

	now := time.Now().UTC()

	if existing == nil {
		d := &db.Device{
			CustomerID:   customerID,
			Address:      rec.Address,
			MAC:          rec.MAC,
			Hostname:     rec.Hostname,
			Vendor:       rec.Vendor,
			Platform:     rec.Platform,
			Monitored:    true,
			LastSeenAt:   now,
			Source:       coarseSource(rec.Source),
			SourceDetail: rec.Source,
		}
		if err := txDevices.Create(ctx, d); err != nil {
			return false, err
		}
		s.publish(customerID, d)
		return true, nil
	}

	changed := mergeFields(existing, rec)
	existing.LastSeenAt = now
	if err := txDevices.Update(ctx, existing); err != nil {
		return false, err
	}
	if changed {
		s.publish(customerID, existing)
	}
	return changed, nil
}

// mergeFields applies last-writer-wins per field, except Source/SourceDetail
// which only ever move up the trust lattice, never down. Returns whether any
// observable field actually changed.
func mergeFields(d *db.Device, rec types.DeviceRecord) bool {
	changed := false
	if rec.Hostname != "" && rec.Hostname != d.Hostname {
		d.Hostname = rec.Hostname
		changed = true
	}
	if rec.Vendor != "" && rec.Vendor != d.Vendor {
		d.Vendor = rec.Vendor
		changed = true
	}
	if rec.Platform != "" && rec.Platform != d.Platform {
		d.Platform = rec.Platform
		changed = true
	}
	if rec.MAC != "" && rec.MAC != d.MAC {
		d.MAC = rec.MAC
		changed = true
	}
	if rec.Address != "" && rec.Address != d.Address {
		d.Address = rec.Address
		changed = true
	}
	if rank(rec.Source) > rank(d.SourceDetail) {
		d.SourceDetail = rec.Source
		d.Source = coarseSource(rec.Source)
		changed = true
	}
	return changed
}

// coarseSource maps the fine-grained lattice value onto the three
// REST-facing buckets (scan, neighbor, manual).
func coarseSource(detail string) string {
	switch detail {
	case "manual":
		return "manual"
	case "neighbor":
		return "neighbor"
	default:
		return "scan"
	}
}

// dedup collapses duplicate records within a single scan batch (an agent may
// report the same device from both arp and ping probes), keeping the
// highest-ranked source per key.
func dedup(records []types.DeviceRecord) []types.DeviceRecord {
	best := make(map[string]types.DeviceRecord, len(records))
	order := make([]string, 0, len(records))
	for _, rec := range records {
		key := rec.MAC
		if key == "" {
			key = rec.Address
		}
		if key == "" {
			continue
		}
		cur, ok := best[key]
		if !ok {
			order = append(order, key)
			best[key] = rec
			continue
		}
		if rank(rec.Source) > rank(cur.Source) {
			best[key] = rec
		}
	}
	out := make([]types.DeviceRecord, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

func (s *Service) publish(customerID uuid.UUID, d *db.Device) {
	evt := types.DeviceUpsertedEvent{
		DeviceID:   d.ID.String(),
		CustomerID: customerID.String(),
		Address:    d.Address,
		MAC:        d.MAC,
	}
	if s.gui != nil {
		s.gui.Publish(fmt.Sprintf("discovery:%s", customerID), websocket.Message{
			Type:    websocket.MsgDeviceUpserted,
			Topic:   fmt.Sprintf("discovery:%s", customerID),
			Payload: evt,
		})
	}
}

// lockCustomer serializes ingest passes for one customer. Postgres uses a
// native session-level advisory lock, taken and released on one dedicated
// pooled connection, so multiple server processes stay correct; sqlite
// (single-process, single-writer already) falls back to an in-process mutex
// since pg_advisory_lock has no sqlite equivalent.
func (s *Service) lockCustomer(ctx context.Context, customerID uuid.UUID) (func(), error) {
	if s.gdb.Dialector.Name() == "postgres" {
		key := int64(fnv32(customerID.String()))
		sqlDB, err := s.gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("discovery: advisory lock: %w", err)
		}
		conn, err := sqlDB.Conn(ctx)
		if err != nil {
			return nil, fmt.Errorf("discovery: advisory lock: %w", err)
		}
		if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("discovery: advisory lock: %w", err)
		}
		return func() {
			_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key)
			_ = conn.Close()
		}, nil
	}

	s.locksMu.Lock()
	m, ok := s.locks[customerID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[customerID] = m
	}
	s.locksMu.Unlock()
	m.Lock()
	return m.Unlock, nil
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
