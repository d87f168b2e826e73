package discovery

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/dbtest"
	"github.com/netwatch-io/netwatch/server/internal/repository"
	"github.com/netwatch-io/netwatch/shared/types"
)

type testFixture struct {
	svc       *Service
	devices   repository.DeviceRepository
	customers repository.CustomerRepository
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	gdb := dbtest.New(t)
	sessions := repository.NewDiscoverySessionRepository(gdb)
	devices := repository.NewDeviceRepository(gdb)
	agents := repository.NewAgentRepository(gdb)
	return &testFixture{
		svc:       New(gdb, sessions, devices, agents, nil, nil, zap.NewNop()),
		devices:   devices,
		customers: repository.NewCustomerRepository(gdb),
	}
}

func (f *testFixture) mustCreateCustomer(t *testing.T, code string) uuid.UUID {
	t.Helper()
	c := &db.Customer{Code: code, Name: code, Active: true}
	if err := f.customers.Create(context.Background(), c); err != nil {
		t.Fatalf("create customer %s: %v", code, err)
	}
	return c.ID
}

func TestIngestDedupesWithinOneScan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customerID := f.mustCreateCustomer(t, "cust-1")
	agentID := uuid.Must(uuid.NewV7())

	records := []types.DeviceRecord{
		{Address: "192.168.1.10", MAC: "aa:bb:cc:00:00:01", Source: "arp"},
		{Address: "192.168.1.10", MAC: "aa:bb:cc:00:00:01", Source: "arp"},
		{Address: "192.168.1.11", Source: "ping"},
	}

	touched, err := f.svc.Ingest(ctx, customerID, agentID, records)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if touched != 2 {
		t.Fatalf("expected 2 devices touched, got %d", touched)
	}

	_, total, err := f.devices.List(ctx, customerID, repository.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 persisted devices, got %d", total)
	}
}

func TestIngestOverlappingCIDRAcrossCustomersDoesNotMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	custA := f.mustCreateCustomer(t, "cust-a")
	custB := f.mustCreateCustomer(t, "cust-b")
	agentID := uuid.Must(uuid.NewV7())

	if _, err := f.svc.Ingest(ctx, custA, agentID, []types.DeviceRecord{
		{Address: "192.168.1.1", MAC: "aa:aa:aa:00:00:01", Source: "arp"},
	}); err != nil {
		t.Fatalf("ingest A: %v", err)
	}
	if _, err := f.svc.Ingest(ctx, custB, agentID, []types.DeviceRecord{
		{Address: "192.168.1.1", MAC: "bb:bb:bb:00:00:01", Source: "arp"},
	}); err != nil {
		t.Fatalf("ingest B: %v", err)
	}

	devA, err := f.devices.GetByAddress(ctx, custA, "192.168.1.1")
	if err != nil {
		t.Fatalf("get device A: %v", err)
	}
	devB, err := f.devices.GetByAddress(ctx, custB, "192.168.1.1")
	if err != nil {
		t.Fatalf("get device B: %v", err)
	}
	if devA.ID == devB.ID {
		t.Fatalf("expected distinct devices per customer, got same id %s", devA.ID)
	}
	if devA.MAC == devB.MAC {
		t.Fatalf("expected distinct MACs, both %s", devA.MAC)
	}
}

func TestIngestReSubmitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customerID := f.mustCreateCustomer(t, "cust-idem")
	agentID := uuid.Must(uuid.NewV7())

	rec := []types.DeviceRecord{{Address: "10.0.0.5", MAC: "aa:bb:cc:00:00:02", Hostname: "sw1", Source: "snmp"}}

	touched, err := f.svc.Ingest(ctx, customerID, agentID, rec)
	if err != nil || touched != 1 {
		t.Fatalf("first ingest: touched=%d err=%v", touched, err)
	}

	first, err := f.devices.GetByMAC(ctx, customerID, "aa:bb:cc:00:00:02")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	firstSeen := first.LastSeenAt

	touched, err = f.svc.Ingest(ctx, customerID, agentID, rec)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if touched != 0 {
		t.Fatalf("expected no observable change on resubmit, touched=%d", touched)
	}

	second, err := f.devices.GetByMAC(ctx, customerID, "aa:bb:cc:00:00:02")
	if err != nil {
		t.Fatalf("get device again: %v", err)
	}
	if second.LastSeenAt.Before(firstSeen) {
		t.Fatalf("expected last_seen_at to advance, got %v -> %v", firstSeen, second.LastSeenAt)
	}
	if second.Hostname != first.Hostname || second.Vendor != first.Vendor {
		t.Fatalf("resubmit mutated non-timestamp fields unexpectedly")
	}
}

func TestSourceLatticeNeverDowngrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customerID := f.mustCreateCustomer(t, "cust-lattice")
	agentID := uuid.Must(uuid.NewV7())

	if _, err := f.svc.Ingest(ctx, customerID, agentID, []types.DeviceRecord{
		{Address: "10.0.0.9", Source: "snmp", Platform: "hp_aruba"},
	}); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	touched, err := f.svc.Ingest(ctx, customerID, agentID, []types.DeviceRecord{
		{Address: "10.0.0.9", Source: "arp"},
	})
	if err != nil {
		t.Fatalf("downgrade ingest: %v", err)
	}
	if touched != 0 {
		t.Fatalf("expected arp (lower rank) not to downgrade snmp source, touched=%d", touched)
	}

	dev, err := f.devices.GetByAddress(ctx, customerID, "10.0.0.9")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if dev.SourceDetail != "snmp" {
		t.Fatalf("expected source to remain snmp, got %s", dev.SourceDetail)
	}
}

func TestScanWithZeroDevicesCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customerID := f.mustCreateCustomer(t, "cust-empty")
	agentID := uuid.Must(uuid.NewV7())

	touched, err := f.svc.Ingest(ctx, customerID, agentID, nil)
	if err != nil {
		t.Fatalf("ingest with no devices: %v", err)
	}
	if touched != 0 {
		t.Fatalf("expected 0 devices touched, got %d", touched)
	}
}

func TestScanParamsForDisambiguatesConcurrentScansOnSameAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	custA := f.mustCreateCustomer(t, "cust-concurrent-a")
	custB := f.mustCreateCustomer(t, "cust-concurrent-b")
	agentID := uuid.Must(uuid.NewV7())

	sessA, err := f.svc.StartScan(ctx, custA, agentID, "10.0.0.0/24", "all")
	if err != nil {
		t.Fatalf("start scan A: %v", err)
	}
	sessB, err := f.svc.StartScan(ctx, custB, agentID, "10.0.1.0/24", "ping")
	if err != nil {
		t.Fatalf("start scan B: %v", err)
	}

	// Both scans target the same agent concurrently (allowed by the Hub's
	// per-agent max_inflight semaphore). Each Dispatch call must resolve its
	// own session's customer/CIDR/scan_type by SessionID, never the other's.
	gotCustA, gotCIDRA, gotTypeA, err := f.svc.scanParamsFor(ctx, sessA.ID)
	if err != nil {
		t.Fatalf("scanParamsFor A: %v", err)
	}
	gotCustB, gotCIDRB, gotTypeB, err := f.svc.scanParamsFor(ctx, sessB.ID)
	if err != nil {
		t.Fatalf("scanParamsFor B: %v", err)
	}

	if gotCustA != custA || gotCIDRA != "10.0.0.0/24" || gotTypeA != "all" {
		t.Fatalf("scan A resolved to wrong params: customer=%s cidr=%s type=%s", gotCustA, gotCIDRA, gotTypeA)
	}
	if gotCustB != custB || gotCIDRB != "10.0.1.0/24" || gotTypeB != "ping" {
		t.Fatalf("scan B resolved to wrong params: customer=%s cidr=%s type=%s", gotCustB, gotCIDRB, gotTypeB)
	}
}

func TestDedupWithinBatchKeepsHighestRankedSource(t *testing.T) {
	records := []types.DeviceRecord{
		{Address: "10.0.0.1", Source: "arp"},
		{Address: "10.0.0.1", Source: "snmp"},
		{Address: "10.0.0.1", Source: "ping"},
	}
	out := dedup(records)
	if len(out) != 1 {
		t.Fatalf("expected 1 deduped record, got %d", len(out))
	}
	if out[0].Source != "snmp" {
		t.Fatalf("expected snmp (highest rank) to win, got %s", out[0].Source)
	}
}
