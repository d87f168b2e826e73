package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/dbtest"
	"github.com/netwatch-io/netwatch/server/internal/repository"
)

// fakeExecutor dispatches targets according to a fixed, per-agent outcome
// map so tests can drive the aggregation logic without a real hub/session.
type fakeExecutor struct {
	outcomes map[uuid.UUID]error
	delay    time.Duration
}

func (f *fakeExecutor) Dispatch(ctx context.Context, jobID uuid.UUID, target Target) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.outcomes[target.AgentID]
}

func waitTerminal(t *testing.T, jobs repository.JobRepository, id uuid.UUID) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j, err := jobs.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		switch j.Status {
		case "completed", "partial", "failed", "cancelled":
			return j.Status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", id)
	return ""
}

func TestJobAllSucceedCompletes(t *testing.T) {
	gdb := dbtest.New(t)
	jobs := repository.NewJobRepository(gdb)
	svc := New(jobs, 4, zap.NewNop())

	a1, a2 := uuid.Must(uuid.NewV7()), uuid.Must(uuid.NewV7())
	exec := &fakeExecutor{outcomes: map[uuid.UUID]error{a1: nil, a2: nil}}
	svc.Register("scan", exec)

	j, err := svc.Create(context.Background(), "scan", []Target{{AgentID: a1}, {AgentID: a2}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	status := waitTerminal(t, jobs, j.ID)
	if status != "completed" {
		t.Fatalf("expected completed, got %s", status)
	}

	final, err := jobs.GetByID(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get final: %v", err)
	}
	if final.DevicesSuccess != 2 || final.DevicesFailed != 0 {
		t.Fatalf("expected 2 success/0 failed, got success=%d failed=%d", final.DevicesSuccess, final.DevicesFailed)
	}
}

func TestJobPartialFailureAggregatesAsPartial(t *testing.T) {
	gdb := dbtest.New(t)
	jobs := repository.NewJobRepository(gdb)
	svc := New(jobs, 4, zap.NewNop())

	a1, a2 := uuid.Must(uuid.NewV7()), uuid.Must(uuid.NewV7())
	exec := &fakeExecutor{outcomes: map[uuid.UUID]error{a1: nil, a2: errors.New("vendor_protocol")}}
	svc.Register("backup", exec)

	j, err := svc.Create(context.Background(), "backup", []Target{{AgentID: a1}, {AgentID: a2}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	status := waitTerminal(t, jobs, j.ID)
	if status != "partial" {
		t.Fatalf("expected partial, got %s", status)
	}

	final, err := jobs.GetByID(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get final: %v", err)
	}
	if final.DevicesSuccess != 1 || final.DevicesFailed != 1 {
		t.Fatalf("expected 1 success/1 failed, got success=%d failed=%d", final.DevicesSuccess, final.DevicesFailed)
	}
	if final.Error == "" {
		t.Fatalf("expected a non-empty aggregate error message on a partial job")
	}

	// A failed agent must not fail siblings: a1's target row is completed.
	targets, err := jobs.ListTargetsByJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("list targets: %v", err)
	}
	var sawCompleted, sawFailed bool
	for _, tgt := range targets {
		if tgt.AgentID == a1 && tgt.Status == "completed" {
			sawCompleted = true
		}
		if tgt.AgentID == a2 && tgt.Status == "failed" {
			sawFailed = true
		}
	}
	if !sawCompleted || !sawFailed {
		t.Fatalf("expected one completed and one failed target row, got %+v", targets)
	}
}

func TestJobAllFailAggregatesAsFailed(t *testing.T) {
	gdb := dbtest.New(t)
	jobs := repository.NewJobRepository(gdb)
	svc := New(jobs, 4, zap.NewNop())

	a1 := uuid.Must(uuid.NewV7())
	exec := &fakeExecutor{outcomes: map[uuid.UUID]error{a1: errors.New("agent_offline")}}
	svc.Register("command", exec)

	j, err := svc.Create(context.Background(), "command", []Target{{AgentID: a1}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	status := waitTerminal(t, jobs, j.ID)
	if status != "failed" {
		t.Fatalf("expected failed, got %s", status)
	}
}

func TestCreateUnknownKindFails(t *testing.T) {
	gdb := dbtest.New(t)
	jobs := repository.NewJobRepository(gdb)
	svc := New(jobs, 4, zap.NewNop())

	_, err := svc.Create(context.Background(), "unregistered", []Target{{AgentID: uuid.Must(uuid.NewV7())}})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestCreateNoTargetsFails(t *testing.T) {
	gdb := dbtest.New(t)
	jobs := repository.NewJobRepository(gdb)
	svc := New(jobs, 4, zap.NewNop())
	svc.Register("scan", &fakeExecutor{outcomes: map[uuid.UUID]error{}})

	_, err := svc.Create(context.Background(), "scan", nil)
	if err == nil {
		t.Fatalf("expected error creating a job with no targets")
	}
}

func TestCancelStopsJobAndMarksCancelled(t *testing.T) {
	gdb := dbtest.New(t)
	jobs := repository.NewJobRepository(gdb)
	svc := New(jobs, 4, zap.NewNop())

	a1 := uuid.Must(uuid.NewV7())
	exec := &fakeExecutor{outcomes: map[uuid.UUID]error{a1: context.Canceled}, delay: 50 * time.Millisecond}
	svc.Register("scan", exec)

	j, err := svc.Create(context.Background(), "scan", []Target{{AgentID: a1}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Cancel(j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	status := waitTerminal(t, jobs, j.ID)
	if status != "cancelled" {
		t.Fatalf("expected cancelled, got %s", status)
	}
}

func TestCancelUnknownJobReturnsNotFound(t *testing.T) {
	gdb := dbtest.New(t)
	jobs := repository.NewJobRepository(gdb)
	svc := New(jobs, 4, zap.NewNop())

	if err := svc.Cancel(uuid.Must(uuid.NewV7())); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAggregateStatus(t *testing.T) {
	cases := []struct {
		name                                   string
		total, succeeded, failed, cancelled    int
		want                                   string
	}{
		{"all completed", 3, 3, 0, 0, "completed"},
		{"all failed", 2, 0, 2, 0, "failed"},
		{"all cancelled", 2, 0, 0, 2, "cancelled"},
		{"mixed success and failure", 3, 2, 1, 0, "partial"},
		{"mixed success and cancellation", 3, 2, 0, 1, "partial"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := aggregateStatus(c.total, c.succeeded, c.failed, c.cancelled)
			if got != c.want {
				t.Fatalf("aggregateStatus(%d,%d,%d,%d) = %s, want %s", c.total, c.succeeded, c.failed, c.cancelled, got, c.want)
			}
		})
	}
}
