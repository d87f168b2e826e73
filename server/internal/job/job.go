// Package job implements the job engine (C5): a Job is a batch wrapper
// around one-or-more per-agent RPCs dispatched through the hub. Creation
// writes the Job row and then its JobTarget rows as two separate writes, not
// one transaction; dispatch begins immediately in-process (no separate worker
// pool or queue to poll), and each target's terminal outcome is added to the
// Job's device counters until every target reaches a terminal state.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/metrics"
	"github.com/netwatch-io/netwatch/server/internal/repository"
)

// Target is one agent's slice of a batch job. DeviceID is set for
// device-scoped kinds (backup, command, test) and left zero for scan, which
// targets a network rather than a single device.
type Target struct {
	AgentID  uuid.UUID
	DeviceID uuid.UUID

	// SessionID is the discovery.Service correlation id: discovery.Dispatch
	// looks up the DiscoverySession row by this field to learn the scan's
	// CustomerID/NetworkCIDR/ScanType, rather than through any shared state
	// keyed by AgentID (which cannot disambiguate two concurrent scans
	// against the same agent). Zero for all other kinds.
	SessionID uuid.UUID

	// Kind and Trigger carry executor-specific parameters the engine itself
	// never interprets (e.g. backup.Service reads Kind as "config"/"binary"/
	// "both" and Trigger as "schedule"/"manual"/"pre-change").
	Kind    string
	Trigger string
}

// Executor dispatches one Target's RPC and reports its own outcome. It is
// registered per job kind so the engine never needs to know about scan,
// backup, or command payload shapes — only how to fan out and aggregate.
// Implementations persist their own side effects (discovered devices,
// backup artifacts) before returning; the returned error, if any, is stored
// on the JobTarget row verbatim, except after the job was cancelled, when the
// target is marked cancelled with no error text.
type Executor interface {
	Dispatch(ctx context.Context, jobID uuid.UUID, target Target) error
}

// ErrUnknownKind is returned by Create when no Executor is registered for
// the requested kind.
var ErrUnknownKind = errors.New("job: no executor registered for kind")

// ErrNotFound is returned by Cancel when the job id has no running, or never
// existed, in-process tracker.
var ErrNotFound = errors.New("job: not running")

// Service is the job engine. The zero value is not usable; construct with
// New.
type Service struct {
	jobs        repository.JobRepository
	logger      *zap.Logger
	maxParallel int

	mu        sync.Mutex
	executors map[string]Executor
	running   map[uuid.UUID]context.CancelFunc

	metrics *metrics.Registry
}

// SetMetrics installs the Prometheus registry whose job_duration_seconds
// histogram is observed for every terminal Job. Optional — a nil registry is
// a no-op.
func (s *Service) SetMetrics(m *metrics.Registry) {
	s.metrics = m
}

// New creates a Service. maxParallel bounds concurrent per-target goroutines
// within a single job; it does not limit the number of jobs running at once.
func New(jobs repository.JobRepository, maxParallel int, logger *zap.Logger) *Service {
	if maxParallel <= 0 {
		maxParallel = 16
	}
	return &Service{
		jobs:        jobs,
		maxParallel: maxParallel,
		executors:   make(map[string]Executor),
		running:     make(map[uuid.UUID]context.CancelFunc),
		logger:      logger.Named("job"),
	}
}

// Register binds an Executor to a job kind (scan, backup, command, test).
// Call during startup wiring, before any Create calls can arrive.
func (s *Service) Register(kind string, exec Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[kind] = exec
}

// Create persists the Job row and then its JobTarget rows as two separate
// writes, not one transaction: if the second write fails, the Job row stays
// behind with status pending and no targets. On success it returns
// immediately after starting dispatch in a background goroutine.
// The caller polls or subscribes (notification package) for completion; this
// mirrors the teacher's fire-and-dispatch scheduler tick rather than a
// synchronous RPC, since a batch job can run far longer than an HTTP request
// should block.
func (s *Service) Create(ctx context.Context, kind string, targets []Target) (*db.Job, error) {
	s.mu.Lock()
	exec, ok := s.executors[kind]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("job: create %s: no targets", kind)
	}

	now := time.Now().UTC()
	j := &db.Job{
		Kind:         kind,
		Status:       "pending",
		DevicesTotal: len(targets),
		StartedAt:    now,
	}
	if err := s.jobs.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("job: create: %w", err)
	}

	rows := make([]db.JobTarget, len(targets))
	for i, t := range targets {
		rows[i] = db.JobTarget{JobID: j.ID, AgentID: t.AgentID, Status: "pending"}
	}
	if err := s.jobs.CreateTargets(ctx, rows); err != nil {
		return nil, fmt.Errorf("job: create targets: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running[j.ID] = cancel
	s.mu.Unlock()

	go s.run(runCtx, j.ID, kind, now, exec, targets, rows)

	return j, nil
}

// Cancel signals every in-flight target goroutine for jobID to stop. Targets
// already terminal are unaffected; targets still pending or running finish as
// cancelled once their Executor observes ctx.Done (hub.Call issues
// rpc.cancel on the agent side).
func (s *Service) Cancel(jobID uuid.UUID) error {
	s.mu.Lock()
	cancel, ok := s.running[jobID]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	cancel()
	return nil
}

func (s *Service) run(ctx context.Context, jobID uuid.UUID, kind string, startedAt time.Time, exec Executor, targets []Target, rows []db.JobTarget) {
	defer func() {
		s.mu.Lock()
		delete(s.running, jobID)
		s.mu.Unlock()
	}()

	_ = s.jobs.UpdateStatus(context.Background(), jobID, "running", nil, "")

	sem := make(chan struct{}, s.maxParallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded, failed, cancelled int

	for i, t := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(row db.JobTarget, target Target) {
			defer wg.Done()
			defer func() { <-sem }()

			_ = s.jobs.UpdateTargetStatus(context.Background(), row.ID, "running", nil, "")

			err := exec.Dispatch(ctx, jobID, target)

			finishedAt := time.Now().UTC()
			status := "completed"
			errMsg := ""
			switch {
			case err != nil && errors.Is(ctx.Err(), context.Canceled):
				status = "cancelled"
			case err != nil:
				status = "failed"
				errMsg = err.Error()
			}
			_ = s.jobs.UpdateTargetStatus(context.Background(), row.ID, status, &finishedAt, errMsg)

			mu.Lock()
			switch status {
			case "completed":
				succeeded++
			case "cancelled":
				cancelled++
			default:
				failed++
			}
			mu.Unlock()

			delta := 1
			if status != "completed" {
				_ = s.jobs.IncrementCounters(context.Background(), jobID, 0, delta)
			} else {
				_ = s.jobs.IncrementCounters(context.Background(), jobID, delta, 0)
			}

		}(rows[i], t)
	}

	wg.Wait()

	finishedAt := time.Now().UTC()
	final := aggregateStatus(len(targets), succeeded, failed, cancelled)
	errMsg := ""
	if final == "failed" || final == "partial" {
		errMsg = fmt.Sprintf("%d of %d targets failed", failed, len(targets))
	}
	_ = s.jobs.UpdateStatus(context.Background(), jobID, final, &finishedAt, errMsg)

	if s.metrics != nil {
		s.metrics.JobDuration.WithLabelValues(kind, final).Observe(finishedAt.Sub(startedAt).Seconds())
	}

	s.logger.Info("job finished",
		zap.String("job_id", jobID.String()),
		zap.String("status", final),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("cancelled", cancelled))
}

// aggregateStatus folds per-target outcomes into the Job's terminal status:
// all cancelled → cancelled; all failed → failed; any failure among
// otherwise-successful targets → partial; everything else → completed.
func aggregateStatus(total, succeeded, failed, cancelled int) string {
	switch {
	case cancelled == total:
		return "cancelled"
	case failed == total:
		return "failed"
	case failed > 0 || cancelled > 0:
		return "partial"
	default:
		return "completed"
	}
}
