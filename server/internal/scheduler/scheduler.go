// Package scheduler drives the backup cadence (C8): one BackupSchedule per
// customer, translated into a gocron job that fans a "backup" job.Service
// batch out to every device belonging to that customer, plus a daily
// retention-GC sweep run across every enabled schedule's devices.
//
// Each schedule maps to exactly one gocron job, tagged with the customer's
// UUID. Jobs run in gocron singleton mode, which only keeps two ticks' task
// bodies from overlapping: the task body returns as soon as the backup job
// is created, so a tick can start a new batch while the previous tick's
// batch is still running.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/backup"
	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/hub"
	"github.com/netwatch-io/netwatch/server/internal/job"
	"github.com/netwatch-io/netwatch/server/internal/repository"
)

const retentionSweepTag = "retention-gc"

// Scheduler wraps gocron and turns BackupSchedule rows into recurring
// "backup" job.Service batches, one per customer.
type Scheduler struct {
	cron      gocron.Scheduler
	schedules repository.BackupScheduleRepository
	devices   repository.DeviceRepository
	agents    repository.AgentRepository
	jobs      *job.Service
	backups   *backup.Service
	hub       *hub.Hub
	logger    *zap.Logger
}

// New creates and configures a new Scheduler. Call Start to begin processing.
func New(
	schedules repository.BackupScheduleRepository,
	devices repository.DeviceRepository,
	agents repository.AgentRepository,
	jobs *job.Service,
	backups *backup.Service,
	h *hub.Hub,
	logger *zap.Logger,
) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:      s,
		schedules: schedules,
		devices:   devices,
		agents:    agents,
		jobs:      jobs,
		backups:   backups,
		hub:       h,
		logger:    logger.Named("scheduler"),
	}, nil
}

// Start loads every enabled BackupSchedule, registers its gocron job, fires
// a one-off catch-up run for any schedule whose NextRunAt already elapsed
// while the server was down (at most the single most recent occurrence —
// this is not a backfill of every missed tick), registers the daily
// retention sweep, and starts the underlying gocron scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	enabled, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load enabled schedules: %w", err)
	}

	now := time.Now().UTC()
	for i := range enabled {
		sched := &enabled[i]
		if err := s.addScheduleJob(sched); err != nil {
			s.logger.Error("failed to schedule backup cadence",
				zap.String("customer_id", sched.CustomerID.String()), zap.Error(err))
			continue
		}
		if sched.NextRunAt != nil && sched.NextRunAt.Before(now) {
			s.logger.Info("running missed backup occurrence",
				zap.String("customer_id", sched.CustomerID.String()),
				zap.Time("missed_at", *sched.NextRunAt))
			go s.runSchedule(sched.CustomerID)
		}
	}

	if _, err := s.cron.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(3, 0, 0))),
		gocron.NewTask(func() { s.runRetentionGC(context.Background()) }),
		gocron.WithTags(retentionSweepTag),
	); err != nil {
		return fmt.Errorf("scheduler: register retention sweep: %w", err)
	}

	s.logger.Info("scheduler started", zap.Int("schedules", len(enabled)))
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any currently running job functions to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// AddSchedule registers a newly created or re-enabled BackupSchedule. Safe
// to call while the scheduler is running.
func (s *Scheduler) AddSchedule(sched *db.BackupSchedule) error {
	if err := s.addScheduleJob(sched); err != nil {
		return fmt.Errorf("scheduler: add schedule for customer %s: %w", sched.CustomerID, err)
	}
	s.logger.Info("schedule added", zap.String("customer_id", sched.CustomerID.String()), zap.String("cadence", sched.Cadence))
	return nil
}

// RemoveSchedule removes a customer's schedule from the scheduler.
func (s *Scheduler) RemoveSchedule(customerID uuid.UUID) {
	s.cron.RemoveByTags(customerID.String())
	s.logger.Info("schedule removed", zap.String("customer_id", customerID.String()))
}

// UpdateSchedule reschedules a customer's cadence after it changed. Removes
// the existing gocron job and adds a new one (or none, if disabled).
func (s *Scheduler) UpdateSchedule(sched *db.BackupSchedule) error {
	s.cron.RemoveByTags(sched.CustomerID.String())
	if !sched.Enabled {
		s.logger.Info("schedule disabled, removed from scheduler", zap.String("customer_id", sched.CustomerID.String()))
		return nil
	}
	return s.AddSchedule(sched)
}

// TriggerNow manually triggers an immediate backup batch for a customer,
// bypassing the cadence. Used by the REST handler for on-demand "back up
// everything now" requests.
func (s *Scheduler) TriggerNow(ctx context.Context, customerID uuid.UUID) error {
	s.logger.Info("manual cadence trigger requested", zap.String("customer_id", customerID.String()))
	return s.runScheduleCtx(ctx, customerID)
}

// addScheduleJob registers a single customer's cadence as a gocron job in
// singleton mode. The task only creates the backup job, so singleton mode
// does not stop batches of successive ticks from running at the same time.
func (s *Scheduler) addScheduleJob(sched *db.BackupSchedule) error {
	if !sched.Enabled {
		return nil
	}

	def, err := jobDefinition(sched)
	if err != nil {
		return err
	}

	_, err = s.cron.NewJob(
		def,
		gocron.NewTask(func(customerID uuid.UUID) { s.runSchedule(customerID) }, sched.CustomerID),
		gocron.WithTags(sched.CustomerID.String()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for customer %s (cadence: %q): %w", sched.CustomerID, sched.Cadence, err)
	}
	return nil
}

// jobDefinition translates a BackupSchedule's cadence fields into a gocron
// JobDefinition, per the cadence kinds named in the spec: daily, weekly,
// monthly, or a raw cron expression.
func jobDefinition(sched *db.BackupSchedule) (gocron.JobDefinition, error) {
	switch sched.Cadence {
	case "daily":
		at, err := parseAtTime(sched.At)
		if err != nil {
			return nil, err
		}
		return gocron.DailyJob(1, gocron.NewAtTimes(at)), nil

	case "weekly":
		at, err := parseAtTime(sched.At)
		if err != nil {
			return nil, err
		}
		days, err := parseWeekdays(sched.Days)
		if err != nil {
			return nil, err
		}
		return gocron.WeeklyJob(1, days, gocron.NewAtTimes(at)), nil

	case "monthly":
		at, err := parseAtTime(sched.At)
		if err != nil {
			return nil, err
		}
		day := sched.DayOfMonth
		if day < 1 || day > 31 {
			day = 1
		}
		return gocron.MonthlyJob(1, gocron.NewDays(day), gocron.NewAtTimes(at)), nil

	case "cron":
		if sched.Cron == "" {
			return nil, fmt.Errorf("scheduler: cadence \"cron\" requires a cron expression")
		}
		return gocron.CronJob(sched.Cron, false), nil

	default:
		return nil, fmt.Errorf("scheduler: unknown cadence %q", sched.Cadence)
	}
}

func parseAtTime(hhmm string) (gocron.AtTime, error) {
	parts := strings.Split(hhmm, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("scheduler: malformed at time %q, want HH:MM", hhmm)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return nil, fmt.Errorf("scheduler: malformed hour in %q", hhmm)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("scheduler: malformed minute in %q", hhmm)
	}
	return gocron.NewAtTime(uint(hour), uint(minute), 0), nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWeekdays(jsonArr string) (gocron.Weekdays, error) {
	names, err := decodeStringArray(jsonArr)
	if err != nil {
		return nil, fmt.Errorf("scheduler: malformed days array %q: %w", jsonArr, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("scheduler: cadence \"weekly\" requires at least one day")
	}
	days := make([]time.Weekday, 0, len(names))
	for _, n := range names {
		wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(n))[:3]]
		if !ok {
			return nil, fmt.Errorf("scheduler: unknown weekday %q", n)
		}
		days = append(days, wd)
	}
	return gocron.NewWeekdays(days[0], days[1:]...), nil
}

func decodeStringArray(jsonArr string) ([]string, error) {
	var out []string
	if jsonArr == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(jsonArr), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// runSchedule is the gocron task body: it re-resolves the schedule and
// device list at tick time rather than trusting any closed-over snapshot,
// since devices and schedule settings can change between scheduling and
// firing.
func (s *Scheduler) runSchedule(customerID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.runScheduleCtx(ctx, customerID); err != nil {
		s.logger.Error("scheduled backup batch failed to start",
			zap.String("customer_id", customerID.String()), zap.Error(err))
	}
}

func (s *Scheduler) runScheduleCtx(ctx context.Context, customerID uuid.UUID) error {
	sched, err := s.schedules.GetByCustomer(ctx, customerID)
	if err != nil {
		return fmt.Errorf("scheduler: load schedule: %w", err)
	}
	if !sched.Enabled {
		s.logger.Info("skipping run for disabled schedule", zap.String("customer_id", customerID.String()))
		return nil
	}

	kinds, err := decodeStringArray(sched.Kinds)
	if err != nil || len(kinds) == 0 {
		kinds = []string{"config"}
	}

	agent, err := s.onlineAgentForCustomer(ctx, customerID)
	if err != nil {
		return fmt.Errorf("scheduler: no online agent for customer %s: %w", customerID, err)
	}

	targets, err := s.buildTargets(ctx, customerID, agent, kinds)
	if err != nil {
		return fmt.Errorf("scheduler: build targets: %w", err)
	}
	if len(targets) == 0 {
		s.logger.Info("schedule has no monitored devices, nothing to back up", zap.String("customer_id", customerID.String()))
		return nil
	}

	j, err := s.jobs.Create(ctx, "backup", targets)
	if err != nil {
		return fmt.Errorf("scheduler: create backup job: %w", err)
	}

	now := time.Now().UTC()
	next := s.estimateNextRun(sched, now)
	if err := s.schedules.UpdateRunTimes(ctx, sched.ID, now, next); err != nil {
		s.logger.Warn("failed to update schedule run times", zap.String("customer_id", customerID.String()), zap.Error(err))
	}

	s.logger.Info("backup batch started",
		zap.String("customer_id", customerID.String()),
		zap.String("job_id", j.ID.String()),
		zap.Int("targets", len(targets)))
	return nil
}

// buildTargets fans one job.Target per (device, kind) pair across every
// monitored device belonging to customerID.
func (s *Scheduler) buildTargets(ctx context.Context, customerID uuid.UUID, agent *db.Agent, kinds []string) ([]job.Target, error) {
	const pageSize = 200
	var targets []job.Target
	offset := 0
	for {
		devices, total, err := s.devices.List(ctx, customerID, repository.ListOptions{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		for i := range devices {
			d := &devices[i]
			if !d.Monitored {
				continue
			}
			for _, kind := range kinds {
				targets = append(targets, job.Target{
					AgentID:  agent.ID,
					DeviceID: d.ID,
					Kind:     kind,
					Trigger:  "schedule",
				})
			}
		}
		offset += len(devices)
		if len(devices) == 0 || int64(offset) >= total {
			return targets, nil
		}
	}
}

// onlineAgentForCustomer picks any currently-connected approved agent
// belonging to customerID. Devices carry no agent assignment of their own —
// any online agent at the customer's site can reach its local devices.
func (s *Scheduler) onlineAgentForCustomer(ctx context.Context, customerID uuid.UUID) (*db.Agent, error) {
	agents, err := s.agents.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	for i := range agents {
		if s.hub.IsOnline(agents[i].ID.String()) {
			return &agents[i], nil
		}
	}
	return nil, fmt.Errorf("no online agent")
}

// estimateNextRun is a best-effort NextRunAt estimate for catch-up-missed
// detection on the next server restart; gocron itself is the source of
// truth for exact fire times once the job is scheduled.
func (s *Scheduler) estimateNextRun(sched *db.BackupSchedule, from time.Time) time.Time {
	switch sched.Cadence {
	case "weekly":
		return from.AddDate(0, 0, 7)
	case "monthly":
		return from.AddDate(0, 1, 0)
	default:
		return from.AddDate(0, 0, 1)
	}
}

// runRetentionGC sweeps retention for every enabled schedule's customer.
// This is the daily backstop pass (C8); the inline sweep after each
// successful backup run (backup.Service.sweepRetention) handles the common
// case, but a customer whose devices have been offline since before a
// retention change still gets swept once a day.
func (s *Scheduler) runRetentionGC(ctx context.Context) {
	enabled, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		s.logger.Error("retention GC: failed to list schedules", zap.Error(err))
		return
	}
	for i := range enabled {
		customerID := enabled[i].CustomerID
		if err := s.backups.SweepRetentionForCustomer(ctx, customerID); err != nil {
			s.logger.Warn("retention GC failed for customer", zap.String("customer_id", customerID.String()), zap.Error(err))
		}
	}
	s.logger.Info("retention GC sweep complete", zap.Int("customers", len(enabled)))
}
