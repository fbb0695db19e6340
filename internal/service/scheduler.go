package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/logging"
)

const (
	jobTimeout = time.Minute
	// Deposits younger than this are still being matched by their own request.
	sweepMinAge = time.Minute
)

type pendingSweeper interface {
	SweepPending(ctx context.Context, before time.Time, limit int) (int, error)
}

type rotationResetter interface {
	Reset(ctx context.Context, partitionKey string) (int64, error)
}

// Jobs holds the scheduled maintenance work.
type Jobs struct {
	sweeper    pendingSweeper
	rotation   rotationResetter
	logger     *slog.Logger
	sweepBatch int
}

func NewJobs(sweeper pendingSweeper, rotation rotationResetter, logger *slog.Logger, sweepBatch int) *Jobs {
	return &Jobs{
		sweeper:    sweeper,
		rotation:   rotation,
		logger:     logger,
		sweepBatch: sweepBatch,
	}
}

// SweepPending re-runs local matching for deposits left Pending.
func (j *Jobs) SweepPending() {
	ctx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), j.logger), jobTimeout)
	defer cancel()

	matched, err := j.sweeper.SweepPending(ctx, time.Now().UTC().Add(-sweepMinAge), j.sweepBatch)
	if err != nil {
		j.logger.Error("pending sweep failed", "matched", matched, "error", err)
		return
	}
	if matched > 0 {
		j.logger.Info("pending sweep matched deposits", "matched", matched)
	}
}

// ResetRotation zeroes every counter of the rotating wallet kind.
func (j *Jobs) ResetRotation() {
	ctx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), j.logger), jobTimeout)
	defer cancel()

	count, err := j.rotation.Reset(ctx, "")
	if err != nil {
		j.logger.Error("scheduled rotation reset failed", "error", err)
		return
	}
	j.logger.Info("scheduled rotation reset", "count", count)
}

type SchedulerConfig struct {
	PendingSweepSchedule  string
	RotationResetSchedule string
}

// Scheduler runs Jobs on cron schedules. An empty schedule disables its job.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config SchedulerConfig
}

func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the
// number of scheduled jobs.
func (s *Scheduler) Start() int {
	scheduled := 0
	scheduled += s.add("pending sweep", s.config.PendingSweepSchedule, s.jobs.SweepPending)
	scheduled += s.add("rotation reset", s.config.RotationResetSchedule, s.jobs.ResetRotation)

	s.cron.Start()
	return scheduled
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) add(name, schedule string, job func()) int {
	if schedule == "" {
		s.logger.Info("job disabled", "job", name)
		return 0
	}
	if _, err := s.cron.AddFunc(schedule, job); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "schedule", schedule, "error", err)
		return 0
	}
	s.logger.Info("scheduled job", "job", name, "schedule", schedule)
	return 1
}
