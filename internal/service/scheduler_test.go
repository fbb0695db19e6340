package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSweeper struct {
	before time.Time
	limit  int
	err    error
}

func (f *fakeSweeper) SweepPending(_ context.Context, before time.Time, limit int) (int, error) {
	f.before = before
	f.limit = limit
	return 2, f.err
}

type fakeResetter struct {
	keys []string
}

func (f *fakeResetter) Reset(_ context.Context, partitionKey string) (int64, error) {
	f.keys = append(f.keys, partitionKey)
	return 3, nil
}

func TestJobs_SweepPending(t *testing.T) {
	sweeper := &fakeSweeper{}
	jobs := NewJobs(sweeper, &fakeResetter{}, slog.Default(), 50)

	start := time.Now().UTC()
	jobs.SweepPending()

	assert.Equal(t, 50, sweeper.limit)
	assert.WithinDuration(t, start.Add(-sweepMinAge), sweeper.before, 5*time.Second)
	assert.True(t, sweeper.before.Before(start))
}

func TestJobs_SweepPendingErrorIsLogged(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("db gone")}
	jobs := NewJobs(sweeper, &fakeResetter{}, slog.Default(), 10)

	assert.NotPanics(t, jobs.SweepPending)
}

func TestJobs_ResetRotationResetsEveryPartition(t *testing.T) {
	resetter := &fakeResetter{}
	jobs := NewJobs(&fakeSweeper{}, resetter, slog.Default(), 10)

	jobs.ResetRotation()

	assert.Equal(t, []string{""}, resetter.keys)
}

func TestScheduler_Start(t *testing.T) {
	tests := []struct {
		name string
		cfg  SchedulerConfig
		want int
	}{
		{name: "both jobs", cfg: SchedulerConfig{PendingSweepSchedule: "@every 5m", RotationResetSchedule: "0 0 * * *"}, want: 2},
		{name: "reset disabled", cfg: SchedulerConfig{PendingSweepSchedule: "@every 5m"}, want: 1},
		{name: "nothing scheduled", cfg: SchedulerConfig{}, want: 0},
		{name: "invalid schedule skipped", cfg: SchedulerConfig{PendingSweepSchedule: "every now and then", RotationResetSchedule: "@daily"}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := NewJobs(&fakeSweeper{}, &fakeResetter{}, slog.Default(), 10)
			s := NewScheduler(jobs, slog.Default(), tt.cfg)

			assert.Equal(t, tt.want, s.Start())
			<-s.Stop().Done()
		})
	}
}
