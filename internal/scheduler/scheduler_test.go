package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cost-optimizer/internal/scheduler"
)

func TestAdd_Validation(t *testing.T) {
	s := scheduler.New(nil)
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name string
		job  scheduler.Job
	}{
		{"missing name", scheduler.Job{Schedule: "@every 1h", Run: noop}},
		{"missing run", scheduler.Job{Name: "cycle", Schedule: "@every 1h"}},
		{"bad schedule", scheduler.Job{Name: "cycle", Schedule: "every hour", Run: noop}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, s.Add(tt.job))
		})
	}

	t.Run("duplicate name", func(t *testing.T) {
		require.NoError(t, s.Add(scheduler.Job{Name: "cycle", Schedule: "@every 1h", Run: noop}))
		assert.Error(t, s.Add(scheduler.Job{Name: "cycle", Schedule: "0 2 * * *", Run: noop}))
	})
}

func TestRunNow_RecordsStats(t *testing.T) {
	s := scheduler.New(nil)
	fail := true
	require.NoError(t, s.Add(scheduler.Job{Name: "purge", Schedule: "@daily", Run: func(context.Context) error {
		if fail {
			return errors.New("database unavailable")
		}
		return nil
	}}))

	assert.Error(t, s.RunNow("purge"))
	fail = false
	assert.NoError(t, s.RunNow("purge"))

	stats, ok := s.Stats("purge")
	require.True(t, ok)
	assert.Equal(t, 2, stats.Runs)
	assert.Equal(t, 1, stats.Failures)
	assert.Empty(t, stats.LastError)

	assert.Error(t, s.RunNow("missing"))
}

func TestRunNow_NoOverlap(t *testing.T) {
	s := scheduler.New(nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32

	require.NoError(t, s.Add(scheduler.Job{Name: "cycle", Schedule: "@every 1h", Run: func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow("cycle") }()
	<-started

	assert.ErrorIs(t, s.RunNow("cycle"), scheduler.ErrAlreadyRunning)
	close(release)
	require.NoError(t, <-done)

	stats, _ := s.Stats("cycle")
	assert.Equal(t, 1, stats.Runs)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, int32(1), runs.Load())
}

func TestStart_FiresAndStopsOnCancel(t *testing.T) {
	s := scheduler.New(nil)
	var runs atomic.Int32
	var sawCancel atomic.Bool

	require.NoError(t, s.Add(scheduler.Job{Name: "tick", Schedule: "@every 1s", Run: func(ctx context.Context) error {
		runs.Add(1)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	require.Eventually(t, sawCancel.Load, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}
