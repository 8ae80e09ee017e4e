package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/evolve/internal/config"
	"github.com/metalagman/evolve/internal/evolution"
	"github.com/metalagman/evolve/internal/workitem"
)

type fakeRunner struct {
	calls atomic.Int64
	err   error
	gate  chan struct{}
}

func (f *fakeRunner) EvaluateOnce(context.Context) (evolution.ChangeSet, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return evolution.ChangeSet{}, f.err
}

var testScheduler = config.SchedulerConfig{DebounceMS: config.MinDebounceMS}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
}

func TestStartValidates(t *testing.T) {
	t.Parallel()

	disabled := config.DefaultSettings()
	disabled.Enabled = false
	noInterval := config.DefaultSettings()
	noInterval.CheckIntervalSeconds = 0

	tests := []struct {
		name     string
		settings config.Settings
		sched    config.SchedulerConfig
		field    string
	}{
		{name: "disabled", settings: disabled, sched: testScheduler, field: "auto_completion.enabled"},
		{name: "interval", settings: noInterval, sched: testScheduler, field: "auto_completion.check_interval_seconds"},
		{name: "debounce low", settings: config.DefaultSettings(), sched: config.SchedulerConfig{DebounceMS: 100}, field: "scheduler.debounce_ms"},
		{name: "debounce high", settings: config.DefaultSettings(), sched: config.SchedulerConfig{DebounceMS: 5000}, field: "scheduler.debounce_ms"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			runner := &fakeRunner{}
			err := New(runner, nil, tc.settings, tc.sched).Start(context.Background())
			var cerr *config.ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tc.field, cerr.Field)
			assert.Zero(t, runner.calls.Load())
		})
	}
}

func TestStartTwice(t *testing.T) {
	t.Parallel()

	s := New(&fakeRunner{}, nil, config.DefaultSettings(), testScheduler)
	startScheduler(t, s)
	require.ErrorIs(t, s.Start(context.Background()), ErrStarted)
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestTicksRunPasses(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	s := New(runner, nil, config.DefaultSettings(), testScheduler)
	s.interval = 10 * time.Millisecond
	startScheduler(t, s)

	require.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestChangeBurstIsDebounced(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	store := workitem.NewStore()
	s := New(runner, store, config.DefaultSettings(), testScheduler)
	startScheduler(t, s)
	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := store.Add(workitem.Item{ID: id, Kind: workitem.KindTask})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return runner.calls.Load() == 2 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(s.debounce + 200*time.Millisecond)
	assert.Equal(t, int64(2), runner.calls.Load())
}

func TestEngineChangesDoNotSchedule(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	store := workitem.NewStore(workitem.Item{ID: "a", Kind: workitem.KindTask})
	s := New(runner, store, config.DefaultSettings(), testScheduler)
	startScheduler(t, s)
	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	store.Apply([]workitem.Item{{ID: "a", Kind: workitem.KindTask, Status: workitem.StatusCompleted}})

	time.Sleep(s.debounce + 200*time.Millisecond)
	assert.Equal(t, int64(1), runner.calls.Load())
}

func TestPassInProgressIsDropped(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: evolution.ErrPassInProgress}
	s := New(runner, nil, config.DefaultSettings(), testScheduler)
	s.interval = 10 * time.Millisecond
	startScheduler(t, s)

	require.Eventually(t, func() bool { return s.Stats().Dropped >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Stats().Failures)
}

func TestFailuresAreRetriedNextTick(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: &evolution.MissingPhaseError{PhaseID: "gone"}}
	s := New(runner, nil, config.DefaultSettings(), testScheduler)
	s.interval = 10 * time.Millisecond
	startScheduler(t, s)

	require.Eventually(t, func() bool { return s.Stats().Failures >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopWaitsForInFlightPass(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{gate: make(chan struct{})}
	store := workitem.NewStore()
	s := New(runner, store, config.DefaultSettings(), testScheduler)
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	var stopErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		stopErr = s.Stop(short)
	}()
	wg.Wait()
	require.True(t, errors.Is(stopErr, context.DeadlineExceeded))

	close(runner.gate)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after the pass finished")
	}

	_, err := store.Add(workitem.Item{ID: "late", Kind: workitem.KindTask})
	require.NoError(t, err)
	time.Sleep(s.debounce + 200*time.Millisecond)
	assert.Equal(t, int64(1), runner.calls.Load(), "stopped scheduler ignores changes")
}
