// Package scheduler runs evaluation passes on a fixed interval and after
// debounced work item changes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/evolve/internal/config"
	"github.com/metalagman/evolve/internal/evolution"
	"github.com/metalagman/evolve/internal/workitem"
)

// ErrStarted is returned by Start on a running scheduler.
var ErrStarted = errors.New("scheduler already started")

// Runner runs one evaluation pass.
type Runner interface {
	EvaluateOnce(ctx context.Context) (evolution.ChangeSet, error)
}

// Source publishes work item changes.
type Source interface {
	OnChange(fn func(workitem.Change)) func()
}

// Stats counts what the scheduler did since it was created.
type Stats struct {
	Passes   int64
	Dropped  int64
	Failures int64
}

// Scheduler funnels ticks and change notifications into one serialized
// evaluation loop. Stimuli arriving while a pass runs are dropped.
type Scheduler struct {
	runner   Runner
	source   Source
	settings config.Settings
	debounce time.Duration
	interval time.Duration

	mu          sync.Mutex
	started     bool
	stop        chan struct{}
	kick        chan struct{}
	timer       *time.Timer
	unsubscribe func()
	wg          sync.WaitGroup

	passes   atomic.Int64
	dropped  atomic.Int64
	failures atomic.Int64
}

// New creates a scheduler. source may be nil when only the timer is wanted.
func New(runner Runner, source Source, settings config.Settings, sched config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		runner:   runner,
		source:   source,
		settings: settings,
		debounce: sched.Debounce(),
		interval: settings.CheckInterval(),
		kick:     make(chan struct{}),
	}
}

// Start validates the configuration, subscribes to changes and starts the
// loop. The first pass runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true
	s.stop = make(chan struct{})
	if s.source != nil {
		s.unsubscribe = s.source.OnChange(s.onChange)
	}

	// Passes outlive the start context; Stop waits for them instead.
	passCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go s.loop(passCtx, s.stop)

	log.Info().
		Dur("interval", s.interval).
		Dur("debounce", s.debounce).
		Msg("scheduler started")
	return nil
}

// Stop stops the timer, cancels a pending debounce and unsubscribes. It waits
// for an in-flight pass to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	close(s.stop)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for evaluation pass: %w", ctx.Err())
	}
}

// Stats returns pass counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Passes:   s.passes.Load(),
		Dropped:  s.dropped.Load(),
		Failures: s.failures.Load(),
	}
}

func (s *Scheduler) validate() error {
	if !s.settings.Enabled {
		return &config.ConfigurationError{Field: "auto_completion.enabled", Reason: "is false"}
	}
	if err := s.settings.Validate(); err != nil {
		return err
	}
	if s.interval <= 0 {
		return &config.ConfigurationError{Field: "auto_completion.check_interval_seconds", Reason: "must be > 0"}
	}
	minDebounce := config.MinDebounceMS * time.Millisecond
	maxDebounce := config.MaxDebounceMS * time.Millisecond
	if s.debounce < minDebounce || s.debounce > maxDebounce {
		return &config.ConfigurationError{
			Field:  "scheduler.debounce_ms",
			Reason: fmt.Sprintf("must be within [%d, %d]", config.MinDebounceMS, config.MaxDebounceMS),
		}
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.run(ctx, "start")
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.run(ctx, "tick")
		case <-s.kick:
			s.run(ctx, "change")
		}
	}
}

// onChange restarts the debounce window for manual edits. Engine writes are
// the result of a pass and never schedule another one.
func (s *Scheduler) onChange(change workitem.Change) {
	if change.Origin == workitem.OriginEngine {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if s.timer != nil {
		s.timer.Reset(s.debounce)
		return
	}
	s.timer = time.AfterFunc(s.debounce, s.fire)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	s.timer = nil
	stop := s.stop
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	select {
	case s.kick <- struct{}{}:
	case <-stop:
	default:
		s.dropped.Add(1)
		log.Debug().Msg("change notification dropped, pass in progress")
	}
}

func (s *Scheduler) run(ctx context.Context, reason string) {
	cs, err := s.runner.EvaluateOnce(ctx)
	if err == nil {
		s.passes.Add(1)
		if !cs.Empty() {
			log.Debug().Str("reason", reason).Int("items", len(cs.Items)).Msg("pass applied changes")
		}
		return
	}

	var missing *evolution.MissingPhaseError
	var persist *evolution.PersistenceError
	switch {
	case errors.Is(err, evolution.ErrPassInProgress):
		s.dropped.Add(1)
		log.Debug().Str("reason", reason).Msg("pass dropped, another pass in progress")
	case errors.As(err, &missing):
		s.failures.Add(1)
		log.Error().Err(err).Str("phase_id", missing.PhaseID).Msg("evaluation pass failed, retrying next tick")
	case errors.As(err, &persist):
		s.passes.Add(1)
		s.failures.Add(1)
		log.Warn().Err(err).Msg("pass not persisted, retrying next tick")
	default:
		s.failures.Add(1)
		log.Error().Err(err).Str("reason", reason).Msg("evaluation pass failed")
	}
}
