package evolution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/evolve/internal/config"
	"github.com/metalagman/evolve/internal/notify"
	"github.com/metalagman/evolve/internal/phase"
	"github.com/metalagman/evolve/internal/workitem"
)

// Saver persists change sets. A failed save is retried with the next batch.
type Saver interface {
	Save(ctx context.Context, cs ChangeSet) error
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, cs ChangeSet) error

// Save calls f.
func (f SaverFunc) Save(ctx context.Context, cs ChangeSet) error { return f(ctx, cs) }

// Options are the optional collaborators of an Engine.
type Options struct {
	Saver    Saver
	Notifier notify.Notifier
	Now      func() time.Time
}

// Engine is the single owner of one project's tracker state. All mutation of
// the graph, the tracker and engine-driven item updates goes through it.
type Engine struct {
	// running admits one pass at a time.
	running sync.Mutex
	// mu guards graph, tracker and settings against concurrent readers.
	mu       sync.RWMutex
	store    *workitem.Store
	graph    *phase.Graph
	tracker  *Tracker
	settings config.Settings
	saver    Saver
	notifier notify.Notifier
	now      func() time.Time
	// pending holds change sets whose save failed; guarded by running.
	pending *ChangeSet
}

// NewEngine wires an engine around an existing store, graph and tracker.
func NewEngine(store *workitem.Store, graph *phase.Graph, tracker *Tracker, settings config.Settings, opts Options) (*Engine, error) {
	if store == nil || graph == nil || tracker == nil {
		return nil, errors.New("evolution: engine requires a store, a phase graph and a tracker")
	}
	e := &Engine{
		store:    store,
		graph:    graph,
		tracker:  tracker,
		settings: settings,
		saver:    opts.Saver,
		notifier: opts.Notifier,
		now:      opts.Now,
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Store returns the work item store the engine evaluates.
func (e *Engine) Store() *workitem.Store {
	return e.store
}

// EvaluateOnce runs one pass. A call made while another pass runs returns
// ErrPassInProgress and changes nothing.
func (e *Engine) EvaluateOnce(ctx context.Context) (ChangeSet, error) {
	if !e.running.TryLock() {
		return ChangeSet{}, ErrPassInProgress
	}
	defer e.running.Unlock()

	startedAt := time.Now()
	e.mu.Lock()
	snap := &Snapshot{Graph: e.graph, Tracker: e.tracker, Items: e.store.List()}
	cs, err := Evaluate(snap, e.settings, e.now())
	e.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Str("project_id", cs.ProjectID).Msg("evaluation pass failed")
		// Saves queued by earlier passes do not depend on this one.
		if e.pending != nil {
			_ = e.persist(ctx, ChangeSet{})
		}
		return cs, err
	}

	cs, err = e.commit(ctx, cs)
	log.Debug().
		Str("project_id", cs.ProjectID).
		Int("items", len(cs.Items)).
		Int("criteria", len(cs.Criteria)).
		Strs("tracker_fields", cs.TrackerFields).
		Int("rule_errors", len(cs.RuleErrors)).
		Dur("duration", time.Since(startedAt)).
		Msg("evaluation pass finished")
	return cs, err
}

// Approve performs an advance held for manual approval.
func (e *Engine) Approve(ctx context.Context) (ChangeSet, error) {
	e.running.Lock()
	defer e.running.Unlock()

	e.mu.Lock()
	snap := &Snapshot{Graph: e.graph, Tracker: e.tracker, Items: e.store.List()}
	cs, err := ApproveAdvance(snap, e.settings, e.now())
	e.mu.Unlock()
	if err != nil {
		return cs, err
	}
	return e.commit(ctx, cs)
}

// Reset clears all criteria and moves the tracker back to the first phase.
func (e *Engine) Reset(ctx context.Context) (ChangeSet, error) {
	e.running.Lock()
	defer e.running.Unlock()

	e.mu.Lock()
	snap := &Snapshot{Graph: e.graph, Tracker: e.tracker, Items: e.store.List()}
	cs := Reset(snap, e.now())
	e.mu.Unlock()
	return e.commit(ctx, cs)
}

// SetAutoAdvance toggles automatic phase advancement on the tracker.
func (e *Engine) SetAutoAdvance(ctx context.Context, enabled bool) (ChangeSet, error) {
	e.running.Lock()
	defer e.running.Unlock()

	e.mu.Lock()
	before := e.tracker.Clone()
	e.tracker.AutoAdvanceEnabled = enabled
	cs := ChangeSet{ProjectID: e.tracker.ProjectID, TrackerFields: trackerDiff(before, e.tracker)}
	if len(cs.TrackerFields) > 0 {
		cs.Tracker = e.tracker.Clone()
	}
	e.mu.Unlock()
	return e.commit(ctx, cs)
}

// Flush retries change sets whose save failed earlier.
func (e *Engine) Flush(ctx context.Context) error {
	e.running.Lock()
	defer e.running.Unlock()
	return e.persist(ctx, ChangeSet{})
}

// Pending reports whether a failed save is waiting to be retried.
func (e *Engine) Pending() bool {
	e.running.Lock()
	defer e.running.Unlock()
	return e.pending != nil
}

// Status is a read-only view of the engine state.
type Status struct {
	Tracker  *Tracker
	Phases   []phase.Phase
	Settings config.Settings
}

// Status returns copies of the tracker and phases.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		Tracker:  e.tracker.Clone(),
		Phases:   e.graph.Phases(),
		Settings: e.settings,
	}
}

// commit merges item changes into the store, persists the merged items and
// notifies. The in-memory state is kept even when persistence fails.
func (e *Engine) commit(ctx context.Context, cs ChangeSet) (ChangeSet, error) {
	if len(cs.Items) > 0 {
		cs.Items = e.store.Apply(cs.Items)
	}
	err := e.persist(ctx, cs)
	for _, ev := range cs.Events {
		e.notifier.Notify(ev)
	}
	return cs, err
}

func (e *Engine) persist(ctx context.Context, cs ChangeSet) error {
	batch := cs
	if e.pending != nil {
		batch = e.pending.Merge(cs)
	}
	if batch.Empty() || e.saver == nil {
		e.pending = nil
		return nil
	}
	if err := e.saver.Save(ctx, batch); err != nil {
		batch.RuleErrors = nil
		e.pending = &batch
		log.Warn().Err(err).Str("project_id", batch.ProjectID).Msg("change set not persisted, will retry")
		return &PersistenceError{Err: err}
	}
	e.pending = nil
	return nil
}
