package workitem

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when an item id is unknown.
	ErrNotFound = errors.New("work item not found")
	// ErrDuplicate is returned when adding an item whose id already exists.
	ErrDuplicate = errors.New("work item already exists")
	// ErrPhaseAssigned is returned when re-assigning a phase without force.
	ErrPhaseAssigned = errors.New("work item phase already assigned")
)

// Origin tells listeners who mutated the store.
type Origin string

const (
	OriginManual Origin = "manual"
	OriginEngine Origin = "engine"
)

// Change describes one store mutation.
type Change struct {
	IDs    []string
	Origin Origin
}

// Patch is a manual edit. Nil fields are left untouched.
type Patch struct {
	Title             *string
	Status            *Status
	Priority          *Priority
	Category          *string
	Tags              *[]string
	Dependencies      *[]string
	RelatedComponents *[]string
	EstimatedEffort   *float64
	ActualEffort      *float64
	Note              string
}

// Store is an ordered, concurrency-safe collection of work items.
type Store struct {
	mu        sync.RWMutex
	order     []string
	items     map[string]Item
	listeners map[int]func(Change)
	nextID    int
	now       func() time.Time
}

// NewStore creates a store seeded with items, keeping their order.
func NewStore(items ...Item) *Store {
	s := &Store{
		items:     make(map[string]Item, len(items)),
		listeners: make(map[int]func(Change)),
		now:       time.Now,
	}
	for _, item := range items {
		if _, ok := s.items[item.ID]; ok {
			continue
		}
		s.order = append(s.order, item.ID)
		s.items[item.ID] = item.Clone()
	}
	return s
}

// SetClock overrides the clock used to stamp manual completions.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// List returns copies of all items in insertion order.
func (s *Store) List() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Item, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id].Clone())
	}
	return out
}

// Get returns a copy of one item.
func (s *Store) Get(id string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return item.Clone(), nil
}

// Add inserts a new item. Empty status defaults to planned.
func (s *Store) Add(item Item) (Item, error) {
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" {
		return Item{}, errors.New("work item id is required")
	}
	s.mu.Lock()
	if _, ok := s.items[item.ID]; ok {
		s.mu.Unlock()
		return Item{}, fmt.Errorf("%w: %s", ErrDuplicate, item.ID)
	}
	if item.Status == "" {
		item.Status = StatusPlanned
	}
	if item.Priority == "" {
		item.Priority = PriorityMedium
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now().UTC()
	}
	s.order = append(s.order, item.ID)
	s.items[item.ID] = item.Clone()
	s.mu.Unlock()

	s.emit(Change{IDs: []string{item.ID}, Origin: OriginManual})
	return item.Clone(), nil
}

// Update applies a manual patch to one item.
func (s *Store) Update(id string, patch Patch) (Item, error) {
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := s.now().UTC()
	if patch.Title != nil {
		item.Title = *patch.Title
	}
	if patch.Status != nil && *patch.Status != item.Status {
		item.Status = *patch.Status
		if item.Status == StatusCompleted {
			item.CompletionTrigger = CompletionManual
			item.CompletedAt = &now
		} else {
			item.CompletionTrigger = ""
			item.CompletedAt = nil
			item.AutoCompleted = false
			item.CompletedByTrigger = ""
		}
	}
	if patch.Priority != nil {
		item.Priority = *patch.Priority
	}
	if patch.Category != nil {
		item.Category = *patch.Category
	}
	if patch.Tags != nil {
		item.Tags = slices.Clone(*patch.Tags)
	}
	if patch.Dependencies != nil {
		item.Dependencies = slices.Clone(*patch.Dependencies)
	}
	if patch.RelatedComponents != nil {
		item.RelatedComponents = slices.Clone(*patch.RelatedComponents)
	}
	if patch.EstimatedEffort != nil {
		item.EstimatedEffort = *patch.EstimatedEffort
	}
	if patch.ActualEffort != nil {
		effort := *patch.ActualEffort
		item.ActualEffort = &effort
	}
	if patch.Note != "" {
		item.Notes = append(item.Notes, Note{At: now, Text: patch.Note})
	}
	s.items[id] = item
	out := item.Clone()
	s.mu.Unlock()

	s.emit(Change{IDs: []string{id}, Origin: OriginManual})
	return out, nil
}

// AssignPhase tags an item with a phase. An item that already has a
// different phase is only re-assigned when force is set.
func (s *Store) AssignPhase(id, phaseID string, force bool) (Item, error) {
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if item.PhaseID != "" && item.PhaseID != phaseID && !force {
		s.mu.Unlock()
		return Item{}, fmt.Errorf("%w: %s is in phase %s", ErrPhaseAssigned, id, item.PhaseID)
	}
	item.PhaseID = phaseID
	s.items[id] = item
	out := item.Clone()
	s.mu.Unlock()

	s.emit(Change{IDs: []string{id}, Origin: OriginManual})
	return out, nil
}

// Delete removes an item. The engine never calls it.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if _, ok := s.items[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.items, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	s.mu.Unlock()

	s.emit(Change{IDs: []string{id}, Origin: OriginManual})
	return nil
}

// Apply is the engine's write path. It merges the engine-owned fields of
// each item onto the stored one: completion state, actual effort and notes
// the engine appended. Everything else keeps the stored value, so manual
// edits made while a pass ran survive. Unknown ids are skipped. Apply
// returns the merged items.
func (s *Store) Apply(items []Item) []Item {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	merged := make([]Item, 0, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		current, ok := s.items[item.ID]
		if !ok {
			continue
		}
		next := mergeEngineFields(current.Clone(), item)
		s.items[item.ID] = next
		merged = append(merged, next.Clone())
		ids = append(ids, item.ID)
	}
	s.mu.Unlock()

	if len(ids) > 0 {
		s.emit(Change{IDs: ids, Origin: OriginEngine})
	}
	return merged
}

// A completion recorded on the stored item wins over the engine's.
func mergeEngineFields(current, engine Item) Item {
	if engine.Completed() && !current.Completed() {
		current.Status = engine.Status
		current.AutoCompleted = engine.AutoCompleted
		current.CompletionTrigger = engine.CompletionTrigger
		current.CompletedByTrigger = engine.CompletedByTrigger
		if engine.CompletedAt != nil {
			at := *engine.CompletedAt
			current.CompletedAt = &at
		}
	}
	if current.ActualEffort == nil && engine.ActualEffort != nil {
		effort := *engine.ActualEffort
		current.ActualEffort = &effort
	}
	for _, note := range engine.Notes {
		if note.TriggerID == "" || hasNote(current.Notes, note) {
			continue
		}
		current.Notes = append(current.Notes, note)
	}
	return current
}

func hasNote(notes []Note, n Note) bool {
	return slices.ContainsFunc(notes, func(o Note) bool {
		return o.TriggerID == n.TriggerID && o.Text == n.Text && o.At.Equal(n.At)
	})
}

// OnChange registers fn to be called after every mutation. Listeners run on
// the mutating goroutine and must not block. The returned func unsubscribes.
func (s *Store) OnChange(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) emit(change Change) {
	s.mu.RLock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(change)
	}
}
