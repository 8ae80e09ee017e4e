// Package evolution moves a project through its phase graph: it evaluates
// phase criteria, auto-completes work items whose triggers fire and advances
// the tracker when the current phase's gate opens.
package evolution

import (
	"fmt"
	"slices"
	"time"

	"github.com/metalagman/evolve/internal/phase"
)

// Tracker is the cursor into the phase graph.
type Tracker struct {
	ProjectID          string     `json:"project_id"`
	CurrentPhaseID     string     `json:"current_phase_id"`
	CompletedPhaseIDs  []string   `json:"completed_phase_ids"`
	NextPhaseIDs       []string   `json:"next_phase_ids"`
	OverallProgress    float64    `json:"overall_progress"`
	AutoAdvanceEnabled bool       `json:"auto_advance_enabled"`
	LastEvaluatedAt    *time.Time `json:"last_evaluated_at,omitempty"`
	PendingAdvance     string     `json:"pending_advance,omitempty"`
	Signaled           []string   `json:"signaled,omitempty"`
}

// NewTracker starts a tracker at the first phase of g.
func NewTracker(projectID string, g *phase.Graph) *Tracker {
	t := &Tracker{
		ProjectID:          projectID,
		CurrentPhaseID:     g.First().ID,
		CompletedPhaseIDs:  []string{},
		AutoAdvanceEnabled: true,
	}
	t.NextPhaseIDs = nextIDs(g, t.CurrentPhaseID)
	return t
}

// Validate checks the tracker against g: the current phase exists, is not
// completed, and the completed list is exactly the prefix before it.
func (t *Tracker) Validate(g *phase.Graph) error {
	current, ok := g.Get(t.CurrentPhaseID)
	if !ok {
		return &MissingPhaseError{PhaseID: t.CurrentPhaseID}
	}
	ids := g.IDs()
	want := ids[:current.Order]
	if !slices.Equal(t.CompletedPhaseIDs, want) {
		return fmt.Errorf("tracker completed phases %v do not match graph prefix %v", t.CompletedPhaseIDs, want)
	}
	return nil
}

// Clone returns a deep copy of the tracker.
func (t *Tracker) Clone() *Tracker {
	out := *t
	out.CompletedPhaseIDs = slices.Clone(t.CompletedPhaseIDs)
	out.NextPhaseIDs = slices.Clone(t.NextPhaseIDs)
	out.Signaled = slices.Clone(t.Signaled)
	if t.LastEvaluatedAt != nil {
		at := *t.LastEvaluatedAt
		out.LastEvaluatedAt = &at
	}
	return &out
}

// Reset moves the tracker back to the first phase.
func (t *Tracker) Reset(g *phase.Graph) {
	t.CurrentPhaseID = g.First().ID
	t.CompletedPhaseIDs = []string{}
	t.NextPhaseIDs = nextIDs(g, t.CurrentPhaseID)
	t.OverallProgress = 0
	t.PendingAdvance = ""
	t.Signaled = nil
	t.LastEvaluatedAt = nil
}

func (t *Tracker) advance(g *phase.Graph, next *phase.Phase, now time.Time) {
	at := now.UTC()
	t.CompletedPhaseIDs = append(t.CompletedPhaseIDs, t.CurrentPhaseID)
	t.CurrentPhaseID = next.ID
	t.NextPhaseIDs = nextIDs(g, next.ID)
	t.PendingAdvance = ""
	t.LastEvaluatedAt = &at
}

func (t *Tracker) signaled(key string) bool {
	return slices.Contains(t.Signaled, key)
}

func nextIDs(g *phase.Graph, id string) []string {
	next, ok := g.Next(id)
	if !ok {
		return []string{}
	}
	return []string{next.ID}
}
