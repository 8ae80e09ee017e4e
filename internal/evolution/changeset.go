package evolution

import (
	"slices"

	"github.com/metalagman/evolve/internal/notify"
	"github.com/metalagman/evolve/internal/phase"
	"github.com/metalagman/evolve/internal/workitem"
)

// Tracker field names reported in ChangeSet.TrackerFields.
const (
	FieldCurrentPhase    = "current_phase_id"
	FieldCompletedPhases = "completed_phase_ids"
	FieldNextPhases      = "next_phase_ids"
	FieldProgress        = "overall_progress"
	FieldAutoAdvance     = "auto_advance_enabled"
	FieldLastEvaluated   = "last_evaluated_at"
	FieldPendingAdvance  = "pending_advance"
	FieldSignaled        = "signaled"
)

// CriterionChange is the after-state of one criterion.
type CriterionChange struct {
	PhaseID   string          `json:"phase_id"`
	Criterion phase.Criterion `json:"criterion"`
}

// ChangeSet is everything one pass changed, handed to persistence as one batch.
type ChangeSet struct {
	ProjectID     string            `json:"project_id"`
	Items         []workitem.Item   `json:"items,omitempty"`
	Criteria      []CriterionChange `json:"criteria,omitempty"`
	Tracker       *Tracker          `json:"tracker,omitempty"`
	TrackerFields []string          `json:"tracker_fields,omitempty"`
	Events        []notify.Event    `json:"events,omitempty"`
	RuleErrors    []error           `json:"-"`
}

// Empty reports whether nothing needs to be written. Rule errors alone do not
// make a change set non-empty.
func (c ChangeSet) Empty() bool {
	return len(c.Items) == 0 && len(c.Criteria) == 0 && len(c.TrackerFields) == 0
}

// Merge folds a later change set into c. Later item, criterion and tracker
// states win; events accumulate.
func (c ChangeSet) Merge(later ChangeSet) ChangeSet {
	out := ChangeSet{ProjectID: c.ProjectID}
	if out.ProjectID == "" {
		out.ProjectID = later.ProjectID
	}

	out.Items = slices.Clone(c.Items)
	for _, item := range later.Items {
		idx := slices.IndexFunc(out.Items, func(v workitem.Item) bool { return v.ID == item.ID })
		if idx >= 0 {
			out.Items[idx] = item
		} else {
			out.Items = append(out.Items, item)
		}
	}

	out.Criteria = slices.Clone(c.Criteria)
	for _, cc := range later.Criteria {
		idx := slices.IndexFunc(out.Criteria, func(v CriterionChange) bool {
			return v.PhaseID == cc.PhaseID && v.Criterion.ID == cc.Criterion.ID
		})
		if idx >= 0 {
			out.Criteria[idx] = cc
		} else {
			out.Criteria = append(out.Criteria, cc)
		}
	}

	out.Tracker = c.Tracker
	if later.Tracker != nil {
		out.Tracker = later.Tracker
	}
	out.TrackerFields = slices.Clone(c.TrackerFields)
	for _, f := range later.TrackerFields {
		if !slices.Contains(out.TrackerFields, f) {
			out.TrackerFields = append(out.TrackerFields, f)
		}
	}

	out.Events = append(slices.Clone(c.Events), later.Events...)
	out.RuleErrors = append(slices.Clone(c.RuleErrors), later.RuleErrors...)
	return out
}

func trackerDiff(before, after *Tracker) []string {
	var fields []string
	if before.CurrentPhaseID != after.CurrentPhaseID {
		fields = append(fields, FieldCurrentPhase)
	}
	if !slices.Equal(before.CompletedPhaseIDs, after.CompletedPhaseIDs) {
		fields = append(fields, FieldCompletedPhases)
	}
	if !slices.Equal(before.NextPhaseIDs, after.NextPhaseIDs) {
		fields = append(fields, FieldNextPhases)
	}
	if before.OverallProgress != after.OverallProgress {
		fields = append(fields, FieldProgress)
	}
	if before.AutoAdvanceEnabled != after.AutoAdvanceEnabled {
		fields = append(fields, FieldAutoAdvance)
	}
	if !timesEqual(before.LastEvaluatedAt, after.LastEvaluatedAt) {
		fields = append(fields, FieldLastEvaluated)
	}
	if before.PendingAdvance != after.PendingAdvance {
		fields = append(fields, FieldPendingAdvance)
	}
	if !slices.Equal(before.Signaled, after.Signaled) {
		fields = append(fields, FieldSignaled)
	}
	return fields
}
