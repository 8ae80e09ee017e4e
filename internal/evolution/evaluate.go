package evolution

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/evolve/internal/config"
	"github.com/metalagman/evolve/internal/notify"
	"github.com/metalagman/evolve/internal/phase"
	"github.com/metalagman/evolve/internal/workitem"
)

// ErrNoPendingAdvance is returned by ApproveAdvance when nothing awaits approval.
var ErrNoPendingAdvance = errors.New("no phase advance awaiting approval")

// Snapshot is the state one pass reads and mutates. Items is the pass's own
// copy of the work item store.
type Snapshot struct {
	Graph   *phase.Graph
	Tracker *Tracker
	Items   []workitem.Item
}

type pass struct {
	snap    *Snapshot
	now     time.Time
	before  *Tracker
	changed map[int]struct{}
	cs      ChangeSet
}

func newPass(snap *Snapshot, now time.Time) *pass {
	return &pass{
		snap:    snap,
		now:     now.UTC(),
		before:  snap.Tracker.Clone(),
		changed: make(map[int]struct{}),
		cs:      ChangeSet{ProjectID: snap.Tracker.ProjectID},
	}
}

// Evaluate runs one pass over snap: criteria of the current phase first, then
// triggers of its candidate items, then a possible advance, then progress.
// Criteria see the items as they were when the pass started.
func Evaluate(snap *Snapshot, settings config.Settings, now time.Time) (ChangeSet, error) {
	p := newPass(snap, now)
	if !settings.Enabled {
		return p.cs, nil
	}
	current, ok := snap.Graph.Get(snap.Tracker.CurrentPhaseID)
	if !ok {
		return p.cs, &MissingPhaseError{PhaseID: snap.Tracker.CurrentPhaseID}
	}

	p.evaluateCriteria(current)
	gateOpen := gateOpen(current, settings.Mode)
	if settings.Automates() {
		p.evaluateTriggers(current)
		if gateOpen && settings.AutoAdvancePhases && snap.Tracker.AutoAdvanceEnabled {
			p.maybeAdvance(current, settings.RequireManualApproval)
		}
	}
	p.updateProgress()
	return p.finish(), nil
}

// ApproveAdvance performs an advance that was held for manual approval. The
// gate is re-checked, so approval can never skip an unsatisfied criterion.
func ApproveAdvance(snap *Snapshot, settings config.Settings, now time.Time) (ChangeSet, error) {
	p := newPass(snap, now)
	if snap.Tracker.PendingAdvance == "" {
		return p.cs, ErrNoPendingAdvance
	}
	current, ok := snap.Graph.Get(snap.Tracker.CurrentPhaseID)
	if !ok {
		return p.cs, &MissingPhaseError{PhaseID: snap.Tracker.CurrentPhaseID}
	}
	if !gateOpen(current, settings.Mode) {
		return p.cs, fmt.Errorf("phase %s criteria are no longer satisfied", current.ID)
	}
	next, ok := snap.Graph.Next(current.ID)
	if !ok || next.ID != snap.Tracker.PendingAdvance {
		return p.cs, fmt.Errorf("pending advance %q does not follow phase %s", snap.Tracker.PendingAdvance, current.ID)
	}
	p.advance(current, next)
	p.updateProgress()
	return p.finish(), nil
}

// Reset clears every criterion and moves the tracker back to the first phase.
// Work items are not touched.
func Reset(snap *Snapshot, now time.Time) ChangeSet {
	p := newPass(snap, now)
	for _, ph := range snap.Graph.Phases() {
		for _, c := range ph.Criteria {
			if !c.Satisfied {
				continue
			}
			c.Satisfied = false
			c.SatisfiedAt = nil
			c.SatisfiedBy = ""
			p.cs.Criteria = append(p.cs.Criteria, CriterionChange{PhaseID: ph.ID, Criterion: c})
		}
	}
	snap.Graph.Reset()
	snap.Tracker.Reset(snap.Graph)
	p.event(notify.KindPhaseReset, snap.Tracker.CurrentPhaseID, "", "", "phase graph reset")
	p.updateProgress()
	return p.finish()
}

func gateOpen(p *phase.Phase, mode config.Mode) bool {
	if mode == config.ModeStrict {
		return p.AllSatisfied()
	}
	return p.RequiredSatisfied()
}

func (p *pass) evaluateCriteria(current *phase.Phase) {
	for i := range current.Criteria {
		c := &current.Criteria[i]
		if c.Satisfied {
			continue
		}
		ok, err := EvaluateCriterion(*c, p.snap.Items)
		if err != nil {
			p.ruleError(err, c.ID, "")
			continue
		}
		if !ok {
			continue
		}
		c.Satisfy(p.now)
		p.cs.Criteria = append(p.cs.Criteria, CriterionChange{PhaseID: current.ID, Criterion: *c})
		log.Debug().Str("phase_id", current.ID).Str("criterion_id", c.ID).Msg("criterion satisfied")
	}
}

// Completions made here are visible to later trigger checks in the same
// pass, so the loop repeats until no candidate completes.
func (p *pass) evaluateTriggers(current *phase.Phase) {
	for {
		progressed := false
		for _, idx := range Candidates(p.snap.Items, current.ID) {
			item := p.snap.Items[idx]
			trig, errs := ShouldComplete(item, current, p.snap.Items, p.now)
			for _, err := range errs {
				p.ruleError(err, "", item.ID)
			}
			if trig == nil {
				continue
			}
			if trig.Action == phase.ActionMarkCompleted {
				p.complete(idx, current, trig)
				progressed = true
				continue
			}
			p.signal(item, current, trig)
		}
		if !progressed {
			return
		}
	}
}

func (p *pass) complete(idx int, current *phase.Phase, trig *phase.Trigger) {
	item := &p.snap.Items[idx]
	at := p.now
	item.Status = workitem.StatusCompleted
	item.AutoCompleted = true
	item.CompletionTrigger = workitem.CompletionEvolution
	item.CompletedByTrigger = trig.ID
	item.CompletedAt = &at
	if item.ActualEffort == nil {
		effort := item.EstimatedEffort
		item.ActualEffort = &effort
	}
	item.Notes = append(item.Notes, workitem.Note{
		At:        at,
		TriggerID: trig.ID,
		Text:      fmt.Sprintf("auto-completed by trigger %s (%s) at %s", trig.ID, trig.Condition, at.Format(time.RFC3339)),
	})
	p.changed[idx] = struct{}{}
	p.event(notify.KindAutoCompleted, current.ID, item.ID, trig.ID, fmt.Sprintf("%s auto-completed", item.ID))
}

// Non-completing actions report once per trigger and item.
func (p *pass) signal(item workitem.Item, current *phase.Phase, trig *phase.Trigger) {
	key := trig.ID + "/" + item.ID
	if p.snap.Tracker.signaled(key) {
		return
	}
	p.snap.Tracker.Signaled = append(p.snap.Tracker.Signaled, key)
	switch trig.Action {
	case phase.ActionEscalate:
		p.event(notify.KindEscalated, current.ID, item.ID, trig.ID, fmt.Sprintf("%s escalated", item.ID))
	case phase.ActionStartNextPhase:
		p.event(notify.KindTriggerFired, current.ID, item.ID, trig.ID, fmt.Sprintf("%s requests next phase", item.ID))
	default:
		p.event(notify.KindTriggerFired, current.ID, item.ID, trig.ID, fmt.Sprintf("trigger %s fired for %s", trig.ID, item.ID))
	}
}

func (p *pass) maybeAdvance(current *phase.Phase, requireApproval bool) {
	next, ok := p.snap.Graph.Next(current.ID)
	if !ok {
		return
	}
	if requireApproval {
		if p.snap.Tracker.PendingAdvance != next.ID {
			p.snap.Tracker.PendingAdvance = next.ID
			p.event(notify.KindAdvancePending, current.ID, "", "", fmt.Sprintf("phase %s ready to advance to %s, awaiting approval", current.ID, next.ID))
		}
		return
	}
	p.advance(current, next)
}

func (p *pass) advance(current, next *phase.Phase) {
	p.snap.Tracker.advance(p.snap.Graph, next, p.now)
	p.event(notify.KindPhaseAdvanced, next.ID, "", "", fmt.Sprintf("advanced from %s to %s", current.ID, next.ID))
	log.Info().Str("project_id", p.snap.Tracker.ProjectID).Str("from", current.ID).Str("to", next.ID).Msg("phase advanced")
}

func (p *pass) updateProgress() {
	p.snap.Tracker.OverallProgress = PhaseProgress(p.snap.Items, p.snap.Tracker.CurrentPhaseID)
}

// PhaseProgress is the completed share of items tagged with phaseID, in
// percent. It is 0 when no item carries the phase.
func PhaseProgress(items []workitem.Item, phaseID string) float64 {
	total, done := 0, 0
	for _, item := range items {
		if item.PhaseID != phaseID {
			continue
		}
		total++
		if item.Completed() {
			done++
		}
	}
	if total == 0 {
		return 0
	}
	return min(max(float64(done)/float64(total)*100, 0), 100)
}

func (p *pass) event(kind notify.Kind, phaseID, itemID, triggerID, message string) {
	p.cs.Events = append(p.cs.Events, notify.Event{
		Kind:      kind,
		ProjectID: p.snap.Tracker.ProjectID,
		PhaseID:   phaseID,
		ItemID:    itemID,
		TriggerID: triggerID,
		Message:   message,
		At:        p.now,
	})
}

func (p *pass) ruleError(err error, ruleID, itemID string) {
	var rerr *RuleEvaluationError
	if errors.As(err, &rerr) {
		ruleID, itemID = rerr.RuleID, rerr.ItemID
	} else {
		err = &RuleEvaluationError{RuleID: ruleID, ItemID: itemID, Err: err}
	}
	p.cs.RuleErrors = append(p.cs.RuleErrors, err)
	log.Warn().Err(err).Str("rule_id", ruleID).Str("item_id", itemID).Msg("rule evaluation failed")
}

func (p *pass) finish() ChangeSet {
	for idx := range p.snap.Items {
		if _, ok := p.changed[idx]; ok {
			p.cs.Items = append(p.cs.Items, p.snap.Items[idx].Clone())
		}
	}
	p.cs.TrackerFields = trackerDiff(p.before, p.snap.Tracker)
	if len(p.cs.TrackerFields) > 0 {
		p.cs.Tracker = p.snap.Tracker.Clone()
	}
	return p.cs
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
