package evolution

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/metalagman/evolve/internal/phase"
	"github.com/metalagman/evolve/internal/workitem"
)

// Candidates returns the items a phase's triggers may act on: not completed
// and tagged with phaseID.
func Candidates(items []workitem.Item, phaseID string) []int {
	out := make([]int, 0, len(items))
	for i, item := range items {
		if !item.Completed() && item.PhaseID == phaseID {
			out = append(out, i)
		}
	}
	return out
}

// ShouldComplete walks p's enabled triggers in declaration order and returns
// the first one that fires for item. Later triggers are not evaluated, so
// trigger order is significant. A trigger that cannot be evaluated is
// reported and treated as not firing.
func ShouldComplete(item workitem.Item, p *phase.Phase, items []workitem.Item, now time.Time) (*phase.Trigger, []error) {
	var errs []error
	for i := range p.Triggers {
		t := &p.Triggers[i]
		if !t.Enabled {
			continue
		}
		fired, err := triggerFires(*t, item, items, now)
		if err != nil {
			var rerr *RuleEvaluationError
			if !errors.As(err, &rerr) {
				err = &RuleEvaluationError{RuleID: t.ID, ItemID: item.ID, Err: err}
			}
			errs = append(errs, err)
			continue
		}
		if fired {
			return t, errs
		}
	}
	return nil, errs
}

func triggerFires(t phase.Trigger, item workitem.Item, items []workitem.Item, now time.Time) (fired bool, err error) {
	defer recoverRule(t.ID, item.ID, &err)
	params, err := t.Params()
	if err != nil {
		return false, err
	}
	switch t.Condition {
	case phase.ConditionDependenciesMet:
		return dependenciesMet(item, items), nil
	case phase.ConditionMilestoneReached:
		if params.MilestoneID == "" {
			return false, errors.New("milestone_reached requires parameter milestoneId")
		}
		return milestoneReached(params.MilestoneID, items), nil
	case phase.ConditionTestsPassed:
		return testsPassed(item.ID, params.TestType, items), nil
	case phase.ConditionTimeElapsed:
		if _, ok := t.Parameters["hours"]; !ok {
			return false, errors.New("time_elapsed requires parameter hours")
		}
		if math.IsNaN(params.Hours) || math.IsInf(params.Hours, 0) || params.Hours < 0 {
			return false, fmt.Errorf("time_elapsed hours must be a finite number >= 0, got %v", params.Hours)
		}
		return timeElapsed(item.CreatedAt, params.Hours, now), nil
	case phase.ConditionManualApproval:
		return false, nil
	default:
		return false, fmt.Errorf("unknown trigger condition %q", t.Condition)
	}
}

// Vacuously true without dependencies. An unknown dependency id counts as
// not completed.
func dependenciesMet(item workitem.Item, items []workitem.Item) bool {
	if len(item.Dependencies) == 0 {
		return true
	}
	completed := make(map[string]bool, len(items))
	for _, other := range items {
		completed[other.ID] = other.Completed()
	}
	for _, dep := range item.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

func milestoneReached(ref string, items []workitem.Item) bool {
	for _, item := range items {
		if item.Matches(ref) && item.Completed() {
			return true
		}
	}
	return false
}

// At least one matching test is required; "all of none" does not fire.
func testsPassed(itemID, testType string, items []workitem.Item) bool {
	found := false
	for _, test := range items {
		if test.Kind != workitem.KindTest || !test.Relates(itemID) {
			continue
		}
		if testType != "" && !test.HasTag(testType) {
			continue
		}
		if !test.Completed() {
			return false
		}
		found = true
	}
	return found
}

// Compared in float hours; hours beyond the Duration range must not wrap.
func timeElapsed(createdAt time.Time, hours float64, now time.Time) bool {
	return now.Sub(createdAt).Hours() >= hours
}
