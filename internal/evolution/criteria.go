package evolution

import (
	"fmt"

	"github.com/metalagman/evolve/internal/phase"
	"github.com/metalagman/evolve/internal/workitem"
)

const tagMetrics = "metrics"

// EvaluateCriterion reports whether c currently holds for items. It has no
// side effects and may be called concurrently for different criteria.
func EvaluateCriterion(c phase.Criterion, items []workitem.Item) (ok bool, err error) {
	defer recoverRule(c.ID, "", &err)
	switch c.Kind {
	case phase.CriterionDependency:
		return dependencySatisfied(c.ID, items), nil
	case phase.CriterionMilestone:
		return milestoneSatisfied(c.ID, items), nil
	case phase.CriterionTest:
		return testsSatisfied(c.ID, items), nil
	case phase.CriterionReview:
		return reviewSatisfied(c.ID, items), nil
	case phase.CriterionMetric:
		return metricSatisfied(c.ID, items), nil
	default:
		return false, &RuleEvaluationError{RuleID: c.ID, Err: fmt.Errorf("unknown criterion kind %q", c.Kind)}
	}
}

// Items referencing the criterion by tag or related component must exist and
// all be completed.
func dependencySatisfied(id string, items []workitem.Item) bool {
	found := false
	for _, item := range items {
		if !item.HasTag(id) && !item.Relates(id) {
			continue
		}
		if !item.Completed() {
			return false
		}
		found = true
	}
	return found
}

func milestoneSatisfied(id string, items []workitem.Item) bool {
	for _, item := range items {
		if item.Kind == workitem.KindMilestone && item.Matches(id) && item.Completed() {
			return true
		}
	}
	return false
}

func testsSatisfied(id string, items []workitem.Item) bool {
	found := false
	for _, item := range items {
		if item.Kind != workitem.KindTest || !item.Matches(id) {
			continue
		}
		if !item.Completed() {
			return false
		}
		found = true
	}
	return found
}

func reviewSatisfied(id string, items []workitem.Item) bool {
	for _, item := range items {
		if item.Category == workitem.CategoryDocumentation && item.HasTag(id) && item.Status == workitem.StatusApproved {
			return true
		}
	}
	return false
}

func metricSatisfied(id string, items []workitem.Item) bool {
	for _, item := range items {
		if item.Completed() && item.HasTag(tagMetrics) && item.HasTag(id) {
			return true
		}
	}
	return false
}

// recoverRule turns a panic inside a rule check into a RuleEvaluationError.
func recoverRule(ruleID, itemID string, err *error) {
	if r := recover(); r != nil {
		*err = &RuleEvaluationError{RuleID: ruleID, ItemID: itemID, Err: fmt.Errorf("panic: %v", r)}
	}
}
