package evolution

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/evolve/internal/phase"
	"github.com/metalagman/evolve/internal/workitem"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func completed(id string, kind workitem.Kind, tags ...string) workitem.Item {
	return workitem.Item{ID: id, Kind: kind, Status: workitem.StatusCompleted, Tags: tags}
}

func open(id string, kind workitem.Kind, tags ...string) workitem.Item {
	return workitem.Item{ID: id, Kind: kind, Status: workitem.StatusInProgress, Tags: tags}
}

func TestEvaluateCriterion(t *testing.T) {
	t.Parallel()

	doc := workitem.Item{ID: "doc", Kind: workitem.KindTask, Category: workitem.CategoryDocumentation, Status: workitem.StatusApproved, Tags: []string{"arch_review"}}

	tests := []struct {
		name  string
		kind  phase.CriterionKind
		id    string
		items []workitem.Item
		want  bool
	}{
		{name: "test without items", kind: phase.CriterionTest, id: "unit", want: false},
		{name: "test all completed", kind: phase.CriterionTest, id: "unit", items: []workitem.Item{completed("t1", workitem.KindTest, "unit"), completed("t2", workitem.KindTest, "unit")}, want: true},
		{name: "test one open", kind: phase.CriterionTest, id: "unit", items: []workitem.Item{completed("t1", workitem.KindTest, "unit"), open("t2", workitem.KindTest, "unit")}, want: false},
		{name: "test ignores other kinds", kind: phase.CriterionTest, id: "unit", items: []workitem.Item{completed("x", workitem.KindTask, "unit")}, want: false},
		{name: "milestone completed", kind: phase.CriterionMilestone, id: "m1", items: []workitem.Item{completed("m1", workitem.KindMilestone)}, want: true},
		{name: "milestone by tag", kind: phase.CriterionMilestone, id: "alpha", items: []workitem.Item{completed("m1", workitem.KindMilestone, "alpha")}, want: true},
		{name: "milestone open", kind: phase.CriterionMilestone, id: "m1", items: []workitem.Item{open("m1", workitem.KindMilestone)}, want: false},
		{name: "dependency all done", kind: phase.CriterionDependency, id: "core", items: []workitem.Item{completed("a", workitem.KindTask, "core"), {ID: "b", Status: workitem.StatusCompleted, RelatedComponents: []string{"core"}}}, want: true},
		{name: "dependency one open", kind: phase.CriterionDependency, id: "core", items: []workitem.Item{completed("a", workitem.KindTask, "core"), open("b", workitem.KindTask, "core")}, want: false},
		{name: "dependency nothing tagged", kind: phase.CriterionDependency, id: "core", want: false},
		{name: "review approved doc", kind: phase.CriterionReview, id: "arch_review", items: []workitem.Item{doc}, want: true},
		{name: "review needs documentation", kind: phase.CriterionReview, id: "arch_review", items: []workitem.Item{{ID: "x", Status: workitem.StatusApproved, Tags: []string{"arch_review"}}}, want: false},
		{name: "metric completed", kind: phase.CriterionMetric, id: "p95", items: []workitem.Item{completed("bench", workitem.KindTask, "metrics", "p95")}, want: true},
		{name: "metric without metrics tag", kind: phase.CriterionMetric, id: "p95", items: []workitem.Item{completed("bench", workitem.KindTask, "p95")}, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := EvaluateCriterion(phase.Criterion{ID: tc.id, Kind: tc.kind}, tc.items)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateCriterionUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := EvaluateCriterion(phase.Criterion{ID: "c", Kind: "bogus"}, nil)
	var rerr *RuleEvaluationError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "c", rerr.RuleID)
}

func trigger(id string, cond phase.Condition, params map[string]any) phase.Trigger {
	return phase.Trigger{ID: id, Condition: cond, Parameters: params, Action: phase.ActionMarkCompleted, Enabled: true}
}

func TestShouldCompleteVacuousDependency(t *testing.T) {
	t.Parallel()

	item := open("w", workitem.KindTask)
	p := &phase.Phase{ID: "dev", Triggers: []phase.Trigger{trigger("deps", phase.ConditionDependenciesMet, nil)}}

	got, errs := ShouldComplete(item, p, []workitem.Item{item}, testNow)
	require.Empty(t, errs)
	require.NotNil(t, got)
	assert.Equal(t, "deps", got.ID)
}

func TestShouldCompletePartialDependencies(t *testing.T) {
	t.Parallel()

	item := open("w", workitem.KindTask)
	item.Dependencies = []string{"A", "B"}
	items := []workitem.Item{completed("A", workitem.KindTask), open("B", workitem.KindTask), item}
	p := &phase.Phase{ID: "dev", Triggers: []phase.Trigger{trigger("deps", phase.ConditionDependenciesMet, nil)}}

	got, errs := ShouldComplete(item, p, items, testNow)
	require.Empty(t, errs)
	assert.Nil(t, got)
}

func TestShouldCompleteUnknownDependency(t *testing.T) {
	t.Parallel()

	item := open("w", workitem.KindTask)
	item.Dependencies = []string{"ghost"}
	p := &phase.Phase{ID: "dev", Triggers: []phase.Trigger{trigger("deps", phase.ConditionDependenciesMet, nil)}}

	got, _ := ShouldComplete(item, p, []workitem.Item{item}, testNow)
	assert.Nil(t, got)
}

func TestShouldCompleteTestsPassed(t *testing.T) {
	t.Parallel()

	item := open("feature", workitem.KindTask)
	unit := completed("t1", workitem.KindTest, "unit")
	unit.RelatedComponents = []string{"feature"}
	e2e := open("t2", workitem.KindTest, "e2e")
	e2e.RelatedComponents = []string{"feature"}

	all := &phase.Phase{ID: "dev", Triggers: []phase.Trigger{trigger("tests", phase.ConditionTestsPassed, nil)}}
	typed := &phase.Phase{ID: "dev", Triggers: []phase.Trigger{trigger("tests", phase.ConditionTestsPassed, map[string]any{"testType": "unit"})}}

	got, _ := ShouldComplete(item, all, []workitem.Item{item}, testNow)
	assert.Nil(t, got, "zero matching tests must not fire")

	got, _ = ShouldComplete(item, all, []workitem.Item{item, unit, e2e}, testNow)
	assert.Nil(t, got, "open e2e test blocks untyped trigger")

	got, _ = ShouldComplete(item, typed, []workitem.Item{item, unit, e2e}, testNow)
	require.NotNil(t, got)
	assert.Equal(t, "tests", got.ID)
}

func TestShouldCompleteMilestoneReached(t *testing.T) {
	t.Parallel()

	item := open("w", workitem.KindTask)
	p := &phase.Phase{ID: "dev", Triggers: []phase.Trigger{trigger("ms", phase.ConditionMilestoneReached, map[string]any{"milestoneId": "beta"})}}

	got, _ := ShouldComplete(item, p, []workitem.Item{item, open("m", workitem.KindMilestone, "beta")}, testNow)
	assert.Nil(t, got)

	got, _ = ShouldComplete(item, p, []workitem.Item{item, completed("m", workitem.KindMilestone, "beta")}, testNow)
	require.NotNil(t, got)
}

func TestShouldCompleteTimeElapsed(t *testing.T) {
	t.Parallel()

	item := open("w", workitem.KindTask)
	item.CreatedAt = testNow.Add(-48 * time.Hour)
	p := &phase.Phase{ID: "dev", Triggers: []phase.Trigger{trigger("stale", phase.ConditionTimeElapsed, map[string]any{"hours": 48})}}

	got, errs := ShouldComplete(item, p, []workitem.Item{item}, testNow)
	require.Empty(t, errs)
	require.NotNil(t, got)

	got, _ = ShouldComplete(item, p, []workitem.Item{item}, testNow.Add(-time.Minute))
	assert.Nil(t, got)
}

func TestShouldCompleteTimeElapsedOutOfRange(t *testing.T) {
	t.Parallel()

	item := open("w", workitem.KindTask)
	item.CreatedAt = testNow.Add(-time.Minute)

	p := &phase.Phase{ID: "dev", Triggers: []phase.Trigger{trigger("stale", phase.ConditionTimeElapsed, map[string]any{"hours": 3e6})}}
	got, errs := ShouldComplete(item, p, []workitem.Item{item}, testNow)
	require.Empty(t, errs)
	assert.Nil(t, got, "huge thresholds must not wrap around to negative")

	for name, hours := range map[string]float64{"nan": math.NaN(), "inf": math.Inf(1)} {
		p := &phase.Phase{ID: "dev", Triggers: []phase.Trigger{trigger(name, phase.ConditionTimeElapsed, map[string]any{"hours": hours})}}
		got, errs := ShouldComplete(item, p, []workitem.Item{item}, testNow)
		assert.Nil(t, got, name)
		require.Len(t, errs, 1, name)
	}
}

func TestShouldCompleteShortCircuit(t *testing.T) {
	t.Parallel()

	item := open("w", workitem.KindTask)
	p := &phase.Phase{ID: "dev", Triggers: []phase.Trigger{
		trigger("first", phase.ConditionDependenciesMet, nil),
		trigger("second", phase.ConditionMilestoneReached, map[string]any{"milestoneId": "ghost"}),
	}}

	got, errs := ShouldComplete(item, p, []workitem.Item{item}, testNow)
	require.Empty(t, errs)
	require.NotNil(t, got)
	assert.Equal(t, "first", got.ID)
}

func TestShouldCompleteSkipsDisabledAndManual(t *testing.T) {
	t.Parallel()

	item := open("w", workitem.KindTask)
	disabled := trigger("off", phase.ConditionDependenciesMet, nil)
	disabled.Enabled = false
	p := &phase.Phase{ID: "dev", Triggers: []phase.Trigger{disabled, trigger("manual", phase.ConditionManualApproval, nil)}}

	got, errs := ShouldComplete(item, p, []workitem.Item{item}, testNow)
	require.Empty(t, errs)
	assert.Nil(t, got)
}

func TestShouldCompleteBadParamsContinue(t *testing.T) {
	t.Parallel()

	item := open("w", workitem.KindTask)
	p := &phase.Phase{ID: "dev", Triggers: []phase.Trigger{
		trigger("no_milestone", phase.ConditionMilestoneReached, nil),
		trigger("no_hours", phase.ConditionTimeElapsed, map[string]any{}),
		trigger("bad_hours", phase.ConditionTimeElapsed, map[string]any{"hours": "soon"}),
		trigger("deps", phase.ConditionDependenciesMet, nil),
	}}

	got, errs := ShouldComplete(item, p, []workitem.Item{item}, testNow)
	require.Len(t, errs, 3)
	for _, err := range errs {
		var rerr *RuleEvaluationError
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, "w", rerr.ItemID)
	}
	require.NotNil(t, got)
	assert.Equal(t, "deps", got.ID)
}

func TestCandidates(t *testing.T) {
	t.Parallel()

	a := open("a", workitem.KindTask)
	a.PhaseID = "dev"
	b := completed("b", workitem.KindTask)
	b.PhaseID = "dev"
	c := open("c", workitem.KindTask)
	c.PhaseID = "test"
	d := open("d", workitem.KindTask)

	assert.Equal(t, []int{0}, Candidates([]workitem.Item{a, b, c, d}, "dev"))
}
