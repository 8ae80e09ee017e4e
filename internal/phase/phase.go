// Package phase defines the evolution path: ordered phases with the criteria
// that gate advancement and the triggers that auto-complete work items.
package phase

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// CriterionKind selects how a criterion is checked.
type CriterionKind string

const (
	CriterionDependency CriterionKind = "dependency"
	CriterionMilestone  CriterionKind = "milestone"
	CriterionTest       CriterionKind = "test"
	CriterionReview     CriterionKind = "review"
	CriterionMetric     CriterionKind = "metric"
)

// Valid reports whether k is a known criterion kind.
func (k CriterionKind) Valid() bool {
	switch k {
	case CriterionDependency, CriterionMilestone, CriterionTest, CriterionReview, CriterionMetric:
		return true
	}
	return false
}

// Condition selects when a trigger fires.
type Condition string

const (
	ConditionDependenciesMet  Condition = "dependencies_met"
	ConditionMilestoneReached Condition = "milestone_reached"
	ConditionTestsPassed      Condition = "tests_passed"
	ConditionTimeElapsed      Condition = "time_elapsed"
	ConditionManualApproval   Condition = "manual_approval"
)

// Valid reports whether c is a known trigger condition.
func (c Condition) Valid() bool {
	switch c {
	case ConditionDependenciesMet, ConditionMilestoneReached, ConditionTestsPassed,
		ConditionTimeElapsed, ConditionManualApproval:
		return true
	}
	return false
}

// Action is what happens when a trigger fires.
type Action string

const (
	ActionMarkCompleted  Action = "mark_completed"
	ActionStartNextPhase Action = "start_next_phase"
	ActionNotify         Action = "notify"
	ActionEscalate       Action = "escalate"
)

// Valid reports whether a is a known trigger action.
func (a Action) Valid() bool {
	switch a {
	case ActionMarkCompleted, ActionStartNextPhase, ActionNotify, ActionEscalate:
		return true
	}
	return false
}

// SatisfiedByAuto is recorded on criteria satisfied by the engine.
const SatisfiedByAuto = "auto-system"

// Criterion is a named condition gating phase advancement.
type Criterion struct {
	ID          string        `json:"id"                     yaml:"id"`
	Description string        `json:"description,omitempty"  yaml:"description,omitempty"`
	Kind        CriterionKind `json:"kind"                   yaml:"kind"`
	Required    bool          `json:"required"               yaml:"required"`
	Satisfied   bool          `json:"satisfied"              yaml:"satisfied,omitempty"`
	SatisfiedAt *time.Time    `json:"satisfied_at,omitempty" yaml:"satisfied_at,omitempty"`
	SatisfiedBy string        `json:"satisfied_by,omitempty" yaml:"satisfied_by,omitempty"`
}

// Satisfy stamps the criterion as satisfied by the engine.
func (c *Criterion) Satisfy(now time.Time) {
	at := now.UTC()
	c.Satisfied = true
	c.SatisfiedAt = &at
	c.SatisfiedBy = SatisfiedByAuto
}

// Trigger is a rule that can auto-complete a work item.
type Trigger struct {
	ID         string         `json:"id"                   yaml:"id"`
	Condition  Condition      `json:"condition"            yaml:"condition"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Action     Action         `json:"action"               yaml:"action"`
	Enabled    bool           `json:"enabled"              yaml:"enabled"`
}

// TriggerParams is the typed view of Trigger.Parameters.
type TriggerParams struct {
	MilestoneID string  `mapstructure:"milestoneId"`
	TestType    string  `mapstructure:"testType"`
	Hours       float64 `mapstructure:"hours"`
}

// Params decodes the trigger parameters.
func (t Trigger) Params() (TriggerParams, error) {
	var out TriggerParams
	if len(t.Parameters) == 0 {
		return out, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, fmt.Errorf("build params decoder: %w", err)
	}
	if err := dec.Decode(t.Parameters); err != nil {
		return out, fmt.Errorf("decode trigger %s parameters: %w", t.ID, err)
	}
	return out, nil
}

// Phase is one stage of the evolution path.
type Phase struct {
	ID            string      `json:"id"                      yaml:"id"`
	Name          string      `json:"name"                    yaml:"name"`
	Order         int         `json:"order"                   yaml:"order"`
	Prerequisites []string    `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
	Criteria      []Criterion `json:"criteria,omitempty"      yaml:"criteria,omitempty"`
	Triggers      []Trigger   `json:"triggers,omitempty"      yaml:"triggers,omitempty"`
}

// Criterion returns a pointer to the criterion with id.
func (p *Phase) Criterion(id string) (*Criterion, bool) {
	for i := range p.Criteria {
		if p.Criteria[i].ID == id {
			return &p.Criteria[i], true
		}
	}
	return nil, false
}

// RequiredSatisfied reports whether every required criterion is satisfied.
// A phase without required criteria is satisfied.
func (p *Phase) RequiredSatisfied() bool {
	for _, c := range p.Criteria {
		if c.Required && !c.Satisfied {
			return false
		}
	}
	return true
}

// AllSatisfied reports whether every criterion, optional ones included, is satisfied.
func (p *Phase) AllSatisfied() bool {
	for _, c := range p.Criteria {
		if !c.Satisfied {
			return false
		}
	}
	return true
}
