package evolution

import (
	"errors"
	"fmt"
)

// ErrPassInProgress is returned when a pass is requested while another one runs.
var ErrPassInProgress = errors.New("evaluation pass already in progress")

// RuleEvaluationError reports a single criterion or trigger that could not be
// checked. It never aborts a pass.
type RuleEvaluationError struct {
	RuleID string
	ItemID string
	Err    error
}

func (e *RuleEvaluationError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("rule %s on item %s: %v", e.RuleID, e.ItemID, e.Err)
	}
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

// MissingPhaseError reports a tracker pointing at a phase the graph does not
// contain. The pass stops; the pointer is not repaired.
type MissingPhaseError struct {
	PhaseID string
}

func (e *MissingPhaseError) Error() string {
	return fmt.Sprintf("current phase %q not found in phase graph", e.PhaseID)
}

// PersistenceError reports a failed save. The in-memory state is kept and the
// change set is retried.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist change set: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
