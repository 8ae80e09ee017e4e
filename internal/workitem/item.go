// Package workitem holds the trackable units of project work and the
// in-memory store the evolution engine reads from and writes to.
package workitem

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Kind classifies a work item.
type Kind string

const (
	KindTask        Kind = "task"
	KindMilestone   Kind = "milestone"
	KindIntegration Kind = "integration"
	KindIssue       Kind = "issue"
	KindDecision    Kind = "decision"
	KindTest        Kind = "test"
)

// Status is the lifecycle status of a work item.
type Status string

const (
	StatusPlanned    Status = "planned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusTesting    Status = "testing"
	StatusApproved   Status = "approved"
)

// Priority orders work items for humans; the engine ignores it.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// CompletionTrigger records what moved an item to completed.
type CompletionTrigger string

const (
	CompletionManual     CompletionTrigger = "manual"
	CompletionDependency CompletionTrigger = "dependency"
	CompletionEvolution  CompletionTrigger = "evolution"
	CompletionMilestone  CompletionTrigger = "milestone"
)

// CategoryDocumentation marks documentation items; review criteria look for it.
const CategoryDocumentation = "documentation"

// Note is one audit trail entry on an item.
type Note struct {
	At        time.Time `json:"at"`
	TriggerID string    `json:"trigger_id,omitempty"`
	Text      string    `json:"text"`
}

// Item is a unit of trackable work.
type Item struct {
	ID                 string            `json:"id"`
	Title              string            `json:"title"`
	Kind               Kind              `json:"kind"`
	Status             Status            `json:"status"`
	Priority           Priority          `json:"priority"`
	Category           string            `json:"category,omitempty"`
	Dependencies       []string          `json:"dependencies,omitempty"`
	Tags               []string          `json:"tags,omitempty"`
	RelatedComponents  []string          `json:"related_components,omitempty"`
	PhaseID            string            `json:"phase_id,omitempty"`
	AutoCompleted      bool              `json:"auto_completed"`
	CompletionTrigger  CompletionTrigger `json:"completion_trigger,omitempty"`
	CompletedByTrigger string            `json:"completed_by_trigger,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	EstimatedEffort    float64           `json:"estimated_effort"`
	ActualEffort       *float64          `json:"actual_effort,omitempty"`
	Notes              []Note            `json:"notes,omitempty"`
}

// Completed reports whether the item reached the completed status.
func (i Item) Completed() bool {
	return i.Status == StatusCompleted
}

// HasTag reports whether the item carries tag.
func (i Item) HasTag(tag string) bool {
	return slices.Contains(i.Tags, tag)
}

// Relates reports whether id is listed in the item's related components.
func (i Item) Relates(id string) bool {
	return slices.Contains(i.RelatedComponents, id)
}

// Matches reports whether the item is named by ref, either as its id or a tag.
func (i Item) Matches(ref string) bool {
	return i.ID == ref || i.HasTag(ref)
}

// Clone returns a deep copy of the item.
func (i Item) Clone() Item {
	out := i
	out.Dependencies = slices.Clone(i.Dependencies)
	out.Tags = slices.Clone(i.Tags)
	out.RelatedComponents = slices.Clone(i.RelatedComponents)
	out.Notes = slices.Clone(i.Notes)
	if i.CompletedAt != nil {
		at := *i.CompletedAt
		out.CompletedAt = &at
	}
	if i.ActualEffort != nil {
		effort := *i.ActualEffort
		out.ActualEffort = &effort
	}
	return out
}

// ParseKind converts user input to a Kind.
func ParseKind(value string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(value)))
	switch k {
	case KindTask, KindMilestone, KindIntegration, KindIssue, KindDecision, KindTest:
		return k, nil
	default:
		return "", fmt.Errorf("unknown work item kind %q", value)
	}
}

// ParseStatus converts user input to a Status.
func ParseStatus(value string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(value)))
	switch s {
	case StatusPlanned, StatusInProgress, StatusCompleted, StatusBlocked, StatusTesting, StatusApproved:
		return s, nil
	default:
		return "", fmt.Errorf("unknown work item status %q", value)
	}
}

// ParsePriority converts user input to a Priority. Empty input means medium.
func ParsePriority(value string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(value)))
	switch p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return p, nil
	default:
		return "", fmt.Errorf("unknown work item priority %q", value)
	}
}
