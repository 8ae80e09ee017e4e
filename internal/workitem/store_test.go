package workitem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

func TestStoreAddDefaults(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.SetClock(fixedNow)

	item, err := s.Add(Item{ID: "a", Kind: KindTask})
	require.NoError(t, err)
	assert.Equal(t, StatusPlanned, item.Status)
	assert.Equal(t, PriorityMedium, item.Priority)
	assert.Equal(t, fixedNow(), item.CreatedAt)

	_, err = s.Add(Item{ID: "a"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.Add(Item{ID: "  "})
	assert.Error(t, err)
}

func TestStoreListReturnsCopiesInOrder(t *testing.T) {
	t.Parallel()

	s := NewStore(Item{ID: "b", Tags: []string{"x"}}, Item{ID: "a"})
	items := s.List()
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].ID)
	assert.Equal(t, "a", items[1].ID)

	items[0].Tags[0] = "mutated"
	again, err := s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, again.Tags)
}

func TestStoreUpdateManualCompletion(t *testing.T) {
	t.Parallel()

	s := NewStore(Item{ID: "a", Status: StatusInProgress})
	s.SetClock(fixedNow)

	completed := StatusCompleted
	item, err := s.Update("a", Patch{Status: &completed, Note: "done by hand"})
	require.NoError(t, err)
	assert.Equal(t, CompletionManual, item.CompletionTrigger)
	require.NotNil(t, item.CompletedAt)
	assert.Equal(t, fixedNow(), *item.CompletedAt)
	require.Len(t, item.Notes, 1)
	assert.Equal(t, "done by hand", item.Notes[0].Text)

	_, err = s.Update("missing", Patch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreAssignPhaseIsSticky(t *testing.T) {
	t.Parallel()

	s := NewStore(Item{ID: "a"})
	_, err := s.AssignPhase("a", "dev", false)
	require.NoError(t, err)

	_, err = s.AssignPhase("a", "test", false)
	assert.ErrorIs(t, err, ErrPhaseAssigned)

	item, err := s.AssignPhase("a", "test", true)
	require.NoError(t, err)
	assert.Equal(t, "test", item.PhaseID)
}

func TestStoreApplyKeepsPhase(t *testing.T) {
	t.Parallel()

	s := NewStore(Item{ID: "a", PhaseID: "dev"})
	applied := s.Apply([]Item{
		{ID: "a", Status: StatusCompleted, PhaseID: "other"},
		{ID: "ghost", Status: StatusCompleted},
	})
	require.Len(t, applied, 1)
	assert.Equal(t, "a", applied[0].ID)

	item, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, item.Status)
	assert.Equal(t, "dev", item.PhaseID)
}

func TestStoreOnChange(t *testing.T) {
	t.Parallel()

	s := NewStore()
	var changes []Change
	unsubscribe := s.OnChange(func(c Change) { changes = append(changes, c) })

	_, err := s.Add(Item{ID: "a"})
	require.NoError(t, err)
	s.Apply([]Item{{ID: "a", Status: StatusCompleted}})
	require.NoError(t, s.Delete("a"))

	require.Len(t, changes, 3)
	assert.Equal(t, OriginManual, changes[0].Origin)
	assert.Equal(t, OriginEngine, changes[1].Origin)
	assert.Equal(t, []string{"a"}, changes[2].IDs)

	unsubscribe()
	_, err = s.Add(Item{ID: "b"})
	require.NoError(t, err)
	assert.Len(t, changes, 3)
}

func TestParseEnums(t *testing.T) {
	t.Parallel()

	k, err := ParseKind(" Test ")
	require.NoError(t, err)
	assert.Equal(t, KindTest, k)
	_, err = ParseKind("epic")
	assert.Error(t, err)

	st, err := ParseStatus("in_progress")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, st)
	_, err = ParseStatus("done")
	assert.Error(t, err)

	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p)
}

func TestStoreApplyKeepsConcurrentManualEdits(t *testing.T) {
	t.Parallel()

	s := NewStore(Item{ID: "w", PhaseID: "dev", Status: StatusInProgress, EstimatedEffort: 2})
	stale, err := s.Get("w")
	require.NoError(t, err)

	tags := []string{"edited"}
	_, err = s.Update("w", Patch{Tags: &tags, Note: "manual note"})
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	effort := stale.EstimatedEffort
	stale.Status = StatusCompleted
	stale.AutoCompleted = true
	stale.CompletionTrigger = CompletionEvolution
	stale.CompletedByTrigger = "deps"
	stale.CompletedAt = &at
	stale.ActualEffort = &effort
	stale.Notes = append(stale.Notes, Note{At: at, TriggerID: "deps", Text: "auto-completed"})

	merged := s.Apply([]Item{stale})
	require.Len(t, merged, 1)

	item, err := s.Get("w")
	require.NoError(t, err)
	assert.Equal(t, merged[0], item)
	assert.Equal(t, StatusCompleted, item.Status)
	assert.Equal(t, "deps", item.CompletedByTrigger)
	assert.Contains(t, item.Tags, "edited")
	require.Len(t, item.Notes, 2)
	assert.Equal(t, "manual note", item.Notes[0].Text)
	assert.Equal(t, "deps", item.Notes[1].TriggerID)
	require.NotNil(t, item.ActualEffort)
	assert.InDelta(t, 2.0, *item.ActualEffort, 0.001)
}

func TestStoreApplyKeepsManualCompletion(t *testing.T) {
	t.Parallel()

	s := NewStore(Item{ID: "w", Status: StatusInProgress})
	stale, err := s.Get("w")
	require.NoError(t, err)

	done := StatusCompleted
	_, err = s.Update("w", Patch{Status: &done})
	require.NoError(t, err)

	stale.Status = StatusCompleted
	stale.AutoCompleted = true
	stale.CompletionTrigger = CompletionEvolution
	s.Apply([]Item{stale})

	item, err := s.Get("w")
	require.NoError(t, err)
	assert.Equal(t, CompletionManual, item.CompletionTrigger)
	assert.False(t, item.AutoCompleted)
}
