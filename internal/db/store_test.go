package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/evolve/internal/config"
	"github.com/metalagman/evolve/internal/evolution"
	"github.com/metalagman/evolve/internal/notify"
	"github.com/metalagman/evolve/internal/phase"
	"github.com/metalagman/evolve/internal/workitem"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), ".evolve", "evolve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return NewStore(database)
}

func TestInitAndLoadProject(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)
	graph := phase.Default()
	settings := config.DefaultSettings()

	_, err := store.InitProject(ctx, "demo", graph, settings)
	require.NoError(t, err)

	_, err = store.InitProject(ctx, "demo", graph, settings)
	require.ErrorIs(t, err, ErrExists)

	p, err := store.LoadProject(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", p.ID)
	assert.Equal(t, settings, p.Settings)
	assert.Equal(t, graph.IDs(), p.Graph.IDs())
	assert.Equal(t, graph.First().ID, p.Tracker.CurrentPhaseID)
	assert.Empty(t, p.Items)

	ids, err := store.ListProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"demo"}, ids)

	events, err := store.Events(ctx, "demo", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "project_init", events[0].Type)
}

func TestLoadUnknownProject(t *testing.T) {
	t.Parallel()

	_, err := openStore(t).LoadProject(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSaveItemKeepsOrderAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)
	_, err := store.InitProject(ctx, "demo", phase.Default(), config.DefaultSettings())
	require.NoError(t, err)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, store.SaveItem(ctx, "demo", workitem.Item{
			ID: id, Title: id, Kind: workitem.KindTask, Status: workitem.StatusPlanned, CreatedAt: now,
		}))
	}
	require.NoError(t, store.SaveItem(ctx, "demo", workitem.Item{
		ID: "b", Title: "renamed", Kind: workitem.KindTask, Status: workitem.StatusInProgress, CreatedAt: now,
	}))

	items, err := store.ListItems(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "b", items[0].ID)
	assert.Equal(t, "renamed", items[0].Title)
	assert.Equal(t, "a", items[1].ID)

	require.NoError(t, store.DeleteItem(ctx, "demo", "a"))
	require.ErrorIs(t, store.DeleteItem(ctx, "demo", "a"), ErrNotFound)
}

func TestSaveChangeSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)
	project, err := store.InitProject(ctx, "demo", phase.Default(), config.DefaultSettings())
	require.NoError(t, err)
	require.NoError(t, store.SaveItem(ctx, "demo", workitem.Item{ID: "m1", Kind: workitem.KindMilestone, Status: workitem.StatusPlanned}))

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	criterion, ok := project.Graph.First().Criterion("requirements_defined")
	require.True(t, ok)
	satisfied := *criterion
	satisfied.Satisfy(now)

	tracker := project.Tracker.Clone()
	tracker.OverallProgress = 50

	cs := evolution.ChangeSet{
		ProjectID: "demo",
		Items: []workitem.Item{{
			ID: "m1", Kind: workitem.KindMilestone, Status: workitem.StatusCompleted,
			AutoCompleted: true, CompletionTrigger: workitem.CompletionEvolution, CompletedByTrigger: "t1",
		}},
		Criteria:      []evolution.CriterionChange{{PhaseID: "planning", Criterion: satisfied}},
		Tracker:       tracker,
		TrackerFields: []string{evolution.FieldProgress},
		Events: []notify.Event{{
			Kind: notify.KindAutoCompleted, ProjectID: "demo", ItemID: "m1", TriggerID: "t1", Message: "m1 auto-completed", At: now,
		}},
	}
	require.NoError(t, store.Save(ctx, cs))

	loaded, err := store.LoadProject(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, loaded.Items, 1)
	assert.True(t, loaded.Items[0].AutoCompleted)
	assert.Equal(t, "t1", loaded.Items[0].CompletedByTrigger)
	assert.Equal(t, 50.0, loaded.Tracker.OverallProgress)

	got, ok := loaded.Graph.First().Criterion("requirements_defined")
	require.True(t, ok)
	assert.True(t, got.Satisfied)
	assert.Equal(t, phase.SatisfiedByAuto, got.SatisfiedBy)

	events, err := store.Events(ctx, "demo", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, string(notify.KindAutoCompleted), events[0].Type)
	assert.Contains(t, events[0].DataJSON, `"m1"`)
}

func TestSaveChangeSetRollsBackOnUnknownCriterion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)
	_, err := store.InitProject(ctx, "demo", phase.Default(), config.DefaultSettings())
	require.NoError(t, err)

	cs := evolution.ChangeSet{
		ProjectID: "demo",
		Items:     []workitem.Item{{ID: "x", Kind: workitem.KindTask, Status: workitem.StatusCompleted}},
		Criteria:  []evolution.CriterionChange{{PhaseID: "planning", Criterion: phase.Criterion{ID: "nope"}}},
	}
	err = store.Save(ctx, cs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	items, err := store.ListItems(ctx, "demo")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSaveSettings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)
	_, err := store.InitProject(ctx, "demo", phase.Default(), config.DefaultSettings())
	require.NoError(t, err)

	settings := config.DefaultSettings()
	settings.Mode = config.ModeStrict
	require.NoError(t, store.SaveSettings(ctx, "demo", settings))
	require.ErrorIs(t, store.SaveSettings(ctx, "other", settings), ErrNotFound)

	loaded, err := store.LoadProject(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, config.ModeStrict, loaded.Settings.Mode)
}
