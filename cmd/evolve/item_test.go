package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/metalagman/evolve/internal/evolution"
	"github.com/metalagman/evolve/internal/lock"
	"github.com/metalagman/evolve/internal/workitem"
)

func TestEditItems_RefusedWhileWorkspaceLocked(t *testing.T) {
	repoRoot := t.TempDir()
	resetViper(t)
	ctx := context.Background()
	if _, err := initWorkspace(ctx, repoRoot); err != nil {
		t.Fatalf("init workspace: %v", err)
	}

	held, err := lock.TryAcquire(filepath.Join(repoRoot, workspaceDir))
	if err != nil {
		t.Fatalf("hold workspace lock: %v", err)
	}

	called := false
	add := func(ws *workspace, e *evolution.Engine) error {
		called = true
		item, err := e.Store().Add(workitem.Item{ID: "w", Title: "write docs", Kind: workitem.KindTask})
		if err != nil {
			return err
		}
		return ws.saveItem(ctx, item)
	}

	err = runItemsAt(ctx, repoRoot, true, add)
	if !errors.Is(err, errWorkspaceBusy) {
		t.Fatalf("locked edit error = %v, want %v", err, errWorkspaceBusy)
	}
	if called {
		t.Fatal("edit ran while the workspace was locked")
	}

	if err := runItemsAt(ctx, repoRoot, false, func(*workspace, *evolution.Engine) error { return nil }); err != nil {
		t.Fatalf("read-only command while locked: %v", err)
	}

	if err := held.Release(); err != nil {
		t.Fatalf("release lock: %v", err)
	}
	if err := runItemsAt(ctx, repoRoot, true, add); err != nil {
		t.Fatalf("edit after release: %v", err)
	}

	ws, err := openWorkspaceAt(repoRoot)
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	defer ws.Close()
	items, err := ws.store.ListItems(ctx, ws.cfg.Project)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 1 || items[0].ID != "w" {
		t.Fatalf("items = %+v, want the added item", items)
	}
}
