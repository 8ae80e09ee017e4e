package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/evolve/internal/config"
	"github.com/metalagman/evolve/internal/db"
	"github.com/metalagman/evolve/internal/evolution"
	"github.com/metalagman/evolve/internal/lock"
	"github.com/metalagman/evolve/internal/notify"
	"github.com/metalagman/evolve/internal/workitem"
)

var errWorkspaceBusy = errors.New("another evolve process holds the workspace; while evolve watch runs, edit items through its HTTP API")

type workspace struct {
	root  string
	dir   string
	cfg   config.Config
	db    *sql.DB
	store *db.Store
}

func openWorkspace() (*workspace, error) {
	repoRoot, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return openWorkspaceAt(repoRoot)
}

func openWorkspaceAt(repoRoot string) (*workspace, error) {
	cfg, err := loadConfig(repoRoot)
	if err != nil {
		return nil, err
	}
	if projectID != "" {
		cfg.Project = projectID
	}
	dir := filepath.Join(repoRoot, workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	storeDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	return &workspace{
		root:  repoRoot,
		dir:   dir,
		cfg:   cfg,
		db:    storeDB,
		store: db.NewStore(storeDB),
	}, nil
}

func (w *workspace) Close() {
	_ = w.db.Close()
}

// loadEngine builds an engine over the persisted project. The settings from
// the config file win and are written back when they differ from the stored
// ones.
func (w *workspace) loadEngine(ctx context.Context, notifier notify.Notifier) (*evolution.Engine, error) {
	project, err := w.store.LoadProject(ctx, w.cfg.Project)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("project %q is not initialized, run evolve init", w.cfg.Project)
	}
	if err != nil {
		return nil, err
	}
	if project.Settings != w.cfg.AutoCompletion {
		if err := w.store.SaveSettings(ctx, project.ID, w.cfg.AutoCompletion); err != nil {
			return nil, err
		}
	}
	if err := project.Tracker.Validate(project.Graph); err != nil {
		log.Warn().Err(err).Str("project", project.ID).Msg("tracker does not match the phase graph")
	}
	return evolution.NewEngine(
		workitem.NewStore(project.Items...),
		project.Graph,
		project.Tracker,
		w.cfg.AutoCompletion,
		evolution.Options{Saver: w.store, Notifier: notifier},
	)
}

// saveItem persists a manual edit made through the engine's store.
func (w *workspace) saveItem(ctx context.Context, item workitem.Item) error {
	return w.store.SaveItem(ctx, w.cfg.Project, item)
}

// lock takes the workspace evaluation lock without waiting.
func (w *workspace) lock() (*lock.Lock, error) {
	l, err := lock.TryAcquire(w.dir)
	if errors.Is(err, lock.ErrHeld) {
		return nil, errWorkspaceBusy
	}
	return l, err
}
