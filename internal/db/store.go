package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/metalagman/evolve/internal/config"
	"github.com/metalagman/evolve/internal/evolution"
	"github.com/metalagman/evolve/internal/phase"
	"github.com/metalagman/evolve/internal/workitem"
)

var (
	// ErrNotFound is returned for unknown projects or items.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when initializing a project twice.
	ErrExists = errors.New("project already exists")
)

// Store provides persistence for evolve projects.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a project store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Project is the persisted state of one project.
type Project struct {
	ID       string
	Settings config.Settings
	Graph    *phase.Graph
	Tracker  *evolution.Tracker
	Items    []workitem.Item
}

// EventRecord is one persisted notification.
type EventRecord struct {
	Seq      int
	TS       string
	Type     string
	Message  string
	DataJSON string
}

func (s *Store) ts() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *Store) withTx(ctx context.Context, name string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin %s: %w", name, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

// InitProject inserts a project with its graph and a tracker at the first phase.
func (s *Store) InitProject(ctx context.Context, projectID string, graph *phase.Graph, settings config.Settings) (Project, error) {
	tracker := evolution.NewTracker(projectID, graph)
	err := s.withTx(ctx, "init project", func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM projects WHERE project_id=?`, projectID).Scan(&exists); err != nil {
			return fmt.Errorf("check project: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrExists, projectID)
		}
		settingsJSON, err := json.Marshal(settings)
		if err != nil {
			return fmt.Errorf("marshal settings: %w", err)
		}
		now := s.ts()
		if _, err := tx.ExecContext(ctx, `INSERT INTO projects(project_id, settings_json, created_at, updated_at) VALUES(?, ?, ?, ?)`,
			projectID, string(settingsJSON), now, now); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		if err := s.writeGraph(ctx, tx, projectID, graph); err != nil {
			return err
		}
		if err := s.writeTracker(ctx, tx, tracker); err != nil {
			return err
		}
		return s.insertEvent(ctx, tx, projectID, "project_init", "project initialized", "")
	})
	if err != nil {
		return Project{}, err
	}
	return Project{ID: projectID, Settings: settings, Graph: graph, Tracker: tracker}, nil
}

// LoadProject reads the full project state.
func (s *Store) LoadProject(ctx context.Context, projectID string) (Project, error) {
	p := Project{ID: projectID}

	var settingsJSON string
	row := s.db.QueryRowContext(ctx, `SELECT settings_json FROM projects WHERE project_id=?`, projectID)
	if err := row.Scan(&settingsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
		}
		return Project{}, fmt.Errorf("read project: %w", err)
	}
	if err := json.Unmarshal([]byte(settingsJSON), &p.Settings); err != nil {
		return Project{}, fmt.Errorf("parse settings: %w", err)
	}

	var graphJSON string
	if err := s.db.QueryRowContext(ctx, `SELECT graph_json FROM phases WHERE project_id=?`, projectID).Scan(&graphJSON); err != nil {
		return Project{}, fmt.Errorf("read phases: %w", err)
	}
	p.Graph = &phase.Graph{}
	if err := json.Unmarshal([]byte(graphJSON), p.Graph); err != nil {
		return Project{}, fmt.Errorf("parse phases: %w", err)
	}

	var trackerJSON string
	if err := s.db.QueryRowContext(ctx, `SELECT tracker_json FROM tracker WHERE project_id=?`, projectID).Scan(&trackerJSON); err != nil {
		return Project{}, fmt.Errorf("read tracker: %w", err)
	}
	p.Tracker = &evolution.Tracker{}
	if err := json.Unmarshal([]byte(trackerJSON), p.Tracker); err != nil {
		return Project{}, fmt.Errorf("parse tracker: %w", err)
	}

	items, err := s.ListItems(ctx, projectID)
	if err != nil {
		return Project{}, err
	}
	p.Items = items
	return p, nil
}

// ListProjects returns all project ids.
func (s *Store) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project_id FROM projects ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return out, nil
}

// ListItems returns a project's work items in insertion order.
func (s *Store) ListItems(ctx context.Context, projectID string) ([]workitem.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT item_json FROM work_items WHERE project_id=? ORDER BY seq`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}
	defer rows.Close()
	var out []workitem.Item
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		var item workitem.Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("parse work item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work items: %w", err)
	}
	return out, nil
}

// SaveSettings replaces a project's auto-completion settings.
func (s *Store) SaveSettings(ctx context.Context, projectID string, settings config.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET settings_json=?, updated_at=? WHERE project_id=?`, string(data), s.ts(), projectID)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return expectRow(res, "project "+projectID)
}

// SaveItem inserts or replaces one work item outside of a change set.
func (s *Store) SaveItem(ctx context.Context, projectID string, item workitem.Item) error {
	return s.withTx(ctx, "save item", func(tx *sql.Tx) error {
		return s.upsertItem(ctx, tx, projectID, item)
	})
}

// DeleteItem removes one work item.
func (s *Store) DeleteItem(ctx context.Context, projectID, itemID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM work_items WHERE project_id=? AND item_id=?`, projectID, itemID)
	if err != nil {
		return fmt.Errorf("delete work item: %w", err)
	}
	return expectRow(res, "work item "+itemID)
}

// SaveGraph replaces a project's phase graph.
func (s *Store) SaveGraph(ctx context.Context, projectID string, graph *phase.Graph) error {
	return s.withTx(ctx, "save graph", func(tx *sql.Tx) error {
		return s.writeGraph(ctx, tx, projectID, graph)
	})
}

// SaveTracker replaces a project's tracker.
func (s *Store) SaveTracker(ctx context.Context, tracker *evolution.Tracker) error {
	return s.withTx(ctx, "save tracker", func(tx *sql.Tx) error {
		return s.writeTracker(ctx, tx, tracker)
	})
}

// Save writes one change set in a single transaction.
func (s *Store) Save(ctx context.Context, cs evolution.ChangeSet) error {
	if cs.ProjectID == "" {
		return errors.New("save change set: project id is required")
	}
	return s.withTx(ctx, "save change set", func(tx *sql.Tx) error {
		for _, item := range cs.Items {
			if err := s.upsertItem(ctx, tx, cs.ProjectID, item); err != nil {
				return err
			}
		}
		if len(cs.Criteria) > 0 {
			if err := s.updateCriteria(ctx, tx, cs.ProjectID, cs.Criteria); err != nil {
				return err
			}
		}
		if cs.Tracker != nil {
			if err := s.writeTracker(ctx, tx, cs.Tracker); err != nil {
				return err
			}
		}
		for _, ev := range cs.Events {
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("marshal event: %w", err)
			}
			if err := s.insertEvent(ctx, tx, cs.ProjectID, string(ev.Kind), ev.Message, string(data)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Events returns the most recent events, newest first.
func (s *Store) Events(ctx context.Context, projectID string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT seq, ts, type, message, COALESCE(data_json, '') FROM events
		WHERE project_id=? ORDER BY seq DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []EventRecord
	for rows.Next() {
		var ev EventRecord
		if err := rows.Scan(&ev.Seq, &ev.TS, &ev.Type, &ev.Message, &ev.DataJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *Store) upsertItem(ctx context.Context, tx *sql.Tx, projectID string, item workitem.Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM work_items WHERE project_id=?`, projectID)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("read work item seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO work_items(project_id, item_id, seq, kind, status, phase_id, item_json, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, item_id) DO UPDATE SET
		  kind=excluded.kind, status=excluded.status, phase_id=excluded.phase_id,
		  item_json=excluded.item_json, updated_at=excluded.updated_at`,
		projectID, item.ID, seq, string(item.Kind), string(item.Status), nullableString(item.PhaseID), string(data), s.ts()); err != nil {
		return fmt.Errorf("upsert work item %s: %w", item.ID, err)
	}
	return nil
}

func (s *Store) updateCriteria(ctx context.Context, tx *sql.Tx, projectID string, changes []evolution.CriterionChange) error {
	var graphJSON string
	if err := tx.QueryRowContext(ctx, `SELECT graph_json FROM phases WHERE project_id=?`, projectID).Scan(&graphJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("phases of project %s: %w", projectID, ErrNotFound)
		}
		return fmt.Errorf("read phases: %w", err)
	}
	graph := &phase.Graph{}
	if err := json.Unmarshal([]byte(graphJSON), graph); err != nil {
		return fmt.Errorf("parse phases: %w", err)
	}
	for _, change := range changes {
		p, ok := graph.Get(change.PhaseID)
		if !ok {
			return fmt.Errorf("phase %s: %w", change.PhaseID, ErrNotFound)
		}
		c, ok := p.Criterion(change.Criterion.ID)
		if !ok {
			return fmt.Errorf("criterion %s/%s: %w", change.PhaseID, change.Criterion.ID, ErrNotFound)
		}
		*c = change.Criterion
	}
	return s.writeGraph(ctx, tx, projectID, graph)
}

func (s *Store) writeGraph(ctx context.Context, tx *sql.Tx, projectID string, graph *phase.Graph) error {
	data, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("marshal phases: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO phases(project_id, graph_json, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET graph_json=excluded.graph_json, updated_at=excluded.updated_at`,
		projectID, string(data), s.ts()); err != nil {
		return fmt.Errorf("write phases: %w", err)
	}
	return nil
}

func (s *Store) writeTracker(ctx context.Context, tx *sql.Tx, tracker *evolution.Tracker) error {
	data, err := json.Marshal(tracker)
	if err != nil {
		return fmt.Errorf("marshal tracker: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO tracker(project_id, current_phase_id, tracker_json, updated_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET current_phase_id=excluded.current_phase_id,
		  tracker_json=excluded.tracker_json, updated_at=excluded.updated_at`,
		tracker.ProjectID, tracker.CurrentPhaseID, string(data), s.ts()); err != nil {
		return fmt.Errorf("write tracker: %w", err)
	}
	return nil
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, projectID, typ, message, dataJSON string) error {
	seq, err := nextSeq(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(project_id, seq, ts, type, message, data_json) VALUES(?, ?, ?, ?, ?, ?)`,
		projectID, seq, s.ts(), typ, message, nullableString(dataJSON)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func nextSeq(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE project_id=?`, projectID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("read event seq: %w", err)
	}
	return seq + 1, nil
}

func expectRow(res sql.Result, what string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
