package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/metalagman/evolve/internal/evolution"
	"github.com/metalagman/evolve/internal/notify"
	"github.com/metalagman/evolve/internal/workitem"
)

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
	}
	cmd.AddCommand(itemAddCmd())
	cmd.AddCommand(itemListCmd())
	cmd.AddCommand(itemShowCmd())
	cmd.AddCommand(itemUpdateCmd())
	cmd.AddCommand(itemPhaseCmd())
	cmd.AddCommand(itemDeleteCmd())
	return cmd
}

// withItems opens the workspace and an engine for read-only item commands.
func withItems(cmd *cobra.Command, fn func(ws *workspace, e *evolution.Engine) error) error {
	return runItems(cmd.Context(), false, fn)
}

// editItems is withItems under the workspace lock. A running watch owns the
// items and would overwrite direct database edits with its own copy.
func editItems(cmd *cobra.Command, fn func(ws *workspace, e *evolution.Engine) error) error {
	return runItems(cmd.Context(), true, fn)
}

func runItems(ctx context.Context, locked bool, fn func(ws *workspace, e *evolution.Engine) error) error {
	repoRoot, err := os.Getwd()
	if err != nil {
		return err
	}
	return runItemsAt(ctx, repoRoot, locked, fn)
}

func runItemsAt(ctx context.Context, repoRoot string, locked bool, fn func(ws *workspace, e *evolution.Engine) error) error {
	ws, err := openWorkspaceAt(repoRoot)
	if err != nil {
		return err
	}
	defer ws.Close()
	if locked {
		l, err := ws.lock()
		if err != nil {
			return err
		}
		defer func() { _ = l.Release() }()
	}
	e, err := ws.loadEngine(ctx, notify.Nop{})
	if err != nil {
		return err
	}
	return fn(ws, e)
}

func knownPhase(e *evolution.Engine, id string) error {
	for _, p := range e.Status().Phases {
		if p.ID == id {
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", id)
}

func itemAddCmd() *cobra.Command {
	var (
		id, kind, priority, category, phaseID string
		tags, deps, related                   []string
		effort                                float64
	)
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := workitem.ParseKind(kind)
			if err != nil {
				return err
			}
			item := workitem.Item{
				ID:                id,
				Title:             args[0],
				Kind:              k,
				Category:          category,
				Tags:              tags,
				Dependencies:      deps,
				RelatedComponents: related,
				PhaseID:           phaseID,
				EstimatedEffort:   effort,
			}
			if priority != "" {
				if item.Priority, err = workitem.ParsePriority(priority); err != nil {
					return err
				}
			}
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			return editItems(cmd, func(ws *workspace, e *evolution.Engine) error {
				if phaseID != "" {
					if err := knownPhase(e, phaseID); err != nil {
						return err
					}
				}
				added, err := e.Store().Add(item)
				if err != nil {
					return err
				}
				if err := ws.saveItem(cmd.Context(), added); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), added.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "item id (generated when empty)")
	cmd.Flags().StringVar(&kind, "kind", string(workitem.KindTask), "task, milestone, integration, issue, decision or test")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or critical")
	cmd.Flags().StringVar(&category, "category", "", "free-form category, e.g. documentation")
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase the item belongs to")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringSliceVar(&deps, "dep", nil, "dependency item id (repeatable)")
	cmd.Flags().StringSliceVar(&related, "related", nil, "related component (repeatable)")
	cmd.Flags().Float64Var(&effort, "effort", 0, "estimated effort")
	return cmd
}

func itemListCmd() *cobra.Command {
	var phaseID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withItems(cmd, func(_ *workspace, e *evolution.Engine) error {
				items := e.Store().List()
				filtered := items[:0]
				for _, item := range items {
					if phaseID != "" && item.PhaseID != phaseID {
						continue
					}
					if status != "" && string(item.Status) != status {
						continue
					}
					filtered = append(filtered, item)
				}
				renderItems(cmd.OutOrStdout(), filtered)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phaseID, "phase", "", "only items tagged with this phase")
	cmd.Flags().StringVar(&status, "status", "", "only items with this status")
	return cmd
}

func renderItems(out io.Writer, items []workitem.Item) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"ID", "Title", "Kind", "Status", "Priority", "Phase", "Auto", "Tags"})
	for _, item := range items {
		auto := ""
		if item.AutoCompleted {
			auto = item.CompletedByTrigger
		}
		t.AppendRow(table.Row{
			item.ID, item.Title, item.Kind, item.Status, item.Priority,
			item.PhaseID, auto, strings.Join(item.Tags, ","),
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one work item with its notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withItems(cmd, func(_ *workspace, e *evolution.Engine) error {
				item, err := e.Store().Get(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				renderItems(out, []workitem.Item{item})
				if len(item.Notes) == 0 {
					return nil
				}
				t := table.NewWriter()
				t.SetOutputMirror(out)
				t.AppendHeader(table.Row{"At", "Trigger", "Note"})
				for _, n := range item.Notes {
					t.AppendRow(table.Row{n.At.Format("2006-01-02 15:04:05"), n.TriggerID, n.Text})
				}
				t.SetStyle(table.StyleLight)
				t.Render()
				return nil
			})
		},
	}
}

func itemUpdateCmd() *cobra.Command {
	var (
		title, status, priority, category, note string
		tags, deps, related                     []string
		effort, actual                          float64
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			patch := workitem.Patch{Note: note}
			if flags.Changed("title") {
				patch.Title = &title
			}
			if flags.Changed("status") {
				s, err := workitem.ParseStatus(status)
				if err != nil {
					return err
				}
				patch.Status = &s
			}
			if flags.Changed("priority") {
				p, err := workitem.ParsePriority(priority)
				if err != nil {
					return err
				}
				patch.Priority = &p
			}
			if flags.Changed("category") {
				patch.Category = &category
			}
			if flags.Changed("tag") {
				patch.Tags = &tags
			}
			if flags.Changed("dep") {
				patch.Dependencies = &deps
			}
			if flags.Changed("related") {
				patch.RelatedComponents = &related
			}
			if flags.Changed("effort") {
				patch.EstimatedEffort = &effort
			}
			if flags.Changed("actual") {
				patch.ActualEffort = &actual
			}
			return editItems(cmd, func(ws *workspace, e *evolution.Engine) error {
				item, err := e.Store().Update(args[0], patch)
				if err != nil {
					return err
				}
				return ws.saveItem(cmd.Context(), item)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&status, "status", "", "planned, in_progress, completed, blocked, testing or approved")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or critical")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&note, "note", "", "append a note")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replace tags")
	cmd.Flags().StringSliceVar(&deps, "dep", nil, "replace dependencies")
	cmd.Flags().StringSliceVar(&related, "related", nil, "replace related components")
	cmd.Flags().Float64Var(&effort, "effort", 0, "estimated effort")
	cmd.Flags().Float64Var(&actual, "actual", 0, "actual effort")
	return cmd
}

func itemPhaseCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "phase <id> <phase>",
		Short: "Assign a work item to a phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editItems(cmd, func(ws *workspace, e *evolution.Engine) error {
				if err := knownPhase(e, args[1]); err != nil {
					return err
				}
				item, err := e.Store().AssignPhase(args[0], args[1], force)
				if err != nil {
					return err
				}
				return ws.saveItem(cmd.Context(), item)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-assign an item that already has a phase")
	return cmd
}

func itemDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editItems(cmd, func(ws *workspace, e *evolution.Engine) error {
				if err := e.Store().Delete(args[0]); err != nil {
					return err
				}
				return ws.store.DeleteItem(cmd.Context(), ws.cfg.Project, args[0])
			})
		},
	}
}
