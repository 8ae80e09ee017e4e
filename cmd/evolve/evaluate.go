package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/metalagman/evolve/internal/evolution"
	"github.com/metalagman/evolve/internal/logging"
	"github.com/metalagman/evolve/internal/notify"
)

// withEngine runs fn under the workspace evaluation lock so one-shot
// commands never race a running watch.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *evolution.Engine) (evolution.ChangeSet, error)) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.Close()

	l, err := ws.lock()
	if err != nil {
		return err
	}
	defer func() { _ = l.Release() }()

	e, err := ws.loadEngine(cmd.Context(), notify.Log{})
	if err != nil {
		return err
	}
	cs, err := fn(cmd.Context(), e)
	if err != nil {
		return err
	}
	printChangeSet(cmd.OutOrStdout(), cs, e.Status())
	return nil
}

func printChangeSet(out io.Writer, cs evolution.ChangeSet, status evolution.Status) {
	if cs.Empty() {
		fmt.Fprintln(out, "no changes")
	}
	for _, ev := range cs.Events {
		fmt.Fprintf(out, "%s %s\n", ev.Kind, ev.Message)
	}
	if logging.DebugEnabled() && len(cs.Items) > 0 {
		renderItems(out, cs.Items)
	}
	for _, err := range cs.RuleErrors {
		fmt.Fprintf(out, "rule error: %v\n", err)
	}
	fmt.Fprintf(out, "current phase: %s (%.0f%%)\n", status.Tracker.CurrentPhaseID, status.Tracker.OverallProgress)
}

func evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Run one evaluation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *evolution.Engine) (evolution.ChangeSet, error) {
				return e.EvaluateOnce(ctx)
			})
		},
	}
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve",
		Short: "Approve a pending phase advance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *evolution.Engine) (evolution.ChangeSet, error) {
				return e.Approve(ctx)
			})
		},
	}
}

func autoAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "auto-advance <on|off>",
		Short:     "Toggle automatic phase advancement for the project",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[0] {
			case "on":
				enabled = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			return withEngine(cmd, func(ctx context.Context, e *evolution.Engine) (evolution.ChangeSet, error) {
				return e.SetAutoAdvance(ctx, enabled)
			})
		},
	}
}

func resetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Move the project back to its first phase and clear criteria",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("reset clears all phase progress, pass --yes to confirm")
			}
			return withEngine(cmd, func(ctx context.Context, e *evolution.Engine) (evolution.ChangeSet, error) {
				return e.Reset(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
