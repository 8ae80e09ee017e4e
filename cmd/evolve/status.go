package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/metalagman/evolve/internal/db"
	"github.com/metalagman/evolve/internal/evolution"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func statusCmd() *cobra.Command {
	var (
		markdown bool
		events   int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current phase, progress and recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withItems(cmd, func(ws *workspace, e *evolution.Engine) error {
				if !markdown {
					fmt.Fprint(cmd.OutOrStdout(), statusText(e.Status()))
					return nil
				}
				records, err := ws.store.Events(cmd.Context(), ws.cfg.Project, events)
				if err != nil {
					return err
				}
				report := statusMarkdown(e.Status(), records)
				r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
				if err != nil {
					return fmt.Errorf("create markdown renderer: %w", err)
				}
				rendered, err := r.Render(report)
				if err != nil {
					return fmt.Errorf("render status: %w", err)
				}
				fmt.Fprint(cmd.OutOrStdout(), rendered)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&markdown, "markdown", false, "render a markdown report with recent events")
	cmd.Flags().IntVar(&events, "events", 10, "number of recent events in the markdown report")
	return cmd
}

func progressBar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	filled = max(0, min(width, filled))
	return doneStyle.Render(strings.Repeat("█", filled)) + mutedStyle.Render(strings.Repeat("░", width-filled))
}

func statusText(status evolution.Status) string {
	tr := status.Tracker
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("project"), tr.ProjectID)
	fmt.Fprintf(&b, "%s %s %s %.0f%%\n", titleStyle.Render("phase"), tr.CurrentPhaseID, progressBar(tr.OverallProgress, 20), tr.OverallProgress)
	if tr.PendingAdvance != "" {
		fmt.Fprintf(&b, "%s advance to %s awaits approval\n", pendingStyle.Render("pending"), tr.PendingAdvance)
	}
	if !tr.AutoAdvanceEnabled {
		fmt.Fprintln(&b, mutedStyle.Render("auto advance is off"))
	}
	fmt.Fprintf(&b, "%s %s (%s)\n", titleStyle.Render("mode"), status.Settings.Mode, enabledLabel(status.Settings.Enabled))
	for _, p := range status.Phases {
		marker := "  "
		switch {
		case p.ID == tr.CurrentPhaseID:
			marker = pendingStyle.Render("▶ ")
		case p.Order < currentOrder(status):
			marker = doneStyle.Render("✓ ")
		}
		fmt.Fprintf(&b, "%s%s\n", marker, p.Name)
		if p.ID != tr.CurrentPhaseID {
			continue
		}
		for _, c := range p.Criteria {
			box := mutedStyle.Render("[ ]")
			if c.Satisfied {
				box = doneStyle.Render("[x]")
			}
			req := ""
			if c.Required {
				req = " (required)"
			}
			fmt.Fprintf(&b, "    %s %s%s\n", box, c.ID, req)
		}
	}
	return b.String()
}

func currentOrder(status evolution.Status) int {
	for _, p := range status.Phases {
		if p.ID == status.Tracker.CurrentPhaseID {
			return p.Order
		}
	}
	return -1
}

func enabledLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func statusMarkdown(status evolution.Status, records []db.EventRecord) string {
	tr := status.Tracker
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", tr.ProjectID)
	fmt.Fprintf(&b, "Current phase: **%s** (%.0f%% of its items completed)\n\n", tr.CurrentPhaseID, tr.OverallProgress)
	if tr.PendingAdvance != "" {
		fmt.Fprintf(&b, "> Advance to **%s** awaits approval.\n\n", tr.PendingAdvance)
	}
	b.WriteString("## Phases\n\n| # | Phase | Criteria satisfied |\n|---|---|---|\n")
	for _, p := range status.Phases {
		satisfied := 0
		for _, c := range p.Criteria {
			if c.Satisfied {
				satisfied++
			}
		}
		fmt.Fprintf(&b, "| %d | %s | %d/%d |\n", p.Order, p.Name, satisfied, len(p.Criteria))
	}
	if len(records) > 0 {
		b.WriteString("\n## Recent events\n\n")
		for _, r := range records {
			fmt.Fprintf(&b, "- `%s` **%s** %s\n", r.TS, r.Type, r.Message)
		}
	}
	return b.String()
}
