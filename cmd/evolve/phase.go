package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/metalagman/evolve/internal/evolution"
	"github.com/metalagman/evolve/internal/phase"
)

func phaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phase",
		Short: "Inspect the phase graph",
	}
	cmd.AddCommand(phaseListCmd())
	cmd.AddCommand(phaseExportCmd())
	return cmd
}

func phaseListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List phases with their criteria and triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withItems(cmd, func(_ *workspace, e *evolution.Engine) error {
				status := e.Status()
				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.AppendHeader(table.Row{"#", "Phase", "Criterion", "Kind", "Required", "Satisfied", "Triggers"})
				for _, p := range status.Phases {
					marker := ""
					if p.ID == status.Tracker.CurrentPhaseID {
						marker = "*"
					}
					triggers := len(p.Triggers)
					if len(p.Criteria) == 0 {
						t.AppendRow(table.Row{p.Order, marker + p.ID, "", "", "", "", triggers})
						continue
					}
					for _, c := range p.Criteria {
						t.AppendRow(table.Row{p.Order, marker + p.ID, c.ID, c.Kind, c.Required, c.Satisfied, triggers})
					}
					t.AppendSeparator()
				}
				t.SetStyle(table.StyleLight)
				t.Render()
				return nil
			})
		},
	}
}

func phaseExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Print the phase graph as YAML, criteria state included",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withItems(cmd, func(_ *workspace, e *evolution.Engine) error {
				g, err := phase.NewGraph(e.Status().Phases)
				if err != nil {
					return err
				}
				data, err := phase.ToYAML(g)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), string(data))
				return err
			})
		},
	}
}
