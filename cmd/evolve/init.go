package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/metalagman/evolve/internal/db"
	"github.com/metalagman/evolve/internal/phase"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize an evolve workspace",
		Long:  "Initialize an evolve workspace by creating the .evolve directory, a default config and phase graph, and the project record.",
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := os.Getwd()
			if err != nil {
				return err
			}
			created, err := initWorkspace(cmd.Context(), repoRoot)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintln(cmd.OutOrStdout(), "evolve initialized successfully")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "project already initialized")
			}
			return nil
		},
	}
}

// initWorkspace lays out .evolve under repoRoot and creates the project. It
// reports false when the project already existed.
func initWorkspace(ctx context.Context, repoRoot string) (bool, error) {
	dir := filepath.Join(repoRoot, workspaceDir)
	log.Info().Str("dir", dir).Msg("creating evolve directory")
	if err := os.MkdirAll(filepath.Join(dir, "locks"), 0o755); err != nil {
		return false, fmt.Errorf("create locks dir: %w", err)
	}

	configPath := filepath.Join(repoRoot, defaultConfigPath)
	wrote, err := writeFileIfMissing(configPath, []byte(defaultConfigYAML))
	if err != nil {
		return false, err
	}
	if wrote {
		log.Info().Str("path", configPath).Msg("installed default config")
	} else {
		log.Info().Msg("config.yaml already exists, skipping")
	}

	phasesYAML, err := phase.ToYAML(phase.Default())
	if err != nil {
		return false, err
	}
	if _, err := writeFileIfMissing(filepath.Join(repoRoot, defaultPhasesPath), phasesYAML); err != nil {
		return false, err
	}

	ws, err := openWorkspaceAt(repoRoot)
	if err != nil {
		return false, err
	}
	defer ws.Close()

	graph := phase.Default()
	if ws.cfg.PhasesFile != "" {
		graph, err = phase.Load(ws.cfg.PhasesFile)
		if err != nil {
			return false, err
		}
	}

	_, err = ws.store.InitProject(ctx, ws.cfg.Project, graph, ws.cfg.AutoCompletion)
	if errors.Is(err, db.ErrExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	log.Info().Str("project", ws.cfg.Project).Int("phases", graph.Len()).Msg("project created")
	return true, nil
}
