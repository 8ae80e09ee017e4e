package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/metalagman/evolve/internal/logging"
)

var (
	cfgFile   string
	debug     bool
	logFormat string
	projectID string
	rootCmd   = &cobra.Command{
		Use:   "evolve",
		Short: "evolve tracks a project through its phases and auto-completes work items",
	}
)

// Execute runs the root command.
func Execute() error {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", string(logging.FormatConsole), "log format: console or json")
	rootCmd.PersistentFlags().StringVar(&projectID, "project", "", "override the configured project id")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		return fmt.Errorf("bind config flag: %w", err)
	}
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		format, err := logging.ParseFormat(logFormat)
		if err != nil {
			return err
		}
		logging.Setup(logging.Options{Debug: debug, Format: format})
		return nil
	}
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(autoAdvanceCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(watchCmd())
	return rootCmd.Execute()
}

func initConfig() {
	path := cfgFile
	if path == "" {
		path = defaultConfigPath
	}
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
}
