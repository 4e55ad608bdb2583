package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/sluice/internal/config"
	"github.com/aretw0/sluice/internal/logging"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sluice",
	Short: "Sluice is a reactive pipeline engine",
	Long: `Sluice runs pipelines of stages over a shared versioned state.
A change to a watched key schedules the stages that depend on it; their
outputs flow downstream until the state settles.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a sluice.yaml configuration file")
	rootCmd.PersistentFlags().StringP("pipeline", "p", "", "Pipeline definition (overrides the config file)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
}

// loadConfig resolves the configuration for a command: file, then SLUICE_* env, then flags.
func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	if p, _ := cmd.Flags().GetString("pipeline"); p != "" {
		cfg.Pipeline = p
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		if _, err := logging.ParseLevel(lvl); err != nil {
			return cfg, nil, err
		}
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logging.New(cfg.Level()), nil
}
