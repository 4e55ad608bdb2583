package main

import (
	"fmt"

	"github.com/aretw0/sluice/pkg/adapters/process"
	"github.com/aretw0/sluice/pkg/domain"
	"github.com/aretw0/sluice/pkg/registry"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [pipeline]",
	Short: "Check the pipeline for consistency",
	Long: `Parses the pipeline and registers every stage, reporting duplicate names,
contested outputs, self-watching stages and dependency cycles. No stage runs.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if len(args) > 0 {
			cfg.Pipeline = args[0]
		}
		order, err := validatePipeline(cfg.Pipeline, cfg.Policy)
		if err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pipeline is valid! ✅ (%d stages)\n", len(order))
		for i, name := range order {
			fmt.Fprintf(cmd.OutOrStdout(), "  %d. %s\n", i+1, name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// validatePipeline registers the pipeline stages into a scratch registry and
// returns their topological order.
func validatePipeline(path string, policy domain.Policy) ([]string, error) {
	p, err := process.LoadPipeline(path)
	if err != nil {
		return nil, err
	}
	stages, err := p.Build(process.NewRunner())
	if err != nil {
		return nil, err
	}
	reg := registry.NewRegistry(registry.WithDefaultPolicy(policy.WithDefaults(domain.DefaultPolicy())))
	for _, st := range stages {
		if err := reg.Register(st); err != nil {
			return nil, err
		}
	}
	return reg.Order(), nil
}
