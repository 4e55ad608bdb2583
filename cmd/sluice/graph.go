package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aretw0/sluice"
	"github.com/aretw0/sluice/internal/presentation/graph"
	"github.com/aretw0/sluice/pkg/adapters/process"
	"github.com/aretw0/sluice/pkg/domain"
	"github.com/spf13/cobra"
)

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph [pipeline]",
	Short: "Export the pipeline graph visualization",
	Long: `Outputs a Mermaid diagram (graph LR) of keys and stages. With --set the
pipeline runs first and each stage is colored by its last run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if len(args) > 0 {
			cfg.Pipeline = args[0]
		}
		sets, _ := cmd.Flags().GetStringArray("set")
		patch, err := readInputs("", sets)
		if err != nil {
			return err
		}

		eng, err := localEngine(cfg.Pipeline, sluice.WithLogger(logger))
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		defer eng.Close(context.WithoutCancel(ctx))

		var overlay *graph.GraphOverlay
		if len(patch) > 0 {
			if _, err := eng.TriggerPatch(ctx, patch); err != nil {
				return err
			}
			if err := eng.Wait(ctx); err != nil {
				return err
			}
			overlay = graph.OverlayFromStages(eng.Stages())
		}
		fmt.Fprint(cmd.OutOrStdout(), graph.GenerateMermaid(orderedStages(eng), overlay))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().StringArray("set", nil, "Run the pipeline with key=value inputs and overlay run status")
}

// localEngine builds an in-memory engine running the pipeline at path.
func localEngine(path string, opts ...sluice.Option) (*sluice.Engine, error) {
	p, err := process.LoadPipeline(path)
	if err != nil {
		return nil, err
	}
	stages, err := p.Build(process.NewRunner(process.WithBaseDir(filepath.Dir(path))))
	if err != nil {
		return nil, err
	}
	opts = append(opts, sluice.WithName(p.Name), sluice.WithStages(stages...))
	return sluice.New(opts...)
}

// orderedStages returns the engine stages in topological order.
func orderedStages(eng *sluice.Engine) []domain.StageInfo {
	byName := make(map[string]domain.StageInfo)
	for _, st := range eng.Stages() {
		byName[st.Name] = st
	}
	order := eng.Registry().Order()
	out := make([]domain.StageInfo, 0, len(order))
	for _, name := range order {
		if st, ok := byName[name]; ok {
			out = append(out, st)
		}
	}
	return out
}
