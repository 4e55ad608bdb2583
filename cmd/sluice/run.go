package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aretw0/sluice/internal/presentation/tui"
	"github.com/aretw0/sluice/pkg/domain"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once from a set of inputs",
	Long: `Applies the given inputs as one trigger, waits until every stage settles
and prints the resulting state. Exits non-zero if a stage failed.`,
	Example: `  sluice run -p pipeline.yaml --set csv=data.csv --set threshold=0.5
  sluice run -p pipeline.yaml --input inputs.json --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		sets, _ := cmd.Flags().GetStringArray("set")
		input, _ := cmd.Flags().GetString("input")
		asJSON, _ := cmd.Flags().GetBool("json")
		quiet, _ := cmd.Flags().GetBool("quiet")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		patch, err := readInputs(input, sets)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		var hooks domain.LifecycleHooks
		if !quiet {
			errOut := cmd.ErrOrStderr()
			hooks.OnRunFinish = func(_ context.Context, rec domain.RunRecord) {
				fmt.Fprintln(errOut, tui.StatusLine(rec))
			}
		}
		eng, err := a.newEngine(hooks)
		if err != nil {
			return err
		}
		defer eng.Close(context.WithoutCancel(ctx))

		if len(patch) > 0 {
			if _, err := eng.TriggerPatch(ctx, patch); err != nil {
				return err
			}
		}
		if err := eng.Wait(ctx); err != nil {
			return fmt.Errorf("pipeline did not settle: %w", err)
		}

		snap, err := eng.Snapshot(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(snap); err != nil {
				return err
			}
		} else {
			render := tui.NewRenderer(!tui.IsTerminal(os.Stdout))
			text, err := render(tui.DescribeState(snap))
			if err != nil {
				return err
			}
			fmt.Fprint(out, text)
		}

		if rec := snap.Error(); rec != nil {
			return fmt.Errorf("stage %q failed (%s): %s", rec.Stage, rec.Kind, rec.Message)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringArray("set", nil, "Input as key=value; JSON values are decoded, anything else is a string")
	runCmd.Flags().String("input", "", "JSON file with an object of inputs")
	runCmd.Flags().Bool("json", false, "Print the final snapshot as JSON")
	runCmd.Flags().BoolP("quiet", "q", false, "Do not print run status lines")
	runCmd.Flags().Duration("timeout", 5*time.Minute, "Maximum time to wait for the pipeline to settle")
}

// readInputs merges the input file with --set pairs; pairs win.
func readInputs(path string, sets []string) (domain.Patch, error) {
	patch := domain.Patch{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read inputs: %w", err)
		}
		if err := json.Unmarshal(data, &patch); err != nil {
			return nil, fmt.Errorf("%s: inputs must be a JSON object: %w", path, err)
		}
	}
	for _, kv := range sets {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: want key=value", kv)
		}
		patch[key] = parseValue(raw)
	}
	return patch, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
