package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aretw0/sluice"
	"github.com/aretw0/sluice/internal/presentation/tui"
	"github.com/spf13/cobra"
)

var describeCmd = &cobra.Command{
	Use:   "describe [pipeline]",
	Short: "Describe the pipeline stages",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if len(args) > 0 {
			cfg.Pipeline = args[0]
		}
		plain, _ := cmd.Flags().GetBool("plain")

		eng, err := localEngine(cfg.Pipeline,
			sluice.WithLogger(logger),
			sluice.WithDefaultPolicy(cfg.Policy),
		)
		if err != nil {
			return err
		}
		defer eng.Close(context.Background())

		if !plain && tui.IsTerminal(os.Stdout) {
			tui.PrintBanner(cmd.OutOrStdout())
		}
		render := tui.NewRenderer(plain || !tui.IsTerminal(os.Stdout))
		text, err := render(tui.DescribeStages(eng.Name, orderedStages(eng)))
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), text)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(describeCmd)
	describeCmd.Flags().Bool("plain", false, "Print raw markdown")
}
