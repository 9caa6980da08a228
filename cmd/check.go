package cmd

import (
	"fmt"
	"time"

	"github.com/andresmejia3/deepcheck/internal/utils"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Load both models once to validate the configured artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := newRegistry(Cfg, Logger)
		defer reg.Close()

		start := time.Now()
		if err := reg.Warmup(cmd.Context()); err != nil {
			utils.ShowError("Model check failed", err, nil)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ %s backend ready: localizer %s, classifier %s (%s)\n",
			Cfg.Models.Backend, Cfg.Models.LocalizerPath, Cfg.Models.ClassifierPath,
			time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
