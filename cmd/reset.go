package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetYes         bool
	resetDebugFrames string
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop the verdict history (and optionally a debug frame directory)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}
		reader := bufio.NewReader(os.Stdin)
		out := cmd.OutOrStdout()

		if resetYes || confirm(reader, out, "⚠️  Are you sure you want to DROP all verdict tables?") {
			fmt.Fprintln(out, "🗑️  Clearing Database...")
			if err := DB.Reset(cmd.Context()); err != nil {
				return fmt.Errorf("failed to reset database: %w", err)
			}
		}

		if resetDebugFrames != "" {
			if resetYes || confirm(reader, out, fmt.Sprintf("⚠️  Are you sure you want to delete %s?", resetDebugFrames)) {
				fmt.Fprintln(out, "🗑️  Clearing Debug Frames...")
				removeDir(resetDebugFrames)
			}
		}

		fmt.Fprintln(out, "✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	resetCmd.Flags().StringVar(&resetDebugFrames, "debug-frames", "", "Also delete this debug frame directory")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
