package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/andresmejia3/deepcheck/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded verdicts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}
		records, err := DB.ListVerdicts(cmd.Context(), historyLimit)
		if err != nil {
			return fmt.Errorf("failed to list verdicts: %w", err)
		}
		return printHistory(cmd.OutOrStdout(), records)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Maximum number of verdicts to show (0 for all)")
	rootCmd.AddCommand(historyCmd)
}

func printHistory(out io.Writer, records []store.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "No verdicts recorded.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "MEDIA\tKIND\tLABEL\tCONFIDENCE\tFACES\tSTRIDE\tPARTIAL\tRECORDED\tPATH")
	fmt.Fprintln(w, "-----\t----\t-----\t----------\t-----\t------\t-------\t--------\t----")
	for _, r := range records {
		partial := "-"
		if r.Verdict.Partial {
			partial = string(r.Verdict.Reason)
		}
		path := r.Path
		if path == "" {
			path = "(stdin)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%d\t%d\t%s\t%s\t%s\n",
			shortID(r.MediaID), r.Kind, r.Verdict.Label, r.Verdict.Confidence*100,
			r.Verdict.Faces, r.Settings.Stride, partial, humanize.Time(r.CreatedAt), path)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
