package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
)

var reviewDays int

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Run a periodic review of recent decisions",
	Long: `Summarize the trailing review period: health score, recurring decision
types, flagged decisions that need attention and recommendations.

  consentgate review --days 7`,
	RunE: reviewCommand,
}

func init() {
	reviewCmd.Flags().IntVar(&reviewDays, "days", 7, "Length of the review period in days")
	rootCmd.AddCommand(reviewCmd)
}

func reviewCommand(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(commandContext(cmd), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.finish(cmd)

	report := rt.gw.TriggerReview(reviewDays)
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, report)
	}

	fmt.Fprintln(out, "═══════════════════════════════════════════")
	fmt.Fprintf(out, "  Review: last %d day(s)\n", report.Days)
	fmt.Fprintln(out, "═══════════════════════════════════════════")
	if report.Empty {
		fmt.Fprintln(out, "  No decisions in this period.")
		return nil
	}

	snap := report.Snapshot
	fmt.Fprintf(out, "  Health:          %d/100\n", snap.Health)
	fmt.Fprintf(out, "  Decisions:       %d\n", snap.Total)
	fmt.Fprintf(out, "  Bypass attempts: %d\n", snap.BypassAttempts)
	sigs := make([]string, 0, len(snap.DetectionsBySignature))
	for sig := range snap.DetectionsBySignature {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)
	for _, sig := range sigs {
		fmt.Fprintf(out, "  Detection:       %s x%d\n", sig, snap.DetectionsBySignature[sig])
	}

	printSection(out, "Patterns", report.Patterns)
	printSection(out, "Concerns", report.Concerns)
	printSection(out, "Recommendations", report.Recommendations)
	fmt.Fprintln(out)
	return nil
}

func printSection(out io.Writer, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  %s:\n", title)
	for _, l := range lines {
		fmt.Fprintf(out, "    • %s\n", l)
	}
}
