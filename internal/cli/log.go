package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/gzhole/consentgate/internal/audit"
)

var (
	logFilterStatus    string
	logFilterPrincipal string
	logFilterFlagged   bool
	logSince           time.Duration
	logLast            int
	logSummary         bool
	logEntries         bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "View and filter the audit log",
	Long: `View audited decisions with filtering and summary options.

Examples:
  consentgate log                          # Show all decisions
  consentgate log --last 20                # Show last 20 decisions
  consentgate log --status blocked         # Show only blocked decisions
  consentgate log --flagged                # Show only flagged decisions
  consentgate log --principal agent-7      # One principal's decisions
  consentgate log --since 24h --summary    # Summary over the last day
  consentgate log --entries                # Every entry, including transitions`,
	RunE: logCommand,
}

func init() {
	logCmd.Flags().StringVar(&logFilterStatus, "status", "", "Filter by status (approved, flagged, blocked, review-required)")
	logCmd.Flags().StringVar(&logFilterPrincipal, "principal", "", "Filter by principal")
	logCmd.Flags().BoolVar(&logFilterFlagged, "flagged", false, "Show only flagged decisions")
	logCmd.Flags().DurationVar(&logSince, "since", 0, "Only decisions newer than this")
	logCmd.Flags().IntVar(&logLast, "last", 0, "Show last N decisions")
	logCmd.Flags().BoolVar(&logSummary, "summary", false, "Show summary statistics")
	logCmd.Flags().BoolVar(&logEntries, "entries", false, "List raw chain entries of every kind")
	rootCmd.AddCommand(logCmd)
}

func logCommand(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(commandContext(cmd), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.finish(cmd)
	out := cmd.OutOrStdout()

	if logEntries {
		entries := rt.gw.Entries()
		if logLast > 0 && logLast < len(entries) {
			entries = entries[len(entries)-logLast:]
		}
		if jsonOutput {
			return printJSON(out, entries)
		}
		printEntries(out, entries)
		return nil
	}

	all := rt.gw.Decisions(audit.Filter{})
	if len(all) == 0 {
		fmt.Fprintln(out, "No audit log entries found.")
		return nil
	}

	filtered := rt.gw.Decisions(logFilter(time.Now()))

	if logSummary {
		printSummary(out, all, filtered)
		return nil
	}
	if jsonOutput {
		return printJSON(out, filtered)
	}
	printDecisions(out, filtered, useIcons(out))
	return nil
}

func logFilter(now time.Time) audit.Filter {
	f := audit.Filter{
		Principal: logFilterPrincipal,
		Status:    audit.Status(logFilterStatus),
		Limit:     logLast,
	}
	if logFilterFlagged {
		f.Status = audit.StatusFlagged
	}
	if logSince > 0 {
		f.Since = now.Add(-logSince)
	}
	return f
}

func printDecisions(w io.Writer, decisions []audit.Decision, icons bool) {
	for _, d := range decisions {
		fmt.Fprintf(w, "%s ", formatTimestamp(d.Timestamp))
		printDecision(w, d, icons)
		fmt.Fprintln(w)
	}
}

func printEntries(w io.Writer, entries []audit.Entry) {
	for _, e := range entries {
		fmt.Fprintf(w, "%6d  %s  %-17s %-20s %s\n", e.Seq, formatTimestamp(e.Timestamp), e.Kind, e.Subject, e.ID)
	}
}

func printSummary(w io.Writer, all, filtered []audit.Decision) {
	counts := map[audit.Status]int{}
	detections := 0
	for _, d := range filtered {
		counts[d.Status]++
		detections += len(d.Detections)
	}

	fmt.Fprintln(w, "═══════════════════════════════════════════")
	fmt.Fprintln(w, "  consentgate Audit Summary")
	fmt.Fprintln(w, "═══════════════════════════════════════════")
	fmt.Fprintf(w, "  Total decisions: %d (of %d)\n", len(filtered), len(all))
	fmt.Fprintf(w, "  Approved:        %d\n", counts[audit.StatusApproved])
	fmt.Fprintf(w, "  Flagged:         %d\n", counts[audit.StatusFlagged])
	fmt.Fprintf(w, "  Blocked:         %d\n", counts[audit.StatusBlocked])
	fmt.Fprintf(w, "  Review required: %d\n", counts[audit.StatusReviewRequired])
	fmt.Fprintf(w, "  Detections:      %d\n", detections)
	fmt.Fprintln(w, "═══════════════════════════════════════════")

	if len(filtered) > 0 {
		fmt.Fprintf(w, "  First decision:  %s\n", formatTimestamp(filtered[0].Timestamp))
		fmt.Fprintf(w, "  Last decision:   %s\n", formatTimestamp(filtered[len(filtered)-1].Timestamp))
	}

	var blocked []audit.Decision
	for _, d := range filtered {
		if d.Status == audit.StatusBlocked {
			blocked = append(blocked, d)
		}
	}
	if len(blocked) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Blocked actions:")
		limit := len(blocked)
		if limit > 10 {
			limit = 10
		}
		for _, d := range blocked[len(blocked)-limit:] {
			fmt.Fprintf(w, "    %s %s %s\n", formatTimestamp(d.Timestamp), d.Principal, d.Action)
		}
	}

	fmt.Fprintln(w)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
