package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gzhole/consentgate/internal/detector"
)

var signaturesCmd = &cobra.Command{
	Use:   "signatures",
	Short: "List the behavior signatures the detector scans for",
	RunE:  signaturesCommand,
}

func init() {
	rootCmd.AddCommand(signaturesCmd)
}

func signaturesCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}
	pol, _, err := loadPolicy(cfg, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, pol.Signatures)
	}

	fmt.Fprintln(out, "Behavior Signatures:")
	fmt.Fprintln(out, strings.Repeat("─", 60))
	for _, s := range pol.Signatures {
		fmt.Fprintf(out, "  %-25s base %2d  %s\n", s.ID, s.BaseScore, detector.SeverityOf(s.BaseScore))
		if s.Description != "" {
			fmt.Fprintf(out, "       %s\n", s.Description)
		}
		if s.CaseRef != "" {
			fmt.Fprintf(out, "       case: %s\n", s.CaseRef)
		}
		fmt.Fprintf(out, "       indicators: %s\n", strings.Join(s.Indicators, "; "))
	}
	fmt.Fprintln(out, strings.Repeat("─", 60))
	return nil
}
