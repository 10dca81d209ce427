package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	modePrincipal string
	modeReason    string
	modeHistory   bool
)

var modeCmd = &cobra.Command{
	Use:   "mode",
	Short: "Show or change the operational mode",
	Long: `Show the mode catalog or request a transition. Requests pass the same
guards as actions: trust rank, privilege, cooldown and the recent-critical
lockout.

Examples:
  consentgate mode list
  consentgate mode list --history
  consentgate mode request reflective --principal operator --reason "weekly retro"`,
}

var modeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List modes and mark the current one",
	RunE:  modeList,
}

var modeRequestCmd = &cobra.Command{
	Use:   "request <mode>",
	Short: "Request a mode transition",
	Args:  cobra.ExactArgs(1),
	RunE:  modeRequest,
}

func init() {
	modeListCmd.Flags().BoolVar(&modeHistory, "history", false, "Also list every transition attempt")
	modeRequestCmd.Flags().StringVar(&modePrincipal, "principal", "", "Principal requesting the change")
	modeRequestCmd.Flags().StringVar(&modeReason, "reason", "", "Why the mode should change")
	_ = modeRequestCmd.MarkFlagRequired("principal")
	modeCmd.AddCommand(modeListCmd, modeRequestCmd)
	rootCmd.AddCommand(modeCmd)
}

func modeList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(commandContext(cmd), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.finish(cmd)

	out := cmd.OutOrStdout()
	current := rt.gw.GetStatus().Mode
	if jsonOutput {
		return printJSON(out, map[string]any{
			"current":     current,
			"modes":       rt.gw.Modes(),
			"transitions": rt.gw.Transitions(),
		})
	}

	for _, m := range rt.gw.Modes() {
		marker := " "
		if m.Name == current {
			marker = "*"
		}
		var extra []string
		if m.Privileged {
			extra = append(extra, "privileged")
		}
		if m.MinDwell > 0 {
			extra = append(extra, "dwell "+m.MinDwell.String())
		}
		fmt.Fprintf(out, "%s %-15s rank %d  %-10s %s\n", marker, m.Name, m.RequiredRank, m.Sensitivity, strings.Join(extra, ", "))
	}

	if modeHistory {
		fmt.Fprintln(out)
		for _, t := range rt.gw.Transitions() {
			outcome := "accepted"
			if !t.Accepted {
				outcome = "rejected: " + t.Rejection
			}
			if t.Forced {
				outcome = "forced"
			}
			fmt.Fprintf(out, "%s %s -> %s by %s (%s) %s\n", formatTimestamp(t.At), t.From, t.To, t.Principal, outcome, t.Reason)
		}
	}
	return nil
}

func modeRequest(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(commandContext(cmd), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.finish(cmd)

	ok, rejection, err := rt.gw.RequestModeChange(args[0], modePrincipal, modeReason)
	if err := rt.noteDegraded(cmd.ErrOrStderr(), err); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := printJSON(out, map[string]any{"accepted": ok, "rejection": rejection, "mode": rt.gw.GetStatus().Mode}); err != nil {
			return err
		}
	} else if ok {
		fmt.Fprintf(out, "Mode is now %s.\n", rt.gw.GetStatus().Mode)
	} else {
		fmt.Fprintf(out, "Transition to %s rejected: %s\n", args[0], rejection)
	}
	if !ok {
		return &exitError{code: ExitBlocked, msg: "mode change rejected: " + rejection}
	}
	return nil
}
