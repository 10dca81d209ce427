package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gzhole/consentgate/internal/approval"
	"github.com/gzhole/consentgate/internal/audit"
	"github.com/gzhole/consentgate/internal/gateway"
)

var (
	submitPrincipal     string
	submitClass         string
	submitType          string
	submitContext       string
	submitShell         string
	submitJustification string
	submitTargetMode    string
	submitNoPrompt      bool
)

// askConsent is swapped out in tests.
var askConsent = approval.Ask

var submitCmd = &cobra.Command{
	Use:   "submit [description...]",
	Short: "Submit an action for admission",
	Long: `Ask the gateway whether an action may proceed. The decision is recorded in
the audit log before the command returns.

Exit status is 0 when the action is admitted, 2 when it is blocked and 3 when
consent is still pending. On a terminal, a pending consent can be granted
interactively and the action resubmitted.

Examples:
  consentgate submit --principal agent-7 --class read "summarize the inbox"
  consentgate submit --principal agent-7 --class execute \
      --command "rm -rf ./build" --justification "clean rebuild" "clean build output"
  consentgate submit --principal owner --class mode-change --target-mode reflective "plan review"`,
	Args: cobra.ArbitraryArgs,
	RunE: submitCommand,
}

func init() {
	submitCmd.Flags().StringVar(&submitPrincipal, "principal", "", "Principal requesting the action")
	submitCmd.Flags().StringVar(&submitClass, "class", "", "Action class (analyze, read, write, execute, network, ...)")
	submitCmd.Flags().StringVar(&submitType, "type", "", "Decision type label (default: the action class)")
	submitCmd.Flags().StringVar(&submitContext, "context", "", "Surrounding context scanned with the description")
	submitCmd.Flags().StringVar(&submitShell, "command", "", "Shell command the action would run")
	submitCmd.Flags().StringVar(&submitJustification, "justification", "", "Why the action is needed")
	submitCmd.Flags().StringVar(&submitTargetMode, "target-mode", "", "Request a mode change with the action")
	submitCmd.Flags().BoolVar(&submitNoPrompt, "no-prompt", false, "Never prompt for pending consent")
	_ = submitCmd.MarkFlagRequired("principal")
	_ = submitCmd.MarkFlagRequired("class")
	rootCmd.AddCommand(submitCmd)
}

func submitCommand(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(commandContext(cmd), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.finish(cmd)

	action := gateway.Action{
		Principal:     submitPrincipal,
		Description:   strings.Join(args, " "),
		Context:       submitContext,
		Command:       submitShell,
		Class:         submitClass,
		Type:          submitType,
		Justification: submitJustification,
		TargetMode:    submitTargetMode,
	}
	if action.Description == "" && action.Command == "" {
		return fmt.Errorf("nothing to submit: give a description or --command")
	}

	admitted, d, err := rt.gw.Submit(action)
	if err := rt.noteDegraded(cmd.ErrOrStderr(), err); err != nil {
		return err
	}

	if d.Status == audit.StatusReviewRequired && !submitNoPrompt && !jsonOutput {
		res := askConsent(consentPrompt(d))
		rt.logger.Info("consent prompt answered", "decision", d.ID, "action", res.UserAction)
		if res.Approved {
			if err := rt.noteDegraded(cmd.ErrOrStderr(), rt.gw.GiveConsent(d.Principal, d.ActionClass)); err != nil {
				return err
			}
			admitted, d, err = rt.gw.Submit(action)
			if err := rt.noteDegraded(cmd.ErrOrStderr(), err); err != nil {
				return err
			}
		}
	}

	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), d); err != nil {
			return err
		}
	} else {
		printDecision(cmd.OutOrStdout(), d, useIcons(cmd.OutOrStdout()))
	}

	return outcomeError(admitted, d)
}

func consentPrompt(d audit.Decision) approval.Prompt {
	p := approval.Prompt{
		Principal:   d.Principal,
		Action:      d.Action,
		ActionClass: d.ActionClass,
	}
	for _, det := range d.Detections {
		p.Signatures = append(p.Signatures, det.SignatureID)
	}
	if d.Notes != "" {
		p.Reasons = append(p.Reasons, d.Notes)
	}
	return p
}

func outcomeError(admitted bool, d audit.Decision) error {
	switch {
	case admitted:
		return nil
	case d.Status == audit.StatusReviewRequired:
		return &exitError{code: ExitReviewRequired, msg: fmt.Sprintf("decision %s: consent pending", d.ID)}
	default:
		return &exitError{code: ExitBlocked, msg: fmt.Sprintf("decision %s: %s", d.ID, d.Status)}
	}
}

func printDecision(w io.Writer, d audit.Decision, icons bool) {
	label := strings.ToUpper(string(d.Status))
	if icons {
		label = statusIcon(d.Status) + " " + label
	}
	fmt.Fprintf(w, "%s  %s  %s  %s\n", label, d.Principal, d.ActionClass, d.Action)
	fmt.Fprintf(w, "     Trust: %d/%d  Consent: %s  Mode: %s\n", d.TrustPresent, d.TrustRequired, d.Consent, d.Mode)
	if d.TargetMode != "" {
		fmt.Fprintf(w, "     Target mode: %s", d.TargetMode)
		if d.ModeRejection != "" {
			fmt.Fprintf(w, " (rejected: %s)", d.ModeRejection)
		}
		fmt.Fprintln(w)
	}
	for _, det := range d.Detections {
		fmt.Fprintf(w, "     Detection: %s score=%d %s", det.SignatureID, det.Score, det.Severity)
		if det.CaseRef != "" {
			fmt.Fprintf(w, " (%s)", det.CaseRef)
		}
		fmt.Fprintln(w)
	}
	if d.Unjustified {
		fmt.Fprintln(w, "     Unjustified: no justification given")
	}
	if d.Notes != "" {
		fmt.Fprintf(w, "     Notes: %s\n", d.Notes)
	}
	fmt.Fprintf(w, "     ID: %s\n", d.ID)
}

func statusIcon(s audit.Status) string {
	switch s {
	case audit.StatusBlocked:
		return "\xf0\x9f\x9b\x91" // shield
	case audit.StatusFlagged:
		return "\xf0\x9f\x94\x8d" // magnifying glass
	case audit.StatusApproved:
		return "\xe2\x9c\x85" // check mark
	case audit.StatusReviewRequired:
		return "\xe2\x8f\xb3" // hourglass
	default:
		return "\xe2\x9d\x93" // question mark
	}
}
