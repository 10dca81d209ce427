package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gzhole/consentgate/internal/audit"
)

var (
	amendPrincipal string
	amendReason    string
	amendNotes     string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit log hash chain",
	Long: `Recompute every entry hash and check each links to its predecessor. A
broken chain fails at startup, so a successful run also means the persisted
history replayed cleanly.`,
	RunE: verifyCommand,
}

var amendCmd = &cobra.Command{
	Use:   "amend <entry-id>",
	Short: "Append a correction to an earlier audit entry",
	Long: `Entries are never changed. A correction is a new entry that points at the
one it amends.

  consentgate amend 3f0c... --principal operator --reason "misclassified as execute"`,
	Args: cobra.ExactArgs(1),
	RunE: amendCommand,
}

func init() {
	amendCmd.Flags().StringVar(&amendPrincipal, "principal", "", "Principal making the correction")
	amendCmd.Flags().StringVar(&amendReason, "reason", "", "Why the entry is being corrected")
	amendCmd.Flags().StringVar(&amendNotes, "notes", "", "Free-form notes")
	_ = amendCmd.MarkFlagRequired("principal")
	rootCmd.AddCommand(verifyCmd, amendCmd)
}

func verifyCommand(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(commandContext(cmd), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.finish(cmd)

	if err := rt.gw.Verify(); err != nil {
		return err
	}
	st := rt.gw.GetStatus()
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"ok": true, "entries": st.Entries, "head": st.ChainHead})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\xe2\x9c\x85 %d entries verified, head %s\n", st.Entries, st.ChainHead)
	return nil
}

func amendCommand(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(commandContext(cmd), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.finish(cmd)

	e, err := rt.gw.Amend(audit.Correction{
		TargetID:  args[0],
		Principal: amendPrincipal,
		Reason:    amendReason,
		Notes:     amendNotes,
	})
	if err := rt.noteDegraded(cmd.ErrOrStderr(), err); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), e)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Correction %s appended at seq %d.\n", e.ID, e.Seq)
	return nil
}
