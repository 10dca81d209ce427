package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gzhole/consentgate/internal/trust"
)

var (
	principalKind   string
	principalReason string
)

var principalCmd = &cobra.Command{
	Use:   "principal",
	Short: "Manage principals, trust ranks and consent",
	Long: `Manage the trust ledger. Every change is recorded in the audit log.

Examples:
  consentgate principal list
  consentgate principal add agent-7 --kind agent
  consentgate principal trust agent-7 3 --reason "completed onboarding"
  consentgate principal grant agent-7 network
  consentgate principal revoke agent-7 network`,
}

var principalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every principal",
	RunE:  principalList,
}

var principalShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one principal",
	Args:  cobra.ExactArgs(1),
	RunE:  principalShow,
}

var principalAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Establish a principal at rank 0",
	Args:  cobra.ExactArgs(1),
	RunE:  principalAdd,
}

var principalTrustCmd = &cobra.Command{
	Use:   "trust <id> <rank>",
	Short: "Move a principal to a new trust rank",
	Args:  cobra.ExactArgs(2),
	RunE:  principalTrust,
}

var principalGrantCmd = &cobra.Command{
	Use:   "grant <id> <action-class>",
	Short: "Grant consent for an action class",
	Args:  cobra.ExactArgs(2),
	RunE:  principalConsent(true),
}

var principalRevokeCmd = &cobra.Command{
	Use:   "revoke <id> <action-class>",
	Short: "Revoke consent for an action class",
	Args:  cobra.ExactArgs(2),
	RunE:  principalConsent(false),
}

func init() {
	principalAddCmd.Flags().StringVar(&principalKind, "kind", string(trust.KindAgent), "Principal kind (operator, agent, peer-agent, system)")
	principalTrustCmd.Flags().StringVar(&principalReason, "reason", "", "Why the rank changes (required for non-revocable ranks)")
	principalCmd.AddCommand(principalListCmd, principalShowCmd, principalAddCmd, principalTrustCmd, principalGrantCmd, principalRevokeCmd)
	rootCmd.AddCommand(principalCmd)
}

func principalList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(commandContext(cmd), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.finish(cmd)

	principals := rt.gw.GetStatus().Principals
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, principals)
	}
	if len(principals) == 0 {
		fmt.Fprintln(out, "No principals established.")
		return nil
	}
	for _, p := range principals {
		printPrincipal(cmd, p)
	}
	return nil
}

func principalShow(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(commandContext(cmd), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.finish(cmd)

	p, ok := rt.gw.Principal(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", trust.ErrUnknownPrincipal, args[0])
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), p)
	}
	printPrincipal(cmd, p)
	return nil
}

func principalAdd(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(commandContext(cmd), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.finish(cmd)

	p, err := rt.gw.EstablishPrincipal(args[0], trust.Kind(principalKind))
	if err := rt.noteDegraded(cmd.ErrOrStderr(), err); err != nil {
		return err
	}
	printPrincipal(cmd, p)
	return nil
}

func principalTrust(cmd *cobra.Command, args []string) error {
	rank, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("%w: %q", trust.ErrInvalidRank, args[1])
	}

	rt, err := openRuntime(commandContext(cmd), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.finish(cmd)

	err = rt.gw.ModifyTrust(args[0], rank, principalReason)
	if err := rt.noteDegraded(cmd.ErrOrStderr(), err); err != nil {
		return err
	}
	if p, ok := rt.gw.Principal(args[0]); ok {
		printPrincipal(cmd, p)
	}
	return nil
}

func principalConsent(grant bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(commandContext(cmd), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer rt.finish(cmd)

		if grant {
			err = rt.gw.GiveConsent(args[0], args[1])
		} else {
			err = rt.gw.RevokeConsent(args[0], args[1])
		}
		if err := rt.noteDegraded(cmd.ErrOrStderr(), err); err != nil {
			return err
		}
		if p, ok := rt.gw.Principal(args[0]); ok {
			printPrincipal(cmd, p)
		}
		return nil
	}
}

func printPrincipal(cmd *cobra.Command, p trust.Principal) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-20s %-15s rank %d (%s)\n", p.ID, p.Kind, p.Rank, p.Level)
	if len(p.Granted) > 0 {
		fmt.Fprintf(out, "     Granted: %s\n", strings.Join(p.Granted, ", "))
	}
	if len(p.Revoked) > 0 {
		fmt.Fprintf(out, "     Revoked: %s\n", strings.Join(p.Revoked, ", "))
	}
	fmt.Fprintf(out, "     Since:   %s\n", formatTimestamp(p.CreatedAt))
}
