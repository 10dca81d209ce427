package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gzhole/consentgate/internal/config"
	"github.com/gzhole/consentgate/internal/gateway"
	"github.com/gzhole/consentgate/internal/policy"
	"github.com/gzhole/consentgate/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show consentgate status: mode, principals, health, policy, audit log",
	Long: `Show the current operational mode, every known principal, audit health over
the configured window, and where policy and audit files live.

  consentgate status
  consentgate status --json`,
	RunE: statusCommand,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusCommand(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(commandContext(cmd), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.finish(cmd)

	st := rt.gw.GetStatus()
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, st)
	}

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════")
	fmt.Fprintln(out, "  consentgate Status")
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════")
	fmt.Fprintln(out)

	binPath, err := os.Executable()
	if err != nil {
		binPath = "unknown"
	}
	fmt.Fprintf(out, "  Binary:    %s (%s)\n", binPath, Version)
	fmt.Fprintf(out, "  Config:    %s\n", rt.cfg.ConfigDir)
	fmt.Fprintln(out)

	printGatewayStatus(out, st)

	fmt.Fprintln(out, "─── Policy ────────────────────────────────────────────")
	checkPolicyFile(out, "Policy", rt.cfg.PolicyPath)
	fmt.Fprintf(out, "  Signatures: %d loaded\n", len(rt.gw.Signatures()))
	printPackCounts(out, rt.packs)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "─── Audit Log ─────────────────────────────────────────")
	checkAuditLog(out, rt.cfg)
	fmt.Fprintf(out, "  Entries:   %d\n", st.Entries)
	fmt.Fprintf(out, "  Head:      %s\n", st.ChainHead)
	if n := rt.store.Pending(); n > 0 {
		fmt.Fprintf(out, "  ⚠  %d entries waiting to be persisted\n", n)
	}
	fmt.Fprintln(out)

	return nil
}

func printGatewayStatus(out io.Writer, st gateway.Status) {
	fmt.Fprintln(out, "─── Mode ──────────────────────────────────────────────")
	fmt.Fprintf(out, "  Current:   %s (%s sensitivity)\n", st.Mode, st.Sensitivity)
	fmt.Fprintf(out, "  Since:     %s\n", formatTimestamp(st.LastChange))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "─── Principals ────────────────────────────────────────")
	if len(st.Principals) == 0 {
		fmt.Fprintln(out, "  ⬚  No principals established")
	}
	for _, p := range st.Principals {
		fmt.Fprintf(out, "  %-20s %-15s rank %d (%s)", p.ID, p.Kind, p.Rank, p.Level)
		if len(p.Granted) > 0 {
			fmt.Fprintf(out, "  consent: %s", strings.Join(p.Granted, ","))
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out)

	h := st.Health
	fmt.Fprintln(out, "─── Health ────────────────────────────────────────────")
	fmt.Fprintf(out, "  Score:     %d/100 over %d decisions\n", h.Health, h.Total)
	if h.BypassAttempts > 0 {
		fmt.Fprintf(out, "  ⚠  Bypass attempts: %d\n", h.BypassAttempts)
	}
	fmt.Fprintln(out)
}

func printPackCounts(out io.Writer, infos []policy.PackInfo) {
	if len(infos) == 0 {
		fmt.Fprintln(out, "  ⬚  No signature packs installed")
		return
	}
	enabled := 0
	for _, info := range infos {
		if info.Enabled {
			enabled++
		}
	}
	fmt.Fprintf(out, "  ✅ Signature packs: %d installed, %d enabled\n", len(infos), enabled)
}

func checkPolicyFile(out io.Writer, name, path string) {
	if path == "" {
		fmt.Fprintf(out, "  ⬚  %s: using built-in defaults\n", name)
		return
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "  ✅ %s: %s\n", name, path)
	} else {
		fmt.Fprintf(out, "  ⬚  %s: using built-in defaults (no custom file)\n", name)
	}
}

func checkAuditLog(out io.Writer, cfg *config.Config) {
	switch cfg.Backend {
	case store.BackendMemory:
		fmt.Fprintln(out, "  ⚠  In-memory backend: nothing is persisted")
		return
	case store.BackendSQLite:
		fmt.Fprintf(out, "  ✅ SQLite: %s\n", cfg.SQLiteDSN)
		return
	}

	info, err := os.Stat(cfg.LogPath)
	if err != nil {
		fmt.Fprintf(out, "  ⬚  %s (not yet created, will start on first event)\n", cfg.LogPath)
		return
	}

	sizeKB := info.Size() / 1024
	if sizeKB == 0 {
		fmt.Fprintf(out, "  ✅ %s (<1 KB)\n", cfg.LogPath)
	} else {
		fmt.Fprintf(out, "  ✅ %s (%d KB)\n", cfg.LogPath, sizeKB)
	}
}
