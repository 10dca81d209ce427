package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var (
	configDir      string
	policyPath     string
	packsPath      string
	principalsPath string
	logPath        string
	backend        string
	sqliteDSN      string
	logLevel       string
	jsonOutput     bool
	showMetrics    bool
)

var rootCmd = &cobra.Command{
	Use:   "consentgate",
	Short: "consentgate - Decision gateway for autonomous agents",
	Long: `consentgate gates every action an autonomous agent attempts to take. It
checks the requesting principal's trust and consent, scans the action for
dangerous behavior signatures, enforces the operational mode, and keeps an
append-only, hash-chained audit log of every decision.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Config directory (default: ~/.consentgate)")
	rootCmd.PersistentFlags().StringVar(&policyPath, "policy", "", "Path to policy YAML file (default: <config-dir>/policy.yaml)")
	rootCmd.PersistentFlags().StringVar(&packsPath, "packs", "", "Signature packs directory (default: <config-dir>/packs)")
	rootCmd.PersistentFlags().StringVar(&principalsPath, "principals", "", "Principal directory YAML (default: <config-dir>/principals.yaml)")
	rootCmd.PersistentFlags().StringVar(&logPath, "log", "", "Path to audit log file (default: <config-dir>/audit.jsonl)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "Audit store backend: jsonl, sqlite or memory")
	rootCmd.PersistentFlags().StringVar(&sqliteDSN, "dsn", "", "SQLite DSN when --backend=sqlite")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Diagnostic log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print machine-readable JSON")
	rootCmd.PersistentFlags().BoolVar(&showMetrics, "metrics", false, "Print collected metrics to stderr on exit")
}

// Exit codes for commands that report an admission outcome.
const (
	ExitError          = 1
	ExitBlocked        = 2
	ExitReviewRequired = 3
)

// exitError carries a non-zero exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// ExitCode maps an Execute error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitError
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
