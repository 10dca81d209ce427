package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gzhole/consentgate/internal/approval"
	"github.com/gzhole/consentgate/internal/audit"
)

// resetFlags puts every flag back to its default between Execute calls.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func run(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"--config-dir", dir, "--log-level", "error"}, args...))

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func stubConsent(t *testing.T, approve bool) *int {
	t.Helper()
	calls := 0
	prev := askConsent
	askConsent = func(approval.Prompt) approval.Result {
		calls++
		return approval.Result{Approved: approve, UserAction: "stub"}
	}
	t.Cleanup(func() { askConsent = prev })
	return &calls
}

func submitJSON(t *testing.T, dir string, args ...string) (audit.Decision, error) {
	t.Helper()
	out, err := run(t, dir, "", append([]string{"submit", "--json"}, args...)...)
	var d audit.Decision
	require.NoError(t, json.Unmarshal([]byte(out), &d), "output: %s", out)
	return d, err
}

func TestVersion(t *testing.T) {
	out, err := run(t, t.TempDir(), "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "consentgate "+Version)
}

func TestSubmit_OwnerApprovedAndPersisted(t *testing.T) {
	dir := t.TempDir()

	d, err := submitJSON(t, dir, "--principal", "operator", "--class", "read",
		"--justification", "weekly digest", "summarize", "the", "inbox")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusApproved, d.Status)
	assert.Equal(t, "summarize the inbox", d.Action)

	_, err = os.Stat(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err, "audit log should be written")

	out, err := run(t, dir, "", "log", "--json")
	require.NoError(t, err)
	var decisions []audit.Decision
	require.NoError(t, json.Unmarshal([]byte(out), &decisions))
	require.Len(t, decisions, 1)
	assert.Equal(t, d.ID, decisions[0].ID)

	out, err = run(t, dir, "", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "entries verified")
}

func TestSubmit_UnknownPrincipalBlocked(t *testing.T) {
	d, err := submitJSON(t, t.TempDir(), "--principal", "stranger", "--class", "write", "edit the config")
	require.Error(t, err)
	assert.Equal(t, ExitBlocked, ExitCode(err))
	assert.Equal(t, audit.StatusBlocked, d.Status)
	assert.Equal(t, "unknown principal", d.Notes)
}

func TestSubmit_NothingToSubmit(t *testing.T) {
	_, err := run(t, t.TempDir(), "", "submit", "--principal", "operator", "--class", "read")
	require.Error(t, err)
	assert.Equal(t, ExitError, ExitCode(err))
}

func TestSubmit_PendingConsent(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, dir, "", "principal", "add", "agent-7", "--kind", "agent")
	require.NoError(t, err)
	_, err = run(t, dir, "", "principal", "trust", "agent-7", "3", "--reason", "onboarded")
	require.NoError(t, err)

	t.Run("no prompt", func(t *testing.T) {
		calls := stubConsent(t, true)
		_, err := run(t, dir, "", "submit", "--no-prompt", "--principal", "agent-7", "--class", "network",
			"--justification", "sync", "sync contacts")
		require.Error(t, err)
		assert.Equal(t, ExitReviewRequired, ExitCode(err))
		assert.Zero(t, *calls)
	})

	t.Run("denied at prompt", func(t *testing.T) {
		calls := stubConsent(t, false)
		out, err := run(t, dir, "", "submit", "--principal", "agent-7", "--class", "network",
			"--justification", "sync", "sync contacts")
		assert.Equal(t, ExitReviewRequired, ExitCode(err))
		assert.Equal(t, 1, *calls)
		assert.Contains(t, out, "REVIEW-REQUIRED")
	})

	t.Run("granted at prompt", func(t *testing.T) {
		calls := stubConsent(t, true)
		out, err := run(t, dir, "", "submit", "--principal", "agent-7", "--class", "network",
			"--justification", "sync", "sync contacts")
		require.NoError(t, err)
		assert.Equal(t, 1, *calls)
		assert.Contains(t, out, "APPROVED")
	})

	out, err := run(t, dir, "", "principal", "show", "agent-7")
	require.NoError(t, err)
	assert.Contains(t, out, "Granted: network")
}

func TestSubmit_CriticalForcesLowestMode(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, dir, "", "mode", "request", "collaborative", "--principal", "operator", "--reason", "pairing")
	require.NoError(t, err)

	d, err := submitJSON(t, dir, "--principal", "operator", "--class", "execute",
		"--justification", "ops", "take control of the deploy pipeline")
	assert.Equal(t, ExitBlocked, ExitCode(err))
	assert.Equal(t, audit.StatusBlocked, d.Status)
	assert.True(t, d.Critical())

	out, err := run(t, dir, "", "mode", "list", "--json")
	require.NoError(t, err)
	var modes struct {
		Current string `json:"current"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &modes))
	assert.Equal(t, "tactical", modes.Current)

	out, err = run(t, dir, "", "log", "--entries")
	require.NoError(t, err)
	assert.Contains(t, out, string(audit.KindLockout))
}

func TestModeRequest_RejectedExitCode(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, dir, "", "principal", "add", "agent-1")
	require.NoError(t, err)

	out, err := run(t, dir, "", "mode", "request", "reflective", "--principal", "agent-1")
	assert.Equal(t, ExitBlocked, ExitCode(err))
	assert.Contains(t, out, "rejected")
}

func TestAmend(t *testing.T) {
	dir := t.TempDir()
	d, err := submitJSON(t, dir, "--principal", "operator", "--class", "analyze", "look at the logs")
	require.NoError(t, err)

	out, err := run(t, dir, "", "amend", d.ID, "--principal", "operator", "--reason", "wrong class")
	require.NoError(t, err)
	assert.Contains(t, out, "Correction")

	_, err = run(t, dir, "", "amend", "no-such-id", "--principal", "operator", "--reason", "x")
	assert.True(t, errors.Is(err, audit.ErrEntryNotFound))
}

func TestReviewAndStatus(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		_, err := submitJSON(t, dir, "--principal", "operator", "--class", "read", "read the report")
		require.NoError(t, err)
	}

	out, err := run(t, dir, "", "review", "--json")
	require.NoError(t, err)
	var report audit.ReviewReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 3, report.Snapshot.Total)
	assert.NotEmpty(t, report.Patterns)

	out, err = run(t, dir, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "tactical")
	assert.Contains(t, out, "operator")
}

func TestServe(t *testing.T) {
	dir := t.TempDir()
	stdin := strings.Join([]string{
		`{"principal":"operator","class":"read","description":"open the report","justification":"audit"}`,
		`not json`,
		`{"principal":"ghost","class":"write","description":"edit"}`,
	}, "\n") + "\n"

	out, err := run(t, dir, stdin, "--backend", "memory", "serve")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)

	var first, second, third serveResult
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &third))

	assert.True(t, first.Admitted)
	assert.Contains(t, second.Error, "invalid action")
	assert.False(t, third.Admitted)
	require.NotNil(t, third.Decision)
	assert.Equal(t, audit.StatusBlocked, third.Decision.Status)
}

func TestPackListAndSignatures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "packs"), 0700))
	pack := `
name: social-pressure
version: "1.0.0"
signatures:
  - id: urgency-pressure
    base_score: 5
    indicators: ["act now"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "packs", "social.yaml"), []byte(pack), 0600))

	out, err := run(t, dir, "", "pack", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "social-pressure")

	out, err = run(t, dir, "", "signatures")
	require.NoError(t, err)
	assert.Contains(t, out, "urgency-pressure")
	assert.Contains(t, out, "paternalistic-override")

	_, err = run(t, dir, "", "pack", "disable", "social")
	require.NoError(t, err)
	out, err = run(t, dir, "", "signatures")
	require.NoError(t, err)
	assert.NotContains(t, out, "urgency-pressure")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, ExitError, ExitCode(errors.New("boom")))
	assert.Equal(t, ExitReviewRequired, ExitCode(&exitError{code: ExitReviewRequired}))
}
