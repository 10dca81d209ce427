package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gzhole/consentgate/internal/detector"
	"github.com/gzhole/consentgate/internal/trust"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultPolicy_Validates(t *testing.T) {
	p := DefaultPolicy()
	if err := p.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	if len(p.Signatures) != 7 {
		t.Errorf("expected 7 built-in signatures, got %d", len(p.Signatures))
	}
	if len(p.TrustLevels) != 6 {
		t.Errorf("expected 6 trust levels, got %d", len(p.TrustLevels))
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Version != CurrentVersion {
		t.Errorf("version = %q", p.Version)
	}
	if p.Defaults.Owner != "operator" {
		t.Errorf("owner = %q", p.Defaults.Owner)
	}
}

func TestLoad_PartialDocumentFilled(t *testing.T) {
	path := writePolicy(t, `
version: "1.1.0"
defaults:
  cooldown: 2s
  owner: alice
signatures:
  - id: custom
    base_score: 6
    indicators: ["custom phrase"]
`)

	p, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Defaults.Cooldown != 2*time.Second {
		t.Errorf("cooldown = %v", p.Defaults.Cooldown)
	}
	if p.Defaults.LockoutWindow != 10 {
		t.Errorf("lockout window not defaulted: %d", p.Defaults.LockoutWindow)
	}
	if p.Defaults.HealthWindow != 24*time.Hour {
		t.Errorf("health window not defaulted: %v", p.Defaults.HealthWindow)
	}
	if len(p.Signatures) != 1 || p.Signatures[0].ID != "custom" {
		t.Errorf("signatures = %+v", p.Signatures)
	}
	if len(p.Modes) != 4 {
		t.Errorf("modes not defaulted: %d", len(p.Modes))
	}
}

func TestLoad_RejectsVersion(t *testing.T) {
	tests := []string{
		`version: "2.0.0"`,
		`version: "0.9.0"`,
		`version: "latest"`,
		`defaults: {}`,
	}
	for _, body := range tests {
		_, err := Load(writePolicy(t, body))
		if !errors.Is(err, ErrUnsupportedVersion) {
			t.Errorf("Load(%q) err = %v, want ErrUnsupportedVersion", body, err)
		}
	}
}

func TestLoad_RejectsBadCatalogs(t *testing.T) {
	tests := map[string]string{
		"unknown sensitivity": `
version: "1.0.0"
modes:
  - name: tactical
    sensitivity: paranoid
`,
		"score out of range": `
version: "1.0.0"
signatures:
  - id: loud
    base_score: 11
    indicators: ["x"]
`,
		"missing trust rank": `
version: "1.0.0"
trust_levels:
  - rank: 0
    name: unknown
    permitted: analyze
  - rank: 1
    name: acquaintance
    permitted: [analyze, converse]
`,
		"malformed yaml": "version: [1.0.0\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writePolicy(t, body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestGatewayConfig(t *testing.T) {
	p := DefaultPolicy()
	p.Defaults.IndicatorBonus = 2

	cfg, err := p.GatewayConfig([]trust.DirectoryEntry{{ID: "agent-1", Kind: trust.KindAgent}})
	if err != nil {
		t.Fatal(err)
	}

	if len(cfg.Directory) != 2 || cfg.Directory[0].ID != "operator" || cfg.Directory[0].Kind != trust.KindOwner {
		t.Errorf("owner not provisioned first: %+v", cfg.Directory)
	}
	if s, ok := cfg.Scorer.(detector.IndicatorScorer); !ok || s.Bonus != 2 {
		t.Errorf("scorer = %#v", cfg.Scorer)
	}
	if cfg.ModeConfig.Cooldown != 5*time.Second || cfg.ModeConfig.LockoutWindow != 10 {
		t.Errorf("mode config = %+v", cfg.ModeConfig)
	}
	for _, lv := range cfg.Levels {
		if lv.Rank == 5 && lv.Revocable {
			t.Error("rank 5 should be non-revocable")
		}
	}
}

func TestGatewayConfig_DirectoryOwnerWins(t *testing.T) {
	p := DefaultPolicy()
	cfg, err := p.GatewayConfig([]trust.DirectoryEntry{{ID: "alice", Kind: trust.KindOwner}})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Directory) != 1 || cfg.Directory[0].ID != "alice" {
		t.Errorf("directory = %+v", cfg.Directory)
	}
}
