package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cg")

	cfg, err := Load(&Config{ConfigDir: dir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("config dir not created: %v", err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("config dir perms = %o, want 0700", info.Mode().Perm())
	}
	if cfg.PolicyPath != filepath.Join(dir, DefaultPolicyFile) {
		t.Errorf("policy path = %q", cfg.PolicyPath)
	}
	if cfg.LogPath != filepath.Join(dir, DefaultLogFile) {
		t.Errorf("log path = %q", cfg.LogPath)
	}
	if cfg.Backend != "jsonl" {
		t.Errorf("backend = %q", cfg.Backend)
	}
	if cfg.Retry.MaxQueue != 10000 {
		t.Errorf("retry max queue = %d", cfg.Retry.MaxQueue)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := `
backend: sqlite
log_level: info
sqlite_dsn: gate.db
health_interval: 1m
retry:
  max_queue: 50
`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(file), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONSENTGATE_LOG_LEVEL", "debug")
	t.Setenv("CONSENTGATE_HEALTH_INTERVAL", "30s")

	cfg, err := Load(&Config{ConfigDir: dir, HealthInterval: 10 * time.Second})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Backend != "sqlite" {
		t.Errorf("file value lost: backend = %q", cfg.Backend)
	}
	if cfg.SQLiteDSN != filepath.Join(dir, "gate.db") {
		t.Errorf("relative dsn not anchored: %q", cfg.SQLiteDSN)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("env should beat file: log level = %q", cfg.LogLevel)
	}
	if cfg.HealthInterval != 10*time.Second {
		t.Errorf("flag should beat env: health interval = %v", cfg.HealthInterval)
	}
	if cfg.Retry.MaxQueue != 50 || cfg.Retry.Backoff != 500*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Retry)
	}
}

func TestLoad_HomeFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvHome, dir)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConfigDir != dir {
		t.Errorf("config dir = %q, want %q", cfg.ConfigDir, dir)
	}
}

func TestLoad_BadValues(t *testing.T) {
	tests := map[string]func(t *testing.T, dir string){
		"env duration": func(t *testing.T, dir string) {
			t.Setenv("CONSENTGATE_RETRY_BACKOFF", "soon")
		},
		"env int": func(t *testing.T, dir string) {
			t.Setenv("CONSENTGATE_RETRY_MAX_QUEUE", "many")
		},
		"file": func(t *testing.T, dir string) {
			os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("backend: [x\n"), 0600)
		},
	}
	for name, setup := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			setup(t, dir)
			if _, err := Load(&Config{ConfigDir: dir}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestResolvePaths_KeepsSpecialDSNs(t *testing.T) {
	for _, dsn := range []string{":memory:", "file:audit.db?cache=shared", "/var/lib/cg/audit.db"} {
		c := &Config{ConfigDir: "/etc/cg", SQLiteDSN: dsn}
		c.resolvePaths()
		if c.SQLiteDSN != dsn {
			t.Errorf("dsn %q rewritten to %q", dsn, c.SQLiteDSN)
		}
	}
}
