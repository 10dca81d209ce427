// Package config resolves where consentgate keeps its files and how the
// host wires the gateway. Values are layered, highest priority first:
//
//  1. Command-line flags
//  2. Environment variables (CONSENTGATE_*)
//  3. Config file (<config dir>/config.yaml)
//  4. Defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigDir      = ".consentgate"
	DefaultConfigFile     = "config.yaml"
	DefaultPolicyFile     = "policy.yaml"
	DefaultPacksDir       = "packs"
	DefaultPrincipalsFile = "principals.yaml"
	DefaultLogFile        = "audit.jsonl"
	DefaultSQLiteFile     = "audit.db"

	// EnvHome overrides the config directory.
	EnvHome = "CONSENTGATE_HOME"
)

type Config struct {
	ConfigDir string `yaml:"-"`

	PolicyPath     string `yaml:"policy_path"`
	PacksDir       string `yaml:"packs_dir"`
	PrincipalsPath string `yaml:"principals_path"`

	// Backend is jsonl, sqlite or memory.
	Backend   string `yaml:"backend"`
	LogPath   string `yaml:"log_path"`
	SQLiteDSN string `yaml:"sqlite_dsn"`

	// HealthInterval is how often a health snapshot is published. Zero
	// disables the monitor.
	HealthInterval time.Duration `yaml:"health_interval"`
	LogLevel       string        `yaml:"log_level"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig paces persistence retries while the backend is down.
type RetryConfig struct {
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	MaxQueue   int           `yaml:"max_queue"`
}

// Default returns the configuration rooted at configDir.
func Default(configDir string) *Config {
	return &Config{
		ConfigDir:      configDir,
		PolicyPath:     filepath.Join(configDir, DefaultPolicyFile),
		PacksDir:       filepath.Join(configDir, DefaultPacksDir),
		PrincipalsPath: filepath.Join(configDir, DefaultPrincipalsFile),
		Backend:        "jsonl",
		LogPath:        filepath.Join(configDir, DefaultLogFile),
		SQLiteDSN:      filepath.Join(configDir, DefaultSQLiteFile),
		HealthInterval: 0,
		LogLevel:       "warn",
		Retry: RetryConfig{
			Backoff:    500 * time.Millisecond,
			MaxBackoff: 30 * time.Second,
			MaxQueue:   10000,
		},
	}
}

// Load resolves the configuration. Zero-valued fields in flags are treated
// as unset. The config directory is created if it does not exist.
func Load(flags *Config) (*Config, error) {
	configDir, err := resolveDir(flags)
	if err != nil {
		return nil, err
	}
	if err := ensureDir(configDir); err != nil {
		return nil, err
	}

	cfg := Default(configDir)

	file, err := loadFromPath(filepath.Join(configDir, DefaultConfigFile))
	if err != nil {
		return nil, err
	}
	if file != nil {
		cfg = merge(cfg, file)
	}

	if cfg, err = applyEnv(cfg); err != nil {
		return nil, err
	}

	if flags != nil {
		cfg = merge(cfg, flags)
	}

	cfg.resolvePaths()
	return cfg, nil
}

func resolveDir(flags *Config) (string, error) {
	if flags != nil && flags.ConfigDir != "" {
		return flags.ConfigDir, nil
	}
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, DefaultConfigDir), nil
}

func loadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// merge overlays the non-zero fields of src onto dst.
func merge(dst, src *Config) *Config {
	if src.PolicyPath != "" {
		dst.PolicyPath = src.PolicyPath
	}
	if src.PacksDir != "" {
		dst.PacksDir = src.PacksDir
	}
	if src.PrincipalsPath != "" {
		dst.PrincipalsPath = src.PrincipalsPath
	}
	if src.Backend != "" {
		dst.Backend = src.Backend
	}
	if src.LogPath != "" {
		dst.LogPath = src.LogPath
	}
	if src.SQLiteDSN != "" {
		dst.SQLiteDSN = src.SQLiteDSN
	}
	if src.HealthInterval != 0 {
		dst.HealthInterval = src.HealthInterval
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.Retry.Backoff != 0 {
		dst.Retry.Backoff = src.Retry.Backoff
	}
	if src.Retry.MaxBackoff != 0 {
		dst.Retry.MaxBackoff = src.Retry.MaxBackoff
	}
	if src.Retry.MaxQueue != 0 {
		dst.Retry.MaxQueue = src.Retry.MaxQueue
	}
	return dst
}

func applyEnv(cfg *Config) (*Config, error) {
	env := &Config{
		PolicyPath:     os.Getenv("CONSENTGATE_POLICY"),
		PacksDir:       os.Getenv("CONSENTGATE_PACKS_DIR"),
		PrincipalsPath: os.Getenv("CONSENTGATE_PRINCIPALS"),
		Backend:        os.Getenv("CONSENTGATE_BACKEND"),
		LogPath:        os.Getenv("CONSENTGATE_LOG"),
		SQLiteDSN:      os.Getenv("CONSENTGATE_SQLITE_DSN"),
		LogLevel:       os.Getenv("CONSENTGATE_LOG_LEVEL"),
	}

	var err error
	if env.HealthInterval, err = envDuration("CONSENTGATE_HEALTH_INTERVAL"); err != nil {
		return nil, err
	}
	if env.Retry.Backoff, err = envDuration("CONSENTGATE_RETRY_BACKOFF"); err != nil {
		return nil, err
	}
	if env.Retry.MaxBackoff, err = envDuration("CONSENTGATE_RETRY_MAX_BACKOFF"); err != nil {
		return nil, err
	}
	if v := os.Getenv("CONSENTGATE_RETRY_MAX_QUEUE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("CONSENTGATE_RETRY_MAX_QUEUE: %w", err)
		}
		env.Retry.MaxQueue = n
	}
	return merge(cfg, env), nil
}

func envDuration(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// resolvePaths anchors relative paths at the config directory.
func (c *Config) resolvePaths() {
	for _, p := range []*string{&c.PolicyPath, &c.PacksDir, &c.PrincipalsPath, &c.LogPath} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.ConfigDir, *p)
		}
	}
	if c.SQLiteDSN != "" && c.SQLiteDSN != ":memory:" && !filepath.IsAbs(c.SQLiteDSN) && !hasScheme(c.SQLiteDSN) {
		c.SQLiteDSN = filepath.Join(c.ConfigDir, c.SQLiteDSN)
	}
}

func hasScheme(dsn string) bool {
	return len(dsn) > 5 && dsn[:5] == "file:"
}

func ensureDir(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, 0700)
	}
	return nil
}
