package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/term"

	"github.com/gzhole/consentgate/internal/config"
	"github.com/gzhole/consentgate/internal/gateway"
	"github.com/gzhole/consentgate/internal/policy"
	"github.com/gzhole/consentgate/internal/redact"
	"github.com/gzhole/consentgate/internal/store"
	"github.com/gzhole/consentgate/internal/telemetry"
	"github.com/gzhole/consentgate/internal/trust"
)

// runtime is one process's view of the gateway: config, catalogs, the
// persisted audit history and the metrics pipeline.
type runtime struct {
	cfg    *config.Config
	policy *policy.Policy
	packs  []policy.PackInfo
	logger *slog.Logger

	store    *store.Retrying
	gw       *gateway.Gateway
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
	unsub    func()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(&config.Config{
		ConfigDir:      configDir,
		PolicyPath:     policyPath,
		PacksDir:       packsPath,
		PrincipalsPath: principalsPath,
		LogPath:        logPath,
		Backend:        backend,
		SQLiteDSN:      sqliteDSN,
		LogLevel:       logLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// loadPolicy reads the policy document and merges enabled packs.
func loadPolicy(cfg *config.Config, logger *slog.Logger) (*policy.Policy, []policy.PackInfo, error) {
	base, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return nil, nil, err
	}
	merged, infos, err := policy.LoadPacks(cfg.PacksDir, base)
	if err != nil {
		return nil, infos, fmt.Errorf("failed to load packs: %w", err)
	}
	for _, info := range infos {
		if info.Err != nil {
			logger.Warn("pack skipped", "path", info.Path, "error", info.Err)
		} else if info.Skipped > 0 {
			logger.Warn("pack signatures shadowed by earlier ids", "pack", info.Name, "skipped", info.Skipped)
		}
	}
	return merged, infos, nil
}

func newLogger(cmd *cobra.Command, level string) (*slog.Logger, error) {
	return telemetry.NewLogger(level, cmd.ErrOrStderr())
}

func openRuntime(ctx context.Context, stderr io.Writer) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel, stderr)
	if err != nil {
		return nil, err
	}

	pol, packs, err := loadPolicy(cfg, logger)
	if err != nil {
		return nil, err
	}
	directory, err := trust.LoadDirectory(cfg.PrincipalsPath)
	if err != nil {
		return nil, err
	}
	gcfg, err := pol.GatewayConfig(directory)
	if err != nil {
		return nil, err
	}
	redactor, err := redact.New(pol.Defaults.RedactPatterns)
	if err != nil {
		return nil, err
	}

	backendStore, err := store.Open(store.Options{
		Backend: cfg.Backend,
		Path:    cfg.LogPath,
		DSN:     cfg.SQLiteDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	retrying := store.NewRetrying(backendStore, store.RetryOptions{
		Backoff:    cfg.Retry.Backoff,
		MaxBackoff: cfg.Retry.MaxBackoff,
		MaxQueue:   cfg.Retry.MaxQueue,
		Logger:     logger,
	})

	reader := sdkmetric.NewManualReader()
	provider := telemetry.NewMeterProvider(Version, reader)
	metrics, err := telemetry.NewMetrics(provider.Meter("github.com/gzhole/consentgate"))
	if err != nil {
		retrying.Close()
		return nil, err
	}

	gw, err := gateway.New(ctx, gcfg,
		gateway.WithPersistence(retrying),
		gateway.WithRedactor(redactor),
		gateway.WithLogger(logger),
	)
	if err != nil {
		retrying.Close()
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		policy:   pol,
		packs:    packs,
		logger:   logger,
		store:    retrying,
		gw:       gw,
		reader:   reader,
		provider: provider,
		unsub:    gw.Subscribe(metrics.Handle),
	}, nil
}

// finish prints metrics when asked and closes the runtime.
func (r *runtime) finish(cmd *cobra.Command) {
	ctx := commandContext(cmd)
	if showMetrics {
		if err := writeMetrics(ctx, cmd.ErrOrStderr(), r.reader); err != nil {
			r.logger.Warn("metrics collection failed", "error", err)
		}
	}
	if err := r.Close(ctx); err != nil {
		r.logger.Error("shutdown incomplete", "error", err)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// Close flushes the audit backlog and shuts the metrics pipeline down.
func (r *runtime) Close(ctx context.Context) error {
	r.unsub()
	err := r.gw.Close()
	return errors.Join(err, r.provider.Shutdown(ctx))
}

// noteDegraded turns a persistence error into a warning. Other errors pass
// through.
func (r *runtime) noteDegraded(w io.Writer, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gateway.ErrPersistenceDegraded) {
		fmt.Fprintf(w, "warning: %v (%d entries queued)\n", err, r.store.Pending())
		return nil
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// useIcons reports whether w is a terminal that can show status icons.
func useIcons(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
