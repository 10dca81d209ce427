package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/gzhole/consentgate/internal/audit"
	"github.com/gzhole/consentgate/internal/gateway"
)

var (
	serveEvents         bool
	serveHealthInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Admit a stream of actions read from stdin",
	Long: `Read one JSON action per line from stdin and write one JSON result per line
to stdout. The gateway stays up between actions, so the mode machine's
cooldowns and lockouts apply across the stream.

  {"principal":"agent-7","class":"read","description":"open the report"}

With --events, gateway events (mode changes, lockouts, health snapshots) are
interleaved on stdout as {"event": ...} lines.`,
	RunE: serveCommand,
}

func init() {
	serveCmd.Flags().BoolVar(&serveEvents, "events", false, "Also write gateway events to stdout")
	serveCmd.Flags().DurationVar(&serveHealthInterval, "health-interval", 0, "Publish a health snapshot this often (default: from config)")
	rootCmd.AddCommand(serveCmd)
}

type serveResult struct {
	Admitted bool            `json:"admitted"`
	Decision *audit.Decision `json:"decision,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type serveEvent struct {
	Event gateway.Event `json:"event"`
}

// lineWriter serializes JSON lines from the submit loop and event handlers.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *lineWriter) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

func serveCommand(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	rt, err := openRuntime(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.finish(cmd)

	out := &lineWriter{enc: json.NewEncoder(cmd.OutOrStdout())}
	if serveEvents {
		unsub := rt.gw.Subscribe(func(ev gateway.Event) {
			if err := out.write(serveEvent{Event: ev}); err != nil {
				rt.logger.Warn("event write failed", "error", err)
			}
		})
		defer unsub()
	}

	interval := serveHealthInterval
	if interval == 0 {
		interval = rt.cfg.HealthInterval
	}
	rt.gw.StartHealthMonitor(ctx, interval)
	go rt.store.Run(ctx)

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go readLines(cmd.InOrStdin(), lines, readErr)

	rt.logger.Info("serving", "mode", rt.gw.GetStatus().Mode)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := out.write(serveOne(rt, line)); err != nil {
				return err
			}
		}
	}
}

func serveOne(rt *runtime, line []byte) serveResult {
	var action gateway.Action
	if err := json.Unmarshal(line, &action); err != nil {
		return serveResult{Error: fmt.Sprintf("invalid action: %v", err)}
	}
	admitted, d, err := rt.gw.Submit(action)
	res := serveResult{Admitted: admitted, Decision: &d}
	if err != nil {
		res.Error = err.Error()
		if !errors.Is(err, gateway.ErrPersistenceDegraded) {
			res.Decision = nil
		}
	}
	return res
}

func readLines(r io.Reader, lines chan<- []byte, errs chan<- error) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines <- append([]byte(nil), line...)
	}
	if err := scanner.Err(); err != nil {
		errs <- err
	}
}
