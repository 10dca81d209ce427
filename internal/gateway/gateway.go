// Package gateway is the single entry point for action admission. It owns
// the trust ledger, the mode machine and the audit log for one agent
// instance, serializes every write behind one lock, and publishes an event
// stream after each write completes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gzhole/consentgate/internal/audit"
	"github.com/gzhole/consentgate/internal/detector"
	"github.com/gzhole/consentgate/internal/mode"
	"github.com/gzhole/consentgate/internal/trust"
)

// ErrPersistenceDegraded is returned alongside a valid result when the
// audit entry could not be written to durable storage.
var (
	ErrPersistenceDegraded = errors.New("persistence degraded")
	ErrClosed              = errors.New("gateway is closed")
)

// SystemPrincipal is the actor recorded for transitions the gateway forces.
const SystemPrincipal = "consentgate"

// DefaultHealthWindow is the window GetStatus reports health over.
const DefaultHealthWindow = 24 * time.Hour

// Persistence is a durable home for audit entries.
type Persistence interface {
	audit.Sink
	Load(ctx context.Context) ([]audit.Entry, error)
}

// Config carries the catalogs a gateway is built from.
type Config struct {
	Levels       []trust.Level
	Modes        []mode.Mode
	Signatures   []detector.Signature
	ModeConfig   mode.Config
	Scorer       detector.Scorer
	Directory    []trust.DirectoryEntry
	HealthWindow time.Duration
}

// DefaultConfig returns the built-in trust levels, modes and guard
// settings. It has no signatures; callers usually take them from a policy.
func DefaultConfig() Config {
	return Config{
		Levels:       trust.DefaultLevels(),
		Modes:        mode.DefaultModes(),
		ModeConfig:   mode.DefaultConfig(),
		HealthWindow: DefaultHealthWindow,
	}
}

// Option configures a Gateway.
type Option func(*options)

type options struct {
	persistence Persistence
	redactor    audit.Redactor
	clock       func() time.Time
	logger      *slog.Logger
}

// WithPersistence appends every entry to p and replays p at startup.
func WithPersistence(p Persistence) Option { return func(o *options) { o.persistence = p } }

// WithRedactor scrubs free text before it is audited.
func WithRedactor(r audit.Redactor) Option { return func(o *options) { o.redactor = r } }

// WithClock overrides the wall clock for every component.
func WithClock(clock func() time.Time) Option { return func(o *options) { o.clock = clock } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// Gateway orchestrates trust, detection, mode and audit.
type Gateway struct {
	mu       sync.Mutex
	ledger   *trust.Ledger
	detector *detector.Detector
	machine  *mode.Machine
	log      *audit.Log
	bus      *bus

	clock        func() time.Time
	logger       *slog.Logger
	persistence  Persistence
	healthWindow time.Duration

	// Collected while g.mu is held; published after it is released.
	pending    []Event
	persistErr error

	done      chan struct{}
	closeOnce sync.Once
	monitors  sync.WaitGroup
}

// New builds a gateway, replays any persisted history and bootstraps the
// principal directory.
func New(ctx context.Context, cfg Config, opts ...Option) (*Gateway, error) {
	o := options{clock: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = DefaultHealthWindow
	}
	if cfg.Scorer == nil {
		cfg.Scorer = detector.IndicatorScorer{Bonus: 1}
	}

	g := &Gateway{
		bus:          newBus(),
		clock:        o.clock,
		logger:       o.logger.With("component", "gateway"),
		persistence:  o.persistence,
		healthWindow: cfg.HealthWindow,
		done:         make(chan struct{}),
	}

	ledger, err := trust.NewLedger(cfg.Levels)
	if err != nil {
		return nil, err
	}
	g.ledger = ledger.WithClock(o.clock)

	if g.detector, err = detector.New(cfg.Signatures, detector.WithScorer(cfg.Scorer)); err != nil {
		return nil, err
	}

	logOpts := []audit.Option{audit.WithClock(o.clock), audit.WithLogger(o.logger)}
	if o.persistence != nil {
		logOpts = append(logOpts, audit.WithSink(o.persistence))
	}
	if o.redactor != nil {
		logOpts = append(logOpts, audit.WithRedactor(o.redactor))
	}
	g.log = audit.NewLog(logOpts...)

	machine, err := mode.NewMachine(cfg.Modes, g.ledger, g.log, cfg.ModeConfig)
	if err != nil {
		return nil, err
	}
	g.machine = machine.WithClock(o.clock)

	if err := g.restore(ctx); err != nil {
		return nil, err
	}

	g.ledger.OnInteraction(g.onInteraction)
	g.machine.OnTransition(g.onTransition)

	g.mu.Lock()
	err = g.ledger.Bootstrap(cfg.Directory)
	events, _ := g.finishLocked()
	g.bus.enqueue(events)
	g.mu.Unlock()
	g.bus.drain()
	if err != nil {
		return nil, err
	}

	g.logger.Info("gateway ready",
		"mode", g.machine.Current().Name,
		"principals", len(g.ledger.Summaries()),
		"signatures", len(g.detector.Signatures()),
		"entries", g.log.Len())
	return g, nil
}

// restore replays persisted entries into the log, the ledger and the mode
// machine. Observers are not attached yet, so nothing is re-recorded.
func (g *Gateway) restore(ctx context.Context) error {
	if g.persistence == nil {
		return nil
	}
	entries, err := g.persistence.Load(ctx)
	if err != nil {
		return fmt.Errorf("load audit history: %w", err)
	}
	if err := g.log.Restore(entries); err != nil {
		return fmt.Errorf("restore audit history: %w", err)
	}

	for _, e := range entries {
		switch e.Kind {
		case audit.KindInteraction:
			var in trust.Interaction
			if err := e.Unmarshal(&in); err != nil {
				return err
			}
			if err := g.ledger.Replay(in); err != nil {
				return fmt.Errorf("replay entry %d: %w", e.Seq, err)
			}
		case audit.KindTransition:
			var t mode.Transition
			if err := e.Unmarshal(&t); err != nil {
				return err
			}
			if err := g.machine.Restore(t); err != nil {
				return fmt.Errorf("replay entry %d: %w", e.Seq, err)
			}
		}
	}
	return nil
}

// onInteraction runs under the ledger lock, which is only ever taken for
// writes while g.mu is held.
func (g *Gateway) onInteraction(in trust.Interaction) {
	_, err := g.log.RecordInteraction(in)
	g.notePersistLocked(err)
}

// onTransition runs under the machine lock, itself taken while g.mu is held.
func (g *Gateway) onTransition(t mode.Transition) {
	_, err := g.log.RecordTransition(t)
	g.notePersistLocked(err)
	if t.Changed() {
		tr := t
		g.emitLocked(Event{Type: EventModeChanged, Priority: PriorityNormal, At: t.At, Transition: &tr})
	}
}

func (g *Gateway) notePersistLocked(err error) {
	if err == nil {
		return
	}
	if g.persistErr == nil {
		g.persistErr = err
	}
}

func (g *Gateway) emitLocked(ev Event) {
	if ev.At.IsZero() {
		ev.At = g.clock().UTC()
	}
	g.pending = append(g.pending, ev)
}

// takePendingLocked drains the collected events and, when a write failed to
// persist, appends one persistence-degraded event.
func (g *Gateway) takePendingLocked() []Event {
	if g.persistErr != nil {
		g.logger.Warn("PersistenceDegraded", "error", g.persistErr)
		g.emitLocked(Event{Type: EventPersistenceDegraded, Priority: PriorityHigh, Err: g.persistErr.Error()})
	}
	events := g.pending
	g.pending = nil
	return events
}

// finishLocked resets per-call state and returns the persistence error to
// report, if any.
func (g *Gateway) finishLocked() ([]Event, error) {
	events := g.takePendingLocked()
	err := g.persistErr
	g.persistErr = nil
	if err != nil {
		return events, fmt.Errorf("%w: %w", ErrPersistenceDegraded, err)
	}
	return events, nil
}

// write runs fn under the gateway lock and queues what it emitted before
// releasing it.
func (g *Gateway) write(fn func() error) error {
	select {
	case <-g.done:
		return ErrClosed
	default:
	}

	g.mu.Lock()
	err := fn()
	events, perr := g.finishLocked()
	g.bus.enqueue(events)
	g.mu.Unlock()

	g.bus.drain()
	if err != nil {
		return err
	}
	return perr
}

// Subscribe registers h for every future event and returns a function that
// removes it.
func (g *Gateway) Subscribe(h Handler) (unsubscribe func()) {
	return g.bus.subscribe(h)
}

// EstablishPrincipal creates a principal on first contact.
func (g *Gateway) EstablishPrincipal(id string, kind trust.Kind) (trust.Principal, error) {
	var p trust.Principal
	err := g.write(func() error {
		var err error
		p, err = g.ledger.EstablishTrust(id, kind)
		return err
	})
	return p, err
}

// ModifyTrust moves a principal to a new rank with a logged reason.
func (g *Gateway) ModifyTrust(id string, rank int, reason string) error {
	return g.write(func() error { return g.ledger.ModifyTrustLevel(id, rank, reason) })
}

// GiveConsent grants actionClass to a principal.
func (g *Gateway) GiveConsent(id, actionClass string) error {
	return g.write(func() error { return g.ledger.GiveConsent(id, actionClass) })
}

// RevokeConsent revokes actionClass from a principal.
func (g *Gateway) RevokeConsent(id, actionClass string) error {
	return g.write(func() error { return g.ledger.RevokeConsent(id, actionClass) })
}

// RequestModeChange runs the mode guard chain outside of any action.
func (g *Gateway) RequestModeChange(to, principalID, reason string) (bool, string, error) {
	var (
		ok     bool
		reject string
	)
	err := g.write(func() error {
		ok, reject = g.machine.RequestTransition(to, principalID, reason)
		return nil
	})
	return ok, reject, err
}

// Amend appends a correction to an earlier audit entry.
func (g *Gateway) Amend(c audit.Correction) (audit.Entry, error) {
	var e audit.Entry
	err := g.write(func() error {
		var err error
		e, err = g.log.Amend(c)
		if errors.Is(err, audit.ErrEntryNotFound) || errors.Is(err, audit.ErrCorrectionReason) {
			return err
		}
		g.notePersistLocked(err)
		return nil
	})
	return e, err
}

// Status is a read-only view for dashboards.
type Status struct {
	Mode        string               `json:"mode"`
	Sensitivity detector.Sensitivity `json:"sensitivity"`
	LastChange  time.Time            `json:"last_change,omitempty"`
	Principals  []trust.Principal    `json:"principals"`
	Health      audit.HealthSnapshot `json:"health"`
	Entries     int                  `json:"entries"`
	ChainHead   string               `json:"chain_head"`
}

// GetStatus reports the current mode, every principal and recent health.
func (g *Gateway) GetStatus() Status {
	now := g.clock().UTC()
	cur := g.machine.Current()
	return Status{
		Mode:        cur.Name,
		Sensitivity: cur.Sensitivity,
		LastChange:  g.machine.LastChange(),
		Principals:  g.ledger.Summaries(),
		Health:      g.log.ComputeHealth(audit.Window{From: now.Add(-g.healthWindow), To: now}),
		Entries:     g.log.Len(),
		ChainHead:   g.log.Head(),
	}
}

// TriggerReview runs a periodic review over the trailing days.
func (g *Gateway) TriggerReview(days int) audit.ReviewReport {
	return g.log.PeriodicReview(days)
}

// Decisions returns audited decisions matching f.
func (g *Gateway) Decisions(f audit.Filter) []audit.Decision { return g.log.Decisions(f) }

// Entries returns every audit entry in order.
func (g *Gateway) Entries() []audit.Entry { return g.log.Entries() }

// Verify checks the audit hash chain.
func (g *Gateway) Verify() error { return g.log.Verify() }

// Transitions returns every recorded mode transition attempt.
func (g *Gateway) Transitions() []mode.Transition { return g.machine.Transitions() }

// Modes returns the mode catalog.
func (g *Gateway) Modes() []mode.Mode { return g.machine.Modes() }

// Signatures returns the detector catalog.
func (g *Gateway) Signatures() []detector.Signature { return g.detector.Signatures() }

// Principal looks up one principal.
func (g *Gateway) Principal(id string) (trust.Principal, bool) { return g.ledger.Get(id) }

// Close stops health monitors and closes the persistence backend when it
// is closable. Further writes fail with ErrClosed.
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.done)
		g.monitors.Wait()
		if c, ok := g.persistence.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
