package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gzhole/consentgate/internal/mode"
	"github.com/gzhole/consentgate/internal/trust"
)

var (
	ErrEntryNotFound    = errors.New("entry not found")
	ErrChainBroken      = errors.New("hash chain is broken")
	ErrMutationAttempt  = errors.New("mutation of existing entry attempted")
	ErrCorrectionReason = errors.New("correction requires a reason")
	ErrRestoreNonEmpty  = errors.New("restore into non-empty log")
	ErrInvalidEntry     = errors.New("invalid entry")
)

// Sink persists entries in append order. Append must not retain e.Payload.
type Sink interface {
	Append(e Entry) error
}

// Redactor scrubs free text before it is hashed and persisted.
type Redactor interface {
	Redact(s string) string
}

// EntryHandler is called for every appended entry, under the log lock.
type EntryHandler func(e Entry)

// Log is the append-only audit log.
type Log struct {
	mu        sync.RWMutex
	entries   []Entry
	byID      map[string]int
	decisions []Decision
	seq       uint64
	head      string

	clock    func() time.Time
	sink     Sink
	redactor Redactor
	handlers []EntryHandler
	logger   *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithSink persists every entry through s.
func WithSink(s Sink) Option { return func(l *Log) { l.sink = s } }

// WithRedactor scrubs action text, notes and reasons before they are stored.
func WithRedactor(r Redactor) Option { return func(l *Log) { l.redactor = r } }

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(l *Log) { l.clock = clock } }

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Log) { l.logger = logger } }

// NewLog creates an empty log.
func NewLog(opts ...Option) *Log {
	l := &Log{
		byID:   make(map[string]int),
		head:   GenesisHash,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "audit")
	return l
}

// OnAppend registers a handler for new entries.
func (l *Log) OnAppend(h EntryHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Record appends a decision. The status is always recomputed, an id is
// assigned when missing and a zero timestamp takes the current time. The
// returned decision is what was stored; it is valid even when err is a
// persistence failure.
func (l *Log) Record(d Decision) (Decision, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = l.clock().UTC()
	}
	d.Action = l.redact(d.Action)
	d.Notes = l.redact(d.Notes)
	d.Detections = append(d.Detections[:0:0], d.Detections...)
	d.Status = DeriveStatus(d)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.byID[d.ID]; exists {
		return Decision{}, fmt.Errorf("%w: %s", ErrMutationAttempt, d.ID)
	}
	_, err := l.appendLocked(KindDecision, d.ID, d.Principal, d.Timestamp, d)
	if errors.Is(err, ErrInvalidEntry) {
		return Decision{}, err
	}
	l.decisions = append(l.decisions, d)
	return d, err
}

// RecordTransition appends a mode transition attempt.
func (l *Log) RecordTransition(t mode.Transition) (Entry, error) {
	t.Reason = l.redact(t.Reason)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(KindTransition, uuid.NewString(), t.Principal, t.At, t)
}

// RecordLockout appends a critical-lockout entry.
func (l *Log) RecordLockout(lo Lockout) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(KindLockout, uuid.NewString(), lo.Principal, l.clock().UTC(), lo)
}

// RecordInteraction appends a trust ledger interaction.
func (l *Log) RecordInteraction(in trust.Interaction) (Entry, error) {
	in.Reason = l.redact(in.Reason)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(KindInteraction, uuid.NewString(), in.PrincipalID, in.At, in)
}

// Amend appends a correction linked to an existing entry.
func (l *Log) Amend(c Correction) (Entry, error) {
	if c.Reason == "" {
		return Entry{}, ErrCorrectionReason
	}
	c.Reason = l.redact(c.Reason)
	c.Notes = l.redact(c.Notes)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byID[c.TargetID]; !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, c.TargetID)
	}
	return l.appendLocked(KindCorrection, uuid.NewString(), c.Principal, l.clock().UTC(), c)
}

// appendLocked chains and stores one entry. A sink failure is returned
// after the entry is already part of the in-memory log.
func (l *Log) appendLocked(kind EntryKind, id, subject string, at time.Time, payload any) (Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: marshal %s payload: %v", ErrInvalidEntry, kind, err)
	}

	e := Entry{
		Seq:         l.seq + 1,
		ID:          id,
		Kind:        kind,
		Timestamp:   at.UTC(),
		Subject:     subject,
		Payload:     data,
		PayloadHash: computeHash(data),
		PrevHash:    l.head,
	}
	if e.Hash, err = entryHash(e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	l.seq = e.Seq
	l.head = e.Hash
	l.byID[e.ID] = len(l.entries)
	l.entries = append(l.entries, e)

	for _, h := range l.handlers {
		h(e)
	}

	if l.sink != nil {
		if err := l.sink.Append(e); err != nil {
			l.logger.Warn("audit entry not persisted", "seq", e.Seq, "kind", kind, "error", err)
			return e, fmt.Errorf("persist entry %d: %w", e.Seq, err)
		}
	}
	return e, nil
}

func (l *Log) redact(s string) string {
	if l.redactor == nil || s == "" {
		return s
	}
	return l.redactor.Redact(s)
}

// Restore loads previously persisted entries into an empty log, verifying
// the chain as it goes. Nothing is written to the sink and handlers are
// not called.
func (l *Log) Restore(entries []Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) > 0 {
		return ErrRestoreNonEmpty
	}

	var (
		seq       uint64
		head      = GenesisHash
		restored  = make([]Entry, 0, len(entries))
		decisions []Decision
		byID      = make(map[string]int, len(entries))
	)
	for _, e := range entries {
		if err := verifyEntry(e, seq, head); err != nil {
			return err
		}
		if e.Kind == KindDecision {
			var d Decision
			if err := e.Unmarshal(&d); err != nil {
				return err
			}
			decisions = append(decisions, d)
		}
		byID[e.ID] = len(restored)
		restored = append(restored, e)
		seq, head = e.Seq, e.Hash
	}

	l.entries = restored
	l.decisions = decisions
	l.byID = byID
	l.seq = seq
	l.head = head
	l.logger.Info("audit log restored", "entries", len(restored), "decisions", len(decisions))
	return nil
}

// Verify walks the whole chain.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var (
		seq  uint64
		head = GenesisHash
	)
	for _, e := range l.entries {
		if err := verifyEntry(e, seq, head); err != nil {
			return err
		}
		seq, head = e.Seq, e.Hash
	}
	return nil
}

// Get returns an entry by id.
func (l *Log) Get(id string) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byID[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return l.entries[i], nil
}

// Entries returns a copy of every entry in append order.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Head returns the current chain head hash.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Filter selects decisions. Zero fields match everything.
type Filter struct {
	Since     time.Time
	Until     time.Time
	Principal string
	Status    Status
	Limit     int
}

func (f Filter) match(d Decision) bool {
	if !f.Since.IsZero() && d.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && d.Timestamp.After(f.Until) {
		return false
	}
	if f.Principal != "" && d.Principal != f.Principal {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	return true
}

// Decisions returns matching decisions in append order. A positive Limit
// keeps only the most recent matches.
func (l *Log) Decisions(f Filter) []Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Decision
	for _, d := range l.decisions {
		if f.match(d) {
			d.Detections = append(d.Detections[:0:0], d.Detections...)
			out = append(out, d)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// RecentCritical reports whether any of the last n decisions carried a
// critical detection.
func (l *Log) RecentCritical(n int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := len(l.decisions) - n
	if start < 0 {
		start = 0
	}
	for _, d := range l.decisions[start:] {
		if d.Critical() {
			return true
		}
	}
	return false
}
