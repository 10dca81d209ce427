package mode

import (
	"fmt"
	"sync"
	"time"
)

// Machine is the operational-mode state machine.
type Machine struct {
	mu          sync.RWMutex
	modes       map[string]Mode
	order       []string
	current     string
	lowest      string
	lastChange  time.Time
	lastAccept  time.Time
	transitions []Transition

	trust   TrustSource
	history CriticalHistory
	cfg     Config
	clock   func() time.Time

	observer func(Transition)
}

// NewMachine starts in the lowest-sensitivity mode. history may be nil, in
// which case the recent-critical guard never fires.
func NewMachine(modes []Mode, trust TrustSource, history CriticalHistory, cfg Config) (*Machine, error) {
	if err := validateModes(modes); err != nil {
		return nil, err
	}
	if trust == nil {
		return nil, fmt.Errorf("%w: nil trust source", ErrInvalidCatalog)
	}
	if cfg.LockoutWindow <= 0 {
		cfg.LockoutWindow = DefaultLockoutWindow
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}

	m := &Machine{
		modes:   make(map[string]Mode, len(modes)),
		trust:   trust,
		history: history,
		cfg:     cfg,
		clock:   time.Now,
	}
	for _, md := range modes {
		m.modes[md.Name] = md
		m.order = append(m.order, md.Name)
	}
	m.lowest = lowestSensitivity(modes).Name
	m.current = m.lowest
	return m, nil
}

// WithClock overrides the clock for deterministic testing.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// OnTransition registers fn to receive every transition record, accepted or
// not. fn runs under the machine lock and must not call back into it.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

// RequestTransition runs the guard chain and either moves to toMode or
// records why not. Guards short-circuit on the first failure.
func (m *Machine) RequestTransition(toMode, principalID, reason string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := Transition{
		From:      m.current,
		To:        toMode,
		Principal: principalID,
		Reason:    reason,
		At:        m.clock().UTC(),
	}

	if rejection := m.guard(toMode, principalID, t.At); rejection != "" {
		t.Rejection = rejection
		m.append(t)
		return false, rejection
	}

	t.Accepted = true
	m.apply(t)
	m.append(t)
	return true, ""
}

func (m *Machine) guard(toMode, principalID string, now time.Time) string {
	target, ok := m.modes[toMode]
	if !ok {
		return RejectInvalidMode
	}
	if target.Privileged && !m.trust.IsPrivileged(principalID) {
		return RejectPrivilegedRequired
	}
	if rank, ok := m.trust.Rank(principalID); !ok || rank < target.RequiredRank {
		return RejectInsufficientTrust
	}
	if toMode != m.current && !m.lastAccept.IsZero() {
		wait := m.cfg.Cooldown
		if dwell := m.modes[m.current].MinDwell; dwell > wait {
			wait = dwell
		}
		if now.Sub(m.lastAccept) < wait {
			return RejectCooldownActive
		}
	}
	if toMode != m.lowest && m.history != nil && m.history.RecentCritical(m.cfg.LockoutWindow) {
		return RejectRecentCritical
	}
	return ""
}

// Force moves to toMode without consulting any guard. It exists for the
// emergency protocol and is recorded with Forced set.
func (m *Machine) Force(toMode, principalID, reason string) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.modes[toMode]; !ok {
		return Transition{}, fmt.Errorf("%w: %s", ErrUnknownMode, toMode)
	}
	t := Transition{
		From:      m.current,
		To:        toMode,
		Principal: principalID,
		Reason:    reason,
		At:        m.clock().UTC(),
		Accepted:  true,
		Forced:    true,
	}
	m.apply(t)
	m.append(t)
	return t, nil
}

// Restore replays a persisted transition without notifying the observer.
func (m *Machine) Restore(t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.Accepted {
		if _, ok := m.modes[t.To]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownMode, t.To)
		}
		m.apply(t)
	}
	m.transitions = append(m.transitions, t)
	return nil
}

// apply moves to t.To. Every accepted transition restarts the cooldown,
// including a request for the mode already active; only a real change
// moves lastChange.
//
// must be called with m.mu held
func (m *Machine) apply(t Transition) {
	m.lastAccept = t.At
	if t.To == m.current {
		return
	}
	m.current = t.To
	m.lastChange = t.At
}

// must be called with m.mu held
func (m *Machine) append(t Transition) {
	m.transitions = append(m.transitions, t)
	if m.observer != nil {
		m.observer(t)
	}
}

// Current returns the active mode.
func (m *Machine) Current() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.modes[m.current]
}

// Lowest returns the lowest-sensitivity mode, the emergency safe state.
func (m *Machine) Lowest() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.modes[m.lowest]
}

// Get looks up a mode by name.
func (m *Machine) Get(name string) (Mode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.modes[name]
	return md, ok
}

// Modes returns the catalog in declaration order.
func (m *Machine) Modes() []Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Mode, len(m.order))
	for i, name := range m.order {
		out[i] = m.modes[name]
	}
	return out
}

// Transitions returns a copy of every recorded transition attempt.
func (m *Machine) Transitions() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transition(nil), m.transitions...)
}

// LastChange returns when the mode last changed; zero if it never has.
func (m *Machine) LastChange() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastChange
}
