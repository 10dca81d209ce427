// Package mode holds the agent's operational context: exactly one mode is
// active at a time, and every attempt to change it, accepted or rejected,
// leaves a Transition record.
package mode

import (
	"errors"
	"fmt"
	"time"

	"github.com/gzhole/consentgate/internal/detector"
)

// Rejection reasons, in guard order.
const (
	RejectInvalidMode        = "invalid-mode"
	RejectPrivilegedRequired = "privileged-required"
	RejectInsufficientTrust  = "insufficient-trust"
	RejectCooldownActive     = "cooldown-active"
	RejectRecentCritical     = "recent-critical-lockout"
)

const (
	DefaultCooldown      = 5 * time.Second
	DefaultLockoutWindow = 10
)

var (
	ErrInvalidCatalog = errors.New("invalid mode catalog")
	ErrUnknownMode    = errors.New("unknown mode")
)

// Mode is one operational context.
type Mode struct {
	Name         string
	RequiredRank int
	Sensitivity  detector.Sensitivity

	// Privileged restricts entry to the operator-owner.
	Privileged bool

	// MinDwell is how long the machine must stay in this mode before leaving
	// it. The global cooldown applies when it is shorter.
	MinDwell time.Duration
}

// Transition is the immutable record of one transition attempt.
type Transition struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Principal string    `json:"principal"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
	Accepted  bool      `json:"accepted"`
	Rejection string    `json:"rejection,omitempty"`

	// Forced marks emergency transitions that skipped the guard chain.
	Forced bool `json:"forced,omitempty"`
}

// Changed reports whether the transition moved the machine to a new mode.
func (t Transition) Changed() bool {
	return t.Accepted && t.From != t.To
}

// TrustSource answers the trust questions the guard chain asks.
type TrustSource interface {
	Rank(principalID string) (int, bool)
	IsPrivileged(principalID string) bool
}

// CriticalHistory reports whether any of the last n audit decisions carried
// a critical detection.
type CriticalHistory interface {
	RecentCritical(n int) bool
}

// Config tunes the guard chain.
type Config struct {
	Cooldown      time.Duration
	LockoutWindow int
}

// DefaultConfig returns the built-in guard settings.
func DefaultConfig() Config {
	return Config{Cooldown: DefaultCooldown, LockoutWindow: DefaultLockoutWindow}
}

// DefaultModes returns the built-in catalog.
func DefaultModes() []Mode {
	return []Mode{
		{Name: "tactical", RequiredRank: 0, Sensitivity: detector.SensitivityStandard},
		{Name: "collaborative", RequiredRank: 2, Sensitivity: detector.SensitivityStandard},
		{Name: "reflective", RequiredRank: 3, Sensitivity: detector.SensitivityHeightened, MinDwell: 30 * time.Second},
		{Name: "bonded", RequiredRank: 5, Sensitivity: detector.SensitivityMaximum, Privileged: true, MinDwell: time.Minute},
	}
}

func validateModes(modes []Mode) error {
	if len(modes) == 0 {
		return fmt.Errorf("%w: no modes", ErrInvalidCatalog)
	}
	seen := make(map[string]bool, len(modes))
	for _, m := range modes {
		if m.Name == "" {
			return fmt.Errorf("%w: unnamed mode", ErrInvalidCatalog)
		}
		if seen[m.Name] {
			return fmt.Errorf("%w: duplicate mode %q", ErrInvalidCatalog, m.Name)
		}
		seen[m.Name] = true
		if !m.Sensitivity.Valid() {
			return fmt.Errorf("%w: mode %q has sensitivity %q", ErrInvalidCatalog, m.Name, m.Sensitivity)
		}
		if m.RequiredRank < 0 || m.RequiredRank > 5 {
			return fmt.Errorf("%w: mode %q requires rank %d", ErrInvalidCatalog, m.Name, m.RequiredRank)
		}
		if m.MinDwell < 0 {
			return fmt.Errorf("%w: mode %q has negative dwell", ErrInvalidCatalog, m.Name)
		}
	}
	return nil
}

// lowestSensitivity picks the least sensitive mode; ties go to the lower
// required rank, then to declaration order.
func lowestSensitivity(modes []Mode) Mode {
	best := modes[0]
	for _, m := range modes[1:] {
		bs, ms := best.Sensitivity.Steps(), m.Sensitivity.Steps()
		if ms < bs || (ms == bs && m.RequiredRank < best.RequiredRank) {
			best = m
		}
	}
	return best
}
