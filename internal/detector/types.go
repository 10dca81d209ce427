// Package detector matches proposed actions against a catalog of dangerous
// behavioral signatures.
//
// Architecture:
//
//	Signature catalog (immutable, loaded at startup)
//	  └── Detector.Scan       : indicator-phrase matching over folded text
//	        └── Scorer        : pluggable; IndicatorScorer ships built-in
//	ScaleForMode              : promotes severity bands for sensitive modes
//
// Scan is a pure function of its inputs and the catalog: no randomness and
// no hidden state, so every detection is reproducible.
package detector

import (
	"fmt"
)

// Severity is the band a detection score falls into.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// SeverityOf maps a 0–10 score to its band.
func SeverityOf(score int) Severity {
	switch {
	case score >= 9:
		return SeverityCritical
	case score >= 7:
		return SeverityHigh
	case score >= 4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Floor is the lowest score inside the band.
func (s Severity) Floor() int {
	switch s {
	case SeverityCritical:
		return 9
	case SeverityHigh:
		return 7
	case SeverityMedium:
		return 4
	default:
		return 0
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "low":
		*s = SeverityLow
	case "medium":
		*s = SeverityMedium
	case "high":
		*s = SeverityHigh
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// Sensitivity is a mode's pattern-detection multiplier.
type Sensitivity string

const (
	SensitivityStandard   Sensitivity = "standard"
	SensitivityHeightened Sensitivity = "heightened"
	SensitivityMaximum    Sensitivity = "maximum"
)

// Steps is the number of severity bands a sensitivity promotes by.
func (s Sensitivity) Steps() int {
	switch s {
	case SensitivityHeightened:
		return 1
	case SensitivityMaximum:
		return 2
	default:
		return 0
	}
}

// Valid reports whether s is a known sensitivity.
func (s Sensitivity) Valid() bool {
	switch s {
	case SensitivityStandard, SensitivityHeightened, SensitivityMaximum:
		return true
	}
	return false
}

// Signature is a named dangerous-behavior template.
type Signature struct {
	// ID is a short, unique identifier (e.g., "paternalistic-override").
	ID string

	// Description is a human-readable explanation of the behavior.
	Description string

	// BaseScore is the 0–10 risk score when a single indicator matches.
	BaseScore int

	// Indicators are the phrases whose presence fires the signature.
	Indicators []string

	// CaseRef records why the pattern is considered dangerous, for audit traceability.
	CaseRef string
}

// Detection is one fired signature.
type Detection struct {
	SignatureID string   `json:"signature_id"`
	CaseRef     string   `json:"case_ref,omitempty"`
	Score       int      `json:"score"`
	Severity    Severity `json:"severity"`
	Indicators  []string `json:"indicators_matched"`
}

// Scorer turns a signature and its matched indicators into a 0–10 score.
// Learned or model-backed scoring plugs in here.
type Scorer interface {
	Score(sig Signature, matched []string) int
}

// IndicatorScorer adds Bonus for every matched indicator beyond the first.
type IndicatorScorer struct {
	Bonus int
}

func (s IndicatorScorer) Score(sig Signature, matched []string) int {
	if len(matched) == 0 {
		return 0
	}
	return clamp(sig.BaseScore + s.Bonus*(len(matched)-1))
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}
