package detector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gzhole/consentgate/internal/normalize"
)

var ErrInvalidSignature = errors.New("invalid behavior signature")

// Detector scans text against an immutable signature catalog.
type Detector struct {
	signatures []compiledSignature
	scorer     Scorer
}

type compiledSignature struct {
	sig    Signature
	folded []string
}

// Option configures a Detector.
type Option func(*Detector)

// WithScorer replaces the default IndicatorScorer.
func WithScorer(s Scorer) Option {
	return func(d *Detector) {
		if s != nil {
			d.scorer = s
		}
	}
}

// New compiles the catalog. Signature ids must be unique, base scores within
// 0–10, and every signature needs at least one non-blank indicator.
func New(signatures []Signature, opts ...Option) (*Detector, error) {
	d := &Detector{scorer: IndicatorScorer{Bonus: 1}}
	for _, opt := range opts {
		opt(d)
	}

	seen := make(map[string]bool, len(signatures))
	for _, sig := range signatures {
		if sig.ID == "" {
			return nil, fmt.Errorf("%w: empty id", ErrInvalidSignature)
		}
		if seen[sig.ID] {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidSignature, sig.ID)
		}
		seen[sig.ID] = true
		if sig.BaseScore < 0 || sig.BaseScore > 10 {
			return nil, fmt.Errorf("%w: %s base score %d outside 0-10", ErrInvalidSignature, sig.ID, sig.BaseScore)
		}

		cs := compiledSignature{sig: copySignature(sig)}
		for _, ind := range sig.Indicators {
			f := normalize.Fold(ind)
			if f == "" {
				return nil, fmt.Errorf("%w: %s has a blank indicator", ErrInvalidSignature, sig.ID)
			}
			cs.folded = append(cs.folded, f)
		}
		if len(cs.folded) == 0 {
			return nil, fmt.Errorf("%w: %s has no indicators", ErrInvalidSignature, sig.ID)
		}
		d.signatures = append(d.signatures, cs)
	}
	return d, nil
}

// Signatures returns a copy of the catalog in declaration order.
func (d *Detector) Signatures() []Signature {
	out := make([]Signature, len(d.signatures))
	for i, cs := range d.signatures {
		out[i] = copySignature(cs.sig)
	}
	return out
}

// Scan returns one Detection per signature with at least one indicator
// appearing in text or context, in catalog order. Matching is a
// case-insensitive substring test over normalize.Fold output.
func (d *Detector) Scan(text, context string) []Detection {
	haystacks := []string{normalize.Fold(text), normalize.Fold(context)}

	var detections []Detection
	for _, cs := range d.signatures {
		var matched []string
		for i, needle := range cs.folded {
			if containsAny(haystacks, needle) {
				matched = append(matched, cs.sig.Indicators[i])
			}
		}
		if len(matched) == 0 {
			continue
		}
		score := clamp(d.scorer.Score(cs.sig, matched))
		detections = append(detections, Detection{
			SignatureID: cs.sig.ID,
			CaseRef:     cs.sig.CaseRef,
			Score:       score,
			Severity:    SeverityOf(score),
			Indicators:  matched,
		})
	}
	return detections
}

func containsAny(haystacks []string, needle string) bool {
	for _, h := range haystacks {
		if h != "" && strings.Contains(h, needle) {
			return true
		}
	}
	return false
}

func copySignature(sig Signature) Signature {
	sig.Indicators = append([]string(nil), sig.Indicators...)
	return sig
}
