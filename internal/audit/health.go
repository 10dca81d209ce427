package audit

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/gzhole/consentgate/internal/trust"
)

const (
	bypassWeight       = 30.0
	scoreWeight        = 20.0
	flaggedBlockWeight = 25.0

	// HealthyThreshold is the score below which a review recommends action.
	HealthyThreshold = 80

	// PatternShare is the share of decisions a type must exceed to be
	// reported as a recurring pattern.
	PatternShare = 0.30
)

// Window bounds a health computation. A zero From or To is unbounded.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (w Window) filter() Filter {
	return Filter{Since: w.From, Until: w.To}
}

// HealthSnapshot is an immutable aggregate over one window.
type HealthSnapshot struct {
	Window                Window         `json:"window"`
	ComputedAt            time.Time      `json:"computed_at"`
	Total                 int            `json:"total"`
	ByStatus              map[Status]int `json:"by_status"`
	BypassAttempts        int            `json:"bypass_attempts"`
	ScoreSum              int            `json:"score_sum"`
	DetectionsBySignature map[string]int `json:"detections_by_signature"`
	Health                int            `json:"health"`
}

// ReviewReport summarizes a trailing review period.
type ReviewReport struct {
	Days            int            `json:"days"`
	Window          Window         `json:"window"`
	Empty           bool           `json:"empty"`
	Snapshot        HealthSnapshot `json:"snapshot"`
	TypeCounts      map[string]int `json:"type_counts"`
	Patterns        []string       `json:"patterns"`
	Concerns        []string       `json:"concerns"`
	Recommendations []string       `json:"recommendations"`
}

// ComputeHealth aggregates the decisions inside w.
func (l *Log) ComputeHealth(w Window) HealthSnapshot {
	return healthOf(l.Decisions(w.filter()), w, l.clock().UTC())
}

func healthOf(decisions []Decision, w Window, now time.Time) HealthSnapshot {
	snap := HealthSnapshot{
		Window:                w,
		ComputedAt:            now,
		Total:                 len(decisions),
		ByStatus:              make(map[Status]int),
		DetectionsBySignature: make(map[string]int),
		Health:                100,
	}
	if snap.Total == 0 {
		return snap
	}

	for _, d := range decisions {
		snap.ByStatus[d.Status]++
		if d.Consent == trust.ConsentBypassed {
			snap.BypassAttempts++
		}
		for _, det := range d.Detections {
			snap.ScoreSum += det.Score
			snap.DetectionsBySignature[det.SignatureID]++
		}
	}

	total := float64(snap.Total)
	bad := float64(snap.ByStatus[StatusFlagged] + snap.ByStatus[StatusBlocked])
	health := 100 -
		bypassWeight*float64(snap.BypassAttempts)/total -
		scoreWeight*float64(snap.ScoreSum)/total -
		flaggedBlockWeight*bad/total
	snap.Health = int(math.Round(math.Max(0, health)))
	return snap
}

// PeriodicReview reviews the trailing days. An empty period yields a
// report with Empty set, not an error. days below one is treated as one.
func (l *Log) PeriodicReview(days int) ReviewReport {
	if days < 1 {
		days = 1
	}
	now := l.clock().UTC()
	w := Window{From: now.Add(-time.Duration(days) * 24 * time.Hour), To: now}
	decisions := l.Decisions(w.filter())

	report := ReviewReport{
		Days:       days,
		Window:     w,
		Empty:      len(decisions) == 0,
		Snapshot:   healthOf(decisions, w, now),
		TypeCounts: make(map[string]int),
	}
	if report.Empty {
		return report
	}

	for _, d := range decisions {
		report.TypeCounts[d.Type]++
	}
	report.Patterns = patterns(report.TypeCounts, len(decisions))

	for _, d := range decisions {
		if d.Status == StatusFlagged {
			report.Concerns = append(report.Concerns, concern(d))
		}
	}

	if report.Snapshot.Health < HealthyThreshold {
		report.Recommendations = append(report.Recommendations, fmt.Sprintf(
			"health %d is below %d: review the %d flagged and %d blocked decisions with the operator",
			report.Snapshot.Health, HealthyThreshold,
			report.Snapshot.ByStatus[StatusFlagged], report.Snapshot.ByStatus[StatusBlocked]))
	}
	if report.Snapshot.BypassAttempts > 0 {
		report.Recommendations = append(report.Recommendations, fmt.Sprintf(
			"%d action(s) were attempted after consent was revoked", report.Snapshot.BypassAttempts))
	}
	return report
}

func patterns(counts map[string]int, total int) []string {
	type typeCount struct {
		name  string
		count int
	}
	var frequent []typeCount
	for name, n := range counts {
		if float64(n)/float64(total) > PatternShare {
			frequent = append(frequent, typeCount{name, n})
		}
	}
	sort.Slice(frequent, func(i, j int) bool {
		if frequent[i].count != frequent[j].count {
			return frequent[i].count > frequent[j].count
		}
		return frequent[i].name < frequent[j].name
	})

	out := make([]string, 0, len(frequent))
	for _, f := range frequent {
		out = append(out, fmt.Sprintf("high frequency of %s decisions (%d/%d)", f.name, f.count, total))
	}
	return out
}

func concern(d Decision) string {
	var why []string
	for _, det := range d.Detections {
		why = append(why, fmt.Sprintf("%s=%d", det.SignatureID, det.Score))
	}
	if d.Unjustified {
		why = append(why, "no justification")
	}
	return fmt.Sprintf("%s %s %q by %s flagged (%s)",
		d.Timestamp.Format(time.RFC3339), d.Type, d.Action, d.Principal, strings.Join(why, ", "))
}
