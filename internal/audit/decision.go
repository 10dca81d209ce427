// Package audit implements the append-only decision log: every admission
// decision, mode transition, lockout, trust interaction and correction is
// a sequenced, hash-chained entry that is never mutated once written.
//
// Architecture:
//
//	Log.Record / RecordTransition / RecordLockout / RecordInteraction / Amend
//	  └─ append: redact → marshal payload → chain hash → Sink → handlers
//	Log.ComputeHealth / PeriodicReview   read-only views over decisions
package audit

import (
	"time"

	"github.com/gzhole/consentgate/internal/detector"
	"github.com/gzhole/consentgate/internal/trust"
)

// Status is the outcome of one admission request.
type Status string

const (
	StatusApproved       Status = "approved"
	StatusFlagged        Status = "flagged"
	StatusBlocked        Status = "blocked"
	StatusReviewRequired Status = "review-required"
)

// ClassAnalyze is the only action class that needs no justification.
const ClassAnalyze = "analyze"

// Decision is the unit of audit.
type Decision struct {
	ID          string              `json:"id"`
	Timestamp   time.Time           `json:"timestamp"`
	Principal   string              `json:"principal"`
	Action      string              `json:"action"`
	ActionClass string              `json:"action_class"`
	Type        string              `json:"type"`
	Consent     trust.ConsentStatus `json:"consent"`
	// PermissionDenied is set when the trust ledger refused the request for
	// any reason other than consent that is still pending.
	PermissionDenied bool                 `json:"permission_denied,omitempty"`
	TrustRequired    int                  `json:"trust_required"`
	TrustPresent     int                  `json:"trust_present"`
	Detections       []detector.Detection `json:"detections,omitempty"`
	Mode             string               `json:"mode"`
	TargetMode       string               `json:"target_mode,omitempty"`
	ModeRejection    string               `json:"mode_rejection,omitempty"`
	Unjustified      bool                 `json:"unjustified,omitempty"`
	Status           Status               `json:"status"`
	Notes            string               `json:"notes,omitempty"`
}

// Admitted reports whether the action may proceed.
func (d Decision) Admitted() bool {
	return d.Status == StatusApproved || d.Status == StatusFlagged
}

// Critical reports whether any detection reached critical severity.
func (d Decision) Critical() bool {
	return detector.HasCritical(d.Detections)
}

// DeriveStatus is the single source of decision status. It reads only the
// ledger's verdict, the consent status, the trust comparison, detection
// severities, the mode guard outcome and the justification flag.
func DeriveStatus(d Decision) Status {
	switch {
	case d.PermissionDenied,
		d.Consent == trust.ConsentBypassed,
		d.TrustPresent < d.TrustRequired,
		detector.HasCritical(d.Detections),
		d.ModeRejection != "":
		return StatusBlocked
	case d.Consent == trust.ConsentPending:
		return StatusReviewRequired
	case hasHigh(d.Detections), d.Unjustified:
		return StatusFlagged
	default:
		return StatusApproved
	}
}

// NeedsJustification reports whether actionClass must carry a
// justification to avoid being flagged.
func NeedsJustification(actionClass string) bool {
	return actionClass != ClassAnalyze
}

func hasHigh(detections []detector.Detection) bool {
	sev, ok := detector.MaxSeverity(detections)
	return ok && sev >= detector.SeverityHigh
}
