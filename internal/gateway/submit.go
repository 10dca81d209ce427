package gateway

import (
	"fmt"
	"strings"

	"github.com/gzhole/consentgate/internal/audit"
	"github.com/gzhole/consentgate/internal/detector"
	"github.com/gzhole/consentgate/internal/normalize"
	"github.com/gzhole/consentgate/internal/trust"
)

// Action is a proposed action awaiting admission.
type Action struct {
	Principal   string `json:"principal" yaml:"principal"`
	Description string `json:"description" yaml:"description"`
	Context     string `json:"context,omitempty" yaml:"context,omitempty"`

	// Command is an optional shell command the action would run. Its words
	// are scanned along with the description.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	Class         string `json:"class" yaml:"class"`
	Type          string `json:"type,omitempty" yaml:"type,omitempty"`
	Justification string `json:"justification,omitempty" yaml:"justification,omitempty"`

	// TargetMode, when set, asks for a mode change as part of the action.
	TargetMode string `json:"target_mode,omitempty" yaml:"target_mode,omitempty"`
}

// Submit decides whether a is admitted. The decision is always recorded
// before Submit returns, and a critical detection has already forced the
// lowest-sensitivity mode by then. err is non-nil only when the audit entry
// could not be persisted; the decision is valid either way.
func (g *Gateway) Submit(a Action) (admitted bool, decision audit.Decision, err error) {
	select {
	case <-g.done:
		return false, audit.Decision{}, ErrClosed
	default:
	}

	g.mu.Lock()
	decision = g.submitLocked(a)
	events, err := g.finishLocked()
	g.bus.enqueue(events)
	g.mu.Unlock()

	g.bus.drain()
	return decision.Admitted(), decision, err
}

func (g *Gateway) submitLocked(a Action) audit.Decision {
	d := audit.Decision{
		Principal:   a.Principal,
		Action:      a.Description,
		ActionClass: a.Class,
		Type:        a.Type,
		Mode:        g.machine.Current().Name,
		TargetMode:  a.TargetMode,
	}
	if d.Type == "" {
		d.Type = a.Class
	}

	d.TrustRequired, _ = g.ledger.RequiredRank(a.Class)
	if rank, ok := g.ledger.Rank(a.Principal); ok {
		d.TrustPresent = rank
	} else {
		d.TrustPresent = trust.NoRank
	}
	d.Consent = g.ledger.ConsentStatus(a.Principal, a.Class)

	if !g.ledger.RequestPermission(a.Principal, a.Class) {
		d.PermissionDenied = d.Consent != trust.ConsentPending || d.TrustPresent == trust.NoRank
		d.Notes = denialNote(d)
		return g.recordLocked(d)
	}

	text := a.Description
	if a.Command != "" {
		text += "\n" + normalize.ShellText(a.Command)
	}
	sensitivity := g.machine.Current().Sensitivity
	d.Detections = detector.ScaleForMode(g.detector.Scan(text, a.Context), sensitivity)
	if normalize.HasInvisible(a.Description) || normalize.HasInvisible(a.Context) || normalize.HasInvisible(a.Command) {
		g.logger.Warn("hidden characters stripped before scanning", "principal", a.Principal)
		d.Notes = addNote(d.Notes, "hidden characters stripped before scanning")
	}

	if detector.HasCritical(d.Detections) {
		d.Notes = addNote(d.Notes, "critical behavior pattern detected")
		d = g.recordLocked(d)
		g.emergencyLocked(d)
		return d
	}

	if a.TargetMode != "" {
		reason := a.Justification
		if reason == "" {
			reason = a.Description
		}
		if ok, rejection := g.machine.RequestTransition(a.TargetMode, a.Principal, reason); !ok {
			d.ModeRejection = rejection
			d.Notes = addNote(d.Notes, "mode change rejected: "+rejection)
		}
	}

	d.Unjustified = audit.NeedsJustification(a.Class) && strings.TrimSpace(a.Justification) == ""
	return g.recordLocked(d)
}

func denialNote(d audit.Decision) string {
	switch {
	case d.TrustPresent == trust.NoRank:
		return "unknown principal"
	case d.TrustPresent < d.TrustRequired:
		return fmt.Sprintf("requires trust %d, principal has %d", d.TrustRequired, d.TrustPresent)
	case d.Consent == trust.ConsentBypassed:
		return "consent revoked for " + d.ActionClass
	case d.Consent == trust.ConsentPending:
		return "explicit consent required for " + d.ActionClass
	default:
		return "permission denied"
	}
}

func addNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "; " + note
}

func (g *Gateway) recordLocked(d audit.Decision) audit.Decision {
	stored, err := g.log.Record(d)
	g.notePersistLocked(err)

	level := g.logger.Info
	if !stored.Admitted() {
		level = g.logger.Warn
	}
	level("decision recorded",
		"id", stored.ID,
		"principal", stored.Principal,
		"class", stored.ActionClass,
		"status", stored.Status,
		"detections", len(stored.Detections))

	ev := stored
	g.emitLocked(Event{Type: EventDecisionRecorded, Priority: PriorityNormal, At: stored.Timestamp, Decision: &ev})
	return stored
}

// emergencyLocked forces the lowest-sensitivity mode, records the lockout
// and raises a high-priority event. It must finish before Submit returns.
func (g *Gateway) emergencyLocked(d audit.Decision) {
	lowest := g.machine.Lowest().Name
	t, err := g.machine.Force(lowest, SystemPrincipal, "critical detection in decision "+d.ID)
	if err != nil {
		// Lowest always exists in the catalog.
		g.logger.Error("emergency transition failed", "error", err)
	}

	lo := audit.Lockout{
		DecisionID: d.ID,
		Principal:  d.Principal,
		FromMode:   t.From,
		ToMode:     lowest,
	}
	for _, det := range d.Detections {
		if det.Severity == detector.SeverityCritical {
			lo.Signatures = append(lo.Signatures, det.SignatureID)
		}
	}
	_, err = g.log.RecordLockout(lo)
	g.notePersistLocked(err)

	g.logger.Error("critical lockout",
		"decision", d.ID,
		"principal", d.Principal,
		"signatures", lo.Signatures,
		"from", lo.FromMode,
		"to", lo.ToMode)
	g.emitLocked(Event{Type: EventCriticalLockout, Priority: PriorityHigh, Lockout: &lo, Decision: &d})
}
