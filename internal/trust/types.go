// Package trust is the trust/consent ledger. It answers one question for the
// gateway: may this principal request this action class right now.
//
// Every lookup fails closed. An unknown principal, or a principal whose rank
// has no registered level, is denied rather than treated as trusted.
package trust

import (
	"errors"
	"time"
)

var (
	ErrUnknownPrincipal      = errors.New("unknown principal")
	ErrInvalidPrincipal      = errors.New("invalid principal id")
	ErrInvalidKind           = errors.New("invalid principal kind")
	ErrOwnerExists           = errors.New("an operator-owner is already provisioned")
	ErrInvalidRank           = errors.New("invalid trust rank")
	ErrInvalidActionClass    = errors.New("invalid action class")
	ErrJustificationRequired = errors.New("modifying a non-revocable trust level requires a reason")
	ErrInvalidLevels         = errors.New("invalid trust level catalog")
)

const (
	MinRank = 0
	MaxRank = 5

	// Unattainable is the required rank reported for action classes that no
	// level permits.
	Unattainable = MaxRank + 1

	// NoRank is the trust present for a principal the ledger has never seen.
	NoRank = MinRank - 1
)

// Kind classifies a principal.
type Kind string

const (
	KindOwner     Kind = "operator-owner"
	KindOperator  Kind = "operator"
	KindAgent     Kind = "agent"
	KindPeerAgent Kind = "peer-agent"
	KindSystem    Kind = "system"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindOwner, KindOperator, KindAgent, KindPeerAgent, KindSystem:
		return true
	}
	return false
}

// ConsentStatus describes how consent stands for one principal and action class.
type ConsentStatus string

const (
	ConsentObtained    ConsentStatus = "obtained"
	ConsentNotRequired ConsentStatus = "not-required"
	ConsentBypassed    ConsentStatus = "bypassed"
	ConsentPending     ConsentStatus = "pending"
)

// Level is one rank of the trust hierarchy.
type Level struct {
	Rank int
	Name string

	// Permitted lists the action classes this rank may request.
	Permitted []string

	// ConsentRequired is the subset of Permitted that additionally needs an
	// explicit grant from the principal's consent set.
	ConsentRequired []string

	// Revocable is false for ranks that may only change through a justified,
	// logged modification.
	Revocable bool
}

func (l Level) permits(class string) bool         { return contains(l.Permitted, class) }
func (l Level) requiresConsent(class string) bool { return contains(l.ConsentRequired, class) }

// Principal is a read-only view of a ledger entry.
type Principal struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Rank      int       `json:"rank"`
	Level     string    `json:"level"`
	Granted   []string  `json:"granted,omitempty"`
	Revoked   []string  `json:"revoked,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// InteractionKind tags a ledger interaction record.
type InteractionKind string

const (
	InteractionEstablished    InteractionKind = "established"
	InteractionTrustModified  InteractionKind = "trust-modified"
	InteractionConsentGiven   InteractionKind = "consent-given"
	InteractionConsentRevoked InteractionKind = "consent-revoked"
)

// Interaction is the log line written before any ledger mutation.
type Interaction struct {
	Seq           uint64          `json:"seq"`
	Kind          InteractionKind `json:"kind"`
	PrincipalID   string          `json:"principal_id"`
	PrincipalKind Kind            `json:"principal_kind,omitempty"`
	OldRank       int             `json:"old_rank"`
	NewRank       int             `json:"new_rank"`
	ActionClass   string          `json:"action_class,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	At            time.Time       `json:"at"`
}

// DefaultLevels returns the built-in six-rank hierarchy. Each rank permits
// everything the rank below it does.
func DefaultLevels() []Level {
	return []Level{
		{Rank: 0, Name: "unknown", Permitted: []string{"analyze"}, Revocable: true},
		{Rank: 1, Name: "acquaintance", Permitted: []string{"analyze", "converse"}, Revocable: true},
		{Rank: 2, Name: "collaborator", Permitted: []string{"analyze", "converse", "read", "write"}, Revocable: true},
		{
			Rank:            3,
			Name:            "trusted",
			Permitted:       []string{"analyze", "converse", "read", "write", "execute", "network"},
			ConsentRequired: []string{"network"},
			Revocable:       true,
		},
		{
			Rank:            4,
			Name:            "partner",
			Permitted:       []string{"analyze", "converse", "read", "write", "execute", "network", "memory", "mode-change"},
			ConsentRequired: []string{"memory"},
			Revocable:       true,
		},
		{
			Rank:      5,
			Name:      "bonded",
			Permitted: []string{"analyze", "converse", "read", "write", "execute", "network", "memory", "mode-change", "self-modify", "override"},
			Revocable: false,
		},
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
