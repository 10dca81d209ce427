package trust

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type record struct {
	id        string
	kind      Kind
	rank      int
	granted   map[string]bool
	revoked   map[string]bool
	createdAt time.Time
}

// Ledger tracks per-principal trust rank and consent state.
type Ledger struct {
	mu           sync.RWMutex
	levels       map[int]Level
	principals   map[string]*record
	ownerID      string
	interactions []Interaction
	seq          uint64
	clock        func() time.Time
	observer     func(Interaction)
}

// NewLedger builds a ledger over the given level catalog. Levels must have
// unique ranks in [MinRank, MaxRank], ConsentRequired must be a subset of
// Permitted, and each rank must permit everything lower ranks permit.
func NewLedger(levels []Level) (*Ledger, error) {
	if err := validateLevels(levels); err != nil {
		return nil, err
	}
	byRank := make(map[int]Level, len(levels))
	for _, lv := range levels {
		byRank[lv.Rank] = lv
	}
	return &Ledger{
		levels:     byRank,
		principals: make(map[string]*record),
		clock:      time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// OnInteraction registers fn to receive every interaction record as it is
// appended. fn runs under the ledger lock and must not call back into it.
func (l *Ledger) OnInteraction(fn func(Interaction)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = fn
}

func validateLevels(levels []Level) error {
	if len(levels) == 0 {
		return fmt.Errorf("%w: no levels", ErrInvalidLevels)
	}
	sorted := append([]Level(nil), levels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })

	for i, lv := range sorted {
		if lv.Rank < MinRank || lv.Rank > MaxRank {
			return fmt.Errorf("%w: rank %d out of range", ErrInvalidLevels, lv.Rank)
		}
		if i > 0 && sorted[i-1].Rank == lv.Rank {
			return fmt.Errorf("%w: duplicate rank %d", ErrInvalidLevels, lv.Rank)
		}
		for _, c := range lv.ConsentRequired {
			if !lv.permits(c) {
				return fmt.Errorf("%w: rank %d requires consent for %q but does not permit it", ErrInvalidLevels, lv.Rank, c)
			}
		}
		if i > 0 {
			for _, c := range sorted[i-1].Permitted {
				if !lv.permits(c) {
					return fmt.Errorf("%w: rank %d drops %q permitted at rank %d", ErrInvalidLevels, lv.Rank, c, sorted[i-1].Rank)
				}
			}
		}
	}
	for rank := MinRank; rank <= MaxRank; rank++ {
		i := sort.Search(len(sorted), func(i int) bool { return sorted[i].Rank >= rank })
		if i == len(sorted) || sorted[i].Rank != rank {
			return fmt.Errorf("%w: missing rank %d", ErrInvalidLevels, rank)
		}
	}
	return nil
}

// RequestPermission reports whether principalID may request actionClass.
// Unknown principals and ranks without a level are denied. Revoked consent
// always wins over granted consent.
func (l *Ledger) RequestPermission(principalID, actionClass string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.principals[principalID]
	if !ok {
		return false
	}
	lv, ok := l.levels[rec.rank]
	if !ok {
		return false
	}
	if !lv.permits(actionClass) || rec.revoked[actionClass] {
		return false
	}
	if lv.requiresConsent(actionClass) && !rec.granted[actionClass] {
		return false
	}
	return true
}

// ConsentStatus reports where consent stands for principalID and actionClass.
// Unknown principals report pending.
func (l *Ledger) ConsentStatus(principalID, actionClass string) ConsentStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.principals[principalID]
	if !ok {
		return ConsentPending
	}
	if rec.revoked[actionClass] {
		return ConsentBypassed
	}
	if rec.granted[actionClass] {
		return ConsentObtained
	}
	if lv, ok := l.levels[rec.rank]; ok && lv.requiresConsent(actionClass) {
		return ConsentPending
	}
	return ConsentNotRequired
}

// RequiredRank returns the lowest rank whose level permits actionClass.
func (l *Ledger) RequiredRank(actionClass string) (int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for rank := MinRank; rank <= MaxRank; rank++ {
		if lv, ok := l.levels[rank]; ok && lv.permits(actionClass) {
			return rank, true
		}
	}
	return Unattainable, false
}

// Rank returns the principal's current rank.
func (l *Ledger) Rank(principalID string) (int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.principals[principalID]
	if !ok {
		return 0, false
	}
	return rec.rank, true
}

// IsPrivileged reports whether principalID is the operator-owner.
func (l *Ledger) IsPrivileged(principalID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return principalID != "" && principalID == l.ownerID
}

// Owner returns the operator-owner id, or "" if none is provisioned.
func (l *Ledger) Owner() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ownerID
}

// Level returns the level registered for rank.
func (l *Ledger) Level(rank int) (Level, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lv, ok := l.levels[rank]
	return lv, ok
}

// EstablishTrust creates a principal on first interaction. The operator-owner
// starts at MaxRank, everyone else at MinRank. Re-establishing an existing
// principal returns its current record unchanged.
func (l *Ledger) EstablishTrust(principalID string, kind Kind) (Principal, error) {
	if principalID == "" {
		return Principal{}, ErrInvalidPrincipal
	}
	if !kind.Valid() {
		return Principal{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.principals[principalID]; ok {
		return l.view(rec), nil
	}
	if kind == KindOwner && l.ownerID != "" {
		return Principal{}, fmt.Errorf("%w: %s", ErrOwnerExists, l.ownerID)
	}

	rank := MinRank
	if kind == KindOwner {
		rank = MaxRank
	}
	in := l.appendInteraction(Interaction{
		Kind:          InteractionEstablished,
		PrincipalID:   principalID,
		PrincipalKind: kind,
		OldRank:       rank,
		NewRank:       rank,
	})
	rec := l.create(principalID, kind, rank, in.At)
	return l.view(rec), nil
}

// ModifyTrustLevel moves a principal to newRank. The interaction record is
// appended before the rank changes.
func (l *Ledger) ModifyTrustLevel(principalID string, newRank int, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.principals[principalID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrincipal, principalID)
	}
	if _, ok := l.levels[newRank]; !ok {
		return fmt.Errorf("%w: %d", ErrInvalidRank, newRank)
	}
	if cur, ok := l.levels[rec.rank]; ok && !cur.Revocable && reason == "" {
		return ErrJustificationRequired
	}

	l.appendInteraction(Interaction{
		Kind:        InteractionTrustModified,
		PrincipalID: principalID,
		OldRank:     rec.rank,
		NewRank:     newRank,
		Reason:      reason,
	})
	rec.rank = newRank
	return nil
}

// GiveConsent moves actionClass into the principal's granted set.
func (l *Ledger) GiveConsent(principalID, actionClass string) error {
	return l.setConsent(principalID, actionClass, true)
}

// RevokeConsent moves actionClass into the principal's revoked set.
func (l *Ledger) RevokeConsent(principalID, actionClass string) error {
	return l.setConsent(principalID, actionClass, false)
}

func (l *Ledger) setConsent(principalID, actionClass string, grant bool) error {
	if actionClass == "" {
		return ErrInvalidActionClass
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.principals[principalID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrincipal, principalID)
	}

	kind := InteractionConsentRevoked
	if grant {
		kind = InteractionConsentGiven
	}
	l.appendInteraction(Interaction{
		Kind:        kind,
		PrincipalID: principalID,
		OldRank:     rec.rank,
		NewRank:     rec.rank,
		ActionClass: actionClass,
	})
	applyConsent(rec, actionClass, grant)
	return nil
}

func applyConsent(rec *record, actionClass string, grant bool) {
	if grant {
		delete(rec.revoked, actionClass)
		rec.granted[actionClass] = true
	} else {
		delete(rec.granted, actionClass)
		rec.revoked[actionClass] = true
	}
}

// Replay applies a previously persisted interaction without re-notifying
// the observer. Interactions must be replayed in sequence order.
func (l *Ledger) Replay(in Interaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if in.Seq > l.seq {
		l.seq = in.Seq
	}

	switch in.Kind {
	case InteractionEstablished:
		if _, ok := l.principals[in.PrincipalID]; !ok {
			l.create(in.PrincipalID, in.PrincipalKind, in.NewRank, in.At)
		}
	case InteractionTrustModified:
		rec, ok := l.principals[in.PrincipalID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPrincipal, in.PrincipalID)
		}
		rec.rank = in.NewRank
	case InteractionConsentGiven, InteractionConsentRevoked:
		rec, ok := l.principals[in.PrincipalID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPrincipal, in.PrincipalID)
		}
		applyConsent(rec, in.ActionClass, in.Kind == InteractionConsentGiven)
	default:
		return fmt.Errorf("unknown interaction kind %q", in.Kind)
	}
	l.interactions = append(l.interactions, in)
	return nil
}

// Get returns a principal by id.
func (l *Ledger) Get(principalID string) (Principal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.principals[principalID]
	if !ok {
		return Principal{}, false
	}
	return l.view(rec), true
}

// Summaries returns every principal, sorted by id.
func (l *Ledger) Summaries() []Principal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Principal, 0, len(l.principals))
	for _, rec := range l.principals {
		out = append(out, l.view(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Interactions returns a copy of the interaction history.
func (l *Ledger) Interactions() []Interaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Interaction(nil), l.interactions...)
}

func (l *Ledger) create(id string, kind Kind, rank int, at time.Time) *record {
	rec := &record{
		id:        id,
		kind:      kind,
		rank:      rank,
		granted:   make(map[string]bool),
		revoked:   make(map[string]bool),
		createdAt: at,
	}
	l.principals[id] = rec
	if kind == KindOwner && l.ownerID == "" {
		l.ownerID = id
	}
	return rec
}

// appendInteraction must be called with l.mu held.
func (l *Ledger) appendInteraction(in Interaction) Interaction {
	l.seq++
	in.Seq = l.seq
	in.At = l.clock().UTC()
	l.interactions = append(l.interactions, in)
	if l.observer != nil {
		l.observer(in)
	}
	return in
}

func (l *Ledger) view(rec *record) Principal {
	p := Principal{
		ID:        rec.id,
		Kind:      rec.kind,
		Rank:      rec.rank,
		Granted:   sortedKeys(rec.granted),
		Revoked:   sortedKeys(rec.revoked),
		CreatedAt: rec.createdAt,
	}
	if lv, ok := l.levels[rec.rank]; ok {
		p.Level = lv.Name
	}
	return p
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
