package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenesisHash is the chain head of an empty log.
const GenesisHash = "genesis"

// EntryKind categorizes log entries.
type EntryKind string

const (
	KindDecision    EntryKind = "decision"
	KindTransition  EntryKind = "transition"
	KindLockout     EntryKind = "critical-lockout"
	KindInteraction EntryKind = "trust-interaction"
	KindCorrection  EntryKind = "correction"
)

// Entry is one immutable, hash-chained record.
type Entry struct {
	Seq         uint64          `json:"seq"`
	ID          string          `json:"id"`
	Kind        EntryKind       `json:"kind"`
	Timestamp   time.Time       `json:"timestamp"`
	Subject     string          `json:"subject"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash"`
}

// Unmarshal decodes the entry payload into v.
func (e Entry) Unmarshal(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s entry %d: %w", e.Kind, e.Seq, err)
	}
	return nil
}

// Lockout is the payload of a critical-lockout entry.
type Lockout struct {
	DecisionID string   `json:"decision_id"`
	Principal  string   `json:"principal"`
	Signatures []string `json:"signatures"`
	FromMode   string   `json:"from_mode"`
	ToMode     string   `json:"to_mode"`
}

// Correction amends an earlier entry without touching it.
type Correction struct {
	TargetID  string `json:"target_id"`
	Principal string `json:"principal"`
	Reason    string `json:"reason"`
	Notes     string `json:"notes,omitempty"`
}

func computeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func entryHash(e Entry) (string, error) {
	hashable := struct {
		Seq         uint64    `json:"seq"`
		ID          string    `json:"id"`
		Kind        EntryKind `json:"kind"`
		Timestamp   time.Time `json:"timestamp"`
		Subject     string    `json:"subject"`
		PayloadHash string    `json:"payload_hash"`
		PrevHash    string    `json:"prev_hash"`
	}{
		Seq:         e.Seq,
		ID:          e.ID,
		Kind:        e.Kind,
		Timestamp:   e.Timestamp,
		Subject:     e.Subject,
		PayloadHash: e.PayloadHash,
		PrevHash:    e.PrevHash,
	}
	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("marshal entry for hashing: %w", err)
	}
	return computeHash(data), nil
}

// verifyEntry checks e against the expected predecessor.
func verifyEntry(e Entry, prevSeq uint64, prevHash string) error {
	if e.Seq != prevSeq+1 {
		return fmt.Errorf("%w: entry %s has seq %d, want %d", ErrChainBroken, e.ID, e.Seq, prevSeq+1)
	}
	if e.PrevHash != prevHash {
		return fmt.Errorf("%w: entry %d links to %s, want %s", ErrChainBroken, e.Seq, e.PrevHash, prevHash)
	}
	if computeHash(e.Payload) != e.PayloadHash {
		return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, e.Seq)
	}
	h, err := entryHash(e)
	if err != nil {
		return err
	}
	if h != e.Hash {
		return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Seq)
	}
	return nil
}
