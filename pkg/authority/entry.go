// Package authority implements the append-only authority ledger: hash-chained
// NDJSON of grants and revocations with time windows. The ledger is the only
// source of truth for what an actor was allowed to do at a point in time.
package authority

import (
	"time"

	"github.com/credmesh/credmesh/pkg/canonicalize"
	"github.com/credmesh/credmesh/pkg/fault"
)

// GrantType is a tagged variant; adding a value must break the switch in
// validate.
type GrantType string

const (
	GrantDirect     GrantType = "direct"
	GrantDelegated  GrantType = "delegated"
	GrantEmergency  GrantType = "emergency"
	GrantRevocation GrantType = "revocation"
)

// EntryVersion is the current entry schema version.
const EntryVersion = "1.0"

// Entry is one immutable authority ledger entry.
type Entry struct {
	EntryVersion  string     `json:"entry_version"`
	EntryID       string     `json:"entry_id"`
	EntryHash     string     `json:"entry_hash"`
	PrevEntryHash *string    `json:"prev_entry_hash"`
	AuthorityID   string     `json:"authority_id"`
	ActorID       string     `json:"actor_id"`
	ActorRole     string     `json:"actor_role"`
	GrantType     GrantType  `json:"grant_type"`
	ScopeBound    string     `json:"scope_bound"`
	PolicyVersion string     `json:"policy_version"`
	PolicyHash    string     `json:"policy_hash"`
	EffectiveAt   time.Time  `json:"effective_at"`
	ExpiresAt     *time.Time `json:"expires_at"`
	RevokedAt     *time.Time `json:"revoked_at"`
	SigningKeyID  string     `json:"signing_key_id,omitempty"`
	SignatureRef  string     `json:"signature_ref,omitempty"`
	ObservedAt    time.Time  `json:"observed_at"`
}

func (e *Entry) validate() error {
	if e.AuthorityID == "" {
		return fault.Field("authority_id", "authority_id is required")
	}
	if e.ActorID == "" {
		return fault.Field("actor_id", "actor_id is required")
	}
	switch e.GrantType {
	case GrantDirect, GrantDelegated, GrantEmergency, GrantRevocation:
	default:
		return fault.Field("grant_type", "unknown grant type "+string(e.GrantType))
	}
	if e.EffectiveAt.IsZero() {
		return fault.Field("effective_at", "effective_at is required")
	}
	if e.ExpiresAt != nil && e.ExpiresAt.Before(e.EffectiveAt) {
		return fault.Field("expires_at", "expires_at precedes effective_at")
	}
	return nil
}

// computeHash canonicalizes the entry with entry_hash blanked and digests it.
func (e *Entry) computeHash() (string, error) {
	return canonicalize.HashEmbedded(e, "entry_hash")
}

// ActiveAt reports whether a non-revocation grant covers the given instant,
// ignoring later revocations (the ledger resolves those).
func (e *Entry) ActiveAt(at time.Time) bool {
	if e.GrantType == GrantRevocation {
		return false
	}
	if at.Before(e.EffectiveAt) {
		return false
	}
	if e.ExpiresAt != nil && at.After(*e.ExpiresAt) {
		return false
	}
	return true
}
