package authority

import (
	"sync"
	"time"

	"github.com/credmesh/credmesh/pkg/canonicalize"
	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/logstore"
)

// Ledger is the append-only, hash-chained authority ledger. One writer per
// tenant; the mutex enforces that within a process.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	log     *logstore.Log
	clock   func() time.Time
}

// NewLedger creates a ledger persisted to log. Pass nil for an in-memory
// ledger (tests, pack verification of already-loaded entries).
func NewLedger(log *logstore.Log) *Ledger {
	return &Ledger{log: log, clock: time.Now}
}

// WithClock overrides the clock for deterministic time.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Load replays the backing log into memory and verifies the chain.
func (l *Ledger) Load() error {
	if l.log == nil {
		return nil
	}
	it, err := l.log.Scan(0)
	if err != nil {
		return err
	}
	defer it.Close()

	var entries []Entry
	for it.Next() {
		var e Entry
		if err := it.Decode(&e); err != nil {
			return err
		}
		entries = append(entries, e)
	}
	if err := it.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
	return l.VerifyChain()
}

// Append finalizes and appends an entry: derives entry_id, chains
// prev_entry_hash, computes entry_hash, persists, and returns the sealed
// entry. The input is not mutated.
func (l *Ledger) Append(e Entry) (*Entry, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e.EntryVersion = EntryVersion
	if e.ObservedAt.IsZero() {
		e.ObservedAt = l.clock().UTC()
	}
	if len(l.entries) == 0 {
		e.PrevEntryHash = nil
	} else {
		prev := l.entries[len(l.entries)-1].EntryHash
		e.PrevEntryHash = &prev
	}

	e.EntryHash = ""
	e.EntryID = ""
	hash, err := e.computeHash()
	if err != nil {
		return nil, fault.Wrap(fault.KindInputInvalid, err, "hashing ledger entry")
	}
	e.EntryHash = hash
	e.EntryID = "AUTH-" + canonicalize.ShortHash(hash, 8)

	if l.log != nil {
		if err := l.log.Append(&e); err != nil {
			return nil, err
		}
	}
	l.entries = append(l.entries, e)
	return &e, nil
}

// Grant is a convenience append of a non-revocation entry.
func (l *Ledger) Grant(authorityID, actorID, actorRole, scope string, gt GrantType, effectiveAt time.Time, expiresAt *time.Time) (*Entry, error) {
	return l.Append(Entry{
		AuthorityID: authorityID,
		ActorID:     actorID,
		ActorRole:   actorRole,
		ScopeBound:  scope,
		GrantType:   gt,
		EffectiveAt: effectiveAt,
		ExpiresAt:   expiresAt,
	})
}

// Revoke appends a revocation targeting authorityID. The original grant entry
// is preserved; only the appended revocation changes resolution.
func (l *Ledger) Revoke(authorityID, actorID string, revokedAt time.Time) (*Entry, error) {
	return l.Append(Entry{
		AuthorityID: authorityID,
		ActorID:     actorID,
		ActorRole:   "revoker",
		GrantType:   GrantRevocation,
		EffectiveAt: revokedAt,
		RevokedAt:   &revokedAt,
	})
}

// FindActiveForActor returns the single entry granting authority to actorID
// at the given instant, or AUTHORITY_DENY when none applies.
func (l *Ledger) FindActiveForActor(actorID string, at time.Time) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var active *Entry
	for i := range l.entries {
		e := &l.entries[i]
		if e.ActorID != actorID || !e.ActiveAt(at) {
			continue
		}
		if l.revokedAtLocked(e.AuthorityID, at) {
			continue
		}
		active = e
	}
	if active == nil {
		return nil, fault.Newf(fault.KindAuthorityDeny, "no active authority for actor %q at %s", actorID, canonicalize.FormatTime(at))
	}
	out := *active
	return &out, nil
}

// FindByAuthority returns the latest non-revocation entry for authorityID.
func (l *Ledger) FindByAuthority(authorityID string) (*Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].AuthorityID == authorityID && l.entries[i].GrantType != GrantRevocation {
			out := l.entries[i]
			return &out, true
		}
	}
	return nil, false
}

// Revoked reports whether authorityID has a revocation effective at or before
// the given instant.
func (l *Ledger) Revoked(authorityID string, at time.Time) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.revokedAtLocked(authorityID, at)
}

func (l *Ledger) revokedAtLocked(authorityID string, at time.Time) bool {
	for i := range l.entries {
		e := &l.entries[i]
		if e.GrantType == GrantRevocation && e.AuthorityID == authorityID && !e.EffectiveAt.After(at) {
			return true
		}
	}
	return false
}

// VerifyChain re-derives every entry hash and checks continuity end to end.
// Any break fails with LEDGER_TAMPER.
func (l *Ledger) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var prevHash *string
	for i := range l.entries {
		e := l.entries[i]

		if i == 0 {
			if e.PrevEntryHash != nil {
				return fault.Newf(fault.KindLedgerTamper, "first entry %s has non-null prev_entry_hash", e.EntryID)
			}
		} else {
			if e.PrevEntryHash == nil || *e.PrevEntryHash != *prevHash {
				return fault.Newf(fault.KindLedgerTamper, "chain broken at entry %d (%s)", i, e.EntryID)
			}
		}

		stored := e.EntryHash
		storedID := e.EntryID
		e.EntryHash = ""
		e.EntryID = ""
		recomputed, err := e.computeHash()
		if err != nil {
			return fault.Wrap(fault.KindLedgerTamper, err, "rehashing entry")
		}
		if recomputed != stored {
			return fault.Newf(fault.KindLedgerTamper, "hash mismatch at entry %d: expected %s, actual %s", i, stored, recomputed)
		}
		if storedID != "AUTH-"+canonicalize.ShortHash(stored, 8) {
			return fault.Newf(fault.KindLedgerTamper, "entry_id mismatch at entry %d", i)
		}
		prevHash = &stored
	}
	return nil
}

// Entries returns a copy of all entries in append order.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Head returns the hash of the last entry, or "" when empty.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return ""
	}
	return l.entries[len(l.entries)-1].EntryHash
}
