package seal

import (
	"sync"
	"time"

	"github.com/credmesh/credmesh/pkg/canonicalize"
	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/logstore"
)

// LogEntry is one transparency log record. Entries chain by log_hash /
// prev_log_hash with the same rules as the authority ledger.
type LogEntry struct {
	SealedAt    time.Time `json:"sealed_at"`
	CommitHash  string    `json:"commit_hash"`
	PrevLogHash *string   `json:"prev_log_hash"`
	LogHash     string    `json:"log_hash"`
}

// TransparencyLog is the append-only chain of sealed commits.
type TransparencyLog struct {
	mu      sync.Mutex
	log     *logstore.Log
	entries []LogEntry
	clock   func() time.Time
}

// NewTransparencyLog binds a transparency log to its NDJSON backing.
func NewTransparencyLog(log *logstore.Log) *TransparencyLog {
	return &TransparencyLog{log: log, clock: time.Now}
}

// WithClock overrides the clock for deterministic sealing.
func (t *TransparencyLog) WithClock(clock func() time.Time) *TransparencyLog {
	t.clock = clock
	return t
}

// Load replays the backing log and verifies the chain.
func (t *TransparencyLog) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	it, err := t.log.Scan(0)
	if err != nil {
		return err
	}
	defer it.Close()
	t.entries = nil
	for it.Next() {
		var e LogEntry
		if err := it.Decode(&e); err != nil {
			return err
		}
		t.entries = append(t.entries, e)
	}
	if err := it.Err(); err != nil {
		return err
	}
	return t.verifyLocked()
}

// Append chains a new commit hash onto the log.
func (t *TransparencyLog) Append(commitHash string) (*LogEntry, error) {
	if commitHash == "" {
		return nil, fault.Field("commit_hash", "commit hash is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	e := LogEntry{
		SealedAt:   t.clock().UTC(),
		CommitHash: commitHash,
	}
	if n := len(t.entries); n > 0 {
		prev := t.entries[n-1].LogHash
		e.PrevLogHash = &prev
	}
	hash, err := canonicalize.HashEmbedded(e, "log_hash")
	if err != nil {
		return nil, err
	}
	e.LogHash = hash

	if t.log != nil {
		if err := t.log.Append(e); err != nil {
			return nil, err
		}
	}
	t.entries = append(t.entries, e)
	return &e, nil
}

// VerifyChain re-derives every log_hash and checks continuity end-to-end.
func (t *TransparencyLog) VerifyChain() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.verifyLocked()
}

func (t *TransparencyLog) verifyLocked() error {
	for i, e := range t.entries {
		expected, err := canonicalize.HashEmbedded(e, "log_hash")
		if err != nil {
			return err
		}
		if expected != e.LogHash {
			return fault.Newf(fault.KindLedgerTamper, "transparency entry %d hash mismatch", i)
		}
		if i == 0 {
			if e.PrevLogHash != nil {
				return fault.New(fault.KindChainBreak, "first transparency entry must have null prev_log_hash")
			}
			continue
		}
		if e.PrevLogHash == nil || *e.PrevLogHash != t.entries[i-1].LogHash {
			return fault.Newf(fault.KindChainBreak, "transparency chain broken at entry %d", i)
		}
	}
	return nil
}

// Entries returns a copy of the chain.
func (t *TransparencyLog) Entries() []LogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]LogEntry(nil), t.entries...)
}

// Head returns the latest log_hash, or "" for an empty log.
func (t *TransparencyLog) Head() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) == 0 {
		return ""
	}
	return t.entries[len(t.entries)-1].LogHash
}
