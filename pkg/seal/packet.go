// Package seal implements decision-episode sealing: the hash scope and
// commit hash of an episode, the transparency log that chains commits, run
// bundle export and the ten-check pack verifier that decides admissibility.
package seal

import (
	"os"
	"time"

	"github.com/credmesh/credmesh/pkg/canonicalize"
	"github.com/credmesh/credmesh/pkg/crypto"
	"github.com/credmesh/credmesh/pkg/fault"
)

// FileDigest pins one input file by path and content hash.
type FileDigest struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Parameters are the reproducibility knobs folded into the hash scope.
type Parameters struct {
	Clock             time.Time `json:"clock"`
	DeterministicMode bool      `json:"deterministic_mode"`
}

// DefaultExclusions are the fields every seal declares out of scope: they
// vary per run without changing the decision.
var DefaultExclusions = []string{"observed_at", "artifacts_emitted"}

// HashScope declares exactly what the commit hash covers.
type HashScope struct {
	Inputs     []FileDigest `json:"inputs"`
	Prompts    []FileDigest `json:"prompts"`
	Policies   []FileDigest `json:"policies"`
	Schemas    []FileDigest `json:"schemas"`
	Parameters Parameters   `json:"parameters"`
	Exclusions []string     `json:"exclusions"`
}

// CommitHash computes the canonical hash of the scope.
func (h HashScope) CommitHash() (string, error) {
	return canonicalize.HashCanonical(h)
}

// Packet is one sealed decision episode. Once sealed, hash and content are
// frozen; corrections arrive as new episodes.
type Packet struct {
	DecisionID string    `json:"decision_id"`
	CommitHash string    `json:"commit_hash"`
	HashScope  HashScope `json:"hash_scope"`
	SealedAt   time.Time `json:"sealed_at"`
	Signature  string    `json:"signature"`
	KeyID      string    `json:"key_id"`
	Algorithm  string    `json:"algorithm"`
}

// DigestFile hashes a file's bytes for inclusion in a hash scope.
func DigestFile(path string) (FileDigest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileDigest{}, fault.Wrap(fault.KindFilesystem, err, "read input "+path)
	}
	return FileDigest{Path: path, SHA256: canonicalize.HashText(string(raw))}, nil
}

// Sealer produces packets under one signing provider and clock.
type Sealer struct {
	prov  crypto.Provider
	clock func() time.Time
}

// NewSealer binds a sealer to a provider.
func NewSealer(prov crypto.Provider) *Sealer {
	return &Sealer{prov: prov, clock: time.Now}
}

// WithClock fixes the clock; with a fixed clock, sealing is deterministic.
func (s *Sealer) WithClock(clock func() time.Time) *Sealer {
	s.clock = clock
	return s
}

// Seal computes the commit hash over the scope and signs it. Same inputs and
// same clock yield the identical commit hash.
func (s *Sealer) Seal(decisionID string, scope HashScope) (*Packet, error) {
	if decisionID == "" {
		return nil, fault.Field("decision_id", "decision id is required")
	}
	if scope.Exclusions == nil {
		scope.Exclusions = append([]string(nil), DefaultExclusions...)
	}
	if scope.Parameters.Clock.IsZero() {
		scope.Parameters.Clock = s.clock().UTC()
	}
	scope.Parameters.Clock = scope.Parameters.Clock.UTC()

	commit, err := scope.CommitHash()
	if err != nil {
		return nil, err
	}
	sig, err := s.prov.Sign([]byte(commit))
	if err != nil {
		return nil, err
	}
	return &Packet{
		DecisionID: decisionID,
		CommitHash: commit,
		HashScope:  scope,
		SealedAt:   scope.Parameters.Clock,
		Signature:  sig,
		KeyID:      s.prov.KeyID(),
		Algorithm:  s.prov.Algorithm(),
	}, nil
}

// VerifyCommit recomputes the commit hash and compares.
func (p *Packet) VerifyCommit() error {
	commit, err := p.HashScope.CommitHash()
	if err != nil {
		return err
	}
	if commit != p.CommitHash {
		return fault.Newf(fault.KindHashMismatch, "commit hash expected %s actual %s", p.CommitHash, commit)
	}
	return nil
}
