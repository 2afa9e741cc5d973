package lattice

import (
	"sync"
	"time"

	"github.com/credmesh/credmesh/pkg/fault"
)

// ClaimFlip is emitted when a claim's quorum state changes.
type ClaimFlip struct {
	ClaimID string      `json:"claim_id"`
	From    QuorumState `json:"from"`
	To      QuorumState `json:"to"`
	At      time.Time   `json:"at"`
	Reason  string      `json:"reason,omitempty"`
}

// FlipHandler receives claim flips. Handlers run synchronously inside
// recompute; they must not call back into the lattice.
type FlipHandler func(ClaimFlip)

// Lattice is the arena of claims, sources and evidence. All cross-references
// are IDs resolved through the arena maps.
type Lattice struct {
	mu           sync.RWMutex
	claims       map[string]*Claim
	sources      map[string]*Source
	evidence     map[string]*Evidence
	supersededBy map[string]string // old claim id -> superseding claim id
	dependents   map[string][]string
	thresholds   Thresholds
	clock        func() time.Time
	flipHandlers []FlipHandler
	seq          int
}

// New creates an empty lattice with default thresholds.
func New() *Lattice {
	return &Lattice{
		claims:       make(map[string]*Claim),
		sources:      make(map[string]*Source),
		evidence:     make(map[string]*Evidence),
		supersededBy: make(map[string]string),
		dependents:   make(map[string][]string),
		thresholds:   DefaultThresholds(),
		clock:        time.Now,
	}
}

// WithClock overrides the clock for deterministic evaluation.
func (l *Lattice) WithClock(clock func() time.Time) *Lattice {
	l.clock = clock
	return l
}

// WithThresholds installs policy-pack status-light thresholds.
func (l *Lattice) WithThresholds(th Thresholds) *Lattice {
	l.thresholds = th
	return l
}

// OnFlip registers a handler for quorum flips.
func (l *Lattice) OnFlip(h FlipHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flipHandlers = append(l.flipHandlers, h)
}

// RegisterSource adds or updates a source.
func (l *Lattice) RegisterSource(s Source) error {
	if err := s.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	copy := s
	l.sources[s.SourceID] = &copy
	return nil
}

// IngestEvidence validates and stores an evidence node, stamping its
// correlation group from the source registry.
func (l *Lattice) IngestEvidence(e Evidence) error {
	if err := e.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	src, ok := l.sources[e.SourceID]
	if !ok {
		return fault.Field("source_id", "evidence references unregistered source "+e.SourceID)
	}
	e.CorrelationGroup = src.CorrelationGroup
	if src.Status == SourceQuarantined {
		e.Quarantined = true
	}
	copy := e
	l.evidence[e.ElementID] = &copy
	src.EvidenceCount++
	return nil
}

// AddClaim validates and stores a claim, allocating an ID when absent and
// wiring contradiction edges mutually. Contradiction detection runs at
// ingest: declaring one side is enough.
func (l *Lattice) AddClaim(c Claim) (*Claim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c.ClaimID == "" {
		l.seq++
		c.ClaimID = ClaimIDFor(l.clock().UTC().Year(), l.seq)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	if _, exists := l.claims[c.ClaimID]; exists {
		return nil, fault.Field("claim_id", "claim id "+c.ClaimID+" already exists; IDs are never reused")
	}
	if c.TimestampCreated.IsZero() {
		c.TimestampCreated = l.clock().UTC()
	}
	if !c.HalfLife.Perpetual() && c.HalfLife.ExpiresAt == nil {
		exp := c.TimestampCreated.Add(c.HalfLife.Duration())
		c.HalfLife.ExpiresAt = &exp
	}
	if c.Quorum == "" {
		c.Quorum = QuorumOK
	}

	stored := c
	l.claims[c.ClaimID] = &stored

	// Mutual contradiction edges.
	for _, other := range c.Graph.Contradicts {
		if oc, ok := l.claims[other]; ok && !contains(oc.Graph.Contradicts, c.ClaimID) {
			oc.Graph.Contradicts = append(oc.Graph.Contradicts, c.ClaimID)
		}
	}
	// Dependency index for flip propagation.
	for _, dep := range c.Graph.DependsOn {
		l.dependents[dep] = append(l.dependents[dep], c.ClaimID)
	}

	stored.StatusLight = l.deriveStatusLightLocked(&stored, l.thresholds)
	return &stored, nil
}

// Supersede replaces old with next: next gets a bumped version and a
// supersedes edge; the original is preserved and its contradictions are
// considered resolved.
func (l *Lattice) Supersede(oldID string, next Claim) (*Claim, error) {
	l.mu.RLock()
	old, ok := l.claims[oldID]
	l.mu.RUnlock()
	if !ok {
		return nil, fault.Field("claim_id", "superseded claim "+oldID+" not found")
	}

	version, err := NextVersion(old.Version)
	if err != nil {
		return nil, err
	}
	next.Version = version
	next.Graph.Supersedes = oldID

	added, err := l.AddClaim(next)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.supersededBy[oldID] = added.ClaimID
	l.mu.Unlock()
	return added, nil
}

// DropCorrelationGroup quarantines every source in the group and its
// evidence. Evidence is quarantined, not rejected: the records remain.
func (l *Lattice) DropCorrelationGroup(group string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sources {
		if s.CorrelationGroup == group {
			s.Status = SourceQuarantined
		}
	}
	for _, e := range l.evidence {
		if e.CorrelationGroup == group {
			e.Quarantined = true
		}
	}
}

// Recompute re-evaluates quorum and status light for every claim at the given
// instant, emitting ClaimFlip events and cascading to dependents.
func (l *Lattice) Recompute(at time.Time) []ClaimFlip {
	l.mu.Lock()

	var flips []ClaimFlip
	for _, c := range l.claims {
		if l.supersededLocked(c.ClaimID) {
			continue
		}
		eval := l.evaluateQuorumLocked(c, at)
		if eval.State != c.Quorum {
			flips = append(flips, ClaimFlip{
				ClaimID: c.ClaimID,
				From:    c.Quorum,
				To:      eval.State,
				At:      at,
				Reason:  eval.Reason,
			})
			c.Quorum = eval.State
		}
		c.StatusLight = l.deriveStatusLightLocked(c, l.thresholds)
	}

	// Dependents of flipped claims get re-evaluated in the same pass.
	for _, f := range flips {
		for _, depID := range l.dependents[f.ClaimID] {
			if dep, ok := l.claims[depID]; ok {
				dep.StatusLight = l.deriveStatusLightLocked(dep, l.thresholds)
			}
		}
	}

	handlers := make([]FlipHandler, len(l.flipHandlers))
	copy(handlers, l.flipHandlers)
	l.mu.Unlock()

	for _, h := range handlers {
		for _, f := range flips {
			h(f)
		}
	}
	return flips
}

// Claim returns a copy of the claim by ID.
func (l *Lattice) Claim(id string) (*Claim, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.claims[id]
	if !ok {
		return nil, false
	}
	out := *c
	return &out, true
}

// Claims returns copies of all claims, superseded ones included.
func (l *Lattice) Claims() []Claim {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Claim, 0, len(l.claims))
	for _, c := range l.claims {
		out = append(out, *c)
	}
	return out
}

// CurrentClaims returns copies of claims that have not been superseded.
func (l *Lattice) CurrentClaims() []Claim {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Claim, 0, len(l.claims))
	for _, c := range l.claims {
		if !l.supersededLocked(c.ClaimID) {
			out = append(out, *c)
		}
	}
	return out
}

// Source returns a copy of the source by ID.
func (l *Lattice) Source(id string) (*Source, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.sources[id]
	if !ok {
		return nil, false
	}
	out := *s
	return &out, true
}

// Sources returns copies of all registered sources.
func (l *Lattice) Sources() []Source {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Source, 0, len(l.sources))
	for _, s := range l.sources {
		out = append(out, *s)
	}
	return out
}

// EvidenceByID returns a copy of an evidence node.
func (l *Lattice) EvidenceByID(id string) (*Evidence, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.evidence[id]
	if !ok {
		return nil, false
	}
	out := *e
	return &out, true
}

// Evaluate returns the quorum evaluation of one claim without mutating it.
func (l *Lattice) Evaluate(claimID string, at time.Time) (QuorumEvaluation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.claims[claimID]
	if !ok {
		return QuorumEvaluation{}, fault.Field("claim_id", "claim "+claimID+" not found")
	}
	return l.evaluateQuorumLocked(c, at), nil
}

// Update applies fn to a stored claim under the write lock, then re-derives
// its status light. Used by the freshness manager for decay and refresh;
// structural fields (ID, version, edges) must not be changed through it.
func (l *Lattice) Update(claimID string, fn func(*Claim)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.claims[claimID]
	if !ok {
		return fault.Field("claim_id", "claim "+claimID+" not found")
	}
	fn(c)
	c.StatusLight = l.deriveStatusLightLocked(c, l.thresholds)
	return nil
}

// SupersededBy reports the superseding claim for oldID, if any.
func (l *Lattice) SupersededBy(oldID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.supersededBy[oldID]
	return id, ok
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
