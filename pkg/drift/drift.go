// Package drift watches sealed episodes and lattice state for runtime
// variance and emits typed drift signals. Signals are fingerprinted so the
// same failure seen across episodes is deduplicated while its recurrence is
// still counted; recurrence past the trigger threshold opens a delegation
// review.
package drift

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/credmesh/credmesh/pkg/canonicalize"
	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/observability"
)

// Type is the drift variant. Every switch over Type must be exhaustive;
// adding a variant is a compile-visible change through KnownTypes.
type Type string

const (
	TypeTime           Type = "time"
	TypeFreshness      Type = "freshness"
	TypeFallback       Type = "fallback"
	TypeBypass         Type = "bypass"
	TypeVerify         Type = "verify"
	TypeOutcome        Type = "outcome"
	TypeFanout         Type = "fanout"
	TypeContention     Type = "contention"
	TypeContradiction  Type = "contradiction"
	TypeStaleReference Type = "stale_reference"
	TypeVolatility     Type = "confidence_volatility"
)

// KnownTypes is the closed set of drift variants.
var KnownTypes = []Type{
	TypeTime, TypeFreshness, TypeFallback, TypeBypass, TypeVerify,
	TypeOutcome, TypeFanout, TypeContention, TypeContradiction,
	TypeStaleReference, TypeVolatility,
}

// Severity of a signal.
type Severity string

const (
	SeverityGreen  Severity = "green"
	SeverityYellow Severity = "yellow"
	SeverityRed    Severity = "red"
)

// PatchType is the recommended correction class for a signal.
type PatchType string

const (
	PatchDTEChange          PatchType = "dte_change"
	PatchTTLChange          PatchType = "ttl_change"
	PatchCacheBundleChange  PatchType = "cache_bundle_change"
	PatchRoutingChange      PatchType = "routing_change"
	PatchVerificationChange PatchType = "verification_change"
	PatchActionScopeTighten PatchType = "action_scope_tighten"
	PatchManualReview       PatchType = "manual_review"
)

// RecommendedPatch maps each drift variant to its correction class.
func RecommendedPatch(t Type) (PatchType, error) {
	switch t {
	case TypeTime:
		return PatchDTEChange, nil
	case TypeFreshness:
		return PatchTTLChange, nil
	case TypeFallback:
		return PatchCacheBundleChange, nil
	case TypeBypass:
		return PatchManualReview, nil
	case TypeVerify:
		return PatchVerificationChange, nil
	case TypeOutcome:
		return PatchManualReview, nil
	case TypeFanout:
		return PatchRoutingChange, nil
	case TypeContention:
		return PatchDTEChange, nil
	case TypeContradiction:
		return PatchRoutingChange, nil
	case TypeStaleReference:
		return PatchTTLChange, nil
	case TypeVolatility:
		return PatchRoutingChange, nil
	default:
		return "", fault.Field("driftType", "unknown drift type "+string(t))
	}
}

// algorithmVersion is folded into every fingerprint so a detector upgrade
// never collides with fingerprints minted by the previous algorithm.
const algorithmVersion = "v1"

// Fingerprint identifies a failure mode independent of the episode it was
// seen in.
type Fingerprint struct {
	Key     string `json:"key"`
	Version string `json:"version"`
}

// Signal is one emitted drift event.
type Signal struct {
	DriftID              string      `json:"driftId"`
	EpisodeID            string      `json:"episodeId"`
	Type                 Type        `json:"driftType"`
	Severity             Severity    `json:"severity"`
	DetectedAt           time.Time   `json:"detectedAt"`
	EvidenceRefs         []string    `json:"evidenceRefs"`
	RecommendedPatchType PatchType   `json:"recommendedPatchType"`
	Fingerprint          Fingerprint `json:"fingerprint"`
	Notes                string      `json:"notes,omitempty"`
	Resolved             bool        `json:"resolved"`
	ResolvedBy           string      `json:"resolvedBy,omitempty"`
}

// FingerprintFor derives the stable fingerprint key for a drift type and its
// minimized evidence signature.
func FingerprintFor(t Type, evidenceRefs []string) (Fingerprint, error) {
	sig := canonicalize.SortedStrings(evidenceRefs)
	hash, err := canonicalize.HashCanonical(map[string]any{
		"driftType":         string(t),
		"evidenceSignature": sig,
		"algorithmVersion":  algorithmVersion,
	})
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{
		Key:     canonicalize.ShortHash(hash, 8),
		Version: algorithmVersion,
	}, nil
}

// Escalation is an opened delegation review after a trigger rule fired.
type Escalation struct {
	Rule           string    `json:"rule"`
	FingerprintKey string    `json:"fingerprint_key"`
	Recurrence     int       `json:"recurrence"`
	OpenedAt       time.Time `json:"opened_at"`
}

// Trigger rule DRT-001: the same fingerprint recurring three times inside a
// fourteen-day window escalates to delegation review.
const (
	triggerRule       = "DRT-001"
	triggerRecurrence = 3
	triggerWindow     = 14 * 24 * time.Hour
)

type recurrence struct {
	seen      []time.Time
	escalated bool
	canonical string // drift id of the first (kept) signal
}

// Detector emits signals and tracks fingerprint recurrence.
type Detector struct {
	mu          sync.Mutex
	clock       func() time.Time
	metrics     *observability.Provider
	signals     map[string]*Signal // by drift id, deduplicated
	byFp        map[string]*recurrence
	escalations []Escalation
}

// NewDetector creates an empty detector.
func NewDetector() *Detector {
	return &Detector{
		clock:   time.Now,
		signals: make(map[string]*Signal),
		byFp:    make(map[string]*recurrence),
	}
}

// WithClock overrides the clock for deterministic tests.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// WithMetrics counts emitted signals on the given provider.
func (d *Detector) WithMetrics(p *observability.Provider) *Detector {
	d.metrics = p
	return d
}

// Observation is the raw input to Emit.
type Observation struct {
	DriftID      string // optional; generated when empty
	EpisodeID    string
	Type         Type
	Severity     Severity
	EvidenceRefs []string
	Notes        string
}

// Emit fingerprints the observation and either records a new signal or
// deduplicates it onto the existing one. Either way recurrence is counted,
// and the DRT-001 trigger is evaluated. The returned signal is the canonical
// one for the fingerprint; duplicate reports true when it was seen before.
func (d *Detector) Emit(obs Observation) (Signal, bool, error) {
	if obs.EpisodeID == "" {
		return Signal{}, false, fault.Field("episodeId", "episode id is required")
	}
	switch obs.Severity {
	case SeverityGreen, SeverityYellow, SeverityRed:
	default:
		return Signal{}, false, fault.Field("severity", "unknown severity "+string(obs.Severity))
	}
	patch, err := RecommendedPatch(obs.Type)
	if err != nil {
		return Signal{}, false, err
	}
	fp, err := FingerprintFor(obs.Type, obs.EvidenceRefs)
	if err != nil {
		return Signal{}, false, err
	}
	now := d.clock().UTC()

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.byFp[fp.Key]
	if !ok {
		rec = &recurrence{}
		d.byFp[fp.Key] = rec
	}
	rec.seen = append(rec.seen, now)

	var sig *Signal
	duplicate := false
	if ok && rec.canonical != "" {
		sig = d.signals[rec.canonical]
		duplicate = true
	} else {
		id := obs.DriftID
		if id == "" {
			id = "DS-" + uuid.NewString()[:8]
		}
		sig = &Signal{
			DriftID:              id,
			EpisodeID:            obs.EpisodeID,
			Type:                 obs.Type,
			Severity:             obs.Severity,
			DetectedAt:           now,
			EvidenceRefs:         append([]string(nil), obs.EvidenceRefs...),
			RecommendedPatchType: patch,
			Fingerprint:          fp,
			Notes:                obs.Notes,
		}
		d.signals[sig.DriftID] = sig
		rec.canonical = sig.DriftID
	}

	if !rec.escalated && d.recentCountLocked(rec, now) >= triggerRecurrence {
		rec.escalated = true
		d.escalations = append(d.escalations, Escalation{
			Rule:           triggerRule,
			FingerprintKey: fp.Key,
			Recurrence:     len(rec.seen),
			OpenedAt:       now,
		})
	}
	d.metrics.RecordDrift(context.Background(), string(sig.Type), string(sig.Severity))
	return *sig, duplicate, nil
}

func (d *Detector) recentCountLocked(rec *recurrence, now time.Time) int {
	n := 0
	for _, ts := range rec.seen {
		if now.Sub(ts) <= triggerWindow {
			n++
		}
	}
	return n
}

// Resolve marks a signal resolved by a patch.
func (d *Detector) Resolve(driftID, patchID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sig, ok := d.signals[driftID]
	if !ok {
		return fault.Field("driftId", "drift signal "+driftID+" not found")
	}
	sig.Resolved = true
	sig.ResolvedBy = patchID
	return nil
}

// Signal returns a copy of the signal by id.
func (d *Detector) Signal(driftID string) (Signal, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sig, ok := d.signals[driftID]
	if !ok {
		return Signal{}, false
	}
	return *sig, true
}

// Since returns copies of all signals detected at or after t, resolved or
// not, sorted by detection time.
func (d *Detector) Since(t time.Time) []Signal {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Signal
	for _, s := range d.signals {
		if !s.DetectedAt.Before(t) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DriftID < out[j].DriftID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// Active returns copies of all unresolved signals.
func (d *Detector) Active() []Signal {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Signal
	for _, s := range d.signals {
		if !s.Resolved {
			out = append(out, *s)
		}
	}
	return out
}

// Recurrence returns how many times a fingerprint has been seen in total.
func (d *Detector) Recurrence(fpKey string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.byFp[fpKey]
	if !ok {
		return 0
	}
	return len(rec.seen)
}

// Escalations returns all opened delegation reviews.
func (d *Detector) Escalations() []Escalation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Escalation(nil), d.escalations...)
}

// GroupByFingerprint projects active signals grouped by fingerprint key with
// recurrence counts, most recurrent first. Used by the WHAT_DRIFTED query.
type FingerprintGroup struct {
	Key        string   `json:"key"`
	Recurrence int      `json:"recurrence"`
	Signals    []Signal `json:"signals"`
}

// ByFingerprint returns fingerprint groups sorted by recurrence descending.
func (d *Detector) ByFingerprint() []FingerprintGroup {
	d.mu.Lock()
	defer d.mu.Unlock()
	var groups []FingerprintGroup
	for key, rec := range d.byFp {
		g := FingerprintGroup{Key: key, Recurrence: len(rec.seen)}
		if sig, ok := d.signals[rec.canonical]; ok {
			g.Signals = append(g.Signals, *sig)
		}
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Recurrence != groups[j].Recurrence {
			return groups[i].Recurrence > groups[j].Recurrence
		}
		return groups[i].Key < groups[j].Key
	})
	return groups
}
