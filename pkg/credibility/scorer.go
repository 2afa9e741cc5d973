package credibility

import (
	"math"
	"time"

	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/lattice"
)

// Band is the named range a score falls into.
type Band string

const (
	BandStable       Band = "Stable"
	BandMinorDrift   Band = "Minor Drift"
	BandElevatedRisk Band = "Elevated Risk"
	BandStructural   Band = "Structural Degradation"
	BandCompromised  Band = "Compromised"
)

// BandFor maps a score to its band.
func BandFor(score float64) Band {
	switch {
	case score >= 95:
		return BandStable
	case score >= 85:
		return BandMinorDrift
	case score >= 70:
		return BandElevatedRisk
	case score >= 50:
		return BandStructural
	default:
		return BandCompromised
	}
}

// GradeFor maps a score to a letter grade.
func GradeFor(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

// DriftInput is the scorer's view of one drift signal. The drift detector
// owns the full signal; the scorer only needs type, severity and whether the
// signal is still active.
type DriftInput struct {
	DriftID    string `json:"drift_id"`
	Type       string `json:"drift_type"`
	Severity   string `json:"severity"`
	Resolved   bool   `json:"resolved"`
	Tier0      bool   `json:"tier0"`
	Dependents int    `json:"dependents"`
}

// Components is the per-signal breakdown embedded in every snapshot so a
// score can be explained, not just read.
type Components struct {
	Integrity         float64 `json:"integrity"`
	DriftPenalty      float64 `json:"drift_penalty"`
	CorrelationRisk   float64 `json:"correlation_risk"`
	MarginCompression float64 `json:"margin_compression"`
	TTLExpiration     float64 `json:"ttl_expiration"`
	ConfirmationBonus float64 `json:"confirmation_bonus"`
}

// Snapshot is one computed credibility index.
type Snapshot struct {
	Tenant        string     `json:"tenant"`
	At            time.Time  `json:"at"`
	Score         float64    `json:"score"`
	Band          Band       `json:"band"`
	Grade         string     `json:"grade"`
	PolicyHash    string     `json:"policy_hash"`
	Components    Components `json:"components"`
	ClaimCount    int        `json:"claim_count"`
	ActiveDrift   int        `json:"active_drift"`
	DriftResolved bool       `json:"drift_resolved"`
}

// Scorer computes credibility snapshots over a lattice.
type Scorer struct {
	lat        *lattice.Lattice
	policy     Policy
	policyHash string
}

// NewScorer binds a scorer to a lattice and policy. The policy hash is fixed
// at construction; swapping policies means building a new scorer.
func NewScorer(lat *lattice.Lattice, policy Policy) (*Scorer, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}
	hash, err := policy.Hash()
	if err != nil {
		return nil, err
	}
	return &Scorer{lat: lat, policy: policy, policyHash: hash}, nil
}

// PolicyHash returns the canonical hash of the bound policy.
func (s *Scorer) PolicyHash() string { return s.policyHash }

// Score computes the index for a tenant at the given instant over the current
// lattice snapshot plus the drift set.
func (s *Scorer) Score(tenant string, at time.Time, drift []DriftInput) (Snapshot, error) {
	if tenant == "" {
		return Snapshot{}, fault.Field("tenant", "tenant is required")
	}
	claims := s.lat.CurrentClaims()

	comp := Components{
		Integrity:         s.integrity(claims),
		DriftPenalty:      s.driftPenalty(drift),
		CorrelationRisk:   s.correlationRisk(claims),
		MarginCompression: s.marginCompression(claims, at),
		TTLExpiration:     s.ttlExpiration(claims, at),
		ConfirmationBonus: s.confirmationBonus(claims),
	}

	score := comp.Integrity -
		comp.DriftPenalty -
		comp.CorrelationRisk -
		comp.MarginCompression -
		comp.TTLExpiration +
		comp.ConfirmationBonus
	score = round2(math.Min(100, math.Max(0, score)))

	active := 0
	resolved := 0
	for _, d := range drift {
		if d.Resolved {
			resolved++
		} else {
			active++
		}
	}

	return Snapshot{
		Tenant:        tenant,
		At:            at.UTC(),
		Score:         score,
		Band:          BandFor(score),
		Grade:         GradeFor(score),
		PolicyHash:    s.policyHash,
		Components:    comp,
		ClaimCount:    len(claims),
		ActiveDrift:   active,
		DriftResolved: active == 0 && resolved > 0,
	}, nil
}

// integrity is the tier-weighted fraction of claims at or above the
// confidence threshold, scaled to 0-100.
func (s *Scorer) integrity(claims []lattice.Claim) float64 {
	if len(claims) == 0 {
		return 0
	}
	var okWeight, totalWeight float64
	for _, c := range claims {
		w, found := s.policy.TierWeights[c.Tier]
		if !found {
			w = 1.0
		}
		totalWeight += w
		if c.Confidence.Score >= s.policy.ConfidenceThreshold {
			okWeight += w
		}
	}
	if totalWeight == 0 {
		return 0
	}
	return round2(100 * okWeight / totalWeight)
}

// driftPenalty sums severity weights over active signals. Bypass-class drift
// carries an authority surcharge; Tier-0 impact cascades through dependents.
func (s *Scorer) driftPenalty(drift []DriftInput) float64 {
	var penalty float64
	for _, d := range drift {
		if d.Resolved {
			continue
		}
		w := s.policy.SeverityWeights[d.Severity]
		w += s.policy.AuthoritySurcharges[d.Type]
		if d.Tier0 && d.Dependents > 0 {
			w *= s.policy.Tier0Cascade
		}
		penalty += w
	}
	return round2(penalty)
}

// correlationRisk is a nonlinear penalty on source fan-out and regional
// concentration above the cap. Below the cap the penalty is zero; above it
// the penalty grows with the square of the excess.
func (s *Scorer) correlationRisk(claims []lattice.Claim) float64 {
	if len(claims) == 0 {
		return 0
	}
	fanout := make(map[string]int)
	regionLoad := make(map[string]int)
	for _, c := range claims {
		for _, src := range c.Sources {
			fanout[src]++
		}
		regionLoad[c.Scope.Region]++
	}

	total := float64(len(claims))
	var maxFanout, maxRegion float64
	for _, n := range fanout {
		if f := float64(n) / total; f > maxFanout {
			maxFanout = f
		}
	}
	for _, n := range regionLoad {
		if f := float64(n) / total; f > maxRegion {
			maxRegion = f
		}
	}

	excess := func(share float64) float64 {
		over := share - s.policy.ConcentrationCap
		if over <= 0 {
			return 0
		}
		return over * over
	}
	return round2(s.policy.CorrelationWeight * (excess(maxFanout) + excess(maxRegion)))
}

// marginCompression penalizes claims whose quorum margin N-K is inside the
// grace band. Margin zero is severe: the claim holds by exactly its minimum.
func (s *Scorer) marginCompression(claims []lattice.Claim, at time.Time) float64 {
	grace := float64(s.policy.MarginGrace)
	if grace <= 0 {
		return 0
	}
	var penalty float64
	for _, c := range claims {
		eval, err := s.lat.Evaluate(c.ClaimID, at)
		if err != nil || eval.State != lattice.QuorumOK {
			continue
		}
		margin := float64(eval.EffectiveAgree - eval.Requirement.Required)
		if margin >= grace {
			continue
		}
		penalty += s.policy.MarginWeight * (grace - margin) / grace
	}
	return round2(penalty)
}

// ttlExpiration charges for claims past expiry, proportional to how far past.
func (s *Scorer) ttlExpiration(claims []lattice.Claim, at time.Time) float64 {
	var penalty float64
	for _, c := range claims {
		if c.HalfLife.Perpetual() || c.HalfLife.ExpiresAt == nil {
			continue
		}
		if at.After(*c.HalfLife.ExpiresAt) {
			hoursPast := at.Sub(*c.HalfLife.ExpiresAt).Hours()
			penalty += s.policy.TTLWeight * (1 + hoursPast)
		}
	}
	return round2(penalty)
}

// confirmationBonus rewards claims confirmed by at least three sources across
// independent correlation groups.
func (s *Scorer) confirmationBonus(claims []lattice.Claim) float64 {
	var bonus float64
	for _, c := range claims {
		if len(c.Sources) < 3 {
			continue
		}
		groups := make(map[string]bool)
		for _, sid := range c.Sources {
			if src, ok := s.lat.Source(sid); ok {
				groups[src.CorrelationGroup] = true
			}
		}
		switch {
		case len(groups) >= 3:
			bonus += s.policy.BonusThreeGroups
		case len(groups) >= 2:
			bonus += s.policy.BonusTwoGroups
		}
	}
	return round2(bonus)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
