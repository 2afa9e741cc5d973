package lattice

import (
	"math"
	"time"
)

// QuorumRequirement is the K-of-N contract a claim must meet to stay OK.
type QuorumRequirement struct {
	MinSources   int  `json:"n_min"`
	Required     int  `json:"k"`
	MinGroups    int  `json:"min_correlation_groups"`
	RequireTier0 bool `json:"requires_tier0"`
}

// DefaultQuorumForTier returns the per-tier quorum defaults.
func DefaultQuorumForTier(tier int) QuorumRequirement {
	switch tier {
	case 0:
		return QuorumRequirement{MinSources: 4, Required: 3, MinGroups: 2, RequireTier0: true}
	case 1:
		return QuorumRequirement{MinSources: 3, Required: 2, MinGroups: 2}
	default:
		return QuorumRequirement{MinSources: 2, Required: 1, MinGroups: 1}
	}
}

// maxRegionShare caps how much quorum authority a single region may carry.
const maxRegionShare = 0.40

// QuorumEvaluation is the outcome of evaluating one claim's support.
type QuorumEvaluation struct {
	ClaimID         string      `json:"claim_id"`
	State           QuorumState `json:"state"`
	AgreeingSources int         `json:"agreeing_sources"`
	EffectiveAgree  int         `json:"effective_agreeing"`
	DistinctGroups  int         `json:"distinct_groups"`
	HasTier0        bool        `json:"has_tier0"`
	Requirement     QuorumRequirement
	Reason          string `json:"reason,omitempty"`
}

// evaluateQuorum derives the honest quorum state from currently usable
// evidence. Sources sharing a correlation group count once toward groups;
// regional contributions above the 40% cap are clipped before comparing to K.
func (l *Lattice) evaluateQuorumLocked(c *Claim, at time.Time) QuorumEvaluation {
	req := DefaultQuorumForTier(c.Tier)
	eval := QuorumEvaluation{ClaimID: c.ClaimID, Requirement: req}

	agreeing := make(map[string]*Source)
	for _, evID := range c.Evidence {
		ev, ok := l.evidence[evID]
		if !ok || ev.Quarantined || ev.Expired(at) {
			continue
		}
		if ev.Status != EvidenceOK && ev.Status != EvidenceDegraded {
			continue
		}
		src, ok := l.sources[ev.SourceID]
		if !ok || !src.Usable() {
			continue
		}
		agreeing[src.SourceID] = src
	}

	groups := make(map[string]bool)
	regions := make(map[string]int)
	for _, src := range agreeing {
		groups[src.CorrelationGroup] = true
		regions[src.Region]++
		if src.Tier == 0 {
			eval.HasTier0 = true
		}
	}

	eval.AgreeingSources = len(agreeing)
	eval.DistinctGroups = len(groups)

	// Clip any region above the authority cap.
	capPer := int(math.Ceil(maxRegionShare * float64(len(agreeing))))
	if capPer < 1 {
		capPer = 1
	}
	effective := 0
	for _, n := range regions {
		if n > capPer {
			n = capPer
		}
		effective += n
	}
	eval.EffectiveAgree = effective

	switch {
	case effective < req.Required:
		eval.State = QuorumUnknown
		eval.Reason = "agreeing sources below K"
	case eval.DistinctGroups < req.MinGroups:
		eval.State = QuorumUnknown
		eval.Reason = "distinct correlation groups below minimum"
	case req.RequireTier0 && !eval.HasTier0:
		eval.State = QuorumUnknown
		eval.Reason = "tier-0 confirmation required"
	default:
		eval.State = QuorumOK
	}
	return eval
}
