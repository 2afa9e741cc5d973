package lattice

// Thresholds are the status-light cut lines. Policy packs may override the
// numbers per decision type, never the structural rule: an unresolved
// contradiction forces at most yellow.
type Thresholds struct {
	Green  float64 `json:"green" yaml:"green"`
	Yellow float64 `json:"yellow" yaml:"yellow"`
}

// DefaultThresholds per the recorded status-light policy: green at 0.80.
func DefaultThresholds() Thresholds {
	return Thresholds{Green: 0.80, Yellow: 0.50}
}

// deriveStatusLightLocked applies the status-light rules:
//
//	green  iff confidence >= green AND >=1 high-reliability source AND no
//	       unresolved contradiction
//	yellow iff yellow <= confidence < green OR sources of mixed reliability
//	red    iff confidence < yellow OR any unresolved contradiction is red-level
//
// Contradictions are structural: they can only be cleared by superseding one
// side, and while unresolved the light never improves past yellow.
func (l *Lattice) deriveStatusLightLocked(c *Claim, th Thresholds) StatusLight {
	if c.Confidence.Score < th.Yellow {
		return LightRed
	}

	contradicted := l.hasUnresolvedContradictionLocked(c)

	hasHigh := false
	mixed := false
	var first Reliability
	for i, sid := range c.Sources {
		src, ok := l.sources[sid]
		if !ok {
			continue
		}
		r := src.Reliability()
		if r == ReliabilityHigh {
			hasHigh = true
		}
		if i == 0 {
			first = r
		} else if r != first {
			mixed = true
		}
	}

	if contradicted {
		// Monotonic under contradiction: never green.
		if c.Confidence.Score < th.Yellow {
			return LightRed
		}
		return LightYellow
	}

	if c.Confidence.Score >= th.Green && hasHigh && !mixed {
		return LightGreen
	}
	return LightYellow
}

// hasUnresolvedContradictionLocked reports whether any contradiction edge
// points at a claim that is still current (not superseded).
func (l *Lattice) hasUnresolvedContradictionLocked(c *Claim) bool {
	for _, other := range c.Graph.Contradicts {
		oc, ok := l.claims[other]
		if !ok {
			continue
		}
		if !l.supersededLocked(oc.ClaimID) && !l.supersededLocked(c.ClaimID) {
			return true
		}
	}
	return false
}

func (l *Lattice) supersededLocked(claimID string) bool {
	_, ok := l.supersededBy[claimID]
	return ok
}
