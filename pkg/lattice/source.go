// Package lattice implements the claim lattice: claims, sub-claims, evidence
// and sources joined by typed edges, with K-of-N quorum over independent
// correlation groups and derived status lights.
//
// The lattice is an arena of nodes and an arena of edges indexed by IDs;
// nodes never hold direct references to each other, which keeps supersede and
// patch additions safe and serialization trivial.
package lattice

import (
	"time"

	"github.com/credmesh/credmesh/pkg/fault"
)

// SourceStatus is the operational state of a source.
type SourceStatus string

const (
	SourceActive      SourceStatus = "active"
	SourceDegraded    SourceStatus = "degraded"
	SourceQuarantined SourceStatus = "quarantined"
	SourceOffline     SourceStatus = "offline"
)

// Reliability grades a source for status-light derivation.
type Reliability string

const (
	ReliabilityHigh   Reliability = "high"
	ReliabilityMedium Reliability = "medium"
	ReliabilityLow    Reliability = "low"
)

// Source feeds evidence into the lattice. A source belongs to exactly one
// correlation group: sources share a group iff they share a common upstream
// dependency.
type Source struct {
	SourceID         string        `json:"source_id"`
	Tier             int           `json:"tier"`
	CorrelationGroup string        `json:"correlation_group"`
	Domains          []string      `json:"domains"`
	EvidenceCount    int           `json:"evidence_count"`
	RefreshCadence   time.Duration `json:"refresh_cadence_ns"`
	Status           SourceStatus  `json:"status"`
	Region           string        `json:"region"`
}

// Reliability derives the reliability grade from the tier.
func (s *Source) Reliability() Reliability {
	switch {
	case s.Tier <= 1:
		return ReliabilityHigh
	case s.Tier == 2:
		return ReliabilityMedium
	default:
		return ReliabilityLow
	}
}

// Usable reports whether the source may currently contribute to quorum.
func (s *Source) Usable() bool {
	return s.Status == SourceActive || s.Status == SourceDegraded
}

func (s *Source) validate() error {
	if s.SourceID == "" {
		return fault.Field("source_id", "source_id is required")
	}
	if s.Tier < 0 || s.Tier > 3 {
		return fault.Field("tier", "tier must be in 0..3")
	}
	if s.CorrelationGroup == "" {
		return fault.Field("correlation_group", "source must belong to exactly one correlation group")
	}
	switch s.Status {
	case SourceActive, SourceDegraded, SourceQuarantined, SourceOffline:
	case "":
		s.Status = SourceActive
	default:
		return fault.Field("status", "unknown source status "+string(s.Status))
	}
	return nil
}
