package lattice

import (
	"time"

	"github.com/credmesh/credmesh/pkg/fault"
)

// EvidenceStatus is the observed state an evidence node reports.
type EvidenceStatus string

const (
	EvidenceOK          EvidenceStatus = "OK"
	EvidenceDegraded    EvidenceStatus = "DEGRADED"
	EvidenceUnknown     EvidenceStatus = "UNKNOWN"
	EvidenceFailed      EvidenceStatus = "FAILED"
	EvidenceMaintenance EvidenceStatus = "MAINTENANCE"
)

// EvidenceMode distinguishes direct observation from derived values.
type EvidenceMode string

const (
	ModeDirect  EvidenceMode = "direct"
	ModeDerived EvidenceMode = "derived"
)

// Evidence is a single observation attached to a claim.
type Evidence struct {
	ElementID        string         `json:"element_id"`
	Status           EvidenceStatus `json:"status"`
	Tier             int            `json:"tier"`
	EventTime        time.Time      `json:"event_time"`
	IngestTime       time.Time      `json:"ingest_time"`
	TTL              time.Duration  `json:"ttl_ns"`
	SourceID         string         `json:"source_id"`
	Confidence       float64        `json:"confidence"`
	Signature        string         `json:"signature,omitempty"`
	CorrelationGroup string         `json:"correlation_group"`
	Mode             EvidenceMode   `json:"mode"`
	Domain           string         `json:"domain,omitempty"`
	Quarantined      bool           `json:"quarantined,omitempty"`
}

// DefaultTTL returns the per-tier evidence TTL default.
func DefaultTTL(tier int) time.Duration {
	switch tier {
	case 0:
		return 30 * time.Minute
	case 1:
		return 24 * time.Hour
	case 2:
		return 7 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// Expired reports whether the evidence TTL has lapsed at now.
func (e *Evidence) Expired(now time.Time) bool {
	return now.After(e.IngestTime.Add(e.TTL))
}

func (e *Evidence) validate() error {
	if e.ElementID == "" {
		return fault.Field("element_id", "element_id is required")
	}
	switch e.Status {
	case EvidenceOK, EvidenceDegraded, EvidenceUnknown, EvidenceFailed, EvidenceMaintenance:
	default:
		return fault.Field("status", "unknown evidence status "+string(e.Status))
	}
	if e.EventTime.After(e.IngestTime) {
		return fault.Field("event_time", "event_time must not exceed ingest_time")
	}
	if e.TTL <= 0 {
		return fault.Field("ttl", "ttl must be positive; evidence is never immortal")
	}
	if e.SourceID == "" {
		return fault.Field("source_id", "source_id is required")
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fault.Field("confidence", "confidence must be in [0,1]")
	}
	switch e.Mode {
	case ModeDirect, ModeDerived:
	default:
		return fault.Field("mode", "mode must be direct or derived")
	}
	return nil
}
