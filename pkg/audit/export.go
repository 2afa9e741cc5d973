package audit

import (
	"errors"
	"time"

	"github.com/credmesh/credmesh/pkg/canonicalize"
)

var (
	// ErrEmptyTenantID is returned when the tenant id is empty.
	ErrEmptyTenantID = errors.New("audit: tenant_id must not be empty")
	// ErrInvalidTimeRange is returned when start is not before end.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
)

// EvidencePack is an exported, checksummed slice of the incident history for
// a review window.
type EvidencePack struct {
	Tenant      string     `json:"tenant"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
	GeneratedAt time.Time  `json:"generated_at"`
	Checksum    string     `json:"checksum"`
	Incidents   []Incident `json:"incidents"`
}

// Export filters the incident log to [start, end) and seals the slice with a
// canonical checksum.
func (l *Logger) Export(start, end time.Time) (*EvidencePack, error) {
	if l.tenant == "" {
		return nil, ErrEmptyTenantID
	}
	if !start.Before(end) {
		return nil, ErrInvalidTimeRange
	}
	all, err := l.Incidents()
	if err != nil {
		return nil, err
	}

	pack := &EvidencePack{
		Tenant:      l.tenant,
		StartTime:   start.UTC(),
		EndTime:     end.UTC(),
		GeneratedAt: l.clock().UTC(),
		Incidents:   []Incident{},
	}
	for _, inc := range all {
		if !inc.OccurredAt.Before(start) && inc.OccurredAt.Before(end) {
			pack.Incidents = append(pack.Incidents, inc)
		}
	}
	sum, err := canonicalize.HashCanonical(pack.Incidents)
	if err != nil {
		return nil, err
	}
	pack.Checksum = sum
	return pack, nil
}
