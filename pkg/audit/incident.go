// Package audit records incidents: every fault a component could not
// recover from lands in the incidents log, and fatal kinds freeze the
// affected artifact until an operator intervenes.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/logstore"
)

// Incident is one structured failure record. Incidents are append-only;
// resolution happens through patches, never by editing the record.
type Incident struct {
	ID         string         `json:"id"`
	Tenant     string         `json:"tenant"`
	NodeID     string         `json:"node_id"`
	Component  string         `json:"component"`
	Kind       fault.Kind     `json:"kind"`
	Detail     string         `json:"detail"`
	Fatal      bool           `json:"fatal"`
	OccurredAt time.Time      `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Recorder appends incidents.
type Recorder interface {
	Record(ctx context.Context, component string, err error, metadata map[string]any) (*Incident, error)
}

// Logger writes incidents to the tenant's incidents log and mirrors them to
// slog. Fatal kinds log at Error, the rest at Warn.
type Logger struct {
	tenant string
	nodeID string
	log    *logstore.Log
	slog   *slog.Logger
	clock  func() time.Time
}

// NewLogger opens the incidents log for a node.
func NewLogger(store *logstore.Store, tenant, nodeID string) (*Logger, error) {
	log, err := store.Log(tenant, nodeID, logstore.KindIncidents)
	if err != nil {
		return nil, err
	}
	return &Logger{
		tenant: tenant,
		nodeID: nodeID,
		log:    log,
		slog:   slog.Default().With("component", "audit"),
		clock:  time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic tests.
func (l *Logger) WithClock(clock func() time.Time) *Logger {
	l.clock = clock
	return l
}

// Record appends one incident derived from err.
func (l *Logger) Record(ctx context.Context, component string, err error, metadata map[string]any) (*Incident, error) {
	kind := fault.KindOf(err)
	if kind == "" {
		kind = fault.KindCorrupt
	}
	inc := &Incident{
		ID:         "INC-" + uuid.NewString()[:8],
		Tenant:     l.tenant,
		NodeID:     l.nodeID,
		Component:  component,
		Kind:       kind,
		Detail:     err.Error(),
		Fatal:      fault.Fatal(kind),
		OccurredAt: l.clock().UTC(),
		Metadata:   metadata,
	}
	if appendErr := l.log.Append(inc); appendErr != nil {
		return nil, appendErr
	}

	level := slog.LevelWarn
	if inc.Fatal {
		level = slog.LevelError
	}
	l.slog.Log(ctx, level, "incident recorded",
		"incident", inc.ID, "kind", string(inc.Kind), "component", component, "fatal", inc.Fatal)
	return inc, nil
}

// Incidents replays the incidents log.
func (l *Logger) Incidents() ([]Incident, error) {
	it, err := l.log.Scan(0)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []Incident
	for it.Next() {
		var inc Incident
		if err := it.Decode(&inc); err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, it.Err()
}
