// Package mesh implements the signed envelope pipeline: Edge nodes sign
// envelopes from local events, Validators verify them, Aggregators fold
// accepted envelopes into per-claim snapshots, and Seal Authorities chain
// seals over those snapshots. Roles are capability sets, not a hierarchy:
// one node may hold any combination.
package mesh

import (
	"time"

	"github.com/credmesh/credmesh/pkg/crypto"
	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/logstore"
	"github.com/credmesh/credmesh/pkg/observability"
)

// Role is one mesh capability.
type Role string

const (
	RoleEdge          Role = "edge"
	RoleValidator     Role = "validator"
	RoleAggregator    Role = "aggregator"
	RoleSealAuthority Role = "seal_authority"
)

func validRole(r Role) bool {
	switch r {
	case RoleEdge, RoleValidator, RoleAggregator, RoleSealAuthority:
		return true
	}
	return false
}

// Node is one mesh participant: an identity, a region, a correlation group
// and the set of roles it holds.
type Node struct {
	Tenant           string          `json:"tenant"`
	NodeID           string          `json:"node_id"`
	Region           string          `json:"region"`
	CorrelationGroup string          `json:"correlation_group"`
	Roles            map[Role]bool   `json:"roles"`
	Keys             *crypto.KeyRing `json:"-"`
	Store            *logstore.Store `json:"-"`
	clock            func() time.Time
	metrics          *observability.Provider
}

// NewNode builds a node holding the given roles.
func NewNode(tenant, nodeID, region, group string, keys *crypto.KeyRing, store *logstore.Store, roles ...Role) (*Node, error) {
	if tenant == "" || nodeID == "" {
		return nil, fault.Field("node_id", "tenant and node_id are required")
	}
	n := &Node{
		Tenant:           tenant,
		NodeID:           nodeID,
		Region:           region,
		CorrelationGroup: group,
		Roles:            make(map[Role]bool, len(roles)),
		Keys:             keys,
		Store:            store,
		clock:            time.Now,
	}
	for _, r := range roles {
		if !validRole(r) {
			return nil, fault.Field("roles", "unknown role "+string(r))
		}
		n.Roles[r] = true
	}
	return n, nil
}

// WithClock overrides the clock for deterministic tests.
func (n *Node) WithClock(clock func() time.Time) *Node {
	n.clock = clock
	return n
}

// WithMetrics wires the node's operations into the metrics provider.
func (n *Node) WithMetrics(p *observability.Provider) *Node {
	n.metrics = p
	return n
}

// Has reports whether the node holds a role.
func (n *Node) Has(r Role) bool { return n.Roles[r] }

func (n *Node) log(kind logstore.Kind) (*logstore.Log, error) {
	return n.Store.Log(n.Tenant, n.NodeID, kind)
}
