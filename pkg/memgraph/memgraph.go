// Package memgraph is the governance memory: a typed in-memory graph of
// episodes, decision log records, reasoning summaries, drift signals, patches
// and claims, with an append-only NDJSON backing store. Nodes and edges live
// in arenas indexed by ID; nothing holds a direct pointer to anything else,
// so additive history (supersede, patch) never invalidates references.
package memgraph

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/logstore"
)

// NodeType is the closed set of memory node variants.
type NodeType string

const (
	NodeEpisode  NodeType = "EPISODE"
	NodeAction   NodeType = "ACTION"
	NodeDrift    NodeType = "DRIFT"
	NodePatch    NodeType = "PATCH"
	NodeClaim    NodeType = "CLAIM"
	NodeEvidence NodeType = "EVIDENCE"

	// Extensions beyond the core kinds: decision log records, reasoning
	// summaries and recalled entities get their own node types.
	NodeDLR    NodeType = "DLR"
	NodeRS     NodeType = "RS"
	NodeEntity NodeType = "ENTITY"
)

// EdgeType is the closed set of memory edge variants.
type EdgeType string

const (
	EdgeProduced         EdgeType = "PRODUCED"
	EdgeTriggered        EdgeType = "TRIGGERED"
	EdgeResolvedBy       EdgeType = "RESOLVED_BY"
	EdgeEvidenceOf       EdgeType = "EVIDENCE_OF"
	EdgeRecurrence       EdgeType = "RECURRENCE"
	EdgeCaused           EdgeType = "CAUSED"
	EdgeClaimSupports    EdgeType = "CLAIM_SUPPORTS"
	EdgeClaimContradicts EdgeType = "CLAIM_CONTRADICTS"
	EdgeSupersedes       EdgeType = "SUPERSEDES"

	// Extensions: loose citation and agreement edges for recall queries.
	EdgeReferences EdgeType = "REFERENCES"
	EdgeSupports   EdgeType = "SUPPORTS"
)

func validNodeType(t NodeType) bool {
	switch t {
	case NodeEpisode, NodeAction, NodeDrift, NodePatch, NodeClaim, NodeEvidence,
		NodeDLR, NodeRS, NodeEntity:
		return true
	}
	return false
}

func validEdgeType(t EdgeType) bool {
	switch t {
	case EdgeProduced, EdgeTriggered, EdgeResolvedBy, EdgeEvidenceOf, EdgeRecurrence,
		EdgeCaused, EdgeClaimSupports, EdgeClaimContradicts, EdgeSupersedes,
		EdgeReferences, EdgeSupports:
		return true
	}
	return false
}

// Node is one memory record.
type Node struct {
	ID        string         `json:"id"`
	Type      NodeType       `json:"type"`
	Entities  []string       `json:"entities,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Edge is one typed directed relation between two nodes.
type Edge struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Type      EdgeType  `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Graph is the arena pair plus adjacency indexes. All reads go through
// Snapshot or the query methods, which copy; callers never see arena
// pointers.
type Graph struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	edges    map[string]*Edge
	outbound map[string][]string // node id -> edge ids
	inbound  map[string][]string
	clock    func() time.Time

	nodeLog *logstore.Log
	edgeLog *logstore.Log
}

// NewGraph creates an empty, unbacked graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:    make(map[string]*Node),
		edges:    make(map[string]*Edge),
		outbound: make(map[string][]string),
		inbound:  make(map[string][]string),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (g *Graph) WithClock(clock func() time.Time) *Graph {
	g.clock = clock
	return g
}

// WithBacking attaches append-only NDJSON logs for nodes and edges. Every
// accepted node and edge is appended; Load replays them.
func (g *Graph) WithBacking(store *logstore.Store, tenant, node string) (*Graph, error) {
	nl, err := store.Log(tenant, node, logstore.KindGraphNodes)
	if err != nil {
		return nil, err
	}
	el, err := store.Log(tenant, node, logstore.KindGraphEdges)
	if err != nil {
		return nil, err
	}
	g.nodeLog = nl
	g.edgeLog = el
	return g, nil
}

// Load replays the backing logs into the arenas.
func (g *Graph) Load() error {
	if g.nodeLog == nil {
		return nil
	}
	it, err := g.nodeLog.Scan(0)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		var n Node
		if err := it.Decode(&n); err != nil {
			return err
		}
		if err := g.addNodeLocked(&n, false); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	eit, err := g.edgeLog.Scan(0)
	if err != nil {
		return err
	}
	defer eit.Close()
	for eit.Next() {
		var e Edge
		if err := eit.Decode(&e); err != nil {
			return err
		}
		if err := g.addEdgeLocked(&e, false); err != nil {
			return err
		}
	}
	return eit.Err()
}

// AddNode inserts a node. IDs are stable and never reused; re-adding an
// existing ID is a fault, memory is append-only.
func (g *Graph) AddNode(n Node) (Node, error) {
	if n.ID == "" {
		n.ID = string(n.Type) + "-" + uuid.NewString()[:8]
	}
	if !validNodeType(n.Type) {
		return Node{}, fault.Field("type", "unknown node type "+string(n.Type))
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = g.clock().UTC()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.addNodeLocked(&n, true); err != nil {
		return Node{}, err
	}
	return n, nil
}

func (g *Graph) addNodeLocked(n *Node, persist bool) error {
	if _, exists := g.nodes[n.ID]; exists {
		return fault.Field("id", "node "+n.ID+" already exists; memory is append-only")
	}
	stored := *n
	g.nodes[n.ID] = &stored
	if persist && g.nodeLog != nil {
		return g.nodeLog.Append(stored)
	}
	return nil
}

// AddEdge inserts a typed edge between two existing nodes.
func (g *Graph) AddEdge(from, to string, typ EdgeType) (Edge, error) {
	if !validEdgeType(typ) {
		return Edge{}, fault.Field("type", "unknown edge type "+string(typ))
	}
	e := Edge{
		ID:        "E-" + uuid.NewString()[:8],
		From:      from,
		To:        to,
		Type:      typ,
		CreatedAt: g.clock().UTC(),
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.addEdgeLocked(&e, true); err != nil {
		return Edge{}, err
	}
	return e, nil
}

func (g *Graph) addEdgeLocked(e *Edge, persist bool) error {
	if _, ok := g.nodes[e.From]; !ok {
		return fault.Field("from", "edge source "+e.From+" not found")
	}
	if _, ok := g.nodes[e.To]; !ok {
		return fault.Field("to", "edge target "+e.To+" not found")
	}
	stored := *e
	g.edges[e.ID] = &stored
	g.outbound[e.From] = append(g.outbound[e.From], e.ID)
	g.inbound[e.To] = append(g.inbound[e.To], e.ID)
	if persist && g.edgeLog != nil {
		return g.edgeLog.Append(stored)
	}
	return nil
}

// Node returns a copy of a node.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// NodesByType returns copies of all nodes of a type, oldest first.
func (g *Graph) NodesByType(t NodeType) []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Node
	for _, n := range g.nodes {
		if n.Type == t {
			out = append(out, *n)
		}
	}
	sortNodes(out)
	return out
}

// Inbound returns copies of the edges pointing at a node.
func (g *Graph) Inbound(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.collectLocked(g.inbound[id])
}

// Outbound returns copies of the edges leaving a node.
func (g *Graph) Outbound(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.collectLocked(g.outbound[id])
}

func (g *Graph) collectLocked(ids []string) []Edge {
	var out []Edge
	for _, id := range ids {
		if e, ok := g.edges[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Snapshot is a point-in-time copy of the whole graph.
type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
	At    time.Time
}

// Snapshot copies the arenas. Queries that need consistency across multiple
// lookups run against a snapshot, not the live graph.
func (g *Graph) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	snap := Snapshot{At: g.clock().UTC()}
	for _, n := range g.nodes {
		snap.Nodes = append(snap.Nodes, *n)
	}
	for _, e := range g.edges {
		snap.Edges = append(snap.Edges, *e)
	}
	sortNodes(snap.Nodes)
	sort.Slice(snap.Edges, func(i, j int) bool {
		if !snap.Edges[i].CreatedAt.Equal(snap.Edges[j].CreatedAt) {
			return snap.Edges[i].CreatedAt.Before(snap.Edges[j].CreatedAt)
		}
		return snap.Edges[i].ID < snap.Edges[j].ID
	})
	return snap
}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
}
