// Package transport replicates mesh logs between peers over HTTP. Peers are
// identified by SPIFFE-style IDs and authenticated by pinned certificate
// fingerprints; a health tracker demotes unresponsive peers before the
// clients stop trying them.
package transport

import (
	"sort"
	"sync"
)

// PeerState is the replicator's view of a peer's liveness.
type PeerState string

const (
	PeerOnline  PeerState = "ONLINE"
	PeerSuspect PeerState = "SUSPECT"
	PeerOffline PeerState = "OFFLINE"
)

// Peer is one replication target.
type Peer struct {
	NodeID         string `json:"node_id"`
	Tenant         string `json:"tenant"`
	URL            string `json:"url"`
	SPIFFEID       string `json:"spiffe_id"`
	TLSFingerprint string `json:"tls_fingerprint,omitempty"`
}

// HealthConfig tunes the ONLINE -> SUSPECT -> OFFLINE state machine.
type HealthConfig struct {
	SuspectAfterFailures int `json:"suspect_after_failures"`
	OfflineAfterFailures int `json:"offline_after_failures"`
	RecoverySuccesses    int `json:"recovery_successes"`
}

// DefaultHealthConfig mirrors the replication defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{SuspectAfterFailures: 3, OfflineAfterFailures: 6, RecoverySuccesses: 2}
}

type peerHealth struct {
	state     PeerState
	failures  int
	successes int
}

// HealthTracker tracks consecutive failures and successes per peer. A peer
// goes SUSPECT after suspect_after_failures consecutive failures, OFFLINE
// after offline_after_failures, and returns ONLINE only after
// recovery_successes consecutive successes.
type HealthTracker struct {
	mu    sync.Mutex
	cfg   HealthConfig
	peers map[string]*peerHealth
}

// NewHealthTracker creates a tracker; zero config fields take defaults.
func NewHealthTracker(cfg HealthConfig) *HealthTracker {
	def := DefaultHealthConfig()
	if cfg.SuspectAfterFailures <= 0 {
		cfg.SuspectAfterFailures = def.SuspectAfterFailures
	}
	if cfg.OfflineAfterFailures <= cfg.SuspectAfterFailures {
		cfg.OfflineAfterFailures = cfg.SuspectAfterFailures + def.OfflineAfterFailures - def.SuspectAfterFailures
	}
	if cfg.RecoverySuccesses <= 0 {
		cfg.RecoverySuccesses = def.RecoverySuccesses
	}
	return &HealthTracker{cfg: cfg, peers: make(map[string]*peerHealth)}
}

func (t *HealthTracker) peer(nodeID string) *peerHealth {
	p := t.peers[nodeID]
	if p == nil {
		p = &peerHealth{state: PeerOnline}
		t.peers[nodeID] = p
	}
	return p
}

// Failure records one failed exchange and returns the resulting state.
func (t *HealthTracker) Failure(nodeID string) PeerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.peer(nodeID)
	p.successes = 0
	p.failures++
	switch {
	case p.failures >= t.cfg.OfflineAfterFailures:
		p.state = PeerOffline
	case p.failures >= t.cfg.SuspectAfterFailures:
		p.state = PeerSuspect
	}
	return p.state
}

// Success records one successful exchange and returns the resulting state.
// A single success does not clear SUSPECT or OFFLINE; recovery takes
// recovery_successes in a row.
func (t *HealthTracker) Success(nodeID string) PeerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.peer(nodeID)
	p.failures = 0
	if p.state == PeerOnline {
		return p.state
	}
	p.successes++
	if p.successes >= t.cfg.RecoverySuccesses {
		p.state = PeerOnline
		p.successes = 0
	}
	return p.state
}

// State returns the tracked state; unknown peers are ONLINE.
func (t *HealthTracker) State(nodeID string) PeerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peer(nodeID).state
}

// Topology is the set of known peers plus their tracked health.
type Topology struct {
	mu      sync.RWMutex
	peers   map[string]Peer
	tracker *HealthTracker
}

// NewTopology builds a topology over a health tracker.
func NewTopology(tracker *HealthTracker, peers ...Peer) *Topology {
	t := &Topology{peers: make(map[string]Peer, len(peers)), tracker: tracker}
	for _, p := range peers {
		t.peers[p.NodeID] = p
	}
	return t
}

// Add registers or replaces a peer.
func (t *Topology) Add(p Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[p.NodeID] = p
}

// Tracker exposes the health tracker.
func (t *Topology) Tracker() *HealthTracker { return t.tracker }

// PeerStatus is one row of the topology view.
type PeerStatus struct {
	Peer
	State PeerState `json:"state"`
}

// Snapshot lists peers with their current state, sorted by node id.
func (t *Topology) Snapshot() []PeerStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerStatus, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, PeerStatus{Peer: p, State: t.tracker.State(p.NodeID)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Live returns peers that are not OFFLINE, sorted by node id.
func (t *Topology) Live() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		if t.tracker.State(p.NodeID) != PeerOffline {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
