// Package api serves the credibility query surface. Error responses follow
// RFC 7807 via the problem package and carry the stable fault kind plus a
// correlation id for the incident log.
package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/credmesh/credmesh/pkg/canonicalize"
	"github.com/credmesh/credmesh/pkg/credibility"
	"github.com/credmesh/credmesh/pkg/drift"
	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/lattice"
	"github.com/credmesh/credmesh/pkg/observability"
	"github.com/credmesh/credmesh/pkg/problem"
	"github.com/credmesh/credmesh/pkg/seal"
	"github.com/credmesh/credmesh/pkg/transport"
)

// Server wires the credibility query endpoints over the node's components.
type Server struct {
	tenant   string
	lattice  *lattice.Lattice
	scorer   *credibility.Scorer
	detector *drift.Detector
	topology *transport.Topology
	sealer   *seal.Sealer
	jwtKey   []byte
	clock    func() time.Time
	metrics  *observability.Provider
}

// ServerConfig lists the components the query surface reads.
type ServerConfig struct {
	Tenant   string
	Lattice  *lattice.Lattice
	Scorer   *credibility.Scorer
	Detector *drift.Detector
	Topology *transport.Topology
	Sealer   *seal.Sealer
	JWTKey   []byte
	Clock    func() time.Time
	Metrics  *observability.Provider
}

// NewServer builds the query server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Tenant == "" {
		return nil, fault.Field("tenant", "tenant is required")
	}
	if cfg.Lattice == nil || cfg.Scorer == nil || cfg.Detector == nil {
		return nil, fault.Field("components", "lattice, scorer and detector are required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Server{
		tenant:   cfg.Tenant,
		lattice:  cfg.Lattice,
		scorer:   cfg.Scorer,
		detector: cfg.Detector,
		topology: cfg.Topology,
		sealer:   cfg.Sealer,
		jwtKey:   cfg.JWTKey,
		clock:    clock,
		metrics:  cfg.Metrics,
	}, nil
}

// Routes registers the query endpoints on a mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/{tenant}/credibility/snapshot", s.withTenant(s.handleSnapshot))
	mux.HandleFunc("GET /api/{tenant}/credibility/claims/tier0", s.withTenant(s.handleTier0))
	mux.HandleFunc("GET /api/{tenant}/credibility/drift/24h", s.withTenant(s.handleDrift24h))
	mux.HandleFunc("GET /api/{tenant}/credibility/correlation", s.withTenant(s.handleCorrelation))
	mux.HandleFunc("GET /api/{tenant}/credibility/sync", s.withTenant(s.handleSync))
	mux.HandleFunc("POST /api/{tenant}/credibility/packet/generate",
		s.withTenant(s.requireRole(s.handlePacketGenerate, RoleExec, RoleTruthOwner, RoleDRI, RoleCoherenceSteward)))
	mux.HandleFunc("POST /api/{tenant}/credibility/packet/seal",
		s.withTenant(s.requireRole(s.handlePacketSeal, RoleCoherenceSteward)))
}

// Handler returns a mux with the endpoints mounted behind request-ID
// stamping.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return RequestID(mux)
}

func (s *Server) withTenant(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("tenant") != s.tenant {
			problem.WriteNotFound(w, "unknown tenant")
			return
		}
		next(w, r)
	}
}

func (s *Server) driftInputs() []credibility.DriftInput {
	signals := s.detector.Since(time.Time{})
	inputs := make([]credibility.DriftInput, 0, len(signals))
	for _, sig := range signals {
		inputs = append(inputs, credibility.DriftInput{
			DriftID:  sig.DriftID,
			Type:     string(sig.Type),
			Severity: string(sig.Severity),
			Resolved: sig.Resolved,
		})
	}
	return inputs
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.scorer.Score(s.tenant, s.clock(), s.driftInputs())
	if err != nil {
		problem.WriteFault(w, err)
		return
	}
	s.metrics.RecordScore(r.Context(), s.tenant, snap.Score)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTier0(w http.ResponseWriter, r *http.Request) {
	var tier0 []lattice.Claim
	for _, c := range s.lattice.CurrentClaims() {
		if c.Tier == 0 {
			tier0 = append(tier0, c)
		}
	}
	sort.Slice(tier0, func(i, j int) bool { return tier0[i].ClaimID < tier0[j].ClaimID })
	writeJSON(w, http.StatusOK, map[string]any{"claims": tier0, "count": len(tier0)})
}

func (s *Server) handleDrift24h(w http.ResponseWriter, r *http.Request) {
	since := s.clock().Add(-24 * time.Hour)
	signals := s.detector.Since(since)
	active := 0
	for _, sig := range signals {
		if !sig.Resolved {
			active++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"since":   since.UTC(),
		"signals": signals,
		"active":  active,
	})
}

// correlationGroup summarizes one correlation group's share of the lattice.
type correlationGroup struct {
	Group      string  `json:"group"`
	Sources    int     `json:"sources"`
	ClaimsFed  int     `json:"claims_fed"`
	ClaimShare float64 `json:"claim_share"`
}

func (s *Server) handleCorrelation(w http.ResponseWriter, r *http.Request) {
	claims := s.lattice.CurrentClaims()
	sourceGroups := make(map[string]string)
	groupSources := make(map[string]int)
	for _, src := range s.lattice.Sources() {
		sourceGroups[src.SourceID] = src.CorrelationGroup
		groupSources[src.CorrelationGroup]++
	}

	fed := make(map[string]map[string]bool)
	for _, c := range claims {
		for _, srcID := range c.Sources {
			group, ok := sourceGroups[srcID]
			if !ok {
				continue
			}
			if fed[group] == nil {
				fed[group] = make(map[string]bool)
			}
			fed[group][c.ClaimID] = true
		}
	}

	out := make([]correlationGroup, 0, len(groupSources))
	for group, n := range groupSources {
		row := correlationGroup{Group: group, Sources: n, ClaimsFed: len(fed[group])}
		if len(claims) > 0 {
			row.ClaimShare = float64(row.ClaimsFed) / float64(len(claims))
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	writeJSON(w, http.StatusOK, map[string]any{"groups": out, "claims": len(claims)})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.topology == nil {
		writeJSON(w, http.StatusOK, map[string]any{"peers": []transport.PeerStatus{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": s.topology.Snapshot()})
}

// BriefingPacket is the exec-facing credibility packet: the score snapshot,
// the tier-0 claims behind it and the last day of drift.
type BriefingPacket struct {
	Tenant      string               `json:"tenant"`
	GeneratedAt time.Time            `json:"generated_at"`
	Snapshot    credibility.Snapshot `json:"snapshot"`
	Tier0       []lattice.Claim      `json:"tier0_claims"`
	Drift24h    []drift.Signal       `json:"drift_24h"`
	PacketHash  string               `json:"packet_hash"`
}

func (s *Server) generatePacket() (*BriefingPacket, error) {
	now := s.clock()
	snap, err := s.scorer.Score(s.tenant, now, s.driftInputs())
	if err != nil {
		return nil, err
	}
	pkt := &BriefingPacket{
		Tenant:      s.tenant,
		GeneratedAt: now.UTC(),
		Snapshot:    snap,
		Tier0:       []lattice.Claim{},
		Drift24h:    s.detector.Since(now.Add(-24 * time.Hour)),
	}
	for _, c := range s.lattice.CurrentClaims() {
		if c.Tier == 0 {
			pkt.Tier0 = append(pkt.Tier0, c)
		}
	}
	sort.Slice(pkt.Tier0, func(i, j int) bool { return pkt.Tier0[i].ClaimID < pkt.Tier0[j].ClaimID })

	hash, err := canonicalize.HashEmbedded(pkt, "packet_hash")
	if err != nil {
		return nil, err
	}
	pkt.PacketHash = hash
	return pkt, nil
}

func (s *Server) handlePacketGenerate(w http.ResponseWriter, r *http.Request) {
	pkt, err := s.generatePacket()
	if err != nil {
		problem.WriteFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pkt)
}

// SealedPacket wraps a briefing packet in a sealed decision episode.
type SealedPacket struct {
	Packet  *BriefingPacket `json:"packet"`
	Episode seal.Packet     `json:"episode"`
}

func (s *Server) handlePacketSeal(w http.ResponseWriter, r *http.Request) {
	if s.sealer == nil {
		problem.WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "this node holds no sealing key")
		return
	}
	pkt, err := s.generatePacket()
	if err != nil {
		problem.WriteFault(w, err)
		return
	}
	episode, err := s.sealer.Seal("packet-"+canonicalize.ShortHash(pkt.PacketHash, 8), seal.HashScope{
		Inputs:     []seal.FileDigest{{Path: "credibility_packet", SHA256: pkt.PacketHash}},
		Parameters: seal.Parameters{Clock: pkt.GeneratedAt, DeterministicMode: true},
	})
	if err != nil {
		problem.WriteFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SealedPacket{Packet: pkt, Episode: *episode})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
