// Package node assembles one credibility-mesh process. Runtime is the single
// lifecycle-managed registry of core components: everything the process holds
// open lives here and is torn down by Shutdown. Packages below this one keep
// no global mutable state.
package node

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/credmesh/credmesh/pkg/audit"
	"github.com/credmesh/credmesh/pkg/config"
	"github.com/credmesh/credmesh/pkg/credibility"
	"github.com/credmesh/credmesh/pkg/crypto"
	"github.com/credmesh/credmesh/pkg/drift"
	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/freshness"
	"github.com/credmesh/credmesh/pkg/lattice"
	"github.com/credmesh/credmesh/pkg/logstore"
	"github.com/credmesh/credmesh/pkg/memgraph"
	"github.com/credmesh/credmesh/pkg/mesh"
	"github.com/credmesh/credmesh/pkg/observability"
	"github.com/credmesh/credmesh/pkg/policy"
	"github.com/credmesh/credmesh/pkg/seal"
	"github.com/credmesh/credmesh/pkg/transport"
)

// Options tunes the parts of boot that configuration alone cannot express.
type Options struct {
	// KeyMaterial seeds deterministic crypto backends. Ignored by ed25519_a.
	KeyMaterial []byte
	// Metrics overrides the metrics configuration. Nil disables metrics.
	Metrics *observability.Config
	// ScoringPolicy overrides the default scoring policy.
	ScoringPolicy *credibility.Policy
}

// validatorMaxSkew bounds how far an envelope's creation time may sit from
// the validator's clock before the envelope is stale.
const validatorMaxSkew = 5 * time.Minute

// Runtime is the booted component registry.
type Runtime struct {
	Provider  crypto.Provider
	Keys      *crypto.KeyRing
	Store     *logstore.Store
	Lattice   *lattice.Lattice
	Freshness *freshness.Manager
	Scorer    *credibility.Scorer
	Detector  *drift.Detector
	Graph     *memgraph.Graph
	Mesh      *mesh.Node
	Validator *mesh.ValidatorState
	Chain     *mesh.SealChain
	Topology  *transport.Topology
	Metrics   *observability.Provider
	Incidents *audit.Logger

	// Policy and Pack are present only when policy_pack is configured.
	Policy *policy.Engine
	Pack   *policy.RuleSet

	// GraphMirror and Episodes are present only when postgres_url or
	// sqlite_path is configured.
	GraphMirror *memgraph.PostgresStore
	Episodes    *seal.SQLiteEpisodeIndex

	cfg   *config.Config
	clock func() time.Time
	dbs   []*sql.DB

	mu     sync.Mutex
	closed bool
}

// Boot validates cfg and constructs every component in dependency order.
// A failure anywhere leaves nothing running.
func Boot(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, fault.Field("config", "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock()

	provider, err := crypto.NewProvider(crypto.Backend(cfg.CryptoBackend), cfg.NodeID, cfg.TenantID, opts.KeyMaterial)
	if err != nil {
		return nil, fault.Wrap(fault.KindInputInvalid, err, "crypto backend")
	}
	keys := crypto.NewKeyRing(provider)

	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindFilesystem, err, "storage root")
	}
	store := logstore.NewStore(cfg.StorageRoot)

	mcfg := opts.Metrics
	if mcfg == nil {
		mcfg = observability.DefaultConfig()
		mcfg.Enabled = cfg.OTelEnabled
	}
	metrics, err := observability.New(ctx, mcfg)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Runtime, error) {
		_ = metrics.Shutdown(ctx)
		return nil, err
	}

	lat := lattice.New().WithClock(clock)
	fresh := freshness.NewManager(lat).WithClock(clock)

	scoring := credibility.DefaultPolicy()
	if opts.ScoringPolicy != nil {
		scoring = *opts.ScoringPolicy
	}
	scorer, err := credibility.NewScorer(lat, scoring)
	if err != nil {
		return fail(err)
	}
	if cfg.ScoringPolicyHash != "" && scorer.PolicyHash() != cfg.ScoringPolicyHash {
		return fail(fault.Newf(fault.KindPolicyViolation,
			"scoring policy hash mismatch: configured %s, loaded %s", cfg.ScoringPolicyHash, scorer.PolicyHash()))
	}

	detector := drift.NewDetector().WithClock(clock).WithMetrics(metrics)

	// A claim losing quorum is a freshness incident: the mesh no longer has a
	// live basis for it, so the detector raises a red signal per flip.
	lat.OnFlip(func(f lattice.ClaimFlip) {
		if f.To != lattice.QuorumUnknown {
			return
		}
		_, _, _ = detector.Emit(drift.Observation{
			EpisodeID:    f.ClaimID,
			Type:         drift.TypeFreshness,
			Severity:     drift.SeverityRed,
			EvidenceRefs: []string{"claim:" + f.ClaimID},
			Notes:        "quorum lost: " + f.Reason,
		})
	})

	validator := mesh.NewValidatorState(validatorMaxSkew)
	var policyEngine *policy.Engine
	var pack *policy.RuleSet
	if cfg.PolicyPackPath != "" {
		policyEngine, err = policy.NewEngine()
		if err != nil {
			return fail(err)
		}
		rs, err := policy.LoadRuleSet(policyEngine, cfg.PolicyPackPath)
		if err != nil {
			return fail(err)
		}
		pack = &rs
		validator = validator.WithPolicy(policyEngine.EnvelopePolicy(rs, func() int64 {
			return clock().UTC().Unix()
		}))
	}

	graph, err := memgraph.NewGraph().WithBacking(store, cfg.TenantID, cfg.NodeID)
	if err != nil {
		return fail(err)
	}

	roles, err := parseRoles(cfg.NodeRole)
	if err != nil {
		return fail(err)
	}
	meshNode, err := mesh.NewNode(cfg.TenantID, cfg.NodeID, cfg.Region, cfg.Group, keys, store, roles...)
	if err != nil {
		return fail(err)
	}
	meshNode = meshNode.WithClock(clock).WithMetrics(metrics)

	chain := mesh.NewSealChain()
	if meshNode.Has(mesh.RoleSealAuthority) {
		chain, err = meshNode.LoadSealChain()
		if err != nil {
			return fail(err)
		}
	}

	tracker := transport.NewHealthTracker(transport.HealthConfig{
		SuspectAfterFailures: cfg.SuspectAfterFailures,
		OfflineAfterFailures: cfg.OfflineAfterFailures,
		RecoverySuccesses:    cfg.RecoverySuccesses,
	})
	peers := make([]transport.Peer, 0, len(cfg.PeerURLs))
	for _, u := range cfg.PeerURLs {
		peers = append(peers, transport.Peer{NodeID: u, Tenant: cfg.TenantID, URL: u})
	}
	topology := transport.NewTopology(tracker, peers...)

	incidents, err := audit.NewLogger(store, cfg.TenantID, cfg.NodeID)
	if err != nil {
		return fail(err)
	}

	var dbs []*sql.DB
	var mirror *memgraph.PostgresStore
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			_ = metrics.Shutdown(ctx)
			return nil, fault.Wrap(fault.KindFilesystem, err, "open postgres")
		}
		mirror = memgraph.NewPostgresStore(db)
		if err := mirror.Init(ctx); err != nil {
			_ = db.Close()
			_ = metrics.Shutdown(ctx)
			return nil, err
		}
		dbs = append(dbs, db)
	}
	var episodes *seal.SQLiteEpisodeIndex
	if cfg.SQLitePath != "" {
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			for _, d := range dbs {
				_ = d.Close()
			}
			_ = metrics.Shutdown(ctx)
			return nil, fault.Wrap(fault.KindFilesystem, err, "open episode index")
		}
		episodes, err = seal.NewSQLiteEpisodeIndex(db)
		if err != nil {
			_ = db.Close()
			for _, d := range dbs {
				_ = d.Close()
			}
			_ = metrics.Shutdown(ctx)
			return nil, err
		}
		dbs = append(dbs, db)
	}

	return &Runtime{
		Provider:    provider,
		Keys:        keys,
		Store:       store,
		Lattice:     lat,
		Freshness:   fresh,
		Scorer:      scorer,
		Detector:    detector,
		Graph:       graph,
		Mesh:        meshNode,
		Validator:   validator,
		Chain:       chain,
		Topology:    topology,
		Metrics:     metrics,
		Incidents:   incidents,
		Policy:      policyEngine,
		Pack:        pack,
		GraphMirror: mirror,
		Episodes:    episodes,
		cfg:         cfg,
		clock:       clock,
		dbs:         dbs,
	}, nil
}

// SupersedeClaim replaces a claim in the lattice and mirrors the replacement
// into the memory graph: both claims get CLAIM nodes and the new one points
// at the old through a SUPERSEDES edge.
func (r *Runtime) SupersedeClaim(oldID string, next lattice.Claim) (*lattice.Claim, error) {
	added, err := r.Lattice.Supersede(oldID, next)
	if err != nil {
		return nil, err
	}
	for _, id := range []string{oldID, added.ClaimID} {
		if _, ok := r.Graph.Node(id); ok {
			continue
		}
		if _, err := r.Graph.AddNode(memgraph.Node{ID: id, Type: memgraph.NodeClaim}); err != nil {
			return nil, err
		}
	}
	if _, err := r.Graph.AddEdge(added.ClaimID, oldID, memgraph.EdgeSupersedes); err != nil {
		return nil, err
	}
	return added, nil
}

// Config returns the configuration the runtime booted with.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Clock returns the runtime clock.
func (r *Runtime) Clock() func() time.Time { return r.clock }

// Check verifies the runtime is serviceable: storage reachable and the local
// seal chain intact.
func (r *Runtime) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.KindTimeout, err, "health check")
	}
	if _, err := os.Stat(r.cfg.StorageRoot); err != nil {
		return fault.Wrap(fault.KindFilesystem, err, "storage root")
	}
	if r.Chain != nil && len(r.Chain.Seals()) > 0 {
		if err := r.Chain.Verify(); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown tears the runtime down. Idempotent.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	for _, db := range r.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.Metrics.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func parseRoles(list string) ([]mesh.Role, error) {
	var roles []mesh.Role
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		roles = append(roles, mesh.Role(part))
	}
	if len(roles) == 0 {
		return nil, fault.Field("node_role", "at least one role is required")
	}
	return roles, nil
}
