package node

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/credmesh/credmesh/pkg/config"
	"github.com/credmesh/credmesh/pkg/drift"
	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/lattice"
	"github.com/credmesh/credmesh/pkg/memgraph"
	"github.com/credmesh/credmesh/pkg/mesh"
	"github.com/credmesh/credmesh/pkg/observability"
	"github.com/credmesh/credmesh/pkg/transport"
)

func bootConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.TenantID = "acme"
	cfg.NodeID = "node-a"
	cfg.NodeRole = "edge,validator,aggregator,seal_authority"
	cfg.StorageRoot = t.TempDir()
	cfg.CryptoBackend = "hmac_demo"
	cfg.ClockMode = config.ClockFixed
	cfg.FixedClock = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	return cfg
}

func TestBootAssemblesRegistry(t *testing.T) {
	rt, err := Boot(context.Background(), bootConfig(t), Options{KeyMaterial: []byte("material")})
	require.NoError(t, err)
	defer rt.Shutdown(context.Background())

	assert.Equal(t, "HMAC-SHA256-DEMO", rt.Provider.Algorithm())
	assert.NotNil(t, rt.Store)
	assert.NotNil(t, rt.Lattice)
	assert.NotNil(t, rt.Freshness)
	assert.NotNil(t, rt.Scorer)
	assert.NotNil(t, rt.Detector)
	assert.NotNil(t, rt.Graph)
	assert.NotNil(t, rt.Incidents)
	assert.True(t, rt.Mesh.Has(mesh.RoleValidator))
	assert.True(t, rt.Mesh.Has(mesh.RoleSealAuthority))
	assert.Equal(t, rt.Config().FixedClock, rt.Clock()())
	require.NoError(t, rt.Check(context.Background()))
}

func TestBootRejectsUnknownBackend(t *testing.T) {
	cfg := bootConfig(t)
	cfg.CryptoBackend = "rot13"
	_, err := Boot(context.Background(), cfg, Options{})
	require.Error(t, err)
	assert.Equal(t, fault.KindInputInvalid, fault.KindOf(err))
}

func TestBootRejectsUnknownRole(t *testing.T) {
	cfg := bootConfig(t)
	cfg.NodeRole = "superuser"
	_, err := Boot(context.Background(), cfg, Options{KeyMaterial: []byte("material")})
	require.Error(t, err)
}

func TestBootRejectsPolicyHashMismatch(t *testing.T) {
	cfg := bootConfig(t)
	cfg.ScoringPolicyHash = "sha256:0000000000000000"
	_, err := Boot(context.Background(), cfg, Options{KeyMaterial: []byte("material")})
	require.Error(t, err)
	assert.Equal(t, fault.KindPolicyViolation, fault.KindOf(err))
}

func TestBootWiresPeers(t *testing.T) {
	cfg := bootConfig(t)
	cfg.PeerURLs = []string{"https://node-b.mesh.local", "https://node-c.mesh.local"}
	rt, err := Boot(context.Background(), cfg, Options{KeyMaterial: []byte("material")})
	require.NoError(t, err)
	defer rt.Shutdown(context.Background())

	snap := rt.Topology.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, transport.PeerOnline, snap[0].State)
}

func TestSealChainSurvivesReboot(t *testing.T) {
	cfg := bootConfig(t)
	ctx := context.Background()

	rt, err := Boot(ctx, cfg, Options{KeyMaterial: []byte("material")})
	require.NoError(t, err)
	_, err = rt.Mesh.SealSnapshot(rt.Chain, "sha256:policy", "sha256:snapshot")
	require.NoError(t, err)
	require.NoError(t, rt.Shutdown(ctx))

	rt2, err := Boot(ctx, cfg, Options{KeyMaterial: []byte("material")})
	require.NoError(t, err)
	defer rt2.Shutdown(ctx)
	require.Len(t, rt2.Chain.Seals(), 1)
	require.NoError(t, rt2.Check(ctx))
}

func TestShutdownIsIdempotent(t *testing.T) {
	rt, err := Boot(context.Background(), bootConfig(t), Options{KeyMaterial: []byte("material")})
	require.NoError(t, err)
	require.NoError(t, rt.Shutdown(context.Background()))
	require.NoError(t, rt.Shutdown(context.Background()))
}

func writePolicyPack(t *testing.T, raw string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))
	return path
}

func TestBootLoadsPolicyPack(t *testing.T) {
	cfg := bootConfig(t)
	cfg.PolicyPackPath = writePolicyPack(t, `
version: "1"
deny:
  - name: no-synthetic-payloads
    expr: '"synthetic" in envelope.payload && envelope.payload.synthetic == true'
`)
	rt, err := Boot(context.Background(), cfg, Options{KeyMaterial: []byte("material")})
	require.NoError(t, err)
	defer rt.Shutdown(context.Background())
	require.NotNil(t, rt.Policy)
	require.NotNil(t, rt.Pack)

	env, err := rt.Mesh.Produce("CLAIM-2026-0001", map[string]any{"synthetic": true})
	require.NoError(t, err)
	verdict, err := rt.Mesh.Validate(rt.Validator, env)
	require.NoError(t, err)
	assert.Equal(t, mesh.VerdictReject, verdict.Verdict)
	assert.Equal(t, mesh.ReasonPolicyDeny, verdict.Reason)

	clean, err := rt.Mesh.Produce("CLAIM-2026-0001", map[string]any{"latency_ms": 120})
	require.NoError(t, err)
	verdict, err = rt.Mesh.Validate(rt.Validator, clean)
	require.NoError(t, err)
	assert.Equal(t, mesh.VerdictAccept, verdict.Verdict)
}

func TestBootRejectsBrokenPolicyPack(t *testing.T) {
	cfg := bootConfig(t)
	cfg.PolicyPackPath = writePolicyPack(t, `
version: "1"
deny:
  - name: broken
    expr: 'envelope =='
`)
	_, err := Boot(context.Background(), cfg, Options{KeyMaterial: []byte("material")})
	require.Error(t, err)
	assert.Equal(t, fault.KindPolicyViolation, fault.KindOf(err))
}

func seedQuorumClaim(t *testing.T, rt *Runtime, claimID string) {
	t.Helper()
	now := rt.Clock()()
	for _, src := range []struct{ id, group, region string }{
		{"src-a", "grp-a", "eu"},
		{"src-b", "grp-b", "us"},
		{"src-c", "grp-b", "ap"},
	} {
		require.NoError(t, rt.Lattice.RegisterSource(lattice.Source{
			SourceID:         src.id,
			Tier:             1,
			CorrelationGroup: src.group,
			Region:           src.region,
			Status:           lattice.SourceActive,
		}))
		require.NoError(t, rt.Lattice.IngestEvidence(lattice.Evidence{
			ElementID:  "ev-" + src.id,
			Status:     lattice.EvidenceOK,
			EventTime:  now.Add(-time.Minute),
			IngestTime: now,
			TTL:        24 * time.Hour,
			SourceID:   src.id,
			Confidence: 0.95,
			Mode:       lattice.ModeDirect,
		}))
	}
	_, err := rt.Lattice.AddClaim(lattice.Claim{
		ClaimID:    claimID,
		Tier:       1,
		Statement:  "checkout error rate stays below one percent",
		Scope:      lattice.Scope{Domain: "payments", Region: "eu-west", Window: lattice.ScopeWindow{From: now.Add(-time.Hour)}},
		TruthType:  lattice.TruthObservation,
		Confidence: lattice.Confidence{Score: 0.9, Explanation: "three independent feeds agree"},
		Sources:    []string{"src-a", "src-b", "src-c"},
		Evidence:   []string{"ev-src-a", "ev-src-b", "ev-src-c"},
		Owner:      "payments-steward",
		HalfLife:   lattice.HalfLife{Value: 24, Unit: lattice.UnitHours},
	})
	require.NoError(t, err)
}

func TestQuorumFlipRaisesFreshnessDrift(t *testing.T) {
	rt, err := Boot(context.Background(), bootConfig(t), Options{KeyMaterial: []byte("material")})
	require.NoError(t, err)
	defer rt.Shutdown(context.Background())

	seedQuorumClaim(t, rt, "CLAIM-2026-0100")
	now := rt.Clock()()

	rt.Lattice.Recompute(now)
	require.Empty(t, rt.Detector.Since(time.Time{}), "no drift while quorum holds")

	rt.Lattice.DropCorrelationGroup("grp-b")
	flips := rt.Lattice.Recompute(now)
	require.Len(t, flips, 1)
	require.Equal(t, lattice.QuorumUnknown, flips[0].To)

	signals := rt.Detector.Since(time.Time{})
	require.Len(t, signals, 1)
	assert.Equal(t, drift.TypeFreshness, signals[0].Type)
	assert.Equal(t, drift.SeverityRed, signals[0].Severity)
	assert.Equal(t, "CLAIM-2026-0100", signals[0].EpisodeID)
	assert.False(t, signals[0].Resolved)
}

func TestSupersedeClaimLinksGraph(t *testing.T) {
	rt, err := Boot(context.Background(), bootConfig(t), Options{KeyMaterial: []byte("material")})
	require.NoError(t, err)
	defer rt.Shutdown(context.Background())

	seedQuorumClaim(t, rt, "CLAIM-2026-0100")
	now := rt.Clock()()

	added, err := rt.SupersedeClaim("CLAIM-2026-0100", lattice.Claim{
		ClaimID:    "CLAIM-2026-0101",
		Tier:       1,
		Statement:  "checkout error rate stays below half a percent",
		Scope:      lattice.Scope{Domain: "payments", Region: "eu-west", Window: lattice.ScopeWindow{From: now.Add(-time.Hour)}},
		TruthType:  lattice.TruthObservation,
		Confidence: lattice.Confidence{Score: 0.92, Explanation: "tightened after a month of clean runs"},
		Sources:    []string{"src-a", "src-b", "src-c"},
		Evidence:   []string{"ev-src-a", "ev-src-b", "ev-src-c"},
		Owner:      "payments-steward",
		HalfLife:   lattice.HalfLife{Value: 24, Unit: lattice.UnitHours},
	})
	require.NoError(t, err)

	nextID, ok := rt.Lattice.SupersededBy("CLAIM-2026-0100")
	require.True(t, ok)
	assert.Equal(t, added.ClaimID, nextID)

	_, ok = rt.Graph.Node("CLAIM-2026-0100")
	require.True(t, ok)
	_, ok = rt.Graph.Node(added.ClaimID)
	require.True(t, ok)

	edges := rt.Graph.Outbound(added.ClaimID)
	require.Len(t, edges, 1)
	assert.Equal(t, memgraph.EdgeSupersedes, edges[0].Type)
	assert.Equal(t, "CLAIM-2026-0100", edges[0].To)
}

func TestBootRecordsMeshMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mcfg := observability.DefaultConfig()
	mcfg.Reader = reader

	ctx := context.Background()
	rt, err := Boot(ctx, bootConfig(t), Options{KeyMaterial: []byte("material"), Metrics: mcfg})
	require.NoError(t, err)
	defer rt.Shutdown(ctx)

	env, err := rt.Mesh.Produce("CLAIM-2026-0001", map[string]any{"latency_ms": 120})
	require.NoError(t, err)
	_, err = rt.Mesh.Validate(rt.Validator, env)
	require.NoError(t, err)
	_, err = rt.Mesh.SealSnapshot(rt.Chain, "sha256:policy", "sha256:snapshot")
	require.NoError(t, err)
	_, _, err = rt.Detector.Emit(drift.Observation{
		EpisodeID: "EP-0001", Type: drift.TypeBypass, Severity: drift.SeverityRed,
		EvidenceRefs: []string{"EP-0001"},
	})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	got := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			got[m.Name] = m
		}
	}
	for _, name := range []string{
		"mesh.envelopes.total", "mesh.validations.total",
		"mesh.seals.total", "mesh.drift.signals.total",
	} {
		m, ok := got[name]
		require.True(t, ok, name)
		sum := m.Data.(metricdata.Sum[int64])
		require.Len(t, sum.DataPoints, 1, name)
		assert.Equal(t, int64(1), sum.DataPoints[0].Value, name)
	}
}
