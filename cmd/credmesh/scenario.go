package main

import (
	"fmt"
	"io"
	"time"

	"github.com/credmesh/credmesh/pkg/credibility"
	"github.com/credmesh/credmesh/pkg/drift"
	"github.com/credmesh/credmesh/pkg/lattice"
	"github.com/credmesh/credmesh/pkg/logstore"
	"github.com/credmesh/credmesh/pkg/memgraph"
	"github.com/credmesh/credmesh/pkg/patch"
	"github.com/credmesh/credmesh/pkg/seal"
)

var demoAt = time.Date(2026, 2, 21, 0, 0, 0, 0, time.UTC)

// moneyDemoResult is the scripted drift → patch → re-seal cycle outcome.
type moneyDemoResult struct {
	Baseline credibility.Snapshot
	Degraded credibility.Snapshot
	Patched  credibility.Snapshot
	Drift    drift.Signal
	Patch    patch.Patch
	Episodes []string
	Graph    memgraph.Snapshot
}

// demoLattice seeds ten two-source claims: nine above the confidence
// threshold, one below, spread across regions so no concentration penalty
// fires. The baseline score over this lattice is 90.00.
func demoLattice(clock func() time.Time) (*lattice.Lattice, error) {
	lat := lattice.New().WithClock(clock)
	regions := []string{
		"eu-west", "eu-west", "eu-west", "eu-west",
		"us-east", "us-east", "us-east",
		"ap-south", "ap-south", "ap-south",
	}
	for i := 0; i < 10; i++ {
		a := fmt.Sprintf("src-%02da", i)
		b := fmt.Sprintf("src-%02db", i)
		for _, id := range []string{a, b} {
			if err := lat.RegisterSource(lattice.Source{
				SourceID:         id,
				Tier:             2,
				CorrelationGroup: "grp-" + id,
				Region:           regions[i],
				Status:           lattice.SourceActive,
			}); err != nil {
				return nil, err
			}
		}
		conf := 0.9
		if i == 9 {
			conf = 0.4
		}
		if _, err := lat.AddClaim(lattice.Claim{
			ClaimID:   fmt.Sprintf("CLAIM-2026-%04d", i+1),
			Tier:      2,
			Statement: fmt.Sprintf("service segment %d meets its stated availability objective", i),
			Scope: lattice.Scope{
				Domain: "platform",
				Region: regions[i],
				Window: lattice.ScopeWindow{From: clock().Add(-time.Hour)},
			},
			TruthType:        lattice.TruthObservation,
			Confidence:       lattice.Confidence{Score: conf},
			Sources:          []string{a, b},
			Owner:            "platform-steward",
			TimestampCreated: clock().Add(-time.Hour),
			HalfLife:         lattice.HalfLife{Value: 7, Unit: lattice.UnitDays},
		}); err != nil {
			return nil, err
		}
	}
	return lat, nil
}

func driftInputsFrom(det *drift.Detector) []credibility.DriftInput {
	signals := det.Since(time.Time{})
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

// runMoneyDemo seeds three sealed episodes, injects one red bypass drift on
// the middle one, then patches and re-seals. Scores move 90.00 → 85.75 →
// 90.00 under the default policy.
func runMoneyDemo(storageRoot string) (*moneyDemoResult, error) {
	clock := func() time.Time { return demoAt }
	store := logstore.NewStore(storageRoot)

	lat, err := demoLattice(clock)
	if err != nil {
		return nil, err
	}
	scorer, err := credibility.NewScorer(lat, credibility.DefaultPolicy())
	if err != nil {
		return nil, err
	}
	det := drift.NewDetector().WithClock(clock)
	engine := patch.NewEngine(det).WithClock(clock)

	graph, err := memgraph.NewGraph().WithClock(clock).WithBacking(store, "demo", "node-1")
	if err != nil {
		return nil, err
	}

	provider, err := scenarioProvider()
	if err != nil {
		return nil, err
	}
	sealer := seal.NewSealer(provider).WithClock(clock)

	res := &moneyDemoResult{}
	for _, ep := range []string{"ep-001", "ep-002", "ep-003"} {
		packet, err := sealer.Seal(ep, seal.HashScope{
			Inputs:     []seal.FileDigest{{Path: "episodes/" + ep, SHA256: "sha256:" + ep}},
			Parameters: seal.Parameters{Clock: demoAt, DeterministicMode: true},
		})
		if err != nil {
			return nil, err
		}
		if _, err := graph.AddNode(memgraph.Node{
			ID:      ep,
			Type:    memgraph.NodeEpisode,
			Payload: map[string]any{"commit_hash": packet.CommitHash},
		}); err != nil {
			return nil, err
		}
		res.Episodes = append(res.Episodes, ep)
	}

	res.Baseline, err = scorer.Score("demo", demoAt, driftInputsFrom(det))
	if err != nil {
		return nil, err
	}

	sig, _, err := det.Emit(drift.Observation{
		DriftID:      "drift-cycle-001",
		EpisodeID:    "ep-002",
		Type:         drift.TypeBypass,
		Severity:     drift.SeverityRed,
		EvidenceRefs: []string{"override:exec", "ep-002"},
		Notes:        "authority gate bypassed by manual override",
	})
	if err != nil {
		return nil, err
	}
	res.Drift = sig
	if _, err := graph.AddNode(memgraph.Node{
		ID:      sig.DriftID,
		Type:    memgraph.NodeDrift,
		Payload: map[string]any{"severity": string(sig.Severity), "episode": sig.EpisodeID},
	}); err != nil {
		return nil, err
	}
	if _, err := graph.AddEdge("ep-002", sig.DriftID, memgraph.EdgeTriggered); err != nil {
		return nil, err
	}

	res.Degraded, err = scorer.Score("demo", demoAt, driftInputsFrom(det))
	if err != nil {
		return nil, err
	}

	p, err := engine.Propose("patch-cycle-001", sig.DriftID, "revert the manual override and restore the gate", 4.25)
	if err != nil {
		return nil, err
	}
	if _, err := engine.Approve(p.PatchID, patch.RoleReviewer, "reviewer-1"); err != nil {
		return nil, err
	}
	if _, err := engine.Approve(p.PatchID, patch.RoleGovernanceLead, "gov-lead-1"); err != nil {
		return nil, err
	}
	applied, err := engine.Apply(p.PatchID, func(pt patch.Patch) (string, error) {
		packet, err := sealer.Seal("ep-004", seal.HashScope{
			Inputs:     []seal.FileDigest{{Path: "patches/" + pt.PatchID, SHA256: "sha256:" + pt.PatchID}},
			Parameters: seal.Parameters{Clock: demoAt, DeterministicMode: true},
		})
		if err != nil {
			return "", err
		}
		if _, err := graph.AddNode(memgraph.Node{
			ID:      pt.PatchID,
			Type:    memgraph.NodePatch,
			Payload: map[string]any{"episode": "ep-004", "commit_hash": packet.CommitHash},
		}); err != nil {
			return "", err
		}
		if _, err := graph.AddEdge(pt.DriftRef, pt.PatchID, memgraph.EdgeResolvedBy); err != nil {
			return "", err
		}
		return "ep-004", nil
	})
	if err != nil {
		return nil, err
	}
	res.Patch = applied
	res.Episodes = append(res.Episodes, applied.AppliedEpisode)

	res.Patched, err = scorer.Score("demo", demoAt, driftInputsFrom(det))
	if err != nil {
		return nil, err
	}
	res.Graph = graph.Snapshot()
	return res, nil
}

func printMoneyDemo(w io.Writer, res *moneyDemoResult) {
	_, _ = fmt.Fprintf(w, "baseline %.2f %s\n", res.Baseline.Score, res.Baseline.Grade)
	_, _ = fmt.Fprintf(w, "drift    %.2f %s (%s %s on %s)\n",
		res.Degraded.Score, res.Degraded.Grade, res.Drift.Severity, res.Drift.Type, res.Drift.EpisodeID)
	_, _ = fmt.Fprintf(w, "patched  %.2f %s (%s applied as %s)\n",
		res.Patched.Score, res.Patched.Grade, res.Patch.PatchID, res.Patch.AppliedEpisode)
	_, _ = fmt.Fprintf(w, "graph    %d nodes %d edges\n", len(res.Graph.Nodes), len(res.Graph.Edges))
}
