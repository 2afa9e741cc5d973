package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/credmesh/credmesh/pkg/credibility"
	"github.com/credmesh/credmesh/pkg/node"
)

// runCredibilityCmd prints the node's current credibility snapshot.
func runCredibilityCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "snapshot" {
		_, _ = fmt.Fprintln(stderr, "Usage: credmesh credibility snapshot [flags]")
		return 2
	}
	fs := flag.NewFlagSet("credibility snapshot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML config file")
	keyMaterial := fs.String("key", "", "key material for derived backends")
	asJSON := fs.Bool("json", false, "print the full snapshot as JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail(stderr, err)
	}
	rt, err := node.Boot(context.Background(), cfg, node.Options{KeyMaterial: []byte(*keyMaterial)})
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Shutdown(context.Background())

	inputs := make([]credibility.DriftInput, 0)
	for _, sig := range rt.Detector.Since(time.Time{}) {
		inputs = append(inputs, credibility.DriftInput{
			DriftID:  sig.DriftID,
			Type:     string(sig.Type),
			Severity: string(sig.Severity),
			Resolved: sig.Resolved,
		})
	}
	snap, err := rt.Scorer.Score(cfg.TenantID, rt.Clock()(), inputs)
	if err != nil {
		return fail(stderr, err)
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "tenant %s score %.2f grade %s band %s\n", snap.Tenant, snap.Score, snap.Grade, snap.Band)
	_, _ = fmt.Fprintf(stdout, "claims %d active_drift %d policy %s\n", snap.ClaimCount, snap.ActiveDrift, snap.PolicyHash)
	return 0
}
