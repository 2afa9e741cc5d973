package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/credmesh/credmesh/pkg/lattice"
	"github.com/credmesh/credmesh/pkg/memgraph"
	"github.com/credmesh/credmesh/pkg/node"
)

// runIrisCmd answers memory queries over the node's graph: WHY,
// WHAT_DRIFTED, WHAT_CHANGED, RECALL and STATUS.
func runIrisCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "query" {
		_, _ = fmt.Fprintln(stderr, "Usage: credmesh iris query --type <WHY|WHAT_DRIFTED|WHAT_CHANGED|RECALL|STATUS> [flags]")
		return 2
	}
	fs := flag.NewFlagSet("iris query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML config file")
	keyMaterial := fs.String("key", "", "key material for derived backends")
	queryType := fs.String("type", "", "query type (required)")
	episodeID := fs.String("episode", "", "episode id for WHY")
	entity := fs.String("entity", "", "entity tag for RECALL")
	fromArg := fs.String("from", "", "RFC3339 window start")
	toArg := fs.String("to", "", "RFC3339 window end")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	parseTime := func(v string) (*time.Time, error) {
		if v == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	from, err := parseTime(*fromArg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "iris: bad --from %q: %v\n", *fromArg, err)
		return 2
	}
	to, err := parseTime(*toArg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "iris: bad --to %q: %v\n", *toArg, err)
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

	var result any
	switch *queryType {
	case "WHY":
		if *episodeID == "" {
			_, _ = fmt.Fprintln(stderr, "iris: WHY requires --episode")
			return 2
		}
		result, err = rt.Graph.Why(*episodeID)
		if err != nil {
			return fail(stderr, err)
		}
	case "WHAT_DRIFTED":
		result = rt.Graph.WhatDrifted()
	case "WHAT_CHANGED":
		if from == nil || to == nil {
			_, _ = fmt.Fprintln(stderr, "iris: WHAT_CHANGED requires --from and --to")
			return 2
		}
		result = rt.Graph.WhatChanged(*from, *to)
	case "RECALL":
		if *entity == "" {
			_, _ = fmt.Fprintln(stderr, "iris: RECALL requires --entity")
			return 2
		}
		result = rt.Graph.Recall(*entity, from, to)
	case "STATUS":
		result = rt.Graph.Status(statusInput(rt))
	default:
		_, _ = fmt.Fprintf(stderr, "iris: unknown query type %q\n", *queryType)
		return 2
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	return 0
}

func statusInput(rt *node.Runtime) memgraph.StatusInput {
	in := memgraph.StatusInput{}
	for _, c := range rt.Lattice.CurrentClaims() {
		switch c.StatusLight {
		case lattice.LightGreen:
			in.GreenClaims++
		case lattice.LightYellow:
			in.YellowClaims++
		case lattice.LightRed:
			in.RedClaims++
		}
		if c.Quorum == lattice.QuorumUnknown {
			in.UnknownQuorum++
		}
	}
	return in
}
