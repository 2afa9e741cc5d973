package memgraph

import (
	"sort"
	"time"

	"github.com/credmesh/credmesh/pkg/fault"
)

// WhyResult explains an episode: the decision log records, reasoning
// summaries and evidence reachable over inbound CAUSED, PRODUCED and
// EVIDENCE_OF edges.
type WhyResult struct {
	EpisodeID string `json:"episode_id"`
	DLR       []Node `json:"dlr"`
	RS        []Node `json:"rs"`
	Evidence  []Node `json:"evidence"`
	Causes    []Node `json:"causes"`
}

// Why answers WHY(episodeId): walk inbound CAUSED, PRODUCED and EVIDENCE_OF
// edges transitively from the episode and bucket what was found.
func (g *Graph) Why(episodeID string) (WhyResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ep, ok := g.nodes[episodeID]
	if !ok {
		return WhyResult{}, fault.Field("episode_id", "episode "+episodeID+" not found")
	}
	if ep.Type != NodeEpisode {
		return WhyResult{}, fault.Field("episode_id", episodeID+" is not an episode node")
	}

	res := WhyResult{EpisodeID: episodeID}
	visited := map[string]bool{episodeID: true}
	frontier := []string{episodeID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, eid := range g.inbound[id] {
			e := g.edges[eid]
			if e.Type != EdgeCaused && e.Type != EdgeProduced && e.Type != EdgeEvidenceOf {
				continue
			}
			if visited[e.From] {
				continue
			}
			visited[e.From] = true
			n := g.nodes[e.From]
			switch n.Type {
			case NodeDLR:
				res.DLR = append(res.DLR, *n)
			case NodeRS:
				res.RS = append(res.RS, *n)
			case NodeEvidence:
				res.Evidence = append(res.Evidence, *n)
			default:
				res.Causes = append(res.Causes, *n)
			}
			frontier = append(frontier, e.From)
		}
	}
	sortNodes(res.DLR)
	sortNodes(res.RS)
	sortNodes(res.Evidence)
	sortNodes(res.Causes)
	return res, nil
}

// DriftGroup is one fingerprint bucket from WHAT_DRIFTED.
type DriftGroup struct {
	FingerprintKey string `json:"fingerprint_key"`
	Recurrence     int    `json:"recurrence"`
	Nodes          []Node `json:"nodes"`
	Resolved       bool   `json:"resolved"`
}

// WhatDrifted projects DRIFT nodes grouped by fingerprint, most recurrent
// first. A group is resolved when every drift node in it has an outbound
// RESOLVED_BY edge.
func (g *Graph) WhatDrifted() []DriftGroup {
	g.mu.RLock()
	defer g.mu.RUnlock()

	byKey := make(map[string]*DriftGroup)
	for _, n := range g.nodes {
		if n.Type != NodeDrift {
			continue
		}
		key, _ := n.Payload["fingerprint_key"].(string)
		if key == "" {
			key = n.ID
		}
		grp, ok := byKey[key]
		if !ok {
			grp = &DriftGroup{FingerprintKey: key, Resolved: true}
			byKey[key] = grp
		}
		grp.Recurrence++
		grp.Nodes = append(grp.Nodes, *n)
		if !g.resolvedLocked(n.ID) {
			grp.Resolved = false
		}
	}

	out := make([]DriftGroup, 0, len(byKey))
	for _, grp := range byKey {
		sortNodes(grp.Nodes)
		out = append(out, *grp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Recurrence != out[j].Recurrence {
			return out[i].Recurrence > out[j].Recurrence
		}
		return out[i].FingerprintKey < out[j].FingerprintKey
	})
	return out
}

func (g *Graph) resolvedLocked(driftNodeID string) bool {
	for _, eid := range g.outbound[driftNodeID] {
		if g.edges[eid].Type == EdgeResolvedBy {
			return true
		}
	}
	return false
}

// Diff is the WHAT_CHANGED result: everything added between two instants.
// Memory is append-only, so a diff contains only additions.
type Diff struct {
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	AddedNodes []Node    `json:"added_nodes"`
	AddedEdges []Edge    `json:"added_edges"`
}

// WhatChanged diffs memory between two episode timestamps (from exclusive,
// to inclusive).
func (g *Graph) WhatChanged(from, to time.Time) Diff {
	g.mu.RLock()
	defer g.mu.RUnlock()

	d := Diff{From: from, To: to}
	for _, n := range g.nodes {
		if n.CreatedAt.After(from) && !n.CreatedAt.After(to) {
			d.AddedNodes = append(d.AddedNodes, *n)
		}
	}
	for _, e := range g.edges {
		if e.CreatedAt.After(from) && !e.CreatedAt.After(to) {
			d.AddedEdges = append(d.AddedEdges, *e)
		}
	}
	sortNodes(d.AddedNodes)
	sort.Slice(d.AddedEdges, func(i, j int) bool { return d.AddedEdges[i].ID < d.AddedEdges[j].ID })
	return d
}

// Recall answers RECALL(entity): nodes tagged with the entity, optionally
// bounded in time.
func (g *Graph) Recall(entity string, from, to *time.Time) []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Node
	for _, n := range g.nodes {
		tagged := false
		for _, e := range n.Entities {
			if e == entity {
				tagged = true
				break
			}
		}
		if !tagged {
			continue
		}
		if from != nil && n.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && n.CreatedAt.After(*to) {
			continue
		}
		out = append(out, *n)
	}
	sortNodes(out)
	return out
}

// StatusInput is the lattice and scorer headline the caller supplies; the
// graph contributes its own counts.
type StatusInput struct {
	GreenClaims   int     `json:"green_claims"`
	YellowClaims  int     `json:"yellow_claims"`
	RedClaims     int     `json:"red_claims"`
	UnknownQuorum int     `json:"unknown_quorum"`
	Score         float64 `json:"score"`
	Band          string  `json:"band"`
}

// StatusResult is the STATUS headline.
type StatusResult struct {
	StatusInput
	Episodes    int       `json:"episodes"`
	ActiveDrift int       `json:"active_drift"`
	Patches     int       `json:"patches"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Status answers STATUS: the current headline over lattice, score and memory.
func (g *Graph) Status(in StatusInput) StatusResult {
	g.mu.RLock()
	defer g.mu.RUnlock()

	res := StatusResult{StatusInput: in, GeneratedAt: g.clock().UTC()}
	for _, n := range g.nodes {
		switch n.Type {
		case NodeEpisode:
			res.Episodes++
		case NodeDrift:
			if !g.resolvedLocked(n.ID) {
				res.ActiveDrift++
			}
		case NodePatch:
			res.Patches++
		}
	}
	return res
}
