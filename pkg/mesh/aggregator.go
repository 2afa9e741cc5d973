package mesh

import (
	"sort"
	"time"

	"github.com/credmesh/credmesh/pkg/canonicalize"
	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/logstore"
)

// ClaimSummary is the per-claim fold of accepted validations: how many
// validators agreed, spread over which regions and correlation groups.
type ClaimSummary struct {
	ClaimID     string         `json:"claim_id"`
	Accepts     int            `json:"accepts"`
	Rejects     int            `json:"rejects"`
	ByRegion    map[string]int `json:"by_region"`
	ByGroup     map[string]int `json:"by_group"`
	Validators  []string       `json:"validators"`
	EnvelopeIDs []string       `json:"envelope_ids"`
}

// Aggregate is one snapshot over a batch of validations.
type Aggregate struct {
	AggregateID  string          `json:"aggregate_id"`
	Tenant       string          `json:"tenant"`
	NodeID       string          `json:"node_id"`
	Claims       []*ClaimSummary `json:"claims"`
	SnapshotHash string          `json:"snapshot_hash"`
	AggregatedAt time.Time       `json:"aggregated_at"`
}

// Aggregate folds a batch of validations into one per-claim snapshot and
// appends it. Requires the aggregator capability. Only ACCEPT verdicts count
// toward a claim; rejects are tallied for visibility.
func (n *Node) Aggregate(validations []*Validation) (*Aggregate, error) {
	if !n.Has(RoleAggregator) {
		return nil, fault.Newf(fault.KindAuthorityDeny, "node %s lacks the aggregator capability", n.NodeID)
	}

	byClaim := make(map[string]*ClaimSummary)
	for _, v := range validations {
		claimID := v.ClaimID
		if claimID == "" {
			claimID = "unbound"
		}
		s := byClaim[claimID]
		if s == nil {
			s = &ClaimSummary{
				ClaimID:  claimID,
				ByRegion: make(map[string]int),
				ByGroup:  make(map[string]int),
			}
			byClaim[claimID] = s
		}
		if v.Verdict != VerdictAccept {
			s.Rejects++
			continue
		}
		s.Accepts++
		s.ByRegion[v.ValidatorRegion]++
		s.ByGroup[v.ValidatorGroup]++
		s.Validators = append(s.Validators, v.ValidatorNodeID)
		s.EnvelopeIDs = append(s.EnvelopeIDs, v.EnvelopeID)
	}

	claims := make([]*ClaimSummary, 0, len(byClaim))
	for _, s := range byClaim {
		s.Validators = canonicalize.SortedStrings(s.Validators)
		s.EnvelopeIDs = canonicalize.SortedStrings(s.EnvelopeIDs)
		claims = append(claims, s)
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].ClaimID < claims[j].ClaimID })

	snapshotHash, err := canonicalize.HashCanonical(claims)
	if err != nil {
		return nil, err
	}

	agg := &Aggregate{
		AggregateID:  "AGG-" + canonicalize.ShortHash(snapshotHash, 12),
		Tenant:       n.Tenant,
		NodeID:       n.NodeID,
		Claims:       claims,
		SnapshotHash: snapshotHash,
		AggregatedAt: n.clock().UTC(),
	}

	log, err := n.log(logstore.KindAggregates)
	if err != nil {
		return nil, err
	}
	if err := log.Append(agg); err != nil {
		return nil, err
	}
	return agg, nil
}
