package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/credmesh/credmesh/pkg/canonicalize"
	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/logstore"
)

// GenesisSeal is the prev pointer of the first seal in a chain.
const GenesisSeal = "GENESIS"

// Seal is one link of a node's seal chain. The seal hash covers every other
// field, so changing any sealed snapshot breaks the chain from that link on.
type Seal struct {
	SealHash     string    `json:"seal_hash"`
	PrevSealHash string    `json:"prev_seal_hash"`
	PolicyHash   string    `json:"policy_hash"`
	SnapshotHash string    `json:"snapshot_hash"`
	SealedAt     time.Time `json:"sealed_at"`
	Role         Role      `json:"role"`
	ChainLength  int       `json:"chain_length"`
}

// SealChain holds a node's in-memory view of its own chain, backed by the
// seal_chain log.
type SealChain struct {
	mu    sync.Mutex
	seals []*Seal
}

// NewSealChain returns an empty chain.
func NewSealChain() *SealChain { return &SealChain{} }

// Head returns the latest seal, or nil for an empty chain.
func (c *SealChain) Head() *Seal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.seals) == 0 {
		return nil
	}
	return c.seals[len(c.seals)-1]
}

// Seals returns the chain in order.
func (c *SealChain) Seals() []*Seal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Seal, len(c.seals))
	copy(out, c.seals)
	return out
}

// SealSnapshot extends the chain over an aggregate snapshot and appends the
// link. Requires the seal_authority capability.
func (n *Node) SealSnapshot(chain *SealChain, policyHash, snapshotHash string) (*Seal, error) {
	if !n.Has(RoleSealAuthority) {
		return nil, fault.Newf(fault.KindAuthorityDeny, "node %s lacks the seal_authority capability", n.NodeID)
	}
	if snapshotHash == "" {
		return nil, fault.Field("snapshot_hash", "snapshot hash is required")
	}

	chain.mu.Lock()
	defer chain.mu.Unlock()

	prev := GenesisSeal
	if len(chain.seals) > 0 {
		prev = chain.seals[len(chain.seals)-1].SealHash
	}
	s := &Seal{
		PrevSealHash: prev,
		PolicyHash:   policyHash,
		SnapshotHash: snapshotHash,
		SealedAt:     n.clock().UTC(),
		Role:         RoleSealAuthority,
		ChainLength:  len(chain.seals) + 1,
	}
	hash, err := canonicalize.HashEmbedded(s, "seal_hash")
	if err != nil {
		return nil, err
	}
	s.SealHash = hash

	log, err := n.log(logstore.KindSealChain)
	if err != nil {
		return nil, err
	}
	if err := log.Append(s); err != nil {
		return nil, err
	}
	chain.seals = append(chain.seals, s)
	n.metrics.RecordSeal(context.Background(), n.NodeID)
	return s, nil
}

// LoadSealChain replays a node's seal_chain log and verifies it.
func (n *Node) LoadSealChain() (*SealChain, error) {
	log, err := n.log(logstore.KindSealChain)
	if err != nil {
		return nil, err
	}
	it, err := log.Scan(0)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	chain := NewSealChain()
	for it.Next() {
		var s Seal
		if err := it.Decode(&s); err != nil {
			return nil, err
		}
		chain.seals = append(chain.seals, &s)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if err := chain.Verify(); err != nil {
		return nil, err
	}
	return chain, nil
}

// Verify re-derives every seal hash and checks chain continuity.
func (c *SealChain) Verify() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := GenesisSeal
	for i, s := range c.seals {
		want, err := canonicalize.HashEmbedded(s, "seal_hash")
		if err != nil {
			return err
		}
		if s.SealHash != want {
			return fault.Newf(fault.KindLedgerTamper, "seal %d hash mismatch", i+1)
		}
		if s.PrevSealHash != prev {
			return fault.Newf(fault.KindChainBreak, "seal %d does not extend %s", i+1, prev)
		}
		if s.ChainLength != i+1 {
			return fault.Newf(fault.KindChainBreak, "seal %d carries chain length %d", i+1, s.ChainLength)
		}
		prev = s.SealHash
	}
	return nil
}
