package mesh

import (
	"context"
	"time"

	"github.com/credmesh/credmesh/pkg/canonicalize"
	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/logstore"
)

// Envelope is one signed event record. Identity is content-derived; an
// envelope is never mutated or deleted after it is appended.
type Envelope struct {
	EnvelopeID  string         `json:"envelope_id"`
	Tenant      string         `json:"tenant"`
	NodeID      string         `json:"node_id"`
	ClaimID     string         `json:"claim_id,omitempty"`
	Payload     map[string]any `json:"payload"`
	PayloadHash string         `json:"payload_hash"`
	CreatedAt   time.Time      `json:"created_at"`
	KeyID       string         `json:"key_id"`
	Algorithm   string         `json:"algorithm"`
	Signature   string         `json:"signature"`
}

// Produce builds, signs and appends an envelope from a local event. Requires
// the edge capability.
func (n *Node) Produce(claimID string, payload map[string]any) (*Envelope, error) {
	if !n.Has(RoleEdge) {
		return nil, fault.Newf(fault.KindAuthorityDeny, "node %s lacks the edge capability", n.NodeID)
	}
	if len(payload) == 0 {
		return nil, fault.Field("payload", "payload is required")
	}

	payloadHash, err := canonicalize.HashCanonical(payload)
	if err != nil {
		return nil, err
	}
	createdAt := n.clock().UTC()

	idHash, err := canonicalize.HashCanonical(map[string]any{
		"node_id":      n.NodeID,
		"payload_hash": payloadHash,
		"created_at":   createdAt,
	})
	if err != nil {
		return nil, err
	}

	sig, keyID, algorithm, err := n.Keys.Sign([]byte(payloadHash))
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		EnvelopeID:  "ENV-" + canonicalize.ShortHash(idHash, 12),
		Tenant:      n.Tenant,
		NodeID:      n.NodeID,
		ClaimID:     claimID,
		Payload:     payload,
		PayloadHash: payloadHash,
		CreatedAt:   createdAt,
		KeyID:       keyID,
		Algorithm:   algorithm,
		Signature:   sig,
	}

	log, err := n.log(logstore.KindEnvelopes)
	if err != nil {
		return nil, err
	}
	if err := log.Append(env); err != nil {
		return nil, err
	}
	n.metrics.RecordEnvelope(context.Background(), n.NodeID)
	return env, nil
}

// Envelopes streams this node's envelope log from a cursor.
func (n *Node) Envelopes(cursor int64) (*logstore.Iterator, error) {
	log, err := n.log(logstore.KindEnvelopes)
	if err != nil {
		return nil, err
	}
	return log.Scan(cursor)
}
