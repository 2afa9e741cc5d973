package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/credmesh/credmesh/pkg/canonicalize"
	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/logstore"
)

// Verdict of a validation.
type Verdict string

const (
	VerdictAccept Verdict = "ACCEPT"
	VerdictReject Verdict = "REJECT"
)

// Rejection reasons. POLICY_DENY covers both ABP and policy-pack refusals.
const (
	ReasonBadSignature   = "BAD_SIGNATURE"
	ReasonStaleTimestamp = "STALE_TIMESTAMP"
	ReasonPolicyDeny     = "POLICY_DENY"
)

// Validation is one validator's verdict on one envelope.
type Validation struct {
	EnvelopeID      string    `json:"envelope_id"`
	ClaimID         string    `json:"claim_id,omitempty"`
	ValidatorNodeID string    `json:"validator_node_id"`
	ValidatorRegion string    `json:"validator_region"`
	ValidatorGroup  string    `json:"validator_group"`
	Verdict         Verdict   `json:"verdict"`
	Reason          string    `json:"reason,omitempty"`
	ValidatedAt     time.Time `json:"validated_at"`
}

// PolicyFunc inspects an envelope before acceptance; a non-empty return is a
// POLICY_DENY detail.
type PolicyFunc func(*Envelope) string

// Validator state carried by a node holding the validator capability.
// Deduplication is by (envelope_id, validator_node_id).
type ValidatorState struct {
	mu      sync.Mutex
	seen    map[string]bool
	maxSkew time.Duration
	policy  PolicyFunc
}

// NewValidatorState creates validator state. Envelopes older than maxSkew at
// validation time are stale.
func NewValidatorState(maxSkew time.Duration) *ValidatorState {
	return &ValidatorState{seen: make(map[string]bool), maxSkew: maxSkew}
}

// WithPolicy installs a policy check.
func (s *ValidatorState) WithPolicy(p PolicyFunc) *ValidatorState {
	s.policy = p
	return s
}

// Validate verifies one envelope and appends the verdict. A duplicate
// (envelope, validator) pair returns nil without re-validating.
func (n *Node) Validate(state *ValidatorState, env *Envelope) (*Validation, error) {
	if !n.Has(RoleValidator) {
		return nil, fault.Newf(fault.KindAuthorityDeny, "node %s lacks the validator capability", n.NodeID)
	}

	state.mu.Lock()
	key := env.EnvelopeID + "|" + n.NodeID
	if state.seen[key] {
		state.mu.Unlock()
		return nil, nil
	}
	state.seen[key] = true
	state.mu.Unlock()

	v := &Validation{
		EnvelopeID:      env.EnvelopeID,
		ClaimID:         env.ClaimID,
		ValidatorNodeID: n.NodeID,
		ValidatorRegion: n.Region,
		ValidatorGroup:  n.CorrelationGroup,
		Verdict:         VerdictAccept,
		ValidatedAt:     n.clock().UTC(),
	}

	reason := n.validateEnvelope(state, env)
	if reason != "" {
		v.Verdict = VerdictReject
		v.Reason = reason
	}

	log, err := n.log(logstore.KindValidations)
	if err != nil {
		return nil, err
	}
	if err := log.Append(v); err != nil {
		return nil, err
	}
	n.metrics.RecordValidation(context.Background(), string(v.Verdict), v.Reason)
	return v, nil
}

func (n *Node) validateEnvelope(state *ValidatorState, env *Envelope) string {
	// Payload integrity before signature: the signature covers the hash.
	payloadHash, err := canonicalize.HashCanonical(env.Payload)
	if err != nil || payloadHash != env.PayloadHash {
		return ReasonBadSignature
	}
	ok, err := n.Keys.Verify([]byte(env.PayloadHash), env.Signature, env.KeyID)
	if err != nil || !ok {
		return ReasonBadSignature
	}
	if state.maxSkew > 0 {
		age := n.clock().UTC().Sub(env.CreatedAt)
		if age > state.maxSkew || age < -state.maxSkew {
			return ReasonStaleTimestamp
		}
	}
	if state.policy != nil {
		if detail := state.policy(env); detail != "" {
			return ReasonPolicyDeny
		}
	}
	return ""
}

// Validations streams this node's validation log from a cursor.
func (n *Node) Validations(cursor int64) (*logstore.Iterator, error) {
	log, err := n.log(logstore.KindValidations)
	if err != nil {
		return nil, err
	}
	return log.Scan(cursor)
}
