// Package credibility computes the 0-100 credibility index for a tenant from
// a lattice snapshot and the active drift set. The score is deterministic
// given the snapshot and a declared scoring policy; the policy's canonical
// hash is embedded in every snapshot so two readers can tell whether they are
// comparing scores under the same rules.
package credibility

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/credmesh/credmesh/pkg/canonicalize"
	"github.com/credmesh/credmesh/pkg/crypto"
	"github.com/credmesh/credmesh/pkg/fault"
)

// Policy declares every coefficient the scorer uses. Weights are never
// hard-coded in the scorer: changing a number changes the policy hash.
type Policy struct {
	Version             int                `json:"version" yaml:"version"`
	ConfidenceThreshold float64            `json:"confidence_threshold" yaml:"confidence_threshold"`
	TierWeights         map[int]float64    `json:"tier_weights" yaml:"tier_weights"`
	SeverityWeights     map[string]float64 `json:"severity_weights" yaml:"severity_weights"`
	AuthoritySurcharges map[string]float64 `json:"authority_surcharges" yaml:"authority_surcharges"`
	Tier0Cascade        float64            `json:"tier0_cascade" yaml:"tier0_cascade"`
	CorrelationWeight   float64            `json:"correlation_weight" yaml:"correlation_weight"`
	ConcentrationCap    float64            `json:"concentration_cap" yaml:"concentration_cap"`
	MarginGrace         int                `json:"margin_grace" yaml:"margin_grace"`
	MarginWeight        float64            `json:"margin_weight" yaml:"margin_weight"`
	TTLWeight           float64            `json:"ttl_weight" yaml:"ttl_weight"`
	BonusTwoGroups      float64            `json:"bonus_two_groups" yaml:"bonus_two_groups"`
	BonusThreeGroups    float64            `json:"bonus_three_groups" yaml:"bonus_three_groups"`
}

// DefaultPolicy is the shipped demo policy. The bypass surcharge exists
// because a bypass drift is an authority violation on top of its severity:
// one red bypass costs 3.00 + 1.25.
func DefaultPolicy() Policy {
	return Policy{
		Version:             1,
		ConfidenceThreshold: 0.80,
		TierWeights:         map[int]float64{0: 1.5, 1: 1.2, 2: 1.0, 3: 0.8},
		SeverityWeights:     map[string]float64{"green": 0.01, "yellow": 0.5, "red": 3.0},
		AuthoritySurcharges: map[string]float64{"bypass": 1.25},
		Tier0Cascade:        1.5,
		CorrelationWeight:   40.0,
		ConcentrationCap:    0.4,
		MarginGrace:         2,
		MarginWeight:        2.0,
		TTLWeight:           0.1,
		BonusTwoGroups:      1.0,
		BonusThreeGroups:    2.0,
	}
}

// Hash returns the canonical hash of the policy.
func (p Policy) Hash() (string, error) {
	return canonicalize.HashCanonical(p)
}

func (p Policy) validate() error {
	if p.ConfidenceThreshold <= 0 || p.ConfidenceThreshold > 1 {
		return fault.Field("confidence_threshold", "threshold must be in (0,1]")
	}
	if len(p.SeverityWeights) == 0 {
		return fault.Field("severity_weights", "severity weights are required")
	}
	if p.ConcentrationCap <= 0 || p.ConcentrationCap > 1 {
		return fault.Field("concentration_cap", "cap must be in (0,1]")
	}
	return nil
}

// LoadPolicy reads a scoring policy from a YAML file.
func LoadPolicy(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fault.Wrap(fault.KindFilesystem, err, "read scoring policy")
	}
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fault.Wrap(fault.KindInputInvalid, err, "parse scoring policy")
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// SignedPolicy is the distributable scoring policy artifact: the policy, its
// canonical hash and a signature over that hash.
type SignedPolicy struct {
	Policy     Policy `json:"policy" yaml:"policy"`
	PolicyHash string `json:"policy_hash" yaml:"policy_hash"`
	Signature  string `json:"signature" yaml:"signature"`
	KeyID      string `json:"key_id" yaml:"key_id"`
	Algorithm  string `json:"algorithm" yaml:"algorithm"`
}

// SignPolicy seals a policy under the given provider.
func SignPolicy(p Policy, prov crypto.Provider) (SignedPolicy, error) {
	if err := p.validate(); err != nil {
		return SignedPolicy{}, err
	}
	hash, err := p.Hash()
	if err != nil {
		return SignedPolicy{}, err
	}
	sig, err := prov.Sign([]byte(hash))
	if err != nil {
		return SignedPolicy{}, err
	}
	return SignedPolicy{
		Policy:     p,
		PolicyHash: hash,
		Signature:  sig,
		KeyID:      prov.KeyID(),
		Algorithm:  prov.Algorithm(),
	}, nil
}

// Verify checks both the hash binding and the signature.
func (sp SignedPolicy) Verify(prov crypto.Provider) error {
	hash, err := sp.Policy.Hash()
	if err != nil {
		return err
	}
	if hash != sp.PolicyHash {
		return fault.New(fault.KindHashMismatch, "scoring policy hash does not match its contents")
	}
	ok, err := prov.Verify([]byte(sp.PolicyHash), sp.Signature)
	if err != nil {
		return fault.Wrap(fault.KindPolicyViolation, err, "scoring policy signature check failed")
	}
	if !ok {
		return fault.New(fault.KindPolicyViolation, "scoring policy signature invalid")
	}
	return nil
}
