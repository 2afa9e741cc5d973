package abp

import (
	"time"

	"github.com/credmesh/credmesh/pkg/canonicalize"
	"github.com/credmesh/credmesh/pkg/fault"
)

// Build assembles and seals an ABP. Steps: stamp created_at from the clock,
// assemble with empty abp_id and hash, derive the deterministic id, reject
// contradictions, then compute the content hash.
func Build(scope string, ref AuthorityRef, cfg Config, clock func() time.Time) (*ABP, error) {
	createdAt := clock().UTC()

	a := &ABP{
		ABPVersion:       Version,
		Scope:            scope,
		AuthorityRef:     ref,
		Objectives:       cfg.Objectives,
		Tools:            cfg.Tools,
		Data:             cfg.Data,
		Approvals:        cfg.Approvals,
		Escalation:       cfg.Escalation,
		Runtime:          cfg.Runtime,
		Proof:            Proof{Required: canonicalize.SortedStrings(cfg.Proof.Required)},
		Composition:      Composition{Children: []ChildRef{}},
		DelegationReview: cfg.DelegationReview,
		EffectiveAt:      cfg.EffectiveAt.UTC(),
		ExpiresAt:        cfg.ExpiresAt,
		CreatedAt:        createdAt,
	}
	if a.EffectiveAt.IsZero() {
		a.EffectiveAt = createdAt
	}

	// Nil slices would serialize as null and fail the schema; boundary lists
	// are always arrays.
	if a.Objectives.Allowed == nil {
		a.Objectives.Allowed = []string{}
	}
	if a.Objectives.Denied == nil {
		a.Objectives.Denied = []string{}
	}
	if a.Tools.Allow == nil {
		a.Tools.Allow = []string{}
	}
	if a.Tools.Deny == nil {
		a.Tools.Deny = []string{}
	}

	id, err := DeriveID(scope, ref, createdAt)
	if err != nil {
		return nil, err
	}
	a.ABPID = id

	if err := CheckContradictions(a); err != nil {
		return nil, err
	}

	if err := Reseal(a); err != nil {
		return nil, err
	}
	return a, nil
}

// DeriveID computes the deterministic ABP identifier
// "ABP-" + sha256_canonical({scope, authority_ref, created_at})[:8].
func DeriveID(scope string, ref AuthorityRef, createdAt time.Time) (string, error) {
	digest, err := canonicalize.HashCanonical(map[string]any{
		"scope":         scope,
		"authority_ref": ref,
		"created_at":    canonicalize.FormatTime(createdAt),
	})
	if err != nil {
		return "", fault.Wrap(fault.KindInputInvalid, err, "deriving abp_id")
	}
	return "ABP-" + canonicalize.ShortHash(digest, 8), nil
}

// CheckContradictions fails with ABP_CONTRADICTION when any objective ID is
// both allowed and denied, or any tool name is both allowed and denied.
func CheckContradictions(a *ABP) error {
	denied := make(map[string]bool, len(a.Objectives.Denied))
	for _, d := range a.Objectives.Denied {
		denied[d] = true
	}
	for _, o := range a.Objectives.Allowed {
		if denied[o] {
			return fault.Newf(fault.KindABPContradiction, "objective %q is both allowed and denied", o)
		}
	}

	deniedTools := make(map[string]bool, len(a.Tools.Deny))
	for _, d := range a.Tools.Deny {
		deniedTools[d] = true
	}
	for _, tl := range a.Tools.Allow {
		if deniedTools[tl] {
			return fault.Newf(fault.KindABPContradiction, "tool %q is both allowed and denied", tl)
		}
	}
	return nil
}

// Reseal recomputes the ABP content hash (hash field blanked during the
// computation) and writes it back.
func Reseal(a *ABP) error {
	h, err := canonicalize.HashEmbedded(a, "hash")
	if err != nil {
		return fault.Wrap(fault.KindInputInvalid, err, "hashing abp")
	}
	a.Hash = h
	return nil
}

// Compose merges children into parent: list fields concatenate, proof
// requirements union, delegation-review triggers dedupe by id (first wins),
// and the tightest review timeout applies. The parent hash is recomputed
// after the children are injected.
func Compose(parent *ABP, children ...*ABP) (*ABP, error) {
	// The merge appends to every list field, so each one gets its own backing
	// array: the parent must stay untouched.
	merged := *parent
	merged.Objectives.Allowed = cloneSlice(parent.Objectives.Allowed)
	merged.Objectives.Denied = cloneSlice(parent.Objectives.Denied)
	merged.Tools.Allow = cloneSlice(parent.Tools.Allow)
	merged.Tools.Deny = cloneSlice(parent.Tools.Deny)
	merged.Data = cloneSlice(parent.Data)
	merged.Approvals = cloneSlice(parent.Approvals)
	merged.Escalation = cloneSlice(parent.Escalation)
	merged.Runtime = cloneSlice(parent.Runtime)
	merged.Proof.Required = cloneSlice(parent.Proof.Required)
	merged.Composition.Children = cloneSlice(parent.Composition.Children)
	if parent.DelegationReview != nil {
		dr := *parent.DelegationReview
		dr.Triggers = cloneSlice(parent.DelegationReview.Triggers)
		merged.DelegationReview = &dr
	}
	merged.Children()

	for _, c := range children {
		merged.Objectives.Allowed = append(merged.Objectives.Allowed, c.Objectives.Allowed...)
		merged.Objectives.Denied = append(merged.Objectives.Denied, c.Objectives.Denied...)
		merged.Tools.Allow = append(merged.Tools.Allow, c.Tools.Allow...)
		merged.Tools.Deny = append(merged.Tools.Deny, c.Tools.Deny...)
		merged.Data = append(merged.Data, c.Data...)
		merged.Approvals = append(merged.Approvals, c.Approvals...)
		merged.Escalation = append(merged.Escalation, c.Escalation...)
		merged.Runtime = append(merged.Runtime, c.Runtime...)
		merged.Proof.Required = append(merged.Proof.Required, c.Proof.Required...)

		merged.Composition.Children = append(merged.Composition.Children, ChildRef{
			ABPID: c.ABPID,
			Hash:  c.Hash,
		})

		if c.DelegationReview != nil {
			if merged.DelegationReview == nil {
				dr := *c.DelegationReview
				dr.Triggers = cloneSlice(c.DelegationReview.Triggers)
				merged.DelegationReview = &dr
			} else {
				mergeReview(merged.DelegationReview, c.DelegationReview)
			}
		}
	}

	merged.Proof.Required = canonicalize.SortedStrings(merged.Proof.Required)

	if err := CheckContradictions(&merged); err != nil {
		return nil, err
	}
	if err := Reseal(&merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// Children ensures the children slice is non-nil so composition serializes as
// an array rather than null.
func (a *ABP) Children() {
	if a.Composition.Children == nil {
		a.Composition.Children = []ChildRef{}
	}
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}

func mergeReview(dst, src *DelegationReview) {
	seen := make(map[string]bool, len(dst.Triggers))
	for _, t := range dst.Triggers {
		seen[t.ID] = true
	}
	for _, t := range src.Triggers {
		if !seen[t.ID] {
			seen[t.ID] = true
			dst.Triggers = append(dst.Triggers, t)
		}
	}
	if src.ReviewPolicy.TimeoutMS > 0 &&
		(dst.ReviewPolicy.TimeoutMS == 0 || src.ReviewPolicy.TimeoutMS < dst.ReviewPolicy.TimeoutMS) {
		dst.ReviewPolicy.TimeoutMS = src.ReviewPolicy.TimeoutMS
	}
}
