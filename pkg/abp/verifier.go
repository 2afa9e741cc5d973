package abp

import (
	"encoding/json"
	"fmt"

	"github.com/credmesh/credmesh/pkg/authority"
	"github.com/credmesh/credmesh/pkg/canonicalize"
)

// Check names, reported individually in verification order.
const (
	CheckSchema           = "schema"
	CheckHashIntegrity    = "hash_integrity"
	CheckIDDeterminism    = "id_determinism"
	CheckAuthorityRef     = "authority_ref_valid"
	CheckAuthorityWindow  = "authority_not_expired"
	CheckComposition      = "composition_valid"
	CheckContradiction    = "no_contradictions"
	CheckDelegationReview = "delegation_review_valid"
)

// CheckResult is the outcome of one verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// VerificationReport aggregates the eight checks.
type VerificationReport struct {
	ABPID  string        `json:"abp_id"`
	Valid  bool          `json:"valid"`
	Checks []CheckResult `json:"checks"`
}

// Failed returns the names of failing checks.
func (r *VerificationReport) Failed() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

// Verifier runs the eight ABP checks against the authority ledger.
type Verifier struct {
	ledger *authority.Ledger
}

// NewVerifier creates a verifier bound to the tenant's authority ledger.
func NewVerifier(ledger *authority.Ledger) *Verifier {
	return &Verifier{ledger: ledger}
}

// Verify runs all checks and never short-circuits: every check reports.
func (v *Verifier) Verify(a *ABP) *VerificationReport {
	report := &VerificationReport{ABPID: a.ABPID, Valid: true}
	add := func(name string, passed bool, detail string) {
		report.Checks = append(report.Checks, CheckResult{Name: name, Passed: passed, Detail: detail})
		if !passed {
			report.Valid = false
		}
	}

	// 1. Schema conformance.
	var doc any
	raw, err := json.Marshal(a)
	if err == nil {
		err = json.Unmarshal(raw, &doc)
	}
	if err != nil {
		add(CheckSchema, false, "document not decodable: "+err.Error())
	} else if schemaErr := validateSchema(doc); schemaErr != nil {
		add(CheckSchema, false, schemaErrorDetail(schemaErr))
	} else {
		add(CheckSchema, true, "")
	}

	// 2. Hash integrity.
	recomputed, err := canonicalize.HashEmbedded(a, "hash")
	switch {
	case err != nil:
		add(CheckHashIntegrity, false, "hash recomputation failed: "+err.Error())
	case recomputed != a.Hash:
		add(CheckHashIntegrity, false, fmt.Sprintf("expected %s, actual %s", a.Hash, recomputed))
	default:
		add(CheckHashIntegrity, true, "")
	}

	// 3. ID determinism.
	derivedID, err := DeriveID(a.Scope, a.AuthorityRef, a.CreatedAt)
	switch {
	case err != nil:
		add(CheckIDDeterminism, false, "id derivation failed: "+err.Error())
	case derivedID != a.ABPID:
		add(CheckIDDeterminism, false, fmt.Sprintf("expected %s, actual %s", a.ABPID, derivedID))
	default:
		add(CheckIDDeterminism, true, "")
	}

	// 4. Authority ref valid: entry exists, hash matches, not revoked at
	// created_at.
	entry, found := v.ledger.FindByAuthority(a.AuthorityRef.AuthorityID)
	switch {
	case !found:
		add(CheckAuthorityRef, false, fmt.Sprintf("authority %s not found in ledger", a.AuthorityRef.AuthorityID))
	case entry.EntryHash != a.AuthorityRef.AuthorityEntryHash:
		add(CheckAuthorityRef, false, "authority_entry_hash does not match ledger entry")
	case v.ledger.Revoked(a.AuthorityRef.AuthorityID, a.CreatedAt):
		add(CheckAuthorityRef, false, fmt.Sprintf("Authority %s has been revoked", a.AuthorityRef.AuthorityID))
	default:
		add(CheckAuthorityRef, true, "")
	}

	// 5. Authority not expired: effective_at <= created_at <= expires_at.
	if found {
		switch {
		case a.CreatedAt.Before(entry.EffectiveAt):
			add(CheckAuthorityWindow, false, "abp created before authority effective_at")
		case entry.ExpiresAt != nil && a.CreatedAt.After(*entry.ExpiresAt):
			add(CheckAuthorityWindow, false, "abp created after authority expires_at")
		default:
			add(CheckAuthorityWindow, true, "")
		}
	} else {
		add(CheckAuthorityWindow, false, "authority entry missing, window unverifiable")
	}

	// 6. Composition valid: parent_id iff parent_hash; no duplicate child ids.
	compOK := true
	compDetail := ""
	if (a.Composition.ParentABPID == "") != (a.Composition.ParentABPHash == "") {
		compOK = false
		compDetail = "parent_abp_id and parent_abp_hash must be set together"
	}
	seen := make(map[string]bool, len(a.Composition.Children))
	for _, c := range a.Composition.Children {
		if seen[c.ABPID] {
			compOK = false
			compDetail = "duplicate child " + c.ABPID
			break
		}
		seen[c.ABPID] = true
	}
	add(CheckComposition, compOK, compDetail)

	// 7. No contradictions.
	if err := CheckContradictions(a); err != nil {
		add(CheckContradiction, false, err.Error())
	} else {
		add(CheckContradiction, true, "")
	}

	// 8. Delegation review valid; absent passes.
	if a.DelegationReview == nil {
		add(CheckDelegationReview, true, "")
	} else {
		ok, detail := validateReview(a.DelegationReview)
		add(CheckDelegationReview, ok, detail)
	}

	return report
}

func validateReview(dr *DelegationReview) (bool, string) {
	seen := make(map[string]bool, len(dr.Triggers))
	for _, t := range dr.Triggers {
		if seen[t.ID] {
			return false, "duplicate trigger id " + t.ID
		}
		seen[t.ID] = true
		if t.Severity != "warn" && t.Severity != "critical" {
			return false, fmt.Sprintf("trigger %s has invalid severity %q", t.ID, t.Severity)
		}
	}
	if dr.ReviewPolicy.ApproverRole == "" {
		return false, "review_policy.approver_role is required"
	}
	if dr.ReviewPolicy.Output == "" {
		return false, "review_policy.output is required"
	}
	return true, ""
}
