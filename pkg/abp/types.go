// Package abp implements the Authority Boundary Primitive: the pre-runtime
// declaration of what an agent may do, bound to the append-only authority
// ledger and enforced at gate and verify time.
package abp

import (
	"time"
)

// Version is the ABP format version.
const Version = "1.0"

// AuthorityRef binds an ABP to a ledger entry by id and hash.
type AuthorityRef struct {
	AuthorityID        string `json:"authority_id"`
	AuthorityEntryHash string `json:"authority_entry_hash"`
}

// Objectives declares permitted and denied objective IDs. An ID in both lists
// is a contradiction and fails construction.
type Objectives struct {
	Allowed []string `json:"allowed"`
	Denied  []string `json:"denied"`
}

// Tools declares permitted and denied tool names.
type Tools struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// DataPermission grants access to a data domain at a ceiling classification.
type DataPermission struct {
	Domain         string `json:"domain"`
	Access         string `json:"access"` // read | write | read_write
	Classification string `json:"classification"`
}

// Approval names a required sign-off before a class of action.
type Approval struct {
	ActionClass  string `json:"action_class"`
	ApproverRole string `json:"approver_role"`
}

// EscalationPath routes a trigger condition to a role.
type EscalationPath struct {
	Trigger string `json:"trigger"`
	Route   string `json:"route"`
}

// RuntimeValidator names a validator that must run during execution.
type RuntimeValidator struct {
	Name   string `json:"name"`
	Config string `json:"config,omitempty"`
}

// Proof declares the evidence kinds the agent must produce.
type Proof struct {
	Required []string `json:"required"`
}

// ChildRef records a composed child ABP.
type ChildRef struct {
	ABPID string `json:"abp_id"`
	Hash  string `json:"hash"`
}

// Composition links an ABP into a parent/children tree.
type Composition struct {
	ParentABPID   string     `json:"parent_abp_id,omitempty"`
	ParentABPHash string     `json:"parent_abp_hash,omitempty"`
	Children      []ChildRef `json:"children"`
}

// ReviewTrigger escalates to delegation review when hit.
type ReviewTrigger struct {
	ID       string `json:"id"`
	Severity string `json:"severity"` // warn | critical
	Rule     string `json:"rule,omitempty"`
}

// ReviewPolicy defines who reviews and what they produce.
type ReviewPolicy struct {
	ApproverRole string `json:"approver_role"`
	Output       string `json:"output"`
	TimeoutMS    int64  `json:"timeout_ms"`
}

// DelegationReview is the optional review block; absent means the delegation
// review check passes vacuously.
type DelegationReview struct {
	Triggers     []ReviewTrigger `json:"triggers"`
	ReviewPolicy ReviewPolicy    `json:"review_policy"`
}

// ABP is the Authority Boundary Primitive document.
type ABP struct {
	ABPVersion       string             `json:"abp_version"`
	ABPID            string             `json:"abp_id"`
	Scope            string             `json:"scope"`
	AuthorityRef     AuthorityRef       `json:"authority_ref"`
	Objectives       Objectives         `json:"objectives"`
	Tools            Tools              `json:"tools"`
	Data             []DataPermission   `json:"data"`
	Approvals        []Approval         `json:"approvals"`
	Escalation       []EscalationPath   `json:"escalation"`
	Runtime          []RuntimeValidator `json:"runtime"`
	Proof            Proof              `json:"proof"`
	Composition      Composition        `json:"composition"`
	DelegationReview *DelegationReview  `json:"delegation_review,omitempty"`
	EffectiveAt      time.Time          `json:"effective_at"`
	ExpiresAt        *time.Time         `json:"expires_at"`
	CreatedAt        time.Time          `json:"created_at"`
	Hash             string             `json:"hash"`
}

// Config carries the buildable fields of an ABP; identity and hash fields are
// derived by the builder.
type Config struct {
	Objectives       Objectives
	Tools            Tools
	Data             []DataPermission
	Approvals        []Approval
	Escalation       []EscalationPath
	Runtime          []RuntimeValidator
	Proof            Proof
	DelegationReview *DelegationReview
	EffectiveAt      time.Time
	ExpiresAt        *time.Time
}

// AllowsTool reports whether the ABP permits the named tool: denied names
// always lose; an empty allow list permits everything not denied.
func (a *ABP) AllowsTool(name string) bool {
	for _, d := range a.Tools.Deny {
		if d == name {
			return false
		}
	}
	if len(a.Tools.Allow) == 0 {
		return true
	}
	for _, t := range a.Tools.Allow {
		if t == name {
			return true
		}
	}
	return false
}

// AllowsObjective reports whether the objective ID is permitted.
func (a *ABP) AllowsObjective(id string) bool {
	for _, d := range a.Objectives.Denied {
		if d == id {
			return false
		}
	}
	for _, o := range a.Objectives.Allowed {
		if o == id {
			return true
		}
	}
	return false
}
