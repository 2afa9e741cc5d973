// Package patch implements the correction workflow: every fix is additive. A
// drift signal produces a patch record, the patch collects the approvals its
// severity demands, and applying it seals a new episode; the original episode
// is never touched. A failing patch emits a fresh drift signal against the
// patch itself.
package patch

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/credmesh/credmesh/pkg/drift"
	"github.com/credmesh/credmesh/pkg/fault"
)

// Status is the patch lifecycle state.
type Status string

const (
	StatusProposed Status = "proposed"
	StatusApproved Status = "approved"
	StatusApplied  Status = "applied"
	StatusFailed   Status = "failed"
)

// Approval roles on the ladder.
const (
	RoleOwner          = "owner"
	RoleReviewer       = "reviewer"
	RoleGovernanceLead = "governance_lead"
)

// RequiredApprovals returns the ladder for a drift severity: green patches
// auto-approve, yellow needs the owner, red needs a reviewer plus the
// governance lead.
func RequiredApprovals(sev drift.Severity) []string {
	switch sev {
	case drift.SeverityGreen:
		return nil
	case drift.SeverityYellow:
		return []string{RoleOwner}
	default:
		return []string{RoleReviewer, RoleGovernanceLead}
	}
}

// Approval records one sign-off.
type Approval struct {
	Role  string    `json:"role"`
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
}

// Patch is one additive correction record.
type Patch struct {
	PatchID          string          `json:"patch_id"`
	DriftRef         string          `json:"drift_ref"`
	Type             drift.PatchType `json:"patch_type"`
	Severity         drift.Severity  `json:"severity"`
	RollbackPlan     string          `json:"rollback_plan"`
	ExpectedCIImpact float64         `json:"expected_ci_impact"`
	Status           Status          `json:"status"`
	Approvals        []Approval      `json:"approvals"`
	PendingRoles     []string        `json:"pending_roles"`
	AppliedEpisode   string          `json:"applied_episode,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// SealFunc seals the patch as a new episode and returns its episode id.
type SealFunc func(Patch) (string, error)

// Engine drives patches from proposal to applied episode.
type Engine struct {
	mu      sync.Mutex
	det     *drift.Detector
	clock   func() time.Time
	patches map[string]*Patch
}

// NewEngine wires the patch engine to a drift detector.
func NewEngine(det *drift.Detector) *Engine {
	return &Engine{
		det:     det,
		clock:   time.Now,
		patches: make(map[string]*Patch),
	}
}

// WithClock overrides the clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Propose creates a patch for a drift signal. The patch type comes from the
// signal's recommendation; the approval ladder from its severity. PatchID is
// generated when empty.
func (e *Engine) Propose(patchID, driftID, rollbackPlan string, expectedImpact float64) (Patch, error) {
	sig, ok := e.det.Signal(driftID)
	if !ok {
		return Patch{}, fault.Field("drift_ref", "drift signal "+driftID+" not found")
	}
	if rollbackPlan == "" {
		return Patch{}, fault.Field("rollback_plan", "a patch without a rollback plan is not reviewable")
	}
	if patchID == "" {
		patchID = "PATCH-" + uuid.NewString()[:8]
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.patches[patchID]; exists {
		return Patch{}, fault.Field("patch_id", "patch id "+patchID+" already exists")
	}

	pending := RequiredApprovals(sig.Severity)
	status := StatusProposed
	if len(pending) == 0 {
		status = StatusApproved
	}
	p := &Patch{
		PatchID:          patchID,
		DriftRef:         driftID,
		Type:             sig.RecommendedPatchType,
		Severity:         sig.Severity,
		RollbackPlan:     rollbackPlan,
		ExpectedCIImpact: expectedImpact,
		Status:           status,
		PendingRoles:     append([]string(nil), pending...),
		CreatedAt:        e.clock().UTC(),
	}
	e.patches[patchID] = p
	return *p, nil
}

// Approve records a sign-off. The role must be on the pending ladder; once
// the ladder is empty the patch is approved.
func (e *Engine) Approve(patchID, role, actor string) (Patch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.patches[patchID]
	if !ok {
		return Patch{}, fault.Field("patch_id", "patch "+patchID+" not found")
	}
	if p.Status != StatusProposed {
		return Patch{}, fault.Newf(fault.KindPolicyViolation, "patch %s is %s, not awaiting approval", patchID, p.Status)
	}

	idx := -1
	for i, r := range p.PendingRoles {
		if r == role {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Patch{}, fault.Newf(fault.KindAuthorityDeny, "role %s is not on the approval ladder for %s severity", role, p.Severity)
	}
	p.PendingRoles = append(p.PendingRoles[:idx], p.PendingRoles[idx+1:]...)
	p.Approvals = append(p.Approvals, Approval{Role: role, Actor: actor, At: e.clock().UTC()})
	if len(p.PendingRoles) == 0 {
		p.Status = StatusApproved
	}
	return *p, nil
}

// Apply seals an approved patch as a new episode and resolves the drift
// signal. When sealing fails, the patch is marked failed and a new drift
// signal is emitted against the patch itself.
func (e *Engine) Apply(patchID string, seal SealFunc) (Patch, error) {
	e.mu.Lock()
	p, ok := e.patches[patchID]
	if !ok {
		e.mu.Unlock()
		return Patch{}, fault.Field("patch_id", "patch "+patchID+" not found")
	}
	if p.Status != StatusApproved {
		e.mu.Unlock()
		return Patch{}, fault.Newf(fault.KindPolicyViolation, "patch %s is %s; only approved patches apply", patchID, p.Status)
	}
	snapshot := *p
	e.mu.Unlock()

	episodeID, err := seal(snapshot)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		p.Status = StatusFailed
		_, _, emitErr := e.det.Emit(drift.Observation{
			EpisodeID:    patchID,
			Type:         drift.TypeOutcome,
			Severity:     drift.SeverityRed,
			EvidenceRefs: []string{patchID, p.DriftRef},
			Notes:        "patch application failed: " + err.Error(),
		})
		if emitErr != nil {
			return *p, emitErr
		}
		return *p, fault.Wrap(fault.KindPolicyViolation, err, "patch "+patchID+" failed to seal")
	}

	p.Status = StatusApplied
	p.AppliedEpisode = episodeID
	if err := e.det.Resolve(p.DriftRef, p.PatchID); err != nil {
		return *p, err
	}
	return *p, nil
}

// Patch returns a copy of a patch record.
func (e *Engine) Patch(patchID string) (Patch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.patches[patchID]
	if !ok {
		return Patch{}, false
	}
	return *p, true
}

// Patches returns copies of all patch records.
func (e *Engine) Patches() []Patch {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Patch, 0, len(e.patches))
	for _, p := range e.patches {
		out = append(out, *p)
	}
	return out
}
