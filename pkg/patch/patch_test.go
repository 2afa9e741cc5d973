package patch

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credmesh/credmesh/pkg/drift"
	"github.com/credmesh/credmesh/pkg/fault"
)

var patchNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func emitSignal(t *testing.T, det *drift.Detector, id string, typ drift.Type, sev drift.Severity) drift.Signal {
	t.Helper()
	sig, _, err := det.Emit(drift.Observation{
		DriftID:      id,
		EpisodeID:    "ep-002",
		Type:         typ,
		Severity:     sev,
		EvidenceRefs: []string{"dlr-7"},
	})
	require.NoError(t, err)
	return sig
}

func newEngine() (*Engine, *drift.Detector) {
	det := drift.NewDetector().WithClock(func() time.Time { return patchNow })
	return NewEngine(det).WithClock(func() time.Time { return patchNow }), det
}

func TestRequiredApprovalsLadder(t *testing.T) {
	assert.Empty(t, RequiredApprovals(drift.SeverityGreen))
	assert.Equal(t, []string{RoleOwner}, RequiredApprovals(drift.SeverityYellow))
	assert.Equal(t, []string{RoleReviewer, RoleGovernanceLead}, RequiredApprovals(drift.SeverityRed))
}

func TestGreenPatchAutoApproves(t *testing.T) {
	e, det := newEngine()
	emitSignal(t, det, "DS-green", drift.TypeTime, drift.SeverityGreen)

	p, err := e.Propose("", "DS-green", "revert deadline to previous value", 0.1)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, p.Status)
	assert.Equal(t, drift.PatchDTEChange, p.Type)
	assert.Empty(t, p.PendingRoles)
}

func TestRedPatchNeedsReviewerAndGovernanceLead(t *testing.T) {
	e, det := newEngine()
	emitSignal(t, det, "drift-cycle-001", drift.TypeBypass, drift.SeverityRed)

	p, err := e.Propose("patch-cycle-001", "drift-cycle-001", "restore scoped authority and replay episode", -4.25)
	require.NoError(t, err)
	assert.Equal(t, StatusProposed, p.Status)
	assert.Equal(t, []string{RoleReviewer, RoleGovernanceLead}, p.PendingRoles)

	// Owner is not on the red ladder.
	_, err = e.Approve("patch-cycle-001", RoleOwner, "alice")
	require.Error(t, err)
	assert.Equal(t, fault.KindAuthorityDeny, fault.KindOf(err))

	p, err = e.Approve("patch-cycle-001", RoleReviewer, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusProposed, p.Status)

	// Double sign-off by the same role is rejected.
	_, err = e.Approve("patch-cycle-001", RoleReviewer, "bob")
	require.Error(t, err)

	p, err = e.Approve("patch-cycle-001", RoleGovernanceLead, "carol")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, p.Status)
	assert.Len(t, p.Approvals, 2)
}

func TestApplySealsEpisodeAndResolvesDrift(t *testing.T) {
	e, det := newEngine()
	emitSignal(t, det, "drift-cycle-001", drift.TypeBypass, drift.SeverityRed)

	_, err := e.Propose("patch-cycle-001", "drift-cycle-001", "restore scoped authority", -4.25)
	require.NoError(t, err)
	_, err = e.Approve("patch-cycle-001", RoleReviewer, "alice")
	require.NoError(t, err)
	_, err = e.Approve("patch-cycle-001", RoleGovernanceLead, "carol")
	require.NoError(t, err)

	var sealed Patch
	p, err := e.Apply("patch-cycle-001", func(pp Patch) (string, error) {
		sealed = pp
		return "ep-004", nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, p.Status)
	assert.Equal(t, "ep-004", p.AppliedEpisode)
	assert.Equal(t, "patch-cycle-001", sealed.PatchID)

	sig, ok := det.Signal("drift-cycle-001")
	require.True(t, ok)
	assert.True(t, sig.Resolved)
	assert.Equal(t, "patch-cycle-001", sig.ResolvedBy)
}

func TestApplyRequiresApproval(t *testing.T) {
	e, det := newEngine()
	emitSignal(t, det, "DS-red", drift.TypeVerify, drift.SeverityRed)

	_, err := e.Propose("PATCH-1", "DS-red", "tighten verification", 0)
	require.NoError(t, err)

	_, err = e.Apply("PATCH-1", func(Patch) (string, error) { return "ep-x", nil })
	require.Error(t, err)
	assert.Equal(t, fault.KindPolicyViolation, fault.KindOf(err))
}

func TestFailedPatchEmitsDriftAgainstItself(t *testing.T) {
	e, det := newEngine()
	emitSignal(t, det, "DS-y", drift.TypeFreshness, drift.SeverityYellow)

	_, err := e.Propose("PATCH-1", "DS-y", "extend ttl for tier-1 evidence", 0.5)
	require.NoError(t, err)
	_, err = e.Approve("PATCH-1", RoleOwner, "alice")
	require.NoError(t, err)

	p, err := e.Apply("PATCH-1", func(Patch) (string, error) {
		return "", errors.New("seal authority unreachable")
	})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, p.Status)

	// The original drift stays unresolved and a new signal now points at the
	// patch.
	orig, _ := det.Signal("DS-y")
	assert.False(t, orig.Resolved)

	var against []drift.Signal
	for _, s := range det.Active() {
		if s.EpisodeID == "PATCH-1" {
			against = append(against, s)
		}
	}
	require.Len(t, against, 1)
	assert.Equal(t, drift.TypeOutcome, against[0].Type)
	assert.Equal(t, drift.SeverityRed, against[0].Severity)
}

func TestProposeValidation(t *testing.T) {
	e, det := newEngine()
	emitSignal(t, det, "DS-1", drift.TypeTime, drift.SeverityGreen)

	_, err := e.Propose("", "ghost", "plan", 0)
	require.Error(t, err)

	_, err = e.Propose("", "DS-1", "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rollback")

	_, err = e.Propose("P-1", "DS-1", "plan a", 0)
	require.NoError(t, err)
	_, err = e.Propose("P-1", "DS-1", "plan b", 0)
	require.Error(t, err, "patch ids are never reused")
}
