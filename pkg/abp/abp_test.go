package abp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credmesh/credmesh/pkg/authority"
	"github.com/credmesh/credmesh/pkg/fault"
)

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func clockAt(s string) func() time.Time {
	t := mustTime(s)
	return func() time.Time { return t }
}

func grantedLedger(t *testing.T) (*authority.Ledger, *authority.Entry) {
	t.Helper()
	l := authority.NewLedger(nil).WithClock(clockAt("2026-01-01T00:00:00Z"))
	entry, err := l.Grant("G1", "agent-7", "dri", "scope:pricing", authority.GrantDirect,
		mustTime("2026-01-01T00:00:00Z"), nil)
	require.NoError(t, err)
	return l, entry
}

func buildValid(t *testing.T, entry *authority.Entry, clock func() time.Time) *ABP {
	t.Helper()
	a, err := Build("scope:pricing", AuthorityRef{
		AuthorityID:        entry.AuthorityID,
		AuthorityEntryHash: entry.EntryHash,
	}, Config{
		Objectives: Objectives{Allowed: []string{"obj.reprice"}, Denied: []string{"obj.delete"}},
		Tools:      Tools{Allow: []string{"pricing.update"}, Deny: []string{"db.drop"}},
		Proof:      Proof{Required: []string{"receipt", "hash_proof"}},
	}, clock)
	require.NoError(t, err)
	return a
}

func TestBuildDeterministicID(t *testing.T) {
	_, entry := grantedLedger(t)
	clock := clockAt("2026-02-01T00:00:00Z")
	a := buildValid(t, entry, clock)
	b := buildValid(t, entry, clock)
	assert.Equal(t, a.ABPID, b.ABPID)
	assert.Equal(t, a.Hash, b.Hash)
	assert.Regexp(t, `^ABP-[0-9a-f]{8}$`, a.ABPID)
}

func TestBuildRejectsContradictions(t *testing.T) {
	_, entry := grantedLedger(t)
	_, err := Build("scope:x", AuthorityRef{entry.AuthorityID, entry.EntryHash}, Config{
		Objectives: Objectives{Allowed: []string{"obj.a"}, Denied: []string{"obj.a"}},
	}, clockAt("2026-02-01T00:00:00Z"))
	assert.True(t, fault.Is(err, fault.KindABPContradiction))

	_, err = Build("scope:x", AuthorityRef{entry.AuthorityID, entry.EntryHash}, Config{
		Tools: Tools{Allow: []string{"t"}, Deny: []string{"t"}},
	}, clockAt("2026-02-01T00:00:00Z"))
	assert.True(t, fault.Is(err, fault.KindABPContradiction))
}

func TestVerifyAllChecksPass(t *testing.T) {
	l, entry := grantedLedger(t)
	a := buildValid(t, entry, clockAt("2026-02-01T00:00:00Z"))

	report := NewVerifier(l).Verify(a)
	assert.True(t, report.Valid, "failed checks: %v", report.Failed())
	assert.Len(t, report.Checks, 8)
}

func TestVerifyHashTamper(t *testing.T) {
	l, entry := grantedLedger(t)
	a := buildValid(t, entry, clockAt("2026-02-01T00:00:00Z"))
	a.Scope = "scope:escalated"

	report := NewVerifier(l).Verify(a)
	assert.False(t, report.Valid)
	assert.Contains(t, report.Failed(), CheckHashIntegrity)
	assert.Contains(t, report.Failed(), CheckIDDeterminism)
}

func TestVerifyRevokedAuthority(t *testing.T) {
	// Grant at 2026-01-01, build ABP at 2026-02-01, revoke at 2026-03-01,
	// re-verify with a later clock: authority_ref_valid must fail.
	l, entry := grantedLedger(t)
	a := buildValid(t, entry, clockAt("2026-02-01T00:00:00Z"))

	report := NewVerifier(l).Verify(a)
	require.True(t, report.Valid)

	_, err := l.Revoke("G1", "governance-lead", mustTime("2026-03-01T00:00:00Z"))
	require.NoError(t, err)

	report = NewVerifier(l).Verify(a)
	assert.False(t, report.Valid)
	assert.Contains(t, report.Failed(), CheckAuthorityRef)
	for _, c := range report.Checks {
		if c.Name == CheckAuthorityRef {
			assert.Contains(t, c.Detail, "has been revoked")
		}
	}
}

func TestVerifyAuthorityWindow(t *testing.T) {
	l := authority.NewLedger(nil).WithClock(clockAt("2026-01-01T00:00:00Z"))
	expires := mustTime("2026-01-31T00:00:00Z")
	entry, err := l.Grant("G2", "agent-9", "dri", "s", authority.GrantDirect,
		mustTime("2026-01-01T00:00:00Z"), &expires)
	require.NoError(t, err)

	// Built after the grant expired.
	a := buildValid(t, entry, clockAt("2026-02-15T00:00:00Z"))
	report := NewVerifier(l).Verify(a)
	assert.Contains(t, report.Failed(), CheckAuthorityWindow)
}

func TestVerifyCompositionRules(t *testing.T) {
	l, entry := grantedLedger(t)
	a := buildValid(t, entry, clockAt("2026-02-01T00:00:00Z"))
	a.Composition.ParentABPID = "ABP-00000000"
	require.NoError(t, Reseal(a))

	report := NewVerifier(l).Verify(a)
	assert.Contains(t, report.Failed(), CheckComposition)
}

func TestVerifyDelegationReview(t *testing.T) {
	l, entry := grantedLedger(t)
	a := buildValid(t, entry, clockAt("2026-02-01T00:00:00Z"))
	a.DelegationReview = &DelegationReview{
		Triggers: []ReviewTrigger{
			{ID: "DRT-001", Severity: "critical"},
			{ID: "DRT-001", Severity: "warn"},
		},
		ReviewPolicy: ReviewPolicy{ApproverRole: "governance_lead", Output: "review_record"},
	}
	require.NoError(t, Reseal(a))

	report := NewVerifier(l).Verify(a)
	assert.Contains(t, report.Failed(), CheckDelegationReview)
}

func TestCompose(t *testing.T) {
	l, entry := grantedLedger(t)
	parent := buildValid(t, entry, clockAt("2026-02-01T00:00:00Z"))
	child, err := Build("scope:pricing/eu", AuthorityRef{entry.AuthorityID, entry.EntryHash}, Config{
		Tools: Tools{Allow: []string{"pricing.eu.update"}},
		Proof: Proof{Required: []string{"receipt", "replay_proof"}},
		DelegationReview: &DelegationReview{
			Triggers:     []ReviewTrigger{{ID: "DRT-001", Severity: "critical"}},
			ReviewPolicy: ReviewPolicy{ApproverRole: "lead", Output: "record", TimeoutMS: 60000},
		},
	}, clockAt("2026-02-02T00:00:00Z"))
	require.NoError(t, err)

	composed, err := Compose(parent, child)
	require.NoError(t, err)

	assert.Contains(t, composed.Tools.Allow, "pricing.eu.update")
	assert.Equal(t, []string{"hash_proof", "receipt", "replay_proof"}, composed.Proof.Required)
	require.Len(t, composed.Composition.Children, 1)
	assert.Equal(t, child.ABPID, composed.Composition.Children[0].ABPID)
	assert.NotEqual(t, parent.Hash, composed.Hash)

	// Recomputed hash must validate.
	report := NewVerifier(l).Verify(composed)
	assert.NotContains(t, report.Failed(), CheckHashIntegrity)
}

func TestComposeTightestTimeoutAndTriggerDedup(t *testing.T) {
	_, entry := grantedLedger(t)
	mk := func(scope string, timeout int64, triggerID string) *ABP {
		a, err := Build(scope, AuthorityRef{entry.AuthorityID, entry.EntryHash}, Config{
			DelegationReview: &DelegationReview{
				Triggers:     []ReviewTrigger{{ID: triggerID, Severity: "warn"}},
				ReviewPolicy: ReviewPolicy{ApproverRole: "lead", Output: "record", TimeoutMS: timeout},
			},
		}, clockAt("2026-02-01T00:00:00Z"))
		require.NoError(t, err)
		return a
	}

	parent := mk("scope:p", 120000, "DRT-001")
	c1 := mk("scope:c1", 30000, "DRT-001")
	c2 := mk("scope:c2", 90000, "DRT-002")

	composed, err := Compose(parent, c1, c2)
	require.NoError(t, err)
	assert.Equal(t, int64(30000), composed.DelegationReview.ReviewPolicy.TimeoutMS)
	assert.Len(t, composed.DelegationReview.Triggers, 2)
	// First wins for DRT-001: the parent's severity.
	assert.Equal(t, "warn", composed.DelegationReview.Triggers[0].Severity)
}

func TestComposeLeavesParentUntouched(t *testing.T) {
	_, entry := grantedLedger(t)
	parent, err := Build("scope:pricing", AuthorityRef{entry.AuthorityID, entry.EntryHash}, Config{
		// Extra capacity behind the list fields must never leak into the
		// composed copy's appends.
		Tools: Tools{Allow: append(make([]string, 0, 8), "pricing.update")},
		Proof: Proof{Required: append(make([]string, 0, 8), "receipt")},
		DelegationReview: &DelegationReview{
			Triggers:     []ReviewTrigger{{ID: "DRT-001", Severity: "warn"}},
			ReviewPolicy: ReviewPolicy{ApproverRole: "lead", Output: "record", TimeoutMS: 120000},
		},
	}, clockAt("2026-02-01T00:00:00Z"))
	require.NoError(t, err)
	parentHash := parent.Hash

	child, err := Build("scope:pricing/eu", AuthorityRef{entry.AuthorityID, entry.EntryHash}, Config{
		Tools: Tools{Allow: []string{"pricing.eu.update"}},
		Proof: Proof{Required: []string{"replay_proof"}},
		DelegationReview: &DelegationReview{
			Triggers:     []ReviewTrigger{{ID: "DRT-002", Severity: "critical"}},
			ReviewPolicy: ReviewPolicy{ApproverRole: "lead", Output: "record", TimeoutMS: 30000},
		},
	}, clockAt("2026-02-02T00:00:00Z"))
	require.NoError(t, err)

	composed, err := Compose(parent, child)
	require.NoError(t, err)

	assert.Equal(t, []string{"pricing.update"}, parent.Tools.Allow)
	assert.Equal(t, []string{"receipt"}, parent.Proof.Required)
	assert.Len(t, parent.DelegationReview.Triggers, 1)
	assert.Equal(t, int64(120000), parent.DelegationReview.ReviewPolicy.TimeoutMS)
	require.NoError(t, Reseal(parent))
	assert.Equal(t, parentHash, parent.Hash, "composition must not change the parent's content")

	composed.Tools.Allow[0] = "mutated"
	composed.DelegationReview.Triggers[0].Severity = "critical"
	assert.Equal(t, "pricing.update", parent.Tools.Allow[0])
	assert.Equal(t, "warn", parent.DelegationReview.Triggers[0].Severity)
}

func TestGateBlocksMissingABP(t *testing.T) {
	l, _ := grantedLedger(t)
	report := NewVerifier(l).Gate("<html><body>export</body></html>")
	assert.False(t, report.Allowed)
	assert.Len(t, report.Checks, 10)
	assert.Equal(t, GateCheckPresence, report.Checks[0].Name)
	assert.False(t, report.Checks[0].Passed)
}

func TestGatePassesStampedExport(t *testing.T) {
	l, entry := grantedLedger(t)
	a := buildValid(t, entry, clockAt("2026-02-01T00:00:00Z"))

	html, err := EmbedInHTML("<html><body>export</body></html>", a)
	require.NoError(t, err)

	report := NewVerifier(l).Gate(html)
	assert.True(t, report.Allowed)
	assert.Len(t, report.Checks, 10)
	for _, c := range report.Checks {
		assert.True(t, c.Passed, c.Name)
	}
}

func TestAllowsToolAndObjective(t *testing.T) {
	_, entry := grantedLedger(t)
	a := buildValid(t, entry, clockAt("2026-02-01T00:00:00Z"))
	assert.True(t, a.AllowsTool("pricing.update"))
	assert.False(t, a.AllowsTool("db.drop"))
	assert.False(t, a.AllowsTool("unknown.tool"))
	assert.True(t, a.AllowsObjective("obj.reprice"))
	assert.False(t, a.AllowsObjective("obj.delete"))
	assert.False(t, a.AllowsObjective("obj.unknown"))
}
