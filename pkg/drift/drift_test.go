package drift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var driftNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func fixedDetector(now *time.Time) *Detector {
	return NewDetector().WithClock(func() time.Time { return *now })
}

func TestFingerprintStability(t *testing.T) {
	a, err := FingerprintFor(TypeVerify, []string{"ev-2", "ev-1"})
	require.NoError(t, err)
	b, err := FingerprintFor(TypeVerify, []string{"ev-1", "ev-2"})
	require.NoError(t, err)
	assert.Equal(t, a.Key, b.Key, "evidence order must not change the fingerprint")
	assert.Len(t, a.Key, 8)
	assert.Equal(t, "v1", a.Version)

	c, err := FingerprintFor(TypeFreshness, []string{"ev-1", "ev-2"})
	require.NoError(t, err)
	assert.NotEqual(t, a.Key, c.Key, "drift type is part of the fingerprint")
}

func TestEmitDeduplicatesByFingerprint(t *testing.T) {
	now := driftNow
	d := fixedDetector(&now)

	first, dup, err := d.Emit(Observation{
		EpisodeID:    "ep-002",
		Type:         TypeBypass,
		Severity:     SeverityRed,
		EvidenceRefs: []string{"dlr-7"},
	})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, PatchManualReview, first.RecommendedPatchType)

	now = now.Add(time.Hour)
	second, dup, err := d.Emit(Observation{
		EpisodeID:    "ep-005",
		Type:         TypeBypass,
		Severity:     SeverityRed,
		EvidenceRefs: []string{"dlr-7"},
	})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.DriftID, second.DriftID, "duplicate collapses onto the canonical signal")
	assert.Equal(t, 2, d.Recurrence(first.Fingerprint.Key))
	assert.Len(t, d.Active(), 1)
}

func TestDRT001OpensDelegationReview(t *testing.T) {
	now := driftNow
	d := fixedDetector(&now)

	obs := Observation{
		EpisodeID:    "ep-010",
		Type:         TypeVolatility,
		Severity:     SeverityRed,
		EvidenceRefs: []string{"src:S003"},
	}
	for i := 0; i < 2; i++ {
		_, _, err := d.Emit(obs)
		require.NoError(t, err)
		now = now.Add(24 * time.Hour)
	}
	assert.Empty(t, d.Escalations())

	sig, _, err := d.Emit(obs)
	require.NoError(t, err)

	esc := d.Escalations()
	require.Len(t, esc, 1)
	assert.Equal(t, "DRT-001", esc[0].Rule)
	assert.Equal(t, sig.Fingerprint.Key, esc[0].FingerprintKey)
	assert.Equal(t, 3, esc[0].Recurrence)

	// Already escalated: further recurrence does not reopen.
	_, _, err = d.Emit(obs)
	require.NoError(t, err)
	assert.Len(t, d.Escalations(), 1)
}

func TestDRT001IgnoresStaleRecurrence(t *testing.T) {
	now := driftNow
	d := fixedDetector(&now)

	obs := Observation{
		EpisodeID:    "ep-010",
		Type:         TypeVerify,
		Severity:     SeverityYellow,
		EvidenceRefs: []string{"ev-9"},
	}
	_, _, err := d.Emit(obs)
	require.NoError(t, err)

	// The second sighting falls out of the 14-day window by the time the
	// third arrives.
	now = now.Add(10 * 24 * time.Hour)
	_, _, err = d.Emit(obs)
	require.NoError(t, err)
	now = now.Add(13 * 24 * time.Hour)
	_, _, err = d.Emit(obs)
	require.NoError(t, err)

	assert.Empty(t, d.Escalations(), "three sightings spread past the window must not trigger")
	assert.Equal(t, 3, d.Recurrence(mustFp(t, TypeVerify, []string{"ev-9"})))
}

func mustFp(t *testing.T, typ Type, refs []string) string {
	t.Helper()
	fp, err := FingerprintFor(typ, refs)
	require.NoError(t, err)
	return fp.Key
}

func TestResolveMarksSignal(t *testing.T) {
	now := driftNow
	d := fixedDetector(&now)

	sig, _, err := d.Emit(Observation{
		DriftID:      "drift-cycle-001",
		EpisodeID:    "ep-002",
		Type:         TypeBypass,
		Severity:     SeverityRed,
		EvidenceRefs: []string{"dlr-7"},
	})
	require.NoError(t, err)
	require.Equal(t, "drift-cycle-001", sig.DriftID)

	require.NoError(t, d.Resolve("drift-cycle-001", "patch-cycle-001"))
	got, ok := d.Signal("drift-cycle-001")
	require.True(t, ok)
	assert.True(t, got.Resolved)
	assert.Equal(t, "patch-cycle-001", got.ResolvedBy)
	assert.Empty(t, d.Active())

	assert.Error(t, d.Resolve("ghost", "patch-x"))
}

func TestEmitValidation(t *testing.T) {
	now := driftNow
	d := fixedDetector(&now)

	_, _, err := d.Emit(Observation{Type: TypeTime, Severity: SeverityGreen})
	assert.Error(t, err, "episode id required")

	_, _, err = d.Emit(Observation{EpisodeID: "ep-1", Type: Type("weather"), Severity: SeverityGreen})
	assert.Error(t, err, "unknown drift type")

	_, _, err = d.Emit(Observation{EpisodeID: "ep-1", Type: TypeTime, Severity: Severity("purple")})
	assert.Error(t, err, "unknown severity")
}

func TestRecommendedPatchCoversEveryType(t *testing.T) {
	for _, typ := range KnownTypes {
		p, err := RecommendedPatch(typ)
		require.NoError(t, err, "type %s", typ)
		assert.NotEmpty(t, p)
	}
	_, err := RecommendedPatch(Type("weather"))
	assert.Error(t, err)
}

func TestSeverityDerivation(t *testing.T) {
	assert.Equal(t, SeverityGreen, TimeSeverity(900*time.Millisecond, time.Second))
	assert.Equal(t, SeverityYellow, TimeSeverity(1200*time.Millisecond, time.Second))
	assert.Equal(t, SeverityRed, TimeSeverity(2*time.Second, time.Second))

	assert.Equal(t, SeverityGreen, FreshnessSeverity(false, 0))
	assert.Equal(t, SeverityYellow, FreshnessSeverity(true, 2))
	assert.Equal(t, SeverityRed, FreshnessSeverity(true, 0))

	assert.Equal(t, SeverityGreen, VerifySeverity(0, 1))
	assert.Equal(t, SeverityYellow, VerifySeverity(1, 2))
	assert.Equal(t, SeverityRed, VerifySeverity(1, 0))
	assert.Equal(t, SeverityRed, VerifySeverity(2, 3))

	assert.Equal(t, SeverityYellow, BypassSeverity(true))
	assert.Equal(t, SeverityRed, BypassSeverity(false))

	assert.Equal(t, SeverityGreen, ContentionSeverity(0.5))
	assert.Equal(t, SeverityYellow, ContentionSeverity(0.9))
	assert.Equal(t, SeverityRed, ContentionSeverity(0.99))

	assert.Equal(t, SeverityYellow, VolatilitySeverity(0.2))
	assert.Equal(t, SeverityRed, VolatilitySeverity(0.5))
}

func TestByFingerprintSortsByRecurrence(t *testing.T) {
	now := driftNow
	d := fixedDetector(&now)

	frequent := Observation{EpisodeID: "ep-1", Type: TypeTime, Severity: SeverityYellow, EvidenceRefs: []string{"a"}}
	rare := Observation{EpisodeID: "ep-2", Type: TypeTime, Severity: SeverityYellow, EvidenceRefs: []string{"b"}}

	for i := 0; i < 3; i++ {
		_, _, err := d.Emit(frequent)
		require.NoError(t, err)
	}
	_, _, err := d.Emit(rare)
	require.NoError(t, err)

	groups := d.ByFingerprint()
	require.Len(t, groups, 2)
	assert.Equal(t, 3, groups[0].Recurrence)
	assert.Equal(t, 1, groups[1].Recurrence)
}
