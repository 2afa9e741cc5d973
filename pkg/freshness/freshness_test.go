package freshness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credmesh/credmesh/pkg/lattice"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func seedClaim(t *testing.T, lat *lattice.Lattice, id string, halfLife lattice.HalfLife, truthType lattice.TruthType) {
	t.Helper()
	require.NoError(t, lat.RegisterSource(lattice.Source{
		SourceID:         "src-a",
		Tier:             1,
		CorrelationGroup: "grp-a",
		Region:           "eu",
		Status:           lattice.SourceActive,
	}))
	_, err := lat.AddClaim(lattice.Claim{
		ClaimID:   id,
		Tier:      1,
		Statement: "checkout error rate stays below one percent",
		Scope: lattice.Scope{
			Domain: "payments",
			Region: "eu-west",
			Window: lattice.ScopeWindow{From: t0},
		},
		TruthType:        truthType,
		Confidence:       lattice.Confidence{Score: 0.9},
		Sources:          []string{"src-a"},
		Owner:            "payments-steward",
		TimestampCreated: t0,
		HalfLife:         halfLife,
	})
	require.NoError(t, err)
}

func TestSweepAppliesDecaySteps(t *testing.T) {
	lat := lattice.New().WithClock(func() time.Time { return t0 })
	seedClaim(t, lat, "CLAIM-2026-0001", lattice.HalfLife{Value: 6, Unit: lattice.UnitHours}, lattice.TruthObservation)
	m := NewManager(lat).WithClock(func() time.Time { return t0 })

	res := m.Sweep(t0.Add(time.Hour))
	assert.Empty(t, res.Decays, "no decay inside the first half-life")

	res = m.Sweep(t0.Add(7 * time.Hour))
	require.Len(t, res.Decays, 1)
	assert.Equal(t, 1, res.Decays[0].Steps)
	assert.InDelta(t, 0.45, res.Decays[0].Confidence, 1e-9)

	// Two more half-lives in one sweep collapse into a single batch.
	res = m.Sweep(t0.Add(19 * time.Hour))
	require.Len(t, res.Decays, 1)
	assert.Equal(t, 3, res.Decays[0].Steps)
	assert.InDelta(t, 0.1125, res.Decays[0].Confidence, 1e-9)

	// Idempotent for a fixed instant.
	res = m.Sweep(t0.Add(19 * time.Hour))
	assert.Empty(t, res.Decays)

	got, ok := lat.Claim("CLAIM-2026-0001")
	require.True(t, ok)
	assert.Equal(t, lattice.LightRed, got.StatusLight)
}

func TestSweepSkipsPerpetualClaims(t *testing.T) {
	lat := lattice.New().WithClock(func() time.Time { return t0 })
	seedClaim(t, lat, "CLAIM-2026-0001", lattice.HalfLife{Value: 0}, lattice.TruthNorm)
	m := NewManager(lat).WithClock(func() time.Time { return t0 })

	res := m.Sweep(t0.Add(365 * 24 * time.Hour))
	assert.Empty(t, res.Decays)
	assert.Empty(t, res.Refreshes)

	got, _ := lat.Claim("CLAIM-2026-0001")
	assert.InDelta(t, 0.9, got.Confidence.Score, 1e-9)
}

func TestSweepFlagsExpiredClaims(t *testing.T) {
	lat := lattice.New().WithClock(func() time.Time { return t0 })
	seedClaim(t, lat, "CLAIM-2026-0001", lattice.HalfLife{Value: 6, Unit: lattice.UnitHours, RefreshTrigger: TriggerSchedule}, lattice.TruthObservation)
	m := NewManager(lat).WithClock(func() time.Time { return t0 })

	res := m.Sweep(t0.Add(7 * time.Hour))
	require.Len(t, res.Refreshes, 1)
	assert.Equal(t, "CLAIM-2026-0001", res.Refreshes[0].ClaimID)
	assert.Equal(t, TriggerSchedule, res.Refreshes[0].Trigger)
	assert.Equal(t, t0.Add(6*time.Hour), res.Refreshes[0].ExpiredAt)
}

func TestRefreshRestartsDecay(t *testing.T) {
	lat := lattice.New().WithClock(func() time.Time { return t0 })
	seedClaim(t, lat, "CLAIM-2026-0001", lattice.HalfLife{Value: 6, Unit: lattice.UnitHours}, lattice.TruthObservation)
	m := NewManager(lat).WithClock(func() time.Time { return t0 })

	m.Sweep(t0.Add(13 * time.Hour))
	refreshedAt := t0.Add(13 * time.Hour)
	require.NoError(t, m.Refresh("CLAIM-2026-0001", 0.88, refreshedAt))

	got, ok := lat.Claim("CLAIM-2026-0001")
	require.True(t, ok)
	assert.InDelta(t, 0.88, got.Confidence.Score, 1e-9)
	assert.Equal(t, 0, got.DecaySteps)
	assert.Equal(t, refreshedAt.Add(6*time.Hour), *got.HalfLife.ExpiresAt)

	res := m.Sweep(refreshedAt.Add(time.Hour))
	assert.Empty(t, res.Decays)
	assert.Empty(t, res.Refreshes)

	assert.Error(t, m.Refresh("CLAIM-2026-0001", 1.5, refreshedAt))
}

func TestWatermarkMonotoneAndSignalLoss(t *testing.T) {
	lat := lattice.New()
	now := t0
	m := NewManager(lat).WithClock(func() time.Time { return now })

	m.Advance("src-a", t0.Add(-time.Minute))
	m.Advance("src-a", t0.Add(-3*time.Minute)) // late evidence

	wm, ok := m.Watermark("src-a")
	require.True(t, ok)
	assert.Equal(t, t0.Add(-time.Minute), wm, "watermark never moves backwards")

	res := m.Sweep(t0.Add(4 * time.Minute))
	assert.Empty(t, res.Losses)

	res = m.Sweep(t0.Add(6 * time.Minute))
	require.Len(t, res.Losses, 1)
	assert.Equal(t, "src-a", res.Losses[0].SourceID)
	assert.Equal(t, 6*time.Minute, res.Losses[0].StalledFor)

	// Loss is reported once until the source speaks again.
	res = m.Sweep(t0.Add(10 * time.Minute))
	assert.Empty(t, res.Losses)

	now = t0.Add(12 * time.Minute)
	m.Advance("src-a", t0.Add(11*time.Minute))
	res = m.Sweep(t0.Add(20 * time.Minute))
	require.Len(t, res.Losses, 1)
	assert.Equal(t, t0.Add(11*time.Minute), res.Losses[0].Watermark)
}
