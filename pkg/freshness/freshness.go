// Package freshness implements half-life decay, claim refresh and per-source
// watermarks. It owns the clock-driven side of the lattice: the lattice holds
// the state, this package decides when that state has gone stale.
package freshness

import (
	"math"
	"sync"
	"time"

	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/lattice"
)

// RefreshTrigger names the condition that regenerates a claim.
const (
	TriggerExpiry        = "expiry"
	TriggerContradiction = "contradiction"
	TriggerNewSource     = "new_source"
	TriggerSchedule      = "schedule"
)

// stallThreshold is how long a source watermark may sit still before the
// source is declared signal-lost.
const stallThreshold = 5 * time.Minute

// Decay records one applied decay step batch for a claim.
type Decay struct {
	ClaimID    string    `json:"claim_id"`
	Steps      int       `json:"steps"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// RefreshRequest marks a claim past its expiry that needs refresh or
// supersession before it can be trusted again.
type RefreshRequest struct {
	ClaimID   string    `json:"claim_id"`
	Trigger   string    `json:"trigger"`
	ExpiredAt time.Time `json:"expired_at"`
}

// SignalLoss reports a source whose watermark has stalled.
type SignalLoss struct {
	SourceID   string        `json:"source_id"`
	Watermark  time.Time     `json:"watermark"`
	StalledFor time.Duration `json:"stalled_for"`
}

// SweepResult is everything one clock tick produced.
type SweepResult struct {
	Decays    []Decay
	Refreshes []RefreshRequest
	Losses    []SignalLoss
}

type watermark struct {
	high     time.Time // high-water event_time, monotone
	advanced time.Time // wall-clock instant of the last advance
	lost     bool
}

// Manager drives decay and watermark tracking over a lattice.
type Manager struct {
	mu         sync.Mutex
	lat        *lattice.Lattice
	clock      func() time.Time
	watermarks map[string]*watermark
}

// NewManager wires a freshness manager to a lattice.
func NewManager(lat *lattice.Lattice) *Manager {
	return &Manager{
		lat:        lat,
		clock:      time.Now,
		watermarks: make(map[string]*watermark),
	}
}

// WithClock overrides the clock for deterministic sweeps.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Advance moves a source watermark to eventTime if it is ahead. The watermark
// never moves backwards; late evidence leaves it untouched but still counts
// as liveness.
func (m *Manager) Advance(sourceID string, eventTime time.Time) {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watermarks[sourceID]
	if !ok {
		w = &watermark{}
		m.watermarks[sourceID] = w
	}
	if eventTime.After(w.high) {
		w.high = eventTime
	}
	w.advanced = now
	w.lost = false
}

// Watermark returns the high-water event time for a source.
func (m *Manager) Watermark(sourceID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watermarks[sourceID]
	if !ok {
		return time.Time{}, false
	}
	return w.high, true
}

// Sweep applies pending decay steps, collects refresh requests for expired
// claims and reports stalled sources. It is idempotent for a fixed instant.
func (m *Manager) Sweep(at time.Time) SweepResult {
	var res SweepResult

	for _, c := range m.lat.CurrentClaims() {
		if c.HalfLife.Perpetual() {
			continue
		}
		period := c.HalfLife.Duration()
		if period <= 0 {
			continue
		}
		elapsed := at.Sub(c.TimestampCreated)
		due := int(elapsed / period)
		if due > c.DecaySteps {
			delta := due - c.DecaySteps
			factor := math.Pow(0.5, float64(delta))
			var after float64
			err := m.lat.Update(c.ClaimID, func(cl *lattice.Claim) {
				cl.Confidence.Score *= factor
				cl.DecaySteps = due
				after = cl.Confidence.Score
			})
			if err == nil {
				res.Decays = append(res.Decays, Decay{
					ClaimID:    c.ClaimID,
					Steps:      due,
					Confidence: after,
					At:         at,
				})
			}
		}
		if c.HalfLife.ExpiresAt != nil && at.After(*c.HalfLife.ExpiresAt) {
			trigger := c.HalfLife.RefreshTrigger
			if trigger == "" {
				trigger = TriggerExpiry
			}
			res.Refreshes = append(res.Refreshes, RefreshRequest{
				ClaimID:   c.ClaimID,
				Trigger:   trigger,
				ExpiredAt: *c.HalfLife.ExpiresAt,
			})
		}
	}

	m.mu.Lock()
	for id, w := range m.watermarks {
		if w.lost || w.advanced.IsZero() {
			continue
		}
		stalled := at.Sub(w.advanced)
		if stalled > stallThreshold {
			w.lost = true
			res.Losses = append(res.Losses, SignalLoss{
				SourceID:   id,
				Watermark:  w.high,
				StalledFor: stalled,
			})
		}
	}
	m.mu.Unlock()

	return res
}

// Refresh regenerates an expired or decayed claim in place: confidence is
// restored to the given score, decay steps reset and the expiry window
// restarts from now.
func (m *Manager) Refresh(claimID string, score float64, at time.Time) error {
	if score < 0 || score > 1 {
		return fault.Field("confidence", "refreshed confidence must be in [0,1]")
	}
	return m.lat.Update(claimID, func(c *lattice.Claim) {
		c.Confidence.Score = score
		c.DecaySteps = 0
		if !c.HalfLife.Perpetual() {
			exp := at.Add(c.HalfLife.Duration())
			c.HalfLife.ExpiresAt = &exp
			c.TimestampCreated = at
		}
	})
}
