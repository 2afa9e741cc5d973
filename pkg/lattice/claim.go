package lattice

import (
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/credmesh/credmesh/pkg/fault"
)

// TruthType is the epistemic category of a claim. Perpetual half-life is
// valid only for norm and constraint claims.
type TruthType string

const (
	TruthObservation TruthType = "observation"
	TruthInference   TruthType = "inference"
	TruthAssumption  TruthType = "assumption"
	TruthForecast    TruthType = "forecast"
	TruthNorm        TruthType = "norm"
	TruthConstraint  TruthType = "constraint"
)

// StatusLight is the derived traffic light for a claim.
type StatusLight string

const (
	LightGreen  StatusLight = "green"
	LightYellow StatusLight = "yellow"
	LightRed    StatusLight = "red"
)

// QuorumState is the honest verdict on whether a claim currently holds.
type QuorumState string

const (
	QuorumOK      QuorumState = "OK"
	QuorumUnknown QuorumState = "UNKNOWN"
)

// Scope pins a claim to where, when and in what context it holds.
type Scope struct {
	Domain  string            `json:"domain"`
	Region  string            `json:"region"`
	Window  ScopeWindow       `json:"window"`
	Context map[string]string `json:"context,omitempty"`
}

// ScopeWindow bounds the validity interval; Until nil means open-ended.
type ScopeWindow struct {
	From  time.Time  `json:"from"`
	Until *time.Time `json:"until"`
}

// Confidence carries the score and its explanation.
type Confidence struct {
	Score       float64 `json:"score"`
	Explanation string  `json:"explanation"`
}

// HalfLifeUnit is the time unit for half-life values.
type HalfLifeUnit string

const (
	UnitMinutes HalfLifeUnit = "minutes"
	UnitHours   HalfLifeUnit = "hours"
	UnitDays    HalfLifeUnit = "days"
)

// HalfLife controls confidence decay and expiry. Value 0 marks a perpetual
// claim, legal only for norm/constraint truth types.
type HalfLife struct {
	Value          int          `json:"value"`
	Unit           HalfLifeUnit `json:"unit"`
	ExpiresAt      *time.Time   `json:"expiresAt"`
	RefreshTrigger string       `json:"refreshTrigger"`
}

// Duration converts the half-life to a duration; zero for perpetual.
func (h HalfLife) Duration() time.Duration {
	switch h.Unit {
	case UnitMinutes:
		return time.Duration(h.Value) * time.Minute
	case UnitHours:
		return time.Duration(h.Value) * time.Hour
	case UnitDays:
		return time.Duration(h.Value) * 24 * time.Hour
	default:
		return 0
	}
}

// Perpetual reports whether the claim never decays.
func (h HalfLife) Perpetual() bool { return h.Value == 0 }

// ClaimGraph holds the typed outbound edges of a claim, by claim/evidence ID.
type ClaimGraph struct {
	DependsOn   []string `json:"dependsOn"`
	Contradicts []string `json:"contradicts"`
	Supersedes  string   `json:"supersedes,omitempty"`
	Patches     []string `json:"patches"`
	Supports    []string `json:"supports"`
}

// Claim is one testable statement in the lattice.
type Claim struct {
	ClaimID          string      `json:"claim_id"`
	Tier             int         `json:"tier"`
	Statement        string      `json:"statement"`
	Scope            Scope       `json:"scope"`
	TruthType        TruthType   `json:"truthType"`
	Confidence       Confidence  `json:"confidence"`
	StatusLight      StatusLight `json:"statusLight"`
	Quorum           QuorumState `json:"quorumState"`
	Sources          []string    `json:"sources"`
	Evidence         []string    `json:"evidence"`
	Owner            string      `json:"owner"`
	TimestampCreated time.Time   `json:"timestampCreated"`
	Version          string      `json:"version"`
	HalfLife         HalfLife    `json:"halfLife"`
	Graph            ClaimGraph  `json:"graph"`
	Seal             string      `json:"seal,omitempty"`
	DecaySteps       int         `json:"decaySteps,omitempty"`
}

// ClaimIDFor formats the canonical claim identifier.
func ClaimIDFor(year, seq int) string {
	return fmt.Sprintf("CLAIM-%04d-%04d", year, seq)
}

func (c *Claim) validate() error {
	if c.ClaimID == "" {
		return fault.Field("claim_id", "claim_id is required")
	}
	if len(strings.TrimSpace(c.Statement)) < 10 {
		return fault.Field("statement", "statement must be a single testable sentence of at least 10 characters")
	}
	if c.Scope.Domain == "" {
		return fault.Field("scope.domain", "scope domain is required")
	}
	if c.Scope.Region == "" {
		return fault.Field("scope.region", "scope region is required")
	}
	switch c.TruthType {
	case TruthObservation, TruthInference, TruthAssumption, TruthForecast, TruthNorm, TruthConstraint:
	default:
		return fault.Field("truthType", "unknown truth type "+string(c.TruthType))
	}
	if c.Confidence.Score < 0 || c.Confidence.Score > 1 {
		return fault.Field("confidence.score", "confidence must be in [0,1]")
	}
	if len(c.Sources) == 0 {
		return fault.Field("sources", "a claim requires at least one source")
	}
	if c.HalfLife.Perpetual() && c.TruthType != TruthNorm && c.TruthType != TruthConstraint {
		return fault.Field("halfLife.value", "perpetual half-life is only valid for norm and constraint claims")
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if _, err := semver.NewVersion(c.Version); err != nil {
		return fault.Field("version", "version is not semver: "+err.Error())
	}
	return nil
}

// NextVersion bumps the minor version for a superseding claim.
func NextVersion(version string) (string, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return "", fault.Field("version", "version is not semver: "+err.Error())
	}
	next := v.IncMinor()
	return next.String(), nil
}
