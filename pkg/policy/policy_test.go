package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/mesh"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine()
	require.NoError(t, err)
	return e
}

func demoPack() RuleSet {
	return RuleSet{
		Version: "1",
		Deny: []Rule{
			{Name: "no-unbound-envelopes", Expr: `envelope.claim_id == ""`},
			{Name: "no-test-payloads", Expr: `"synthetic" in envelope.payload && envelope.payload.synthetic == true`},
		},
		Overrides: []Override{
			{Name: "quarantine-region", Expr: `claim.region == "ap-south"`, Status: "yellow"},
			{Name: "manual-freeze", Expr: `claim.frozen == true`, Status: "red"},
		},
	}
}

func TestCompileRejectsBrokenRules(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.Compile(demoPack()))

	err := e.Compile(RuleSet{Deny: []Rule{{Name: "broken", Expr: `envelope ==`}}})
	require.Error(t, err)
	assert.Equal(t, fault.KindPolicyViolation, fault.KindOf(err))

	err = e.Compile(RuleSet{Overrides: []Override{{Name: "bad-status", Expr: `true`, Status: "purple"}}})
	require.Error(t, err)
	assert.Equal(t, fault.KindInputInvalid, fault.KindOf(err))
}

func TestDenyEnvelope(t *testing.T) {
	e := testEngine(t)
	pack := demoPack()

	name, err := e.DenyEnvelope(pack, map[string]any{
		"claim_id": "CL-2026-0001",
		"payload":  map[string]any{"latency_ms": 120},
	}, 0)
	require.NoError(t, err)
	assert.Empty(t, name)

	name, err = e.DenyEnvelope(pack, map[string]any{
		"claim_id": "",
		"payload":  map[string]any{},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, "no-unbound-envelopes", name)

	name, err = e.DenyEnvelope(pack, map[string]any{
		"claim_id": "CL-2026-0001",
		"payload":  map[string]any{"synthetic": true},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, "no-test-payloads", name)
}

func TestOverrideOnlyTightens(t *testing.T) {
	e := testEngine(t)
	pack := demoPack()

	status, applied, err := e.OverrideStatus(pack, map[string]any{"region": "ap-south", "frozen": false}, "green", 0)
	require.NoError(t, err)
	assert.Equal(t, "yellow", status)
	assert.Equal(t, "quarantine-region", applied)

	// A yellow override cannot loosen an already red claim.
	status, applied, err = e.OverrideStatus(pack, map[string]any{"region": "ap-south", "frozen": false}, "red", 0)
	require.NoError(t, err)
	assert.Equal(t, "red", status)
	assert.Empty(t, applied)

	// The strictest matching override wins.
	status, applied, err = e.OverrideStatus(pack, map[string]any{"region": "ap-south", "frozen": true}, "green", 0)
	require.NoError(t, err)
	assert.Equal(t, "red", status)
	assert.Equal(t, "manual-freeze", applied)
}

func TestEnvelopePolicyHook(t *testing.T) {
	e := testEngine(t)
	hook := e.EnvelopePolicy(demoPack(), func() int64 { return 0 })

	detail := hook(&mesh.Envelope{ClaimID: "CL-2026-0001", Payload: map[string]any{"x": 1}})
	assert.Empty(t, detail)

	detail = hook(&mesh.Envelope{ClaimID: "", Payload: map[string]any{}})
	assert.Contains(t, detail, "no-unbound-envelopes")
}

func TestLoadRuleSetFromYAML(t *testing.T) {
	raw := `
version: "1"
deny:
  - name: no-unbound-envelopes
    expr: envelope.claim_id == ""
overrides:
  - name: manual-freeze
    expr: claim.frozen == true
    status: red
`
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	e := testEngine(t)
	rs, err := LoadRuleSet(e, path)
	require.NoError(t, err)
	assert.Equal(t, "1", rs.Version)
	require.Len(t, rs.Deny, 1)

	hash, err := rs.Hash()
	require.NoError(t, err)
	assert.Contains(t, hash, "sha256:")

	_, err = LoadRuleSet(e, filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, fault.KindFilesystem, fault.KindOf(err))
}
