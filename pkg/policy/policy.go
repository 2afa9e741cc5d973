// Package policy evaluates tenant policy packs written in CEL. A pack
// carries deny rules, applied to envelopes before validators accept them,
// and status overrides, applied after the lattice derives a claim's light.
package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/credmesh/credmesh/pkg/canonicalize"
	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/mesh"
)

// Rule denies an envelope when its expression evaluates true.
type Rule struct {
	Name string `json:"name" yaml:"name"`
	Expr string `json:"expr" yaml:"expr"`
}

// Override forces a claim's status light when its expression evaluates true.
// Overrides may only tighten: green can be forced to yellow or red, yellow to
// red, never the other way.
type Override struct {
	Name   string `json:"name" yaml:"name"`
	Expr   string `json:"expr" yaml:"expr"`
	Status string `json:"status" yaml:"status"`
}

// RuleSet is one tenant's policy pack.
type RuleSet struct {
	Version   string     `json:"version" yaml:"version"`
	Deny      []Rule     `json:"deny" yaml:"deny"`
	Overrides []Override `json:"overrides" yaml:"overrides"`
}

// Hash returns the canonical policy hash of the pack.
func (rs RuleSet) Hash() (string, error) {
	return canonicalize.HashCanonical(rs)
}

var statusRank = map[string]int{"green": 0, "yellow": 1, "red": 2}

// Engine compiles and caches CEL programs. Programs run with a cost limit so
// a pathological pack cannot stall validation.
type Engine struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEngine creates an engine. Expressions see `envelope`, `claim` and
// `timestamp` depending on where they run.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("envelope", cel.DynType),
		cel.Variable("claim", cel.DynType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fault.Wrap(fault.KindPolicyViolation, err, "policy environment")
	}
	return &Engine{env: env, cache: make(map[string]cel.Program)}, nil
}

// Compile checks every expression in a pack without running it. Used at pack
// load time so a broken rule surfaces before it silently denies nothing.
func (e *Engine) Compile(rs RuleSet) error {
	for _, r := range rs.Deny {
		if _, err := e.program(r.Expr); err != nil {
			return fault.Wrap(fault.KindPolicyViolation, err, "deny rule "+r.Name)
		}
	}
	for _, o := range rs.Overrides {
		if _, ok := statusRank[o.Status]; !ok {
			return fault.Field("overrides."+o.Name+".status", "status must be green, yellow or red")
		}
		if _, err := e.program(o.Expr); err != nil {
			return fault.Wrap(fault.KindPolicyViolation, err, "override "+o.Name)
		}
	}
	return nil
}

// DenyEnvelope returns the name of the first deny rule the envelope trips,
// or "" when the pack allows it. Evaluation errors deny: a pack that cannot
// be evaluated fails closed.
func (e *Engine) DenyEnvelope(rs RuleSet, envelope map[string]any, now int64) (string, error) {
	input := map[string]any{"envelope": envelope, "claim": map[string]any{}, "timestamp": now}
	for _, r := range rs.Deny {
		hit, err := e.eval(r.Expr, input)
		if err != nil {
			return r.Name, fault.Wrap(fault.KindPolicyViolation, err, "deny rule "+r.Name)
		}
		if hit {
			return r.Name, nil
		}
	}
	return "", nil
}

// OverrideStatus applies the pack's overrides to a derived light and returns
// the effective one plus the name of the override that tightened it. An
// override that would loosen the light is ignored.
func (e *Engine) OverrideStatus(rs RuleSet, claim map[string]any, derived string, now int64) (string, string, error) {
	input := map[string]any{"claim": claim, "envelope": map[string]any{}, "timestamp": now}
	effective, applied := derived, ""
	for _, o := range rs.Overrides {
		hit, err := e.eval(o.Expr, input)
		if err != nil {
			return derived, "", fault.Wrap(fault.KindPolicyViolation, err, "override "+o.Name)
		}
		if hit && statusRank[o.Status] > statusRank[effective] {
			effective, applied = o.Status, o.Name
		}
	}
	return effective, applied, nil
}

// EnvelopePolicy adapts a pack into the validator hook. The clock feeds the
// `timestamp` variable.
func (e *Engine) EnvelopePolicy(rs RuleSet, now func() int64) mesh.PolicyFunc {
	return func(env *mesh.Envelope) string {
		input := map[string]any{
			"envelope_id": env.EnvelopeID,
			"node_id":     env.NodeID,
			"claim_id":    env.ClaimID,
			"payload":     env.Payload,
		}
		name, err := e.DenyEnvelope(rs, input, now())
		if err != nil {
			return "policy evaluation failed: " + name
		}
		if name != "" {
			return "denied by rule " + name
		}
		return ""
	}
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.cache[expr] = prg
	return prg, nil
}

func (e *Engine) eval(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule result is not a bool")
	}
	return val, nil
}
