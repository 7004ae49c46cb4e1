// Package guardrail runs a secondary, advisory policy sweep over every
// invocation the validator has already decided on. It can never turn an
// Allowed decision into a Denied one and never the reverse — its only
// effect is to attach SecuritySignal annotations to the audit event, so
// spec.md §8's validator-admissibility and no-SQL-from-input properties
// stay governed entirely by internal/validator and internal/querybuilder.
package guardrail

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/cori-do/cori/pkg/opa"
)

// SignalType mirrors the kind of advisory hit a guardrail sweep can
// produce.
type SignalType string

const (
	SignalForbiddenPattern SignalType = "forbidden_pattern"
	SignalRateLimit        SignalType = "rate_limit"
	SignalNone             SignalType = ""
)

// Signal is one advisory finding attached to an audit event. It never
// blocks a request; it is metadata for human reviewers.
type Signal struct {
	Type        SignalType
	Description string
}

// Engine wraps pkg/opa's Engine with Cori's invocation vocabulary.
type Engine struct {
	opa *opa.Engine
}

// NewEngine constructs a guardrail engine and loads the base advisory
// policies. A fresh in-memory OPA store backs it. With no bundlePath, it
// falls back to opa.BaseToolAccessPolicy so the advisory sweep has something
// to evaluate out of the box; an operator-supplied bundle replaces it.
func NewEngine(ctx context.Context, bundlePath string) (*Engine, error) {
	eng, err := opa.NewEngine()
	if err != nil {
		return nil, err
	}
	if bundlePath != "" {
		if err := eng.LoadPolicyBundle(ctx, bundlePath); err != nil {
			return nil, err
		}
	} else {
		if err := eng.LoadPolicyString(ctx, "cori_tool_access.rego", opa.BaseToolAccessPolicy); err != nil {
			return nil, err
		}
	}
	return &Engine{opa: eng}, nil
}

// Ready reports whether the underlying OPA engine has policies loaded.
func (e *Engine) Ready() bool {
	return e.opa != nil && e.opa.Ready()
}

// Invocation is the subset of a request the guardrail sweep inspects.
type Invocation struct {
	Role      string
	Tenant    string
	ToolName  string
	Arguments map[string]any
}

// Sweep evaluates inv against the advisory tool-access policy and returns
// any signals found. A failure to evaluate is logged and treated as "no
// signal" — the guardrail layer is defense-in-depth, not a gate, so it
// must never fail a request closed.
func (e *Engine) Sweep(ctx context.Context, inv Invocation) []Signal {
	if e == nil || e.opa == nil || !e.opa.Ready() {
		return nil
	}

	agent := opa.AgentContext{ID: inv.Role, Team: inv.Tenant}
	tool := &opa.ToolContext{
		Name:       inv.ToolName,
		Parameters: inv.Arguments,
	}

	decision, err := e.opa.EvaluateToolAccess(ctx, &agent, tool)
	if err != nil {
		log.Warn().Err(err).Str("tool", inv.ToolName).Msg("guardrail sweep failed, continuing without advisory signals")
		return nil
	}

	var signals []Signal
	if !decision.Allow {
		for _, reason := range decision.Reasons {
			signals = append(signals, Signal{Type: SignalForbiddenPattern, Description: reason})
		}
		for _, v := range decision.Violations {
			signals = append(signals, Signal{Type: SignalForbiddenPattern, Description: v.Description})
		}
		if len(signals) == 0 {
			signals = append(signals, Signal{Type: SignalForbiddenPattern, Description: "advisory policy declined this invocation"})
		}
	}
	return signals
}
