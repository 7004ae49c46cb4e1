package guardrail

import (
	"context"
	"testing"
)

func TestNewEngineLoadsDefaultPolicyWithoutBundlePath(t *testing.T) {
	eng, err := NewEngine(context.Background(), "")
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if !eng.Ready() {
		t.Fatal("expected default tool-access policy to be loaded")
	}
}

func TestSweepSignalsWhenToolIsNotExplicitlyAllowed(t *testing.T) {
	eng, err := NewEngine(context.Background(), "")
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	signals := eng.Sweep(context.Background(), Invocation{
		Role:     "support_agent",
		Tenant:   "acme",
		ToolName: "deleteCustomer",
	})
	if len(signals) == 0 {
		t.Fatal("expected an advisory signal for a tool with no configured allow-list entry")
	}
}

func TestSweepIsSilentOnceToolIsAllowed(t *testing.T) {
	eng, err := NewEngine(context.Background(), "")
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	err = eng.opa.UpdateData(context.Background(), "policies", map[string]any{
		"allowed_tools": map[string]any{
			"support_agent": []string{"getWidget"},
		},
	})
	if err != nil {
		t.Fatalf("UpdateData: %v", err)
	}

	signals := eng.Sweep(context.Background(), Invocation{
		Role:     "support_agent",
		Tenant:   "acme",
		ToolName: "getWidget",
	})
	if len(signals) != 0 {
		t.Fatalf("expected no advisory signals once the tool is explicitly allowed, got %+v", signals)
	}
}

func TestSweepReturnsNilWhenEngineIsNil(t *testing.T) {
	var eng *Engine
	if signals := eng.Sweep(context.Background(), Invocation{ToolName: "anything"}); signals != nil {
		t.Fatalf("expected nil signals from a nil guardrail engine, got %+v", signals)
	}
}
