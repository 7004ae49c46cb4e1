package validator

import (
	"testing"

	"github.com/cori-do/cori/internal/policycompiler"
)

func TestEvaluateAllowsCleanCreate(t *testing.T) {
	tp := policycompiler.TablePolicy{ColumnAllow: []string{"name", "status"}}
	d := Evaluate(Invocation{
		Policy:    tp,
		Verb:      "create",
		Arguments: map[string]any{"name": "Acme", "status": "active"},
	})
	if !d.Allowed {
		t.Fatalf("expected allowed, got %+v", d)
	}
}

func TestEvaluateDeniesUnknownField(t *testing.T) {
	tp := policycompiler.TablePolicy{ColumnAllow: []string{"name"}}
	d := Evaluate(Invocation{
		Policy:    tp,
		Verb:      "create",
		Arguments: map[string]any{"name": "Acme", "ssn": "123-45-6789"},
	})
	if !d.Denied {
		t.Fatalf("expected denied, got %+v", d)
	}
	if d.Violations[0].Kind != ViolationUnknownField {
		t.Fatalf("expected UnknownField, got %v", d.Violations[0].Kind)
	}
}

func TestEvaluatePatternViolationShortCircuitsBeforeWhitelist(t *testing.T) {
	tp := policycompiler.TablePolicy{
		ColumnAllow: []string{"email", "status"},
		PatternRefs: map[string]string{"email": "email"},
		RestrictTo:  map[string][]string{"status": {"open", "closed"}},
	}
	types := policycompiler.Types{Patterns: map[string]string{"email": `^\S+@\S+\.\S+$`}}

	d := Evaluate(Invocation{
		Policy:    tp,
		Types:     types,
		Verb:      "create",
		Arguments: map[string]any{"email": "not-an-email", "status": "bogus"},
	})
	if !d.Denied {
		t.Fatalf("expected denied, got %+v", d)
	}
	if d.Violations[0].Kind != ViolationPatternViolation {
		t.Fatalf("expected PatternViolation to surface first, got %v", d.Violations[0].Kind)
	}
}

func TestEvaluateWhitelistViolation(t *testing.T) {
	tp := policycompiler.TablePolicy{
		ColumnAllow: []string{"status"},
		RestrictTo:  map[string][]string{"status": {"open", "closed"}},
	}
	d := Evaluate(Invocation{
		Policy:    tp,
		Verb:      "update",
		Arguments: map[string]any{"status": "archived"},
		CurrentRow: map[string]any{"status": "open"},
		NewRow:     map[string]any{"status": "archived"},
	})
	if !d.Denied {
		t.Fatalf("expected denied, got %+v", d)
	}
	if d.Violations[0].Kind != ViolationNotInWhitelist {
		t.Fatalf("expected NotInWhitelist, got %v", d.Violations[0].Kind)
	}
}

func TestEvaluateTransitionDisallowed(t *testing.T) {
	tp := policycompiler.TablePolicy{
		ColumnAllow: []string{"status"},
		OnlyWhen: []policycompiler.Disjunct{{
			Predicates: []policycompiler.Predicate{
				{Subject: policycompiler.SubjectOld, Column: "status", Operator: policycompiler.OpEquals, RValue: "open"},
				{Subject: policycompiler.SubjectNew, Column: "status", Operator: policycompiler.OpEquals, RValue: "closed"},
			},
		}},
	}
	d := Evaluate(Invocation{
		Policy:     tp,
		Verb:       "update",
		Arguments:  map[string]any{"status": "cancelled"},
		CurrentRow: map[string]any{"status": "open"},
		NewRow:     map[string]any{"status": "cancelled"},
	})
	if !d.Denied {
		t.Fatalf("expected denied, got %+v", d)
	}
	if d.Violations[0].Kind != ViolationTransitionDisallowed {
		t.Fatalf("expected TransitionDisallowed, got %v", d.Violations[0].Kind)
	}
}

func TestEvaluateAllowedTransitionStillNeedsApproval(t *testing.T) {
	tp := policycompiler.TablePolicy{
		ColumnAllow: []string{"status"},
		OnlyWhen: []policycompiler.Disjunct{{
			Predicates: []policycompiler.Predicate{
				{Subject: policycompiler.SubjectOld, Column: "status", Operator: policycompiler.OpEquals, RValue: "open"},
				{Subject: policycompiler.SubjectNew, Column: "status", Operator: policycompiler.OpEquals, RValue: "closed"},
			},
		}},
		RequiresApproval: map[string]bool{"update": true},
	}
	d := Evaluate(Invocation{
		Policy:     tp,
		Verb:       "update",
		Arguments:  map[string]any{"status": "closed"},
		CurrentRow: map[string]any{"status": "open"},
		NewRow:     map[string]any{"status": "closed"},
	})
	if !d.NeedsApproval {
		t.Fatalf("expected NeedsApproval, got %+v", d)
	}
	if len(d.ApprovalReasons) == 0 {
		t.Fatal("expected at least one approval reason")
	}
}

func TestEvaluateApprovalNeverSuppressesEarlierDenial(t *testing.T) {
	tp := policycompiler.TablePolicy{
		ColumnAllow:      []string{"status"},
		RestrictTo:       map[string][]string{"status": {"open", "closed"}},
		RequiresApproval: map[string]bool{"update": true},
	}
	d := Evaluate(Invocation{
		Policy:     tp,
		Verb:       "update",
		Arguments:  map[string]any{"status": "bogus"},
		CurrentRow: map[string]any{"status": "open"},
		NewRow:     map[string]any{"status": "bogus"},
	})
	if d.NeedsApproval {
		t.Fatal("a whitelist violation must deny, not fall through to approval")
	}
	if !d.Denied {
		t.Fatalf("expected denied, got %+v", d)
	}
}
