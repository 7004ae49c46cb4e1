// Package validator evaluates a concrete tool invocation against a
// TablePolicy in strict precedence order, short-circuiting at the first
// violation. It is a pure function of its inputs: no I/O, no clock reads.
package validator

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cori-do/cori/internal/policycompiler"
)

// ViolationKind enumerates the reasons an invocation can be denied, in the
// precedence order spec.md §4.4 evaluates them.
type ViolationKind string

const (
	ViolationUnknownField     ViolationKind = "UnknownField"
	ViolationTypeMismatch     ViolationKind = "TypeMismatch"
	ViolationPatternViolation ViolationKind = "PatternViolation"
	ViolationNotInWhitelist   ViolationKind = "NotInWhitelist"
	ViolationTransitionDisallowed ViolationKind = "TransitionDisallowed"
)

// Violation names one field and the reason its value was rejected.
type Violation struct {
	Kind    ViolationKind
	Field   string
	Message string
}

// Invocation is a concrete, typed call the validator evaluates: the
// resolved TablePolicy for the calling role, the verb ("create", "update",
// "delete"), the raw agent-supplied arguments, and — for updates — the
// current row, scoped to the columns the role may read.
type Invocation struct {
	Policy     policycompiler.TablePolicy
	Types      policycompiler.Types
	Verb       string
	Arguments  map[string]any
	CurrentRow map[string]any // only_when's "old." subject; nil for create/delete
	NewRow     map[string]any // only_when's "new." subject, computed by the caller as CurrentRow patched with Arguments
}

// Decision is the sealed result type §4.4 defines: exactly one of
// Allowed, NeedsApproval, or Denied is set.
type Decision struct {
	Allowed         bool
	ValidatedArgs   map[string]any
	NeedsApproval   bool
	ApprovalReasons []string
	Denied          bool
	Violations      []Violation
}

// Evaluate runs the six-stage precedence chain against inv and returns the
// single resulting Decision.
func Evaluate(inv Invocation) Decision {
	if v := checkPresence(inv); len(v) > 0 {
		return Decision{Denied: true, Violations: v}
	}

	validated, v := coerceTypes(inv)
	if len(v) > 0 {
		return Decision{Denied: true, Violations: v}
	}

	if v := checkPatterns(inv.Policy, inv.Types, validated); len(v) > 0 {
		return Decision{Denied: true, Violations: v}
	}

	if v := checkWhitelists(inv.Policy, validated); len(v) > 0 {
		return Decision{Denied: true, Violations: v}
	}

	if inv.Verb == "update" {
		if v := checkTransition(inv.Policy, inv.CurrentRow, inv.NewRow); len(v) > 0 {
			return Decision{Denied: true, Violations: v}
		}
	}

	if reasons := checkApproval(inv.Policy, inv.Verb); len(reasons) > 0 {
		return Decision{NeedsApproval: true, ValidatedArgs: validated, ApprovalReasons: reasons}
	}

	return Decision{Allowed: true, ValidatedArgs: validated}
}

// checkPresence rejects any argument that is not in the role's column
// allow-list. When that allow-list is empty, every argument name passes.
// It does not check that required columns are present.
func checkPresence(inv Invocation) []Violation {
	allowedCols := make(map[string]bool)
	for _, col := range inv.Policy.ColumnAllow {
		allowedCols[col] = true
	}

	var violations []Violation
	for field := range inv.Arguments {
		if len(inv.Policy.ColumnAllow) > 0 && !allowedCols[field] {
			violations = append(violations, Violation{Kind: ViolationUnknownField, Field: field, Message: "field is not in the role's writable column set"})
		}
	}
	sortViolations(violations)
	return violations
}

// coerceTypes checks that each argument is one of the scalar kinds
// coerceScalar accepts; it does not compare a value against its column's
// declared type. On failure it records a TypeMismatch and continues
// checking the remaining fields so a caller gets every error at once.
func coerceTypes(inv Invocation) (map[string]any, []Violation) {
	out := make(map[string]any, len(inv.Arguments))
	var violations []Violation
	for field, raw := range inv.Arguments {
		coerced, ok := coerceScalar(raw)
		if !ok {
			violations = append(violations, Violation{Kind: ViolationTypeMismatch, Field: field, Message: fmt.Sprintf("value %v could not be coerced to a supported scalar type", raw)})
			continue
		}
		out[field] = coerced
	}
	sortViolations(violations)
	return out, violations
}

// coerceScalar accepts the JSON-decoded scalar kinds Cori's wire format
// produces (string, float64, bool, nil), plus int and int64, and passes
// them through unchanged — coercion failures come from structurally wrong
// shapes (any map or slice), not from this closed set.
func coerceScalar(v any) (any, bool) {
	switch v.(type) {
	case string, float64, bool, nil:
		return v, true
	case int, int64:
		return v, true
	default:
		return nil, false
	}
}

func checkPatterns(tp policycompiler.TablePolicy, types policycompiler.Types, args map[string]any) []Violation {
	var violations []Violation
	for field, patternName := range tp.PatternRefs {
		val, ok := args[field]
		if !ok {
			continue
		}
		str, ok := val.(string)
		if !ok {
			continue // non-string values are not pattern-checked
		}
		pattern, ok := types.Patterns[patternName]
		if !ok {
			continue // unresolvable pattern is a compile-time diagnostic, not a runtime violation
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if !re.MatchString(str) {
			violations = append(violations, Violation{Kind: ViolationPatternViolation, Field: field, Message: fmt.Sprintf("value does not match pattern %q", patternName)})
		}
	}
	sortViolations(violations)
	return violations
}

func checkWhitelists(tp policycompiler.TablePolicy, args map[string]any) []Violation {
	var violations []Violation
	for field, allowed := range tp.RestrictTo {
		val, ok := args[field]
		if !ok {
			continue
		}
		str := fmt.Sprintf("%v", val)
		found := false
		for _, a := range allowed {
			if a == str {
				found = true
				break
			}
		}
		if !found {
			violations = append(violations, Violation{Kind: ViolationNotInWhitelist, Field: field, Message: fmt.Sprintf("value %q is not in the allowed set %v", str, allowed)})
		}
	}
	sortViolations(violations)
	return violations
}

// checkTransition evaluates only_when: a disjunction of conjunctions over
// old./new. column values. If OnlyWhen is empty, every transition is
// allowed. Otherwise at least one Disjunct must have every Predicate hold.
func checkTransition(tp policycompiler.TablePolicy, oldRow, newRow map[string]any) []Violation {
	if len(tp.OnlyWhen) == 0 {
		return nil
	}
	for _, disjunct := range tp.OnlyWhen {
		if disjunctHolds(disjunct, oldRow, newRow) {
			return nil
		}
	}
	return []Violation{{Kind: ViolationTransitionDisallowed, Field: "", Message: "no only_when branch is satisfied by this transition"}}
}

func disjunctHolds(d policycompiler.Disjunct, oldRow, newRow map[string]any) bool {
	for _, p := range d.Predicates {
		row := oldRow
		if p.Subject == policycompiler.SubjectNew {
			row = newRow
		}
		if !predicateHolds(p, row) {
			return false
		}
	}
	return true
}

func predicateHolds(p policycompiler.Predicate, row map[string]any) bool {
	val, present := row[p.Column]
	switch p.Operator {
	case policycompiler.OpIsNull:
		return !present || val == nil
	case policycompiler.OpNotNull:
		return present && val != nil
	}
	if !present {
		return false
	}
	switch p.Operator {
	case policycompiler.OpEquals:
		return fmt.Sprintf("%v", val) == fmt.Sprintf("%v", p.RValue)
	case policycompiler.OpNotEquals:
		return fmt.Sprintf("%v", val) != fmt.Sprintf("%v", p.RValue)
	case policycompiler.OpStartsWith:
		s, ok := val.(string)
		prefix, ok2 := p.RValue.(string)
		return ok && ok2 && strings.HasPrefix(s, prefix)
	case policycompiler.OpIn:
		return inSet(val, p.RValue)
	case policycompiler.OpNotIn:
		return !inSet(val, p.RValue)
	case policycompiler.OpGT, policycompiler.OpGE, policycompiler.OpLT, policycompiler.OpLE:
		return compareNumeric(val, p.RValue, p.Operator)
	default:
		return false
	}
}

func inSet(val, set any) bool {
	items, ok := set.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if fmt.Sprintf("%v", item) == fmt.Sprintf("%v", val) {
			return true
		}
	}
	return false
}

func compareNumeric(a, b any, op policycompiler.PredicateOperator) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	switch op {
	case policycompiler.OpGT:
		return af > bf
	case policycompiler.OpGE:
		return af >= bf
	case policycompiler.OpLT:
		return af < bf
	case policycompiler.OpLE:
		return af <= bf
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// checkApproval reports the approval reasons for this verb, if any.
// Approval never suppresses an earlier denial — it is only reached once
// every prior stage has passed.
func checkApproval(tp policycompiler.TablePolicy, verb string) []string {
	if tp.RequiresApproval == nil || !tp.RequiresApproval[verb] {
		return nil
	}
	return []string{fmt.Sprintf("%s requires human approval under this role's policy", verb)}
}

func sortViolations(v []Violation) {
	sort.Slice(v, func(i, j int) bool {
		if v[i].Field != v[j].Field {
			return v[i].Field < v[j].Field
		}
		return v[i].Kind < v[j].Kind
	})
}
