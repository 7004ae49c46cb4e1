package policycompiler

// validOperators is the closed set of only_when comparison operators
// spec.md §4.2 defines. Anything else is a compile-time error surfaced as
// ConstraintRefersUnknownColumn-adjacent validation in validateRules.
var validOperators = map[PredicateOperator]bool{
	OpEquals: true, OpNotEquals: true,
	OpGT: true, OpGE: true, OpLT: true, OpLE: true,
	OpIn: true, OpNotIn: true,
	OpIsNull: true, OpNotNull: true,
	OpStartsWith: true,
}

// normalizeOnlyWhen is the identity transform over an already-typed
// []Disjunct — the parsing layer (internal/configdocs) is responsible for
// turning the declarative document's nested OR/AND structure into this
// shape. This function exists as the single place that validates the
// normalized form before it is attached to a TablePolicy, matching the
// spec's description of only_when as "normalized into conjunctive
// predicate sets... with disjunction across entries."
func normalizeOnlyWhen(table string, schema Table, disjuncts []Disjunct) (normalized []Disjunct, diags []Diagnostic) {
	for _, d := range disjuncts {
		var preds []Predicate
		for _, p := range d.Predicates {
			if _, ok := schema.Columns[p.Column]; !ok {
				diags = append(diags, errorf(KindConstraintRefersUnknownColumn, table, p.Column, "", "only_when predicate refers to unknown column"))
				continue
			}
			if !validOperators[p.Operator] {
				diags = append(diags, errorf(KindConstraintRefersUnknownColumn, table, p.Column, "", "only_when predicate uses unknown operator %q", p.Operator))
				continue
			}
			preds = append(preds, p)
		}
		if len(preds) > 0 {
			normalized = append(normalized, Disjunct{Predicates: preds})
		}
	}
	return normalized, diags
}
