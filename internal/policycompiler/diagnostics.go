package policycompiler

import "fmt"

// Severity distinguishes diagnostics that block compilation from ones that
// merely note an inconsistency the operator is presumed to have intended.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityWarning {
		return "warning"
	}
	return "error"
}

// DiagnosticKind enumerates every distinct reason compilation can fail or
// warn, per spec.md §4.2.
type DiagnosticKind string

const (
	KindMissingTable                DiagnosticKind = "MissingTable"
	KindMissingColumn               DiagnosticKind = "MissingColumn"
	KindUnknownGroup                DiagnosticKind = "UnknownGroup"
	KindUnknownType                 DiagnosticKind = "UnknownType"
	KindTenantColumnMissing         DiagnosticKind = "TenantColumnMissing"
	KindInheritedTenantCycle        DiagnosticKind = "InheritedTenantCycle"
	KindInheritedTenantTooDeep      DiagnosticKind = "InheritedTenantTooDeep"
	KindRequiredNonNullMissing      DiagnosticKind = "RequiredNonNullMissing"
	KindSoftDeleteInconsistency     DiagnosticKind = "SoftDeleteInconsistency"
	KindConstraintRefersUnknownColumn DiagnosticKind = "ConstraintRefersUnknownColumn"
)

// Diagnostic points at exactly where compilation found a problem.
type Diagnostic struct {
	Kind     DiagnosticKind
	Severity Severity
	Table    string
	Column   string
	Role     string
	Message  string
}

func (d Diagnostic) String() string {
	loc := d.Table
	if d.Column != "" {
		loc = fmt.Sprintf("%s.%s", d.Table, d.Column)
	}
	if d.Role != "" {
		loc = fmt.Sprintf("%s (role %s)", loc, d.Role)
	}
	return fmt.Sprintf("[%s] %s: %s", d.Severity, d.Kind, loc+": "+d.Message)
}

func errorf(kind DiagnosticKind, table, column, role, format string, args ...any) Diagnostic {
	return Diagnostic{
		Kind:     kind,
		Severity: SeverityError,
		Table:    table,
		Column:   column,
		Role:     role,
		Message:  fmt.Sprintf(format, args...),
	}
}

func warnf(kind DiagnosticKind, table, column, role, format string, args ...any) Diagnostic {
	d := errorf(kind, table, column, role, format, args...)
	d.Severity = SeverityWarning
	return d
}

// HasErrors reports whether any diagnostic in the list is severity error —
// compilation only produces an EffectivePolicy when this is false.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}
