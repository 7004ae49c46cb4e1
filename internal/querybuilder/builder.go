// Package querybuilder renders a PreparedStatement for one validated tool
// invocation. SQL text is assembled only from schema-derived identifiers —
// table names, column names, join paths — never from agent-supplied
// values; every value an agent supplies becomes a positional parameter.
package querybuilder

import (
	"fmt"
	"strings"

	"github.com/cori-do/cori/internal/policycompiler"
)

// Effect names what kind of statement was rendered, for audit logging and
// for the executor to decide whether a row-cap check applies.
type Effect string

const (
	EffectSelect Effect = "select"
	EffectInsert Effect = "insert"
	EffectUpdate Effect = "update"
	EffectDelete Effect = "delete" // always hard SQL DELETE; soft deletes render as EffectUpdate
)

// PreparedStatement is the query builder's sole output: parameterized SQL
// text plus its bound parameters, ready to execute.
type PreparedStatement struct {
	SQLText         string
	Params          []any
	IntendedEffect  Effect
	RowCap          *int // nil means no LIMIT/OFFSET applies (non-list statements)
}

// Request describes one invocation to render, after the validator has
// already approved it.
type Request struct {
	Schema        policycompiler.SchemaModel
	Table         string
	TablePolicy   policycompiler.TablePolicy
	Tenant        string
	ValidatedArgs map[string]any // column -> value, already validated
	PerToolRowCap int            // 0 means no cap configured

	// Get/Delete/Update identify a row by id.
	ID string
	// List pagination, clamped to PerToolRowCap.
	Limit  int
	Offset int
}

// BuildGet renders a single-row SELECT by id.
func BuildGet(req Request) (PreparedStatement, error) {
	table, err := lookupTable(req.Schema, req.Table)
	if err != nil {
		return PreparedStatement{}, err
	}
	cols := readableColumnList(table, req.TablePolicy)
	var params []any
	where, params := tenantAndSoftDeletePredicate(table, req.Tenant, params)
	params = append(params, req.ID)
	where = appendAnd(where, fmt.Sprintf("%s = $%d", quoteIdent(table.idColumn()), len(params)))

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s", columnList(cols), quoteIdent(table.Name), where)
	return PreparedStatement{SQLText: sql, Params: params, IntendedEffect: EffectSelect}, nil
}

// BuildList renders a paginated SELECT, the cap coming from the role's
// per-tool row cap regardless of what the caller requested.
func BuildList(req Request) (PreparedStatement, error) {
	table, err := lookupTable(req.Schema, req.Table)
	if err != nil {
		return PreparedStatement{}, err
	}
	cols := readableColumnList(table, req.TablePolicy)
	var params []any
	where, params := tenantAndSoftDeletePredicate(table, req.Tenant, params)

	limit := req.Limit
	if req.PerToolRowCap > 0 && (limit <= 0 || limit > req.PerToolRowCap) {
		limit = req.PerToolRowCap
	}
	if limit <= 0 {
		limit = 50
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	params = append(params, limit)
	limitPos := len(params)
	params = append(params, offset)
	offsetPos := len(params)

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d",
		columnList(cols), quoteIdent(table.Name), where, quoteIdent(table.idColumn()), limitPos, offsetPos)
	cap := limit
	return PreparedStatement{SQLText: sql, Params: params, IntendedEffect: EffectSelect, RowCap: &cap}, nil
}

// BuildCreate renders an INSERT over the validated, schema-ordered column
// set, plus the tenant column when the table is directly tenant-scoped
// (inherited tenancy tables receive their tenant through the FK value the
// agent supplies, e.g. customer_id, and so need no extra column here).
func BuildCreate(req Request) (PreparedStatement, error) {
	table, err := lookupTable(req.Schema, req.Table)
	if err != nil {
		return PreparedStatement{}, err
	}

	cols := orderedArgColumns(table, req.ValidatedArgs)
	var params []any
	var placeholders []string
	var names []string
	for _, col := range cols {
		params = append(params, req.ValidatedArgs[col])
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(params)))
		names = append(names, quoteIdent(col))
	}
	if table.Tenancy == policycompiler.TenancyDirect {
		params = append(params, req.Tenant)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(params)))
		names = append(names, quoteIdent(table.TenantColumn))
	}

	returning := readableColumnList(table, req.TablePolicy)
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		quoteIdent(table.Name), strings.Join(names, ", "), strings.Join(placeholders, ", "), columnList(returning))
	return PreparedStatement{SQLText: sql, Params: params, IntendedEffect: EffectInsert}, nil
}

// BuildUpdate renders an UPDATE by id, tenant- and soft-delete-scoped.
func BuildUpdate(req Request) (PreparedStatement, error) {
	table, err := lookupTable(req.Schema, req.Table)
	if err != nil {
		return PreparedStatement{}, err
	}

	cols := orderedArgColumns(table, req.ValidatedArgs)
	var params []any
	var sets []string
	for _, col := range cols {
		params = append(params, req.ValidatedArgs[col])
		sets = append(sets, fmt.Sprintf("%s = $%d", quoteIdent(col), len(params)))
	}

	where, params := tenantAndSoftDeletePredicate(table, req.Tenant, params)
	params = append(params, req.ID)
	where = appendAnd(where, fmt.Sprintf("%s = $%d", quoteIdent(table.idColumn()), len(params)))

	returning := readableColumnList(table, req.TablePolicy)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING %s",
		quoteIdent(table.Name), strings.Join(sets, ", "), where, columnList(returning))
	return PreparedStatement{SQLText: sql, Params: params, IntendedEffect: EffectUpdate}, nil
}

// BuildDelete renders either a hard DELETE or, when the role's delete mode
// is soft, an UPDATE that sets the soft-delete column to its deleted value
// (spec.md §4.5: "delete: soft rewritten to UPDATE ... SET col = deleted_value").
func BuildDelete(req Request) (PreparedStatement, error) {
	table, err := lookupTable(req.Schema, req.Table)
	if err != nil {
		return PreparedStatement{}, err
	}

	if req.TablePolicy.Delete == policycompiler.DeleteSoft {
		var params []any
		params = append(params, table.SoftDeleteDeletedValue)
		set := fmt.Sprintf("%s = $1", quoteIdent(table.SoftDeleteColumn))

		where, params := tenantPredicateOnly(table, req.Tenant, params)
		params = append(params, req.ID)
		where = appendAnd(where, fmt.Sprintf("%s = $%d", quoteIdent(table.idColumn()), len(params)))

		sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s", quoteIdent(table.Name), set, where)
		return PreparedStatement{SQLText: sql, Params: params, IntendedEffect: EffectUpdate}, nil
	}

	var params []any
	where, params := tenantAndSoftDeletePredicate(table, req.Tenant, params)
	params = append(params, req.ID)
	where = appendAnd(where, fmt.Sprintf("%s = $%d", quoteIdent(table.idColumn()), len(params)))

	sql := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(table.Name), where)
	return PreparedStatement{SQLText: sql, Params: params, IntendedEffect: EffectDelete}, nil
}

func lookupTable(schema policycompiler.SchemaModel, name string) (resolvedTable, error) {
	t, ok := schema.Tables[name]
	if !ok {
		return resolvedTable{}, fmt.Errorf("querybuilder: unknown table %q", name)
	}
	return resolvedTable{Table: t, schema: schema}, nil
}

// resolvedTable wraps policycompiler.Table with access to the full schema,
// needed to walk an inherited-tenancy join chain.
type resolvedTable struct {
	policycompiler.Table
	schema policycompiler.SchemaModel
}

func (t resolvedTable) idColumn() string {
	if _, ok := t.Columns["id"]; ok {
		return "id"
	}
	// A table without an "id" column still gets "id" here; neither the
	// compiler nor this package reports the missing column, so the
	// statement fails when the database runs it.
	return "id"
}

// tenantPredicateOnly renders just the mandatory tenant predicate — direct
// equality, or a correlated EXISTS walking the inheritance chain for
// inherited tenancy. Global tables render "TRUE".
func tenantPredicateOnly(t resolvedTable, tenant string, params []any) (string, []any) {
	switch t.Tenancy {
	case policycompiler.TenancyGlobal:
		return "TRUE", params
	case policycompiler.TenancyDirect:
		params = append(params, tenant)
		return fmt.Sprintf("%s = $%d", quoteIdent(t.TenantColumn), len(params)), params
	case policycompiler.TenancyInherited:
		return inheritedTenantPredicate(t, tenant, params)
	default:
		return "FALSE", params
	}
}

// inheritedTenantPredicate builds a correlated EXISTS clause that follows
// the FK chain up to the direct tenant root, never exposing the chain as
// something the caller supplies — every identifier in it is schema-derived.
func inheritedTenantPredicate(t resolvedTable, tenant string, params []any) (string, []any) {
	parent, ok := t.schema.Tables[t.InheritsFrom]
	if !ok {
		return "FALSE", params
	}
	parentResolved := resolvedTable{Table: parent, schema: t.schema}
	parentPredicate, params := tenantPredicateOnly(parentResolved, tenant, params)

	sub := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM %s WHERE %s.%s = %s.%s AND %s)",
		quoteIdent(parent.Name),
		quoteIdent(parent.Name), quoteIdent(parentResolved.idColumn()),
		quoteIdent(t.Name), quoteIdent(t.InheritsVia),
		parentPredicate,
	)
	return sub, params
}

// tenantAndSoftDeletePredicate combines the mandatory tenant predicate with
// the soft-delete "still active" predicate, when the table has one.
func tenantAndSoftDeletePredicate(t resolvedTable, tenant string, params []any) (string, []any) {
	where, params := tenantPredicateOnly(t, tenant, params)
	if t.SoftDeleteColumn == "" {
		return where, params
	}
	if t.SoftDeleteActiveValue == nil {
		return appendAnd(where, fmt.Sprintf("%s IS NULL", quoteIdent(t.SoftDeleteColumn))), params
	}
	params = append(params, t.SoftDeleteActiveValue)
	return appendAnd(where, fmt.Sprintf("%s = $%d", quoteIdent(t.SoftDeleteColumn), len(params))), params
}

func appendAnd(where, clause string) string {
	if where == "" {
		return clause
	}
	return where + " AND " + clause
}

// readableColumnList returns the columns an agent may read on t, in the
// schema's declared order (spec.md §3/§4.5) — never alphabetized, since
// SQL column order is part of the result contract.
func readableColumnList(t resolvedTable, tp policycompiler.TablePolicy) []string {
	var out []string
	for _, name := range t.ColumnOrder {
		if len(tp.ColumnAllow) > 0 && !contains(tp.ColumnAllow, name) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// orderedArgColumns returns the keys of args that actually exist on the
// table, in the schema's declared column order — never in whatever order a
// JSON map happened to decode the agent's arguments. The tenant column is
// always left out: only the token supplies the tenant.
func orderedArgColumns(t resolvedTable, args map[string]any) []string {
	var out []string
	for _, name := range t.ColumnOrder {
		if name == t.TenantColumn {
			continue
		}
		if _, ok := args[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func columnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// quoteIdent double-quotes a schema-derived identifier. It is never called
// on agent-supplied data.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

