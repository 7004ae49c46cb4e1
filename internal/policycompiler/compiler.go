package policycompiler

import (
	"sort"
)

// Compile resolves a schema, rules, type catalog, and parsed role/group
// documents into an EffectivePolicy. On success, diags contains only
// warnings (possibly none) and policy is non-nil. On failure, diags
// contains at least one error-severity diagnostic and policy is nil.
//
// Compile never mutates its inputs and never performs I/O; given the same
// arguments it always returns byte-identical results (spec.md §8,
// "Idempotent policy compilation").
func Compile(schema SchemaModel, rules Rules, types Types, roles []RoleDoc, groups []GroupDoc) (*EffectivePolicy, []Diagnostic) {
	var diags []Diagnostic

	groupIndex := make(map[string]GroupDoc, len(groups))
	for _, g := range groups {
		groupIndex[g.Name] = g
	}

	diags = append(diags, validateSchema(schema)...)
	diags = append(diags, validateRules(schema, rules, types)...)

	resolvedRoles := make(map[string]RolePolicy, len(roles))
	for _, rd := range roles {
		rp, rdiags := compileRole(schema, rules, groupIndex, rd)
		diags = append(diags, rdiags...)
		resolvedRoles[rd.Name] = rp
	}

	sortDiagnostics(diags)

	if HasErrors(diags) {
		return nil, diags
	}
	return &EffectivePolicy{Schema: schema, Types: types, Roles: resolvedRoles}, diags
}

// validateSchema checks every table's tenancy tag resolves cleanly and
// every soft-delete column, if present, actually exists on the table.
func validateSchema(schema SchemaModel) []Diagnostic {
	var diags []Diagnostic
	for name, t := range schema.Tables {
		if t.Tenancy != TenancyGlobal {
			diags = append(diags, resolveTenantChain(schema, name)...)
		}
		if t.SoftDeleteColumn != "" {
			if _, ok := t.Columns[t.SoftDeleteColumn]; !ok {
				diags = append(diags, errorf(KindMissingColumn, name, t.SoftDeleteColumn, "", "soft-delete column does not exist on table"))
			}
		}
	}
	return diags
}

// validateRules checks every rule references a real table, column, and
// (for pattern_ref) a real entry in the type catalog.
func validateRules(schema SchemaModel, rules Rules, types Types) []Diagnostic {
	var diags []Diagnostic
	for tableName, tr := range rules.Tables {
		table, ok := schema.Tables[tableName]
		if !ok {
			diags = append(diags, errorf(KindMissingTable, tableName, "", "", "rules reference a table not present in schema"))
			continue
		}
		for col, patternName := range tr.PatternRefs {
			if _, ok := table.Columns[col]; !ok {
				diags = append(diags, errorf(KindMissingColumn, tableName, col, "", "pattern_ref refers to unknown column"))
				continue
			}
			if _, ok := types.Patterns[patternName]; !ok {
				diags = append(diags, errorf(KindUnknownType, tableName, col, "", "pattern_ref names unknown pattern %q", patternName))
			}
		}
		for col := range tr.RestrictTo {
			if _, ok := table.Columns[col]; !ok {
				diags = append(diags, errorf(KindMissingColumn, tableName, col, "", "restrict_to refers to unknown column"))
			}
		}
		_, onlyWhenDiags := normalizeOnlyWhen(tableName, table, tr.OnlyWhen)
		diags = append(diags, onlyWhenDiags...)
	}
	return diags
}

// compileRole resolves one role document's table_access (including any
// group references) into a concrete RolePolicy, merging in the rules that
// apply to each table it touches.
func compileRole(schema SchemaModel, rules Rules, groupIndex map[string]GroupDoc, rd RoleDoc) (RolePolicy, []Diagnostic) {
	var diags []Diagnostic

	tables := make(map[string]TableAccessDoc, len(rd.TableAccess))
	for name, access := range rd.TableAccess {
		tables[name] = access
	}
	for _, groupName := range rd.Groups {
		g, ok := groupIndex[groupName]
		if !ok {
			diags = append(diags, errorf(KindUnknownGroup, "", "", rd.Name, "role references unknown group %q", groupName))
			continue
		}
		for _, t := range g.Tables {
			if _, exists := tables[t]; !exists {
				tables[t] = TableAccessDoc{Read: true}
			}
		}
	}

	rp := RolePolicy{
		Name:            rd.Name,
		Tables:          make(map[string]TablePolicy, len(tables)),
		MaxAffectedRows: rd.MaxAffectedRows,
		PerToolRowCap:   rd.PerToolRowCap,
	}

	for tableName, access := range tables {
		schemaTable, ok := schema.Tables[tableName]
		if !ok {
			diags = append(diags, errorf(KindMissingTable, tableName, "", rd.Name, "role grants access to unknown table"))
			continue
		}
		for _, col := range access.ColumnAllow {
			if _, ok := schemaTable.Columns[col]; !ok {
				diags = append(diags, errorf(KindMissingColumn, tableName, col, rd.Name, "role's column allow-list names unknown column"))
			}
		}

		tp := TablePolicy{
			Read:        access.Read,
			Create:      access.Create,
			Update:      access.Update,
			ColumnAllow: access.ColumnAllow,
		}

		switch access.Delete {
		case "", "none":
			tp.Delete = DeleteNone
		case "soft":
			tp.Delete = DeleteSoft
			if schemaTable.SoftDeleteColumn == "" {
				diags = append(diags, errorf(KindSoftDeleteInconsistency, tableName, "", rd.Name, "role declares delete: soft but table has no soft-delete column"))
			}
		case "hard":
			tp.Delete = DeleteHard
			// Open question (spec.md §9): a soft-delete column exists but
			// the role declares hard delete. Operator intent is
			// authoritative — warn, don't error.
			if schemaTable.SoftDeleteColumn != "" {
				diags = append(diags, warnf(KindSoftDeleteInconsistency, tableName, "", rd.Name, "table has a soft-delete column but role declares delete: hard"))
			}
		}

		if access.Create {
			for colName, col := range schemaTable.Columns {
				// The tenant column is filled from the token by the query
				// builder, never by the agent, so it need not be allow-listed.
				if col.Required && colName != schemaTable.TenantColumn && !contains(access.ColumnAllow, colName) && len(access.ColumnAllow) > 0 {
					diags = append(diags, errorf(KindRequiredNonNullMissing, tableName, colName, rd.Name, "column is required on create but excluded from role's column allow-list"))
				}
			}
		}

		if tr, ok := rules.Tables[tableName]; ok {
			tp.PatternRefs = tr.PatternRefs
			tp.RestrictTo = tr.RestrictTo
			tp.OnlyWhen, _ = normalizeOnlyWhen(tableName, schemaTable, tr.OnlyWhen)
			tp.RequiresApproval = tr.RequiresApproval
		}

		rp.Tables[tableName] = tp
	}

	return rp, diags
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// sortDiagnostics imposes a total, deterministic order over diagnostics so
// Compile's output is stable across runs regardless of map iteration order.
func sortDiagnostics(diags []Diagnostic) {
	sort.Slice(diags, func(i, j int) bool {
		a, b := diags[i], diags[j]
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		if a.Role != b.Role {
			return a.Role < b.Role
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Message < b.Message
	})
}
