package policycompiler

// maxInheritanceHops bounds how far resolveTenantChain will walk an
// inherits_tenant_via chain before giving up — spec.md §4.2: "up to 3
// hops, else fails."
const maxInheritanceHops = 3

// resolveTenantChain walks a table's inheritance chain to confirm it
// terminates at a direct or global tenant root within maxInheritanceHops,
// detecting cycles along the way. It does not resolve any concrete tenant
// value — that happens per-request in the query builder, which joins
// through the same chain this function validates at compile time.
func resolveTenantChain(schema SchemaModel, start string) []Diagnostic {
	var diags []Diagnostic
	visited := make(map[string]bool)
	cur := start
	hops := 0

	for {
		t, ok := schema.Tables[cur]
		if !ok {
			diags = append(diags, errorf(KindMissingTable, cur, "", "", "referenced by a tenant inheritance chain but not present in schema"))
			return diags
		}

		switch t.Tenancy {
		case TenancyDirect:
			if t.TenantColumn == "" {
				diags = append(diags, errorf(KindTenantColumnMissing, cur, "", "", "table is tagged direct tenancy but names no tenant column"))
			}
			return diags
		case TenancyGlobal:
			return diags
		case TenancyInherited:
			if visited[cur] {
				diags = append(diags, errorf(KindInheritedTenantCycle, start, "", "", "inheritance chain revisits table %q", cur))
				return diags
			}
			visited[cur] = true
			hops++
			if hops > maxInheritanceHops {
				diags = append(diags, errorf(KindInheritedTenantTooDeep, start, "", "", "inheritance chain exceeds %d hops", maxInheritanceHops))
				return diags
			}
			if t.InheritsFrom == "" {
				diags = append(diags, errorf(KindTenantColumnMissing, cur, "", "", "table is tagged inherited tenancy but names no source table"))
				return diags
			}
			if _, ok := t.Columns[t.InheritsVia]; !ok {
				diags = append(diags, errorf(KindMissingColumn, cur, t.InheritsVia, "", "inheritance FK column not present on table"))
				return diags
			}
			cur = t.InheritsFrom
		}
	}
}
