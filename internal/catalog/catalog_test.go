package catalog

import (
	"testing"

	"github.com/cori-do/cori/internal/policycompiler"
	"github.com/cori-do/cori/internal/tokenengine"
)

func TestToolNaming(t *testing.T) {
	cases := []struct {
		verb  toolVerb
		table string
		want  string
	}{
		{verbGet, "customers", "getCustomer"},
		{verbList, "customers", "listCustomers"},
		{verbCreate, "support_tickets", "createSupportTicket"},
		{verbUpdate, "support_tickets", "updateSupportTicket"},
		{verbDelete, "companies", "deleteCompany"},
		{verbList, "companies", "listCompanies"},
	}
	for _, c := range cases {
		got := toolName(c.verb, c.table)
		if got != c.want {
			t.Errorf("toolName(%v, %q) = %q, want %q", c.verb, c.table, got, c.want)
		}
	}
}

func testPolicy(t *testing.T) *policycompiler.EffectivePolicy {
	t.Helper()
	schema := policycompiler.SchemaModel{Tables: map[string]policycompiler.Table{
		"customers": {
			Name: "customers",
			Columns: map[string]policycompiler.Column{
				"id":     {Name: "id", Type: "uuid", Required: true},
				"tenant": {Name: "tenant", Type: "text", Required: true},
				"name":   {Name: "name", Type: "text", Required: true},
			},
			ColumnOrder:  []string{"id", "tenant", "name"},
			Tenancy:      policycompiler.TenancyDirect,
			TenantColumn: "tenant",
		},
	}}
	roles := []policycompiler.RoleDoc{{
		Name: "support_agent",
		TableAccess: map[string]policycompiler.TableAccessDoc{
			"customers": {Read: true, Create: true, ColumnAllow: []string{"id", "name"}},
		},
		MaxAffectedRows: 50,
		PerToolRowCap:   25,
	}}
	policy, diags := policycompiler.Compile(schema, policycompiler.Rules{}, policycompiler.Types{}, roles, nil)
	if policycompiler.HasErrors(diags) {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	return policy
}

func TestBuildProducesExpectedTools(t *testing.T) {
	policy := testPolicy(t)
	claims := tokenengine.Claims{Role: "support_agent", Tenant: "acme"}

	tools := Build(policy, claims)
	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"getCustomer", "listCustomers", "createCustomer"} {
		if !names[want] {
			t.Errorf("expected tool %q in catalog, got %v", want, names)
		}
	}
	if names["updateCustomer"] || names["deleteCustomer"] {
		t.Error("role has no update/delete access; those tools should not appear")
	}
}

func TestBuildNeverExposesTenantAsArgument(t *testing.T) {
	policy := testPolicy(t)
	claims := tokenengine.Claims{Role: "support_agent", Tenant: "acme"}

	for _, tool := range Build(policy, claims) {
		for _, arg := range tool.Arguments {
			if arg.Name == "tenant" {
				t.Errorf("tool %q exposes tenant as an argument", tool.Name)
			}
		}
		for _, ret := range tool.Returns {
			if ret == "tenant" {
				t.Errorf("tool %q should not return the ungranted tenant column", tool.Name)
			}
		}
	}
}

func TestBuildRespectsTableWhitelist(t *testing.T) {
	policy := testPolicy(t)
	claims := tokenengine.Claims{Role: "support_agent", Tenant: "acme", TableAllow: []string{"nonexistent"}}

	tools := Build(policy, claims)
	if len(tools) != 0 {
		t.Fatalf("expected no tools when the token's table whitelist excludes every accessible table, got %v", tools)
	}
}

func TestCacheReturnsStableResultsAndDistinguishesWhitelists(t *testing.T) {
	policy := testPolicy(t)
	cache := NewCache()

	claimsA := tokenengine.Claims{Role: "support_agent", Tenant: "acme"}
	claimsB := tokenengine.Claims{Role: "support_agent", Tenant: "acme", ColumnAllow: map[string][]string{"customers": {"id"}}}

	toolsA1 := cache.Get(policy, claimsA)
	toolsA2 := cache.Get(policy, claimsA)
	if len(toolsA1) != len(toolsA2) {
		t.Fatal("expected identical cached results for identical claims")
	}

	toolsB := cache.Get(policy, claimsB)
	for _, tool := range toolsB {
		for _, ret := range tool.Returns {
			if ret == "name" {
				t.Errorf("narrower claim's catalog should not expose the name column, got %v", tool.Returns)
			}
		}
	}
}
