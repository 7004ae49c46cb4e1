package querybuilder

import (
	"strings"
	"testing"

	"github.com/cori-do/cori/internal/policycompiler"
)

func testSchema() policycompiler.SchemaModel {
	return policycompiler.SchemaModel{Tables: map[string]policycompiler.Table{
		"customers": {
			Name: "customers",
			Columns: map[string]policycompiler.Column{
				"id":     {Name: "id", Type: "uuid"},
				"tenant": {Name: "tenant", Type: "text"},
				"name":   {Name: "name", Type: "text"},
			},
			ColumnOrder:  []string{"id", "tenant", "name"},
			Tenancy:      policycompiler.TenancyDirect,
			TenantColumn: "tenant",
		},
		"tickets": {
			Name: "tickets",
			Columns: map[string]policycompiler.Column{
				"id":          {Name: "id", Type: "uuid"},
				"customer_id": {Name: "customer_id", Type: "uuid"},
				"status":      {Name: "status", Type: "text"},
				"deleted_at":  {Name: "deleted_at", Type: "timestamp"},
			},
			ColumnOrder:            []string{"id", "customer_id", "status", "deleted_at"},
			Tenancy:                policycompiler.TenancyInherited,
			InheritsVia:             "customer_id",
			InheritsFrom:            "customers",
			SoftDeleteColumn:        "deleted_at",
			SoftDeleteActiveValue:   nil,
			SoftDeleteDeletedValue:  "now()",
		},
	}}
}

func TestBuildListProjectsColumnsInSchemaOrder(t *testing.T) {
	schema := policycompiler.SchemaModel{Tables: map[string]policycompiler.Table{
		"customers": {
			Name: "customers",
			Columns: map[string]policycompiler.Column{
				"id":         {Name: "id", Type: "uuid"},
				"name":       {Name: "name", Type: "text"},
				"email":      {Name: "email", Type: "text"},
				"plan":       {Name: "plan", Type: "text"},
				"created_at": {Name: "created_at", Type: "timestamp"},
			},
			ColumnOrder:  []string{"id", "name", "email", "plan", "created_at"},
			Tenancy:      policycompiler.TenancyDirect,
			TenantColumn: "organization_id",
		},
	}}
	tp := policycompiler.TablePolicy{Read: true}
	stmt, err := BuildList(Request{
		Schema: schema, Table: "customers", TablePolicy: tp, Tenant: "acme", Limit: 100,
	})
	if err != nil {
		t.Fatalf("BuildList: %v", err)
	}
	if !strings.HasPrefix(stmt.SQLText, `SELECT "id", "name", "email", "plan", "created_at" FROM`) {
		t.Fatalf("expected columns projected in declaration order, got %s", stmt.SQLText)
	}
}

func TestBuildGetAlwaysScopesToTenant(t *testing.T) {
	schema := testSchema()
	tp := policycompiler.TablePolicy{Read: true, ColumnAllow: []string{"id", "name"}}
	stmt, err := BuildGet(Request{Schema: schema, Table: "customers", TablePolicy: tp, Tenant: "acme", ID: "row-1"})
	if err != nil {
		t.Fatalf("BuildGet: %v", err)
	}
	if !strings.Contains(stmt.SQLText, `"tenant" = $1`) {
		t.Fatalf("expected tenant predicate, got %s", stmt.SQLText)
	}
	if stmt.Params[0] != "acme" {
		t.Fatalf("expected tenant param bound first, got %v", stmt.Params)
	}
	if strings.Contains(stmt.SQLText, "*") {
		t.Fatal("must never SELECT *")
	}
}

func TestBuildGetInheritedTenancyUsesExists(t *testing.T) {
	schema := testSchema()
	tp := policycompiler.TablePolicy{Read: true, ColumnAllow: []string{"id", "status"}}
	stmt, err := BuildGet(Request{Schema: schema, Table: "tickets", TablePolicy: tp, Tenant: "acme", ID: "t-1"})
	if err != nil {
		t.Fatalf("BuildGet: %v", err)
	}
	if !strings.Contains(stmt.SQLText, "EXISTS") {
		t.Fatalf("expected correlated EXISTS for inherited tenancy, got %s", stmt.SQLText)
	}
	if !strings.Contains(stmt.SQLText, `"deleted_at" IS NULL`) {
		t.Fatalf("expected soft-delete predicate, got %s", stmt.SQLText)
	}
}

func TestNoSQLFromInput(t *testing.T) {
	// Adversarial argument values must never change the SQL text, only the
	// bound parameters (spec.md §8).
	schema := testSchema()
	tp := policycompiler.TablePolicy{Create: true, ColumnAllow: []string{"name"}}

	benign, err := BuildCreate(Request{Schema: schema, Table: "customers", TablePolicy: tp, Tenant: "acme",
		ValidatedArgs: map[string]any{"name": "Acme Corp"}})
	if err != nil {
		t.Fatalf("BuildCreate: %v", err)
	}

	adversarial, err := BuildCreate(Request{Schema: schema, Table: "customers", TablePolicy: tp, Tenant: "acme",
		ValidatedArgs: map[string]any{"name": "'; DROP TABLE customers; --"}})
	if err != nil {
		t.Fatalf("BuildCreate: %v", err)
	}

	if benign.SQLText != adversarial.SQLText {
		t.Fatalf("SQL text differs with adversarial input:\n%s\nvs\n%s", benign.SQLText, adversarial.SQLText)
	}
	if benign.Params[0] == adversarial.Params[0] {
		t.Fatal("expected bound parameters to differ")
	}
}

func TestBuildDeleteSoftRewritesToUpdate(t *testing.T) {
	schema := testSchema()
	tp := policycompiler.TablePolicy{Delete: policycompiler.DeleteSoft}
	stmt, err := BuildDelete(Request{Schema: schema, Table: "tickets", TablePolicy: tp, Tenant: "acme", ID: "t-1"})
	if err != nil {
		t.Fatalf("BuildDelete: %v", err)
	}
	if stmt.IntendedEffect != EffectUpdate {
		t.Fatalf("expected soft delete to render as an update, got %v", stmt.IntendedEffect)
	}
	if !strings.HasPrefix(stmt.SQLText, "UPDATE") {
		t.Fatalf("expected UPDATE statement, got %s", stmt.SQLText)
	}
}

func TestBuildDeleteHardRendersDelete(t *testing.T) {
	schema := testSchema()
	tp := policycompiler.TablePolicy{Delete: policycompiler.DeleteHard}
	stmt, err := BuildDelete(Request{Schema: schema, Table: "tickets", TablePolicy: tp, Tenant: "acme", ID: "t-1"})
	if err != nil {
		t.Fatalf("BuildDelete: %v", err)
	}
	if stmt.IntendedEffect != EffectDelete {
		t.Fatalf("expected hard delete, got %v", stmt.IntendedEffect)
	}
	if !strings.HasPrefix(stmt.SQLText, "DELETE") {
		t.Fatalf("expected DELETE statement, got %s", stmt.SQLText)
	}
}

func TestBuildListCapsAtRoleLimit(t *testing.T) {
	schema := testSchema()
	tp := policycompiler.TablePolicy{Read: true, ColumnAllow: []string{"id"}}
	stmt, err := BuildList(Request{Schema: schema, Table: "customers", TablePolicy: tp, Tenant: "acme", Limit: 10000, PerToolRowCap: 25})
	if err != nil {
		t.Fatalf("BuildList: %v", err)
	}
	if stmt.RowCap == nil || *stmt.RowCap != 25 {
		t.Fatalf("expected row cap of 25, got %v", stmt.RowCap)
	}
}
