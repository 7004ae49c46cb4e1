package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cori-do/cori/internal/approval"
	"github.com/cori-do/cori/internal/audit"
	"github.com/cori-do/cori/internal/catalog"
	"github.com/cori-do/cori/internal/policycompiler"
	"github.com/cori-do/cori/internal/tokenengine"
)

// memStore is an in-memory approval.Store for tests that never touch
// Postgres.
type memStore struct {
	mu   sync.Mutex
	rows map[string]approval.PendingApproval
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]approval.PendingApproval)} }

func (m *memStore) Create(ctx context.Context, a approval.PendingApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[a.ID] = a
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (approval.PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return approval.PendingApproval{}, approval.ErrNotFound
	}
	return a, nil
}

func (m *memStore) MarkResolved(ctx context.Context, id string, status approval.Status, resolvedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return approval.ErrNotFound
	}
	a.Status = status
	a.ResolvedBy = resolvedBy
	m.rows[id] = a
	return nil
}

func testPolicy(t *testing.T) *policycompiler.EffectivePolicy {
	t.Helper()
	schema := policycompiler.SchemaModel{
		Tables: map[string]policycompiler.Table{
			"widgets": {
				Name:         "widgets",
				Tenancy:      policycompiler.TenancyDirect,
				TenantColumn: "tenant_id",
				Columns: map[string]policycompiler.Column{
					"id":     {Name: "id", Type: "uuid"},
					"status": {Name: "status", Type: "string"},
				},
				ColumnOrder: []string{"id", "status"},
			},
		},
	}
	rules := policycompiler.Rules{
		Tables: map[string]policycompiler.TableRules{
			"widgets": {
				RequiresApproval: map[string]bool{"delete": true},
			},
		},
	}
	roles := []policycompiler.RoleDoc{
		{
			Name: "agent",
			TableAccess: map[string]policycompiler.TableAccessDoc{
				"widgets": {Read: true, Create: true, Update: true, Delete: "hard", ColumnAllow: []string{"status"}},
			},
			MaxAffectedRows: 10,
			PerToolRowCap:   50,
		},
	}
	policy, diags := policycompiler.Compile(schema, rules, policycompiler.Types{}, roles, nil)
	if policycompiler.HasErrors(diags) {
		t.Fatalf("unexpected compile errors: %+v", diags)
	}
	return policy
}

func mintToken(t *testing.T, role, tenant string) string {
	t.Helper()
	kp, err := tokenengine.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	tok, err := tokenengine.Mint(kp, tokenengine.MintParams{Role: role, Tenant: tenant, ExpiresAt: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	raw, err := tok.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func newPipeline(policy *policycompiler.EffectivePolicy) *Pipeline {
	return &Pipeline{
		Policy:    NewStaticPolicySource(policy),
		Catalog:   catalog.NewCache(),
		Guardrail: nil,
		Approvals: approval.NewRendezvous(newMemStore()),
		DB:        nil,
		AuditSink: audit.LogSink{},
	}
}

func TestRunRejectsTokenWithNoTenant(t *testing.T) {
	policy := testPolicy(t)
	p := newPipeline(policy)
	raw := mintToken(t, "agent", "")

	_, err := p.Run(context.Background(), Request{RawToken: raw, ToolName: "getWidget", Arguments: map[string]any{"id": "1"}})
	if err == nil {
		t.Fatal("expected error for tenant-less token")
	}
	perr, ok := err.(*Error)
	if !ok || perr.Kind != KindUnauthorized {
		t.Fatalf("expected KindUnauthorized, got %#v", err)
	}
}

func TestRunRejectsUnknownTool(t *testing.T) {
	policy := testPolicy(t)
	p := newPipeline(policy)
	raw := mintToken(t, "agent", "tenant-a")

	_, err := p.Run(context.Background(), Request{RawToken: raw, ToolName: "doesNotExist", Arguments: map[string]any{}})
	perr, ok := err.(*Error)
	if !ok || perr.Kind != KindUnknownTool {
		t.Fatalf("expected KindUnknownTool, got %#v", err)
	}
}

func TestRunDeniesUnknownField(t *testing.T) {
	policy := testPolicy(t)
	p := newPipeline(policy)
	raw := mintToken(t, "agent", "tenant-a")

	_, err := p.Run(context.Background(), Request{
		RawToken: raw,
		ToolName: "createWidget",
		Arguments: map[string]any{
			"status":       "active",
			"not_a_column": "x",
		},
	})
	perr, ok := err.(*Error)
	if !ok || perr.Kind != KindDenied {
		t.Fatalf("expected KindDenied, got %#v", err)
	}
}

func TestRunSuspendsThenRejectsOnApprovalDecision(t *testing.T) {
	policy := testPolicy(t)
	store := newMemStore()
	p := &Pipeline{
		Policy:    NewStaticPolicySource(policy),
		Catalog:   catalog.NewCache(),
		Guardrail: nil,
		Approvals: approval.NewRendezvous(store),
		DB:        nil,
		AuditSink: audit.LogSink{},
	}
	raw := mintToken(t, "agent", "tenant-a")

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background(), Request{
			RawToken: raw,
			ToolName: "deleteWidget",
			Arguments: map[string]any{
				"id": "11111111-1111-1111-1111-111111111111",
			},
		})
		done <- err
	}()

	// Poll the store for the pending row the pipeline just created and
	// reject it, instead of waiting out ApprovalTimeout.
	var id string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		for k := range store.rows {
			id = k
		}
		store.mu.Unlock()
		if id != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("pipeline never created a pending approval")
	}
	if err := p.Approvals.Resolve(context.Background(), id, false, "reviewer"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	select {
	case err := <-done:
		perr, ok := err.(*Error)
		if !ok || perr.Kind != KindRejected {
			t.Fatalf("expected KindRejected, got %#v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not return")
	}
}

func TestReloadablePolicySourceSwapsInPlace(t *testing.T) {
	first := testPolicy(t)
	src := NewReloadablePolicySource(first)
	if src.Current() != first {
		t.Fatal("expected Current to return the initial policy")
	}

	second := testPolicy(t)
	src.Reload(second)
	if src.Current() != second {
		t.Fatal("expected Current to return the reloaded policy")
	}
}
