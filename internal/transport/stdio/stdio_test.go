package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cori-do/cori/internal/approval"
	"github.com/cori-do/cori/internal/catalog"
	"github.com/cori-do/cori/internal/pipeline"
	"github.com/cori-do/cori/internal/policycompiler"
	"github.com/cori-do/cori/internal/tokenengine"
)

type memStore struct {
	rows map[string]approval.PendingApproval
}

func (m *memStore) Create(ctx context.Context, a approval.PendingApproval) error {
	m.rows[a.ID] = a
	return nil
}
func (m *memStore) Get(ctx context.Context, id string) (approval.PendingApproval, error) {
	a, ok := m.rows[id]
	if !ok {
		return approval.PendingApproval{}, approval.ErrNotFound
	}
	return a, nil
}
func (m *memStore) MarkResolved(ctx context.Context, id string, status approval.Status, by string) error {
	a := m.rows[id]
	a.Status = status
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
	roles := []policycompiler.RoleDoc{
		{
			Name: "agent",
			TableAccess: map[string]policycompiler.TableAccessDoc{
				"widgets": {Read: true},
			},
			MaxAffectedRows: 10,
			PerToolRowCap:   50,
		},
	}
	policy, diags := policycompiler.Compile(schema, policycompiler.Rules{}, policycompiler.Types{}, roles, nil)
	if policycompiler.HasErrors(diags) {
		t.Fatalf("unexpected compile errors: %+v", diags)
	}
	return policy
}

func mintToken(t *testing.T) string {
	t.Helper()
	kp, err := tokenengine.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	tok, err := tokenengine.Mint(kp, tokenengine.MintParams{Role: "agent", Tenant: "tenant-a", ExpiresAt: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	raw, err := tok.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func TestServeRoundTripsUnknownToolAsFramedError(t *testing.T) {
	policy := testPolicy(t)
	p := &pipeline.Pipeline{
		Policy:    pipeline.NewStaticPolicySource(policy),
		Catalog:   catalog.NewCache(),
		Approvals: approval.NewRendezvous(&memStore{rows: map[string]approval.PendingApproval{}}),
	}
	srv := &Server{Pipeline: p, Token: mintToken(t)}

	var in bytes.Buffer
	req := request{Tool: "doesNotExist", Arguments: map[string]any{}}
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := writeFrame(&in, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	var out bytes.Buffer
	if err := srv.Serve(context.Background(), &in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}

	respPayload, err := readFrame(bufio.NewReader(&out))
	if err != nil {
		t.Fatalf("read response frame: %v", err)
	}
	var resp response
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error == nil || resp.Error.Kind != string(pipeline.KindUnknownTool) {
		t.Fatalf("expected unknown_tool error, got %+v", resp)
	}
}

func TestReadFrameRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	oversized := make([]byte, maxFrameSize+1)
	if err := writeFrame(&buf, oversized); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if _, err := readFrame(bufio.NewReader(&buf)); err == nil {
		t.Fatal("expected an error for an oversized frame")
	}
}
