package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

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
			Name:        "agent",
			TableAccess: map[string]policycompiler.TableAccessDoc{"widgets": {Read: true}},
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

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	policy := testPolicy(t)
	p := &pipeline.Pipeline{
		Policy:    pipeline.NewStaticPolicySource(policy),
		Catalog:   catalog.NewCache(),
		Approvals: approval.NewRendezvous(&memStore{rows: map[string]approval.PendingApproval{}}),
	}
	return NewRouter(&Deps{Pipeline: p, RateLimitPerMin: 1000})
}

func TestInvokeRejectsMissingBearerToken(t *testing.T) {
	router := newTestRouter(t)
	body, _ := json.Marshal(invokeRequest{Tool: "getWidget", Arguments: map[string]any{"id": "1"}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/invoke", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
}

func TestInvokeReturnsNotFoundForUnknownTool(t *testing.T) {
	router := newTestRouter(t)
	body, _ := json.Marshal(invokeRequest{Tool: "doesNotExist", Arguments: map[string]any{}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/invoke", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+mintToken(t))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error.Kind != string(pipeline.KindUnknownTool) {
		t.Fatalf("expected unknown_tool, got %q", resp.Error.Kind)
	}
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected /health to return 200, got %d", w.Code)
	}

	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w2.Code != http.StatusOK {
		t.Fatalf("expected /ready to return 200, got %d", w2.Code)
	}
}
