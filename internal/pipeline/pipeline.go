// Package pipeline wires the token engine, policy compiler's output, the
// tool catalog, the validator, the advisory guardrail sweep, the human
// approval rendezvous, the query builder, and the audit sink into the
// single fail-fast request path every transport adapter calls through.
// Each stage either short-circuits the request or hands a narrower,
// already-checked value to the next one — nothing downstream of Verify
// re-derives a decision an earlier stage already made.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cori-do/cori/internal/approval"
	"github.com/cori-do/cori/internal/audit"
	"github.com/cori-do/cori/internal/catalog"
	"github.com/cori-do/cori/internal/guardrail"
	"github.com/cori-do/cori/internal/policycompiler"
	"github.com/cori-do/cori/internal/querybuilder"
	"github.com/cori-do/cori/internal/repository/postgres"
	"github.com/cori-do/cori/internal/tokenengine"
	"github.com/cori-do/cori/internal/validator"
)

// Kind classifies a pipeline failure so transports can translate it into
// their own wire shape without parsing error strings.
type Kind string

const (
	KindUnauthorized  Kind = "unauthorized"
	KindUnknownTool   Kind = "unknown_tool"
	KindDenied        Kind = "denied"
	KindNeedsApproval Kind = "needs_approval"
	KindRejected      Kind = "rejected"
	KindInternal      Kind = "internal"
)

// Error is a pipeline failure carrying a stable Kind plus the human-facing
// detail for it.
type Error struct {
	Kind    Kind
	Message string
	// Violations is set only for KindDenied, mirroring validator.Violation
	// so a transport can surface field-level detail without importing
	// internal/validator itself.
	Violations []validator.Violation
}

func (e *Error) Error() string { return fmt.Sprintf("pipeline: %s: %s", e.Kind, e.Message) }

// ApprovalTimeout bounds how long Await waits on a suspended request
// before the approval is marked expired and the request fails with
// KindNeedsApproval's terminal sibling, KindRejected.
const ApprovalTimeout = 15 * time.Minute

// Request is one concrete tool invocation arriving over any transport.
type Request struct {
	RawToken  string
	ToolName  string
	Arguments map[string]any
	Limit     int
	Offset    int
	DryRun    bool
}

// Response is the successful result of running a Request through the
// pipeline to completion (including any approval wait).
type Response struct {
	Rows         []map[string]any
	RowsAffected int64
	Outcome      audit.Outcome
}

// PolicySource resolves the immutable policy currently in force. Swapping
// the value Current returns (e.g. on a SIGHUP reload) takes effect on the
// very next request; in-flight requests keep the policy they already
// looked up.
type PolicySource interface {
	Current() *policycompiler.EffectivePolicy
}

// Pipeline holds everything a request needs to run from a raw token to a
// finished, audited result.
type Pipeline struct {
	Policy     PolicySource
	Catalog    *catalog.Cache
	Guardrail  *guardrail.Engine
	Approvals  *approval.Rendezvous
	DB         *postgres.DB
	AuditSink  audit.Sink
	MaxAffectedRowsOverride int // 0 means use the role's own MaxAffectedRows
}

// Run executes req end to end: verify, project, validate, sweep, suspend
// for approval if required, build and execute SQL, audit, and return.
func (p *Pipeline) Run(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	claims, err := tokenengine.Verify(req.RawToken, time.Now())
	if err != nil {
		return Response{}, &Error{Kind: KindUnauthorized, Message: err.Error()}
	}

	// Open Question (spec.md): a base-role token carrying no tenant at all
	// cannot execute any tenant-scoped operation. Reject it here rather
	// than let it fall through to a query builder that would have to
	// special-case a missing tenant; a future introspection-only RPC for
	// such tokens is left to an external layer.
	if claims.Tenant == "" {
		return Response{}, &Error{Kind: KindUnauthorized, Message: "token carries no tenant; base-role tokens may not invoke tenant-scoped tools"}
	}

	policy := p.Policy.Current()
	if policy == nil {
		return Response{}, &Error{Kind: KindInternal, Message: "no policy loaded"}
	}

	tools := p.Catalog.Get(policy, claims)
	tool := findTool(tools, req.ToolName)
	if tool == nil {
		return Response{}, &Error{Kind: KindUnknownTool, Message: fmt.Sprintf("unknown tool %q for this role", req.ToolName)}
	}

	rolePolicy, ok := policy.Roles[claims.Role]
	if !ok {
		return Response{}, &Error{Kind: KindUnauthorized, Message: "role no longer present in policy"}
	}
	tablePolicy, ok := rolePolicy.Tables[tool.Table]
	if !ok {
		return Response{}, &Error{Kind: KindUnknownTool, Message: fmt.Sprintf("table %q no longer accessible to this role", tool.Table)}
	}
	event := audit.NewEvent(claims.Tenant, claims.Role, tool.Name, req.Arguments)

	// "id" is a routing argument that identifies which row a get/update/
	// delete touches, not a writable column — it never goes through the
	// column-whitelist/pattern/restrict_to checks the rest of an
	// invocation's arguments do.
	payloadArgs := payloadArguments(tool.Verb, req.Arguments)

	inv := validator.Invocation{
		Policy:    tablePolicy,
		Types:     policy.Types,
		Verb:      tool.Verb,
		Arguments: payloadArgs,
	}
	if tool.Verb == "update" {
		current, err := p.fetchCurrentRow(ctx, policy.Schema, tool.Table, tablePolicy, claims.Tenant, req.Arguments)
		if err != nil {
			return Response{}, &Error{Kind: KindInternal, Message: err.Error()}
		}
		inv.CurrentRow = current
		inv.NewRow = mergeRow(current, payloadArgs)
	}

	decision := validator.Evaluate(inv)

	signals := p.Guardrail.Sweep(ctx, guardrail.Invocation{
		Role:      claims.Role,
		Tenant:    claims.Tenant,
		ToolName:  tool.Name,
		Arguments: req.Arguments,
	})
	event.GuardrailSignals = signals

	if decision.Denied {
		event.Outcome = audit.OutcomeDenied
		p.emit(ctx, event, start)
		return Response{}, &Error{Kind: KindDenied, Message: "invocation denied", Violations: decision.Violations}
	}

	if decision.NeedsApproval {
		event.Outcome = audit.OutcomeNeedsApproval
		p.emit(ctx, cloneEventForStage(event), start)

		pending, err := p.Approvals.Create(ctx, claims.Tenant, claims.Role, tool.Name, decision.ValidatedArgs, decision.ApprovalReasons, ApprovalTimeout)
		if err != nil {
			return Response{}, &Error{Kind: KindInternal, Message: err.Error()}
		}

		status, err := p.Approvals.Await(ctx, pending.ID, pending.ExpiresAt)
		if err != nil {
			return Response{}, &Error{Kind: KindInternal, Message: err.Error()}
		}

		followUp := audit.NewEvent(claims.Tenant, claims.Role, tool.Name, req.Arguments)
		followUp.ParentEventID = event.EventID

		switch status {
		case approval.StatusApproved:
			followUp.Outcome = audit.OutcomeApproved
		case approval.StatusRejected:
			followUp.Outcome = audit.OutcomeRejected
			p.emit(ctx, followUp, start)
			return Response{}, &Error{Kind: KindRejected, Message: "approval rejected"}
		case approval.StatusExpired:
			followUp.Outcome = audit.OutcomeRejected
			p.emit(ctx, followUp, start)
			return Response{}, &Error{Kind: KindRejected, Message: "approval request expired"}
		default:
			followUp.Outcome = audit.OutcomeError
			p.emit(ctx, followUp, start)
			return Response{}, &Error{Kind: KindInternal, Message: fmt.Sprintf("unexpected approval status %q", status)}
		}

		resp, err := p.buildAndExecute(ctx, policy.Schema, tool, tablePolicy, rolePolicy, claims, decision.ValidatedArgs, req, &followUp)
		p.emit(ctx, followUp, start)
		return resp, err
	}

	event.Outcome = audit.OutcomeAllowed
	resp, err := p.buildAndExecute(ctx, policy.Schema, tool, tablePolicy, rolePolicy, claims, decision.ValidatedArgs, req, &event)
	p.emit(ctx, event, start)
	return resp, err
}

func (p *Pipeline) buildAndExecute(ctx context.Context, schema policycompiler.SchemaModel, tool *catalog.ToolDescriptor, tablePolicy policycompiler.TablePolicy, rolePolicy policycompiler.RolePolicy, claims tokenengine.Claims, args map[string]any, req Request, event *audit.Event) (Response, error) {
	qreq := querybuilder.Request{
		Schema:        schema,
		Table:         tool.Table,
		TablePolicy:   tablePolicy,
		Tenant:        claims.Tenant,
		ValidatedArgs: args,
		PerToolRowCap: rolePolicy.PerToolRowCap,
		Limit:         req.Limit,
		Offset:        req.Offset,
	}
	if id, ok := req.Arguments["id"].(string); ok {
		qreq.ID = id
	}

	var stmt querybuilder.PreparedStatement
	var err error
	switch tool.Verb {
	case "get":
		stmt, err = querybuilder.BuildGet(qreq)
	case "list":
		stmt, err = querybuilder.BuildList(qreq)
	case "create":
		stmt, err = querybuilder.BuildCreate(qreq)
	case "update":
		stmt, err = querybuilder.BuildUpdate(qreq)
	case "delete":
		stmt, err = querybuilder.BuildDelete(qreq)
	default:
		return Response{}, &Error{Kind: KindInternal, Message: fmt.Sprintf("unhandled verb %q", tool.Verb)}
	}
	if err != nil {
		event.Outcome = audit.OutcomeError
		return Response{}, &Error{Kind: KindInternal, Message: err.Error()}
	}

	maxRows := rolePolicy.MaxAffectedRows
	if p.MaxAffectedRowsOverride > 0 {
		maxRows = p.MaxAffectedRowsOverride
	}

	var result querybuilder.Result
	if req.DryRun {
		result, err = querybuilder.DryRun(ctx, p.DB, stmt)
	} else {
		result, err = querybuilder.Execute(ctx, p.DB, stmt, maxRows)
	}
	*event = event.WithSQL(stmt.SQLText, result.RowsAffected)
	if err != nil {
		event.Outcome = audit.OutcomeError
		if errors.Is(err, querybuilder.ErrRowCapExceeded) {
			return Response{}, &Error{Kind: KindDenied, Message: err.Error()}
		}
		return Response{}, &Error{Kind: KindInternal, Message: err.Error()}
	}

	return Response{Rows: result.Rows, RowsAffected: result.RowsAffected, Outcome: event.Outcome}, nil
}

func (p *Pipeline) fetchCurrentRow(ctx context.Context, schema policycompiler.SchemaModel, table string, tablePolicy policycompiler.TablePolicy, tenant string, args map[string]any) (map[string]any, error) {
	id, _ := args["id"].(string)
	stmt, err := querybuilder.BuildGet(querybuilder.Request{
		Schema:      schema,
		Table:       table,
		TablePolicy: tablePolicy,
		Tenant:      tenant,
		ID:          id,
	})
	if err != nil {
		return nil, err
	}
	result, err := querybuilder.Execute(ctx, p.DB, stmt, 0)
	if err != nil {
		return nil, err
	}
	if len(result.Rows) == 0 {
		return nil, fmt.Errorf("pipeline: row %q not found", id)
	}
	return result.Rows[0], nil
}

func (p *Pipeline) emit(ctx context.Context, event audit.Event, start time.Time) {
	event.DurationMS = time.Since(start).Milliseconds()
	audit.Emit(ctx, p.AuditSink, event)
}

func findTool(tools []catalog.ToolDescriptor, name string) *catalog.ToolDescriptor {
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i]
		}
	}
	return nil
}

// payloadArguments strips the "id" routing key out of a request's
// arguments for verbs that use it to address a row (get/update/delete),
// since it is never itself a validated column value. Create and list have
// no such key to strip.
func payloadArguments(verb string, args map[string]any) map[string]any {
	switch verb {
	case "get", "update", "delete":
		out := make(map[string]any, len(args))
		for k, v := range args {
			if k == "id" {
				continue
			}
			out[k] = v
		}
		return out
	default:
		return args
	}
}

func mergeRow(current map[string]any, args map[string]any) map[string]any {
	merged := make(map[string]any, len(current)+len(args))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range args {
		merged[k] = v
	}
	return merged
}

func cloneEventForStage(e audit.Event) audit.Event {
	e.EventID = e.EventID + ":suspend"
	return e
}

// staticPolicySource is the simplest PolicySource: a value set once at
// startup. The serve command in cmd/cori, which reloads on SIGHUP, uses a
// ReloadablePolicySource instead.
type staticPolicySource struct {
	policy *policycompiler.EffectivePolicy
}

// NewStaticPolicySource wraps a fixed policy that never changes for the
// life of the process.
func NewStaticPolicySource(policy *policycompiler.EffectivePolicy) PolicySource {
	return &staticPolicySource{policy: policy}
}

func (s *staticPolicySource) Current() *policycompiler.EffectivePolicy { return s.policy }

// ReloadablePolicySource holds a policy that can be swapped in place. The
// command server's SIGHUP handler recompiles the declarative documents and
// calls Reload; every Run call that starts after Reload observes the new
// policy without a process restart, while a Run already in flight keeps the
// policy it looked up.
type ReloadablePolicySource struct {
	current atomic.Pointer[policycompiler.EffectivePolicy]
}

// NewReloadablePolicySource builds a source already holding policy.
func NewReloadablePolicySource(policy *policycompiler.EffectivePolicy) *ReloadablePolicySource {
	r := &ReloadablePolicySource{}
	r.current.Store(policy)
	return r
}

// Current returns the most recently stored policy.
func (r *ReloadablePolicySource) Current() *policycompiler.EffectivePolicy {
	return r.current.Load()
}

// Reload atomically swaps in a newly compiled policy.
func (r *ReloadablePolicySource) Reload(policy *policycompiler.EffectivePolicy) {
	r.current.Store(policy)
}
