// Package audit defines the audit event the pipeline emits for a request
// once it has resolved to a tool the role may use, and a best-effort,
// fire-and-forget sink for it. Requests rejected before that point (a bad
// or tenant-less token, an unknown tool) and internal failures while
// fetching the current row or filing an approval emit no event. Digests
// are content hashes, not the raw values they summarize, so the audit
// trail never becomes a second place sensitive data leaks from.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cori-do/cori/internal/guardrail"
)

// Outcome is the terminal state of a request, recorded on its audit event.
type Outcome string

const (
	OutcomeAllowed       Outcome = "allowed"
	OutcomeNeedsApproval Outcome = "needs_approval"
	OutcomeApproved      Outcome = "approved"
	OutcomeRejected      Outcome = "rejected"
	OutcomeDenied        Outcome = "denied"
	OutcomeError         Outcome = "error"
)

// Event is the audit record spec.md §6 describes.
type Event struct {
	EventID          string
	OccurredAt       time.Time
	Tenant           string
	Role             string
	Tool             string
	ArgumentsDigest  string
	Outcome          Outcome
	SQLDigest        string // empty when no statement was rendered
	RowsAffected     *int64
	DurationMS       int64
	ParentEventID    string // empty for a top-level request
	GuardrailSignals []guardrail.Signal
}

// NewEvent starts an Event, stamping a fresh ID and content-hashing args.
func NewEvent(tenant, role, tool string, arguments map[string]any) Event {
	return Event{
		EventID:         uuid.NewString(),
		OccurredAt:      time.Now().UTC(),
		Tenant:          tenant,
		Role:            role,
		Tool:            tool,
		ArgumentsDigest: digestJSON(arguments),
	}
}

// WithSQL attaches a content digest of the rendered SQL text — never the
// text itself — plus the rows the statement affected.
func (e Event) WithSQL(sqlText string, rowsAffected int64) Event {
	e.SQLDigest = digestString(sqlText)
	e.RowsAffected = &rowsAffected
	return e
}

func digestJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return digestBytes(data)
}

func digestString(s string) string {
	return digestBytes([]byte(s))
}

func digestBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Sink accepts finished events for durable storage or forwarding. Emission
// is best-effort: a Sink failure is logged, never returned to the pipeline
// caller, and never fails the request it describes.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// Emit calls sink.Emit and swallows any error after logging it, per
// spec.md §6 ("failure to emit doesn't fail the request but is logged").
func Emit(ctx context.Context, sink Sink, event Event) {
	if sink == nil {
		return
	}
	if err := sink.Emit(ctx, event); err != nil {
		log.Error().Err(err).Str("event_id", event.EventID).Str("tool", event.Tool).Msg("failed to emit audit event")
	}
}

// LogSink is the simplest Sink: it writes the event to the structured
// logger. It exists so Cori always has a working audit sink even when no
// external collector is configured — spec.md's Non-goals put the audit
// log *formatter/writer* out of core scope, but an ambient fallback sink
// is not a formatter, it is the minimum viable "don't silently drop
// events" behavior.
type LogSink struct{}

// Emit writes event as a structured log line.
func (LogSink) Emit(ctx context.Context, event Event) error {
	log.Info().
		Str("event_id", event.EventID).
		Time("occurred_at", event.OccurredAt).
		Str("tenant", event.Tenant).
		Str("role", event.Role).
		Str("tool", event.Tool).
		Str("arguments_digest", event.ArgumentsDigest).
		Str("outcome", string(event.Outcome)).
		Str("sql_digest", event.SQLDigest).
		Int64("duration_ms", event.DurationMS).
		Str("parent_event_id", event.ParentEventID).
		Int("guardrail_signal_count", len(event.GuardrailSignals)).
		Msg("audit event")
	return nil
}
