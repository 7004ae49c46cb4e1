// Package approval implements the human-in-the-loop suspension point
// spec.md §4.6 and §9 describe: a pipeline goroutine blocks on a pending
// approval without holding any database transaction open, and a separate
// resolution call (from whatever front-end an operator uses — out of
// scope here, per spec.md's Non-goals) wakes it up.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a PendingApproval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// PendingApproval is a suspended mutation awaiting a human decision.
type PendingApproval struct {
	ID          string
	Tenant      string
	Role        string
	Tool        string
	Arguments   map[string]any
	Reasons     []string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Status      Status
	ResolvedBy  string
	ResolvedAt  time.Time
}

// ErrNotFound is returned when an approval ID does not exist.
var ErrNotFound = errors.New("approval: not found")

// ErrAlreadyResolved is returned when Resolve is called twice.
var ErrAlreadyResolved = errors.New("approval: already resolved")

// Store persists PendingApproval records. A Postgres implementation lives
// in internal/approval/postgres.go; Create/Resolve are the only writes the
// rendezvous mechanism needs.
type Store interface {
	Create(ctx context.Context, a PendingApproval) error
	Get(ctx context.Context, id string) (PendingApproval, error)
	MarkResolved(ctx context.Context, id string, status Status, resolvedBy string) error
}

// Rendezvous coordinates pipeline goroutines waiting on a PendingApproval
// with whatever external caller resolves it. It holds no database
// transaction open across the wait — only an in-memory channel.
type Rendezvous struct {
	store Store

	mu      sync.Mutex
	waiters map[string]chan Status
}

// NewRendezvous constructs a Rendezvous backed by store.
func NewRendezvous(store Store) *Rendezvous {
	return &Rendezvous{store: store, waiters: make(map[string]chan Status)}
}

// Create persists a new PendingApproval and registers a waiter channel for
// it, returning the approval so the caller can report its opaque ID.
func (r *Rendezvous) Create(ctx context.Context, tenant, role, tool string, args map[string]any, reasons []string, ttl time.Duration) (PendingApproval, error) {
	now := time.Now().UTC()
	a := PendingApproval{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		Role:      role,
		Tool:      tool,
		Arguments: args,
		Reasons:   reasons,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Status:    StatusPending,
	}
	if err := r.store.Create(ctx, a); err != nil {
		return PendingApproval{}, err
	}

	r.mu.Lock()
	r.waiters[a.ID] = make(chan Status, 1)
	r.mu.Unlock()

	return a, nil
}

// Await blocks until the approval identified by id resolves, the context
// is cancelled, or its expiry passes — whichever comes first. It never
// holds a database transaction across the wait: the only state held is
// the buffered channel registered by Create.
func (r *Rendezvous) Await(ctx context.Context, id string, expiresAt time.Time) (Status, error) {
	r.mu.Lock()
	ch, ok := r.waiters[id]
	r.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}

	timer := time.NewTimer(time.Until(expiresAt))
	defer timer.Stop()

	select {
	case status := <-ch:
		return status, nil
	case <-timer.C:
		_ = r.store.MarkResolved(ctx, id, StatusExpired, "")
		r.cleanup(id)
		return StatusExpired, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Resolve records a human decision and wakes any goroutine awaiting it.
func (r *Rendezvous) Resolve(ctx context.Context, id string, approve bool, resolvedBy string) error {
	current, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != StatusPending {
		return ErrAlreadyResolved
	}

	status := StatusRejected
	if approve {
		status = StatusApproved
	}
	if err := r.store.MarkResolved(ctx, id, status, resolvedBy); err != nil {
		return err
	}

	r.mu.Lock()
	ch, ok := r.waiters[id]
	r.mu.Unlock()
	if ok {
		ch <- status
	}
	r.cleanup(id)
	return nil
}

func (r *Rendezvous) cleanup(id string) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}
