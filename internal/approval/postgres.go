package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cori-do/cori/internal/repository/postgres"
)

// PostgresStore persists PendingApproval records plus the two adjacent
// tables spec.md §6 names as Cori's only other persisted state: an
// optional local-user table (for operators who resolve approvals without
// an external identity provider) and a transient device-token table (for
// short-lived device-pairing codes used by that same optional flow).
// Core never writes its own configuration — this store only ever writes
// approval-lifecycle and operator-identity rows.
type PostgresStore struct {
	db *postgres.DB
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *postgres.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a new pending approval row.
func (s *PostgresStore) Create(ctx context.Context, a PendingApproval) error {
	argsJSON, err := json.Marshal(a.Arguments)
	if err != nil {
		return fmt.Errorf("approval: marshal arguments: %w", err)
	}
	reasonsJSON, err := json.Marshal(a.Reasons)
	if err != nil {
		return fmt.Errorf("approval: marshal reasons: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO approval_requests
			(id, tenant, role, tool, arguments, reasons, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.Tenant, a.Role, a.Tool, argsJSON, reasonsJSON, a.Status, a.CreatedAt, a.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("approval: insert: %w", err)
	}
	return nil
}

// Get loads a pending approval row by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (PendingApproval, error) {
	var a PendingApproval
	var argsJSON, reasonsJSON []byte
	var resolvedAt *time.Time
	var resolvedBy *string

	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, tenant, role, tool, arguments, reasons, status, created_at, expires_at, resolved_by, resolved_at
		FROM approval_requests WHERE id = $1`, id,
	).Scan(&a.ID, &a.Tenant, &a.Role, &a.Tool, &argsJSON, &reasonsJSON, &a.Status, &a.CreatedAt, &a.ExpiresAt, &resolvedBy, &resolvedAt)
	if err == pgx.ErrNoRows {
		return PendingApproval{}, ErrNotFound
	}
	if err != nil {
		return PendingApproval{}, fmt.Errorf("approval: get: %w", err)
	}

	if len(argsJSON) > 0 {
		_ = json.Unmarshal(argsJSON, &a.Arguments)
	}
	if len(reasonsJSON) > 0 {
		_ = json.Unmarshal(reasonsJSON, &a.Reasons)
	}
	if resolvedBy != nil {
		a.ResolvedBy = *resolvedBy
	}
	if resolvedAt != nil {
		a.ResolvedAt = *resolvedAt
	}
	return a, nil
}

// MarkResolved updates an approval's terminal status.
func (s *PostgresStore) MarkResolved(ctx context.Context, id string, status Status, resolvedBy string) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE approval_requests
		SET status = $1, resolved_by = $2, resolved_at = $3
		WHERE id = $4 AND status = $5`,
		status, resolvedBy, time.Now().UTC(), id, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("approval: mark resolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

// LocalUser is an operator identity Cori can resolve approvals against
// when no external identity provider is wired in — optional, per
// spec.md §6.
type LocalUser struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// CreateLocalUser inserts an operator row.
func (s *PostgresStore) CreateLocalUser(ctx context.Context, u LocalUser) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO local_users (id, username, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`,
		u.ID, u.Username, u.PasswordHash, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("approval: create local user: %w", err)
	}
	return nil
}

// GetLocalUserByUsername looks up an operator by username.
func (s *PostgresStore) GetLocalUserByUsername(ctx context.Context, username string) (LocalUser, error) {
	var u LocalUser
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at FROM local_users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return LocalUser{}, ErrNotFound
	}
	if err != nil {
		return LocalUser{}, fmt.Errorf("approval: get local user: %w", err)
	}
	return u, nil
}

// DeviceToken is a short-lived, single-use code issued to pair an
// approver's device to a resolution session. Transient by design: callers
// should delete expired rows on a schedule external to this package.
type DeviceToken struct {
	Token     string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// CreateDeviceToken inserts a transient device token.
func (s *PostgresStore) CreateDeviceToken(ctx context.Context, t DeviceToken) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO device_tokens (token, user_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4)`,
		t.Token, t.UserID, t.IssuedAt, t.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("approval: create device token: %w", err)
	}
	return nil
}

// ConsumeDeviceToken validates and deletes a device token in one
// operation, so each token can be redeemed exactly once.
func (s *PostgresStore) ConsumeDeviceToken(ctx context.Context, token string) (DeviceToken, error) {
	var t DeviceToken
	err := s.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT token, user_id, issued_at, expires_at FROM device_tokens WHERE token = $1 FOR UPDATE`, token,
		).Scan(&t.Token, &t.UserID, &t.IssuedAt, &t.ExpiresAt)
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("approval: consume device token: %w", err)
		}
		if time.Now().UTC().After(t.ExpiresAt) {
			return fmt.Errorf("approval: device token expired")
		}
		_, err = tx.Exec(ctx, `DELETE FROM device_tokens WHERE token = $1`, token)
		return err
	})
	if err != nil {
		return DeviceToken{}, err
	}
	return t, nil
}
