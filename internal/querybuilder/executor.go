package querybuilder

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cori-do/cori/internal/repository/postgres"
)

// ErrRowCapExceeded is returned when a mutation's affected-row count
// exceeds the calling role's max_affected_rows. The caller's transaction
// has already been rolled back by the time this error surfaces.
var ErrRowCapExceeded = errors.New("querybuilder: row cap exceeded")

// Result is what executing a PreparedStatement produces: the decoded rows
// for a SELECT, or the affected-row count for a mutation.
type Result struct {
	Rows         []map[string]any
	RowsAffected int64
}

// Execute runs stmt in a single database transaction, enforcing maxRows on
// mutations (spec.md §4.5: "post-execution row-cap check... exceeding
// triggers rollback"). Reads are not subject to the row cap.
func Execute(ctx context.Context, db *postgres.DB, stmt PreparedStatement, maxRows int) (Result, error) {
	var result Result
	err := db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		r, err := run(ctx, tx, stmt)
		if err != nil {
			return err
		}
		if stmt.IntendedEffect != EffectSelect && maxRows > 0 && r.RowsAffected > int64(maxRows) {
			return fmt.Errorf("%w: %d rows affected, cap is %d", ErrRowCapExceeded, r.RowsAffected, maxRows)
		}
		result = r
		return nil
	})
	return result, err
}

// DryRun executes stmt inside a transaction that is rolled back
// unconditionally, and reports the affected-row count (plus the returned
// rows for a read). It does not collect a before/after sample of the
// changed rows.
func DryRun(ctx context.Context, db *postgres.DB, stmt PreparedStatement) (Result, error) {
	var result Result
	err := db.WithDryRunTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		r, err := run(ctx, tx, stmt)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func run(ctx context.Context, tx pgx.Tx, stmt PreparedStatement) (Result, error) {
	if stmt.IntendedEffect == EffectSelect {
		rows, err := tx.Query(ctx, stmt.SQLText, stmt.Params...)
		if err != nil {
			return Result{}, fmt.Errorf("querybuilder: query: %w", err)
		}
		defer rows.Close()

		decoded, err := decodeRows(rows)
		if err != nil {
			return Result{}, err
		}
		return Result{Rows: decoded, RowsAffected: int64(len(decoded))}, nil
	}

	tag, err := tx.Exec(ctx, stmt.SQLText, stmt.Params...)
	if err != nil {
		return Result{}, fmt.Errorf("querybuilder: exec: %w", err)
	}
	return Result{RowsAffected: tag.RowsAffected()}, nil
}

func decodeRows(rows pgx.Rows) ([]map[string]any, error) {
	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("querybuilder: decode row: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querybuilder: row iteration: %w", err)
	}
	return out, nil
}
