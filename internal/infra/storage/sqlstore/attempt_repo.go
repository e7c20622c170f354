package sqlstore

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/vietddude/maestro/internal/core/domain"
)

type attemptRow struct {
	ID            string `db:"id"`
	OperationID   string `db:"operation_id"`
	WorkerID      string `db:"worker_id"`
	ErrorKind     string `db:"error_kind"`
	AttemptNumber int    `db:"attempt_number"`
	Strategy      string `db:"strategy"`
	Success       bool   `db:"success"`
	DurationNS    int64  `db:"duration_ns"`
	ErrorMessage  string `db:"error_message"`
	CreatedAt     int64  `db:"created_at"`
}

func (row attemptRow) toDomain() domain.RecoveryAttempt {
	return domain.RecoveryAttempt{
		ID:            row.ID,
		OperationID:   row.OperationID,
		WorkerID:      row.WorkerID,
		ErrorKind:     domain.ErrorKind(row.ErrorKind),
		AttemptNumber: row.AttemptNumber,
		Strategy:      row.Strategy,
		Timestamp:     time.Unix(0, row.CreatedAt).UTC(),
		Success:       row.Success,
		Duration:      time.Duration(row.DurationNS),
		ErrorMessage:  row.ErrorMessage,
	}
}

const insertAttemptQuery = `
	INSERT INTO recovery_attempts (
		id, operation_id, worker_id, error_kind, attempt_number,
		strategy, success, duration_ns, error_message, created_at
	) VALUES (
		:id, :operation_id, :worker_id, :error_kind, :attempt_number,
		:strategy, :success, :duration_ns, :error_message, :created_at
	)
`

// AttemptRepo implements storage.AttemptRepository and serves as the
// executor's attempt journal.
type AttemptRepo struct {
	db *DB
}

// NewAttemptRepo creates a new SQL attempt repository.
func NewAttemptRepo(db *DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

// Append stores one attempt.
func (r *AttemptRepo) Append(ctx context.Context, a domain.RecoveryAttempt) error {
	defer observe("attempt_append", time.Now())

	_, err := r.db.NamedExecContext(ctx, insertAttemptQuery, attemptRow{
		ID:            a.ID,
		OperationID:   a.OperationID,
		WorkerID:      a.WorkerID,
		ErrorKind:     string(a.ErrorKind),
		AttemptNumber: a.AttemptNumber,
		Strategy:      a.Strategy,
		Success:       a.Success,
		DurationNS:    a.Duration.Nanoseconds(),
		ErrorMessage:  a.ErrorMessage,
		CreatedAt:     a.Timestamp.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to append attempt: %w", err)
	}
	return nil
}

// ListByOperation returns the newest attempts for operationID, oldest first.
func (r *AttemptRepo) ListByOperation(
	ctx context.Context,
	operationID string,
	limit int,
) ([]domain.RecoveryAttempt, error) {
	defer observe("attempt_list", time.Now())

	query := `
		SELECT id, operation_id, worker_id, error_kind, attempt_number,
			strategy, success, duration_ns, error_message, created_at
		FROM recovery_attempts
		WHERE operation_id = ?
		ORDER BY created_at DESC, attempt_number DESC
	`
	args := []any{operationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []attemptRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}

	out := make([]domain.RecoveryAttempt, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	slices.Reverse(out)
	return out, nil
}

// DeleteOlderThan removes attempts recorded before cutoff.
func (r *AttemptRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	defer observe("attempt_prune", time.Now())

	res, err := r.db.ExecContext(ctx,
		r.db.Rebind("DELETE FROM recovery_attempts WHERE created_at < ?"), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned attempts: %w", err)
	}
	return n, nil
}
