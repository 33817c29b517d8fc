package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sqliteColumns = `id, user_id, amount, payment_method, source_phone, status, rejection_reason, created_at, approved_at, updated_at`

// Timestamps are stored as unix microseconds so keyset ordering is numeric.
func toMicros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func scanSQLitePaymentRequest(row rowScanner) (*PaymentRequest, error) {
	var (
		pr         PaymentRequest
		amount     string
		rawStatus  string
		reason     sql.NullString
		createdAt  int64
		approvedAt sql.NullInt64
		updatedAt  int64
	)
	if err := row.Scan(&pr.ID, &pr.UserID, &amount, &pr.PaymentMethod, &pr.SourcePhone, &rawStatus, &reason, &createdAt, &approvedAt, &updatedAt); err != nil {
		return nil, err
	}
	if reason.Valid {
		pr.RejectionReason = &reason.String
	}
	pr.CreatedAt = fromMicros(createdAt)
	pr.UpdatedAt = fromMicros(updatedAt)
	if approvedAt.Valid {
		at := fromMicros(approvedAt.Int64)
		pr.ApprovedAt = &at
	}
	return finishScan(&pr, amount, rawStatus)
}

// -- Payment requests --

func (r *SQLiteRepository) InsertPaymentRequest(ctx context.Context, pr PaymentRequest) (*PaymentRequest, error) {
	if pr.ID == "" {
		pr.ID = randomUUID()
	}
	if pr.Status == "" {
		pr.Status = StatusPending
	}
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = r.now()
	}
	const q = `
INSERT INTO payment_requests (id, user_id, amount, payment_method, source_phone, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`
	created := toMicros(pr.CreatedAt)
	if _, err := r.db.ExecContext(ctx, q,
		pr.ID,
		pr.UserID,
		pr.Amount.String(),
		pr.PaymentMethod,
		pr.SourcePhone,
		string(pr.Status),
		created,
		created,
	); err != nil {
		return nil, fmt.Errorf("insert payment request: %w", err)
	}
	return r.GetPaymentRequest(ctx, pr.ID)
}

func (r *SQLiteRepository) GetPaymentRequest(ctx context.Context, id string) (*PaymentRequest, error) {
	q := `SELECT ` + sqliteColumns + ` FROM payment_requests WHERE id = ? LIMIT 1;`
	pr, err := scanSQLitePaymentRequest(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payment request: %w", err)
	}
	return pr, nil
}

func (r *SQLiteRepository) SetPaymentRequestStatus(ctx context.Context, id string, next Status, reason *string) (*PaymentRequest, error) {
	if err := validateTransition(next, reason); err != nil {
		return nil, err
	}

	now := toMicros(r.now())
	var approvedAt any
	if next == StatusApproved {
		approvedAt = now
	}
	var storedReason any
	if next == StatusRejected {
		storedReason = *reason
	}

	pending := pendingSpellings()
	args := []any{string(next), storedReason, approvedAt, now, id}
	placeholders := ""
	for i, p := range pending {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, p)
	}

	q := `
UPDATE payment_requests
SET status = ?,
    rejection_reason = ?,
    approved_at = COALESCE(?, approved_at),
    updated_at = ?
WHERE id = ? AND lower(trim(status)) IN (` + placeholders + `);`
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("set payment request status: %w", err)
	}

	current, err := r.GetPaymentRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s is %s", ErrConflict, id, current.Status)
	}
	return current, nil
}

func (r *SQLiteRepository) ListPaymentRequestsCreatedAfter(ctx context.Context, after Cursor, limit int) ([]PaymentRequest, error) {
	if limit <= 0 {
		limit = replayPageSize
	}
	q := `
SELECT ` + sqliteColumns + `
FROM payment_requests
WHERE created_at > ? OR (created_at = ? AND id > ?)
ORDER BY created_at ASC, id ASC
LIMIT ?;`
	ts := toMicros(after.CreatedAt)
	if after.CreatedAt.IsZero() {
		ts = 0
	}
	rows, err := r.db.QueryContext(ctx, q, ts, ts, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payment requests: %w", err)
	}
	defer rows.Close()

	var res []PaymentRequest
	for rows.Next() {
		pr, err := scanSQLitePaymentRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment request: %w", err)
		}
		res = append(res, *pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment requests: %w", err)
	}
	return res, nil
}

// SubscribeCreated polls for rows after the cursor. SQLite has no LISTEN, so the interval bounds latency.
func (r *SQLiteRepository) SubscribeCreated(ctx context.Context, after Cursor, fn func(PaymentRequest) error) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	cursor := after
	for {
		var err error
		if cursor, err = replay(ctx, r, cursor, fn); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func randomUUID() string {
	return uuid.NewString()
}
