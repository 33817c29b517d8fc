package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const createdChannel = "payment_request_created"

// PostgresRepository provides typed access to the relational request store.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

var _ RequestStore = (*PostgresRepository)(nil)

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "repo"),
		schema: schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations applies schema migrations on the connected database.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplyMigrations(ctx, r.pool, filesystem)
}

const paymentRequestColumns = `id, user_id, amount::text, payment_method, source_phone, status, rejection_reason, created_at, approved_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaymentRequest(row rowScanner) (*PaymentRequest, error) {
	var (
		pr        PaymentRequest
		amount    string
		rawStatus string
	)
	if err := row.Scan(&pr.ID, &pr.UserID, &amount, &pr.PaymentMethod, &pr.SourcePhone, &rawStatus, &pr.RejectionReason, &pr.CreatedAt, &pr.ApprovedAt, &pr.UpdatedAt); err != nil {
		return nil, err
	}
	return finishScan(&pr, amount, rawStatus)
}

func finishScan(pr *PaymentRequest, amount, rawStatus string) (*PaymentRequest, error) {
	var err error
	if pr.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount %q of %s: %w", amount, pr.ID, err)
	}
	status, ok := ParseStatus(rawStatus)
	if !ok {
		return nil, fmt.Errorf("unknown status %q on payment request %s", rawStatus, pr.ID)
	}
	pr.Status = status
	return pr, nil
}

// InsertPaymentRequest stores a new payment request. The insert trigger announces it on the feed channel.
func (r *PostgresRepository) InsertPaymentRequest(ctx context.Context, pr PaymentRequest) (*PaymentRequest, error) {
	if pr.ID == "" {
		pr.ID = randomUUID()
	}
	if pr.Status == "" {
		pr.Status = StatusPending
	}
	q := `
INSERT INTO payment_requests (id, user_id, amount, payment_method, source_phone, status)
VALUES ($1, $2, $3::numeric, $4, $5, $6)
RETURNING ` + paymentRequestColumns + `;`
	row := r.pool.QueryRow(ctx, q,
		pr.ID,
		pr.UserID,
		pr.Amount.String(),
		pr.PaymentMethod,
		pr.SourcePhone,
		string(pr.Status),
	)
	inserted, err := scanPaymentRequest(row)
	if err != nil {
		return nil, fmt.Errorf("insert payment request: %w", err)
	}
	return inserted, nil
}

// GetPaymentRequest returns a payment request by id.
func (r *PostgresRepository) GetPaymentRequest(ctx context.Context, id string) (*PaymentRequest, error) {
	q := `SELECT ` + paymentRequestColumns + ` FROM payment_requests WHERE id = $1 LIMIT 1;`
	pr, err := scanPaymentRequest(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payment request: %w", err)
	}
	return pr, nil
}

// SetPaymentRequestStatus performs the guarded pending -> terminal transition in a single statement.
func (r *PostgresRepository) SetPaymentRequestStatus(ctx context.Context, id string, next Status, reason *string) (*PaymentRequest, error) {
	if err := validateTransition(next, reason); err != nil {
		return nil, err
	}
	q := `
UPDATE payment_requests
SET status = $2::text,
    rejection_reason = CASE WHEN $2::text = 'rejected' THEN $3::text ELSE NULL END,
    approved_at = CASE WHEN $2::text = 'approved' THEN NOW() ELSE approved_at END,
    updated_at = NOW()
WHERE id = $1 AND lower(trim(status)) = ANY($4::text[])
RETURNING ` + paymentRequestColumns + `;`
	pr, err := scanPaymentRequest(r.pool.QueryRow(ctx, q, id, string(next), reason, pendingSpellings()))
	if err == nil {
		return pr, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("set payment request status: %w", err)
	}

	current, err := r.GetPaymentRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s is %s", ErrConflict, id, current.Status)
}

// ListPaymentRequestsCreatedAfter returns requests strictly after the cursor in creation order.
func (r *PostgresRepository) ListPaymentRequestsCreatedAfter(ctx context.Context, after Cursor, limit int) ([]PaymentRequest, error) {
	if limit <= 0 {
		limit = replayPageSize
	}
	q := `
SELECT ` + paymentRequestColumns + `
FROM payment_requests
WHERE (created_at, id) > ($1::timestamptz, $2::text)
ORDER BY created_at ASC, id ASC
LIMIT $3;`
	rows, err := r.pool.Query(ctx, q, after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payment requests: %w", err)
	}
	defer rows.Close()

	var res []PaymentRequest
	for rows.Next() {
		pr, err := scanPaymentRequest(rows)
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

// SubscribeCreated listens on the creation channel on a dedicated connection. The backlog after
// the cursor is replayed once LISTEN is active, so nothing inserted in between is missed.
func (r *PostgresRepository) SubscribeCreated(ctx context.Context, after Cursor, fn func(PaymentRequest) error) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(releaseCtx, "UNLISTEN *"); err != nil {
			r.logger.Debug("unlisten failed", "error", err)
		}
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+createdChannel); err != nil {
		return fmt.Errorf("listen %s: %w", createdChannel, err)
	}
	r.logger.Info("subscribed to payment request feed", "channel", createdChannel, "after_id", after.ID)

	replayed, err := replay(ctx, r, after, fn)
	if err != nil {
		return err
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		pr, err := r.GetPaymentRequest(ctx, n.Payload)
		if errors.Is(err, ErrNotFound) {
			r.logger.Warn("notified payment request not found", "id", n.Payload)
			continue
		}
		if err != nil {
			return err
		}
		if err := forwardNotified(replayed, *pr, fn); err != nil {
			return err
		}
	}
}

// forwardNotified passes a notified request to fn unless the replay ending at replayed already
// delivered it. Rows inserted between LISTEN and the end of the replay arrive twice otherwise.
func forwardNotified(replayed Cursor, pr PaymentRequest, fn func(PaymentRequest) error) error {
	if replayed.Covers(pr) {
		return nil
	}
	return fn(pr)
}

// replay pages through the backlog after cursor and returns the last position delivered.
func replay(ctx context.Context, store RequestStore, cursor Cursor, fn func(PaymentRequest) error) (Cursor, error) {
	for {
		page, err := store.ListPaymentRequestsCreatedAfter(ctx, cursor, replayPageSize)
		if err != nil {
			return cursor, fmt.Errorf("replay backlog: %w", err)
		}
		for _, pr := range page {
			if err := fn(pr); err != nil {
				return cursor, err
			}
			cursor = After(pr)
		}
		if len(page) < replayPageSize {
			return cursor, nil
		}
	}
}
