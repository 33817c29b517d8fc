package repo

import (
	"context"
	"errors"
	"io/fs"
)

var (
	// ErrNotFound indicates the payment request id is unknown.
	ErrNotFound = errors.New("payment request not found")
	// ErrConflict indicates the request already left pending.
	ErrConflict = errors.New("payment request already processed")
	// ErrInvalidTransition indicates a non-terminal target status was requested.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RequestStore defines persistence for payment requests.
type RequestStore interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Payment requests
	InsertPaymentRequest(ctx context.Context, pr PaymentRequest) (*PaymentRequest, error)
	GetPaymentRequest(ctx context.Context, id string) (*PaymentRequest, error)
	// SetPaymentRequestStatus moves a pending request to next. It fails with ErrConflict when the
	// stored status is no longer pending and with ErrNotFound when the id is unknown.
	SetPaymentRequestStatus(ctx context.Context, id string, next Status, reason *string) (*PaymentRequest, error)
	ListPaymentRequestsCreatedAfter(ctx context.Context, after Cursor, limit int) ([]PaymentRequest, error)

	// Feed
	// SubscribeCreated replays requests created after the cursor and then streams new ones to fn
	// until the subscription breaks or ctx ends. Delivery is at-least-once.
	SubscribeCreated(ctx context.Context, after Cursor, fn func(PaymentRequest) error) error
}

const replayPageSize = 200

func validateTransition(next Status, reason *string) error {
	if !next.IsTerminal() {
		return ErrInvalidTransition
	}
	if next == StatusRejected && (reason == nil || *reason == "") {
		return errors.New("rejection reason is required")
	}
	return nil
}
