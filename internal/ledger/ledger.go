// Package ledger credits user balances and records one immutable entry per approved payment request.
//
// A credit is two writes to the document store: the balance (together with a marker naming the
// request it applied) and the ledger entry keyed by the request id. The marker lets a retry after
// a partial failure finish the entry without crediting twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"topup-reconciler/internal/metrics"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount indicates a non-positive credit amount.
	ErrInvalidAmount = errors.New("credit amount must be positive")
	// ErrEntryNotFound is returned by EntryStore.GetEntry for unknown ids.
	ErrEntryNotFound = errors.New("ledger entry not found")
	// ErrEntryMismatch indicates an existing entry for the request disagrees with the credit being replayed.
	ErrEntryMismatch = errors.New("ledger entry does not match credit")
	// ErrEntryPending indicates the balance was written but the entry write did not complete yet.
	ErrEntryPending = errors.New("ledger entry write pending")
)

const entryIDPrefix = "payment_request_"

// EntryID derives the ledger entry id for a payment request.
func EntryID(requestID string) string {
	return entryIDPrefix + requestID
}

// Entry is the immutable audit record of a single credit.
type Entry struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Amount          decimal.Decimal `json:"amount"`
	PreviousBalance decimal.Decimal `json:"previous_balance"`
	NewBalance      decimal.Decimal `json:"new_balance"`
	Timestamp       time.Time       `json:"timestamp"`
	SourceRequestID string          `json:"source_request_id"`
}

// Validate checks NewBalance - PreviousBalance == Amount and the id derivation.
func (e Entry) Validate() error {
	if !e.NewBalance.Sub(e.PreviousBalance).Equal(e.Amount) {
		return fmt.Errorf("ledger entry %s: %s - %s != %s", e.ID, e.NewBalance, e.PreviousBalance, e.Amount)
	}
	if e.ID != EntryID(e.SourceRequestID) {
		return fmt.Errorf("ledger entry id %q does not derive from request %q", e.ID, e.SourceRequestID)
	}
	return nil
}

// Balance is the balance state of a user document.
// LastRequestID and LastPrevious describe the most recent credit applied to Amount.
type Balance struct {
	Amount        decimal.Decimal
	LastRequestID string
	LastPrevious  decimal.Decimal
}

// BalanceStore reads and writes user balances.
type BalanceStore interface {
	GetBalance(ctx context.Context, userID string) (Balance, error)
	SetBalance(ctx context.Context, userID string, b Balance) error
}

// EntryStore persists ledger entries. UpsertEntry creates or overwrites by id.
type EntryStore interface {
	UpsertEntry(ctx context.Context, e Entry) error
	GetEntry(ctx context.Context, id string) (*Entry, error)
	ListEntries(ctx context.Context, userID string) ([]Entry, error)
}

// Locker provides mutual exclusion per key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Credit describes the outcome of Ledger.Credit.
type Credit struct {
	PreviousBalance decimal.Decimal
	NewBalance      decimal.Decimal
	Entry           Entry
	// Replayed is set when the entry already existed and nothing was written.
	Replayed bool
	// Recovered is set when the balance had been written by an earlier attempt and only the entry was completed.
	Recovered bool
}

// Ledger serialises credits per user and keeps balance and entries consistent.
type Ledger struct {
	balances BalanceStore
	entries  EntryStore
	locker   Locker
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	upsertAttempts int
	upsertBackoff  time.Duration
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithLocker replaces the default in-process locker, e.g. with a Redis lock for multiple instances.
func WithLocker(l Locker) Option {
	return func(led *Ledger) { led.locker = l }
}

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(led *Ledger) { led.now = now }
}

// WithUpsertRetry sets how often the entry upsert is attempted within a single credit.
func WithUpsertRetry(attempts int, backoff time.Duration) Option {
	return func(led *Ledger) {
		if attempts > 0 {
			led.upsertAttempts = attempts
		}
		led.upsertBackoff = backoff
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(led *Ledger) { led.metrics = m }
}

// New creates a Ledger. The in-process locker is used unless WithLocker is given.
func New(balances BalanceStore, entries EntryStore, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		balances:       balances,
		entries:        entries,
		locker:         NewLocalLocker(),
		logger:         logger.With("component", "ledger"),
		now:            time.Now,
		upsertAttempts: 3,
		upsertBackoff:  50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Credit adds amount to the user's balance and records the entry for requestID.
// Calling it again for the same requestID converges on the same entry and never credits twice.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, requestID string) (Credit, error) {
	if !amount.IsPositive() {
		return Credit{}, ErrInvalidAmount
	}
	if userID == "" || requestID == "" {
		return Credit{}, fmt.Errorf("credit requires user and request id")
	}

	unlock, err := l.locker.Lock(ctx, "balance:"+userID)
	if err != nil {
		return Credit{}, fmt.Errorf("lock balance %s: %w", userID, err)
	}
	defer unlock()

	id := EntryID(requestID)
	existing, err := l.entries.GetEntry(ctx, id)
	switch {
	case err == nil:
		if existing.UserID != userID || !existing.Amount.Equal(amount) {
			l.count("mismatch")
			return Credit{}, fmt.Errorf("%w: %s", ErrEntryMismatch, id)
		}
		l.count("replayed")
		return Credit{
			PreviousBalance: existing.PreviousBalance,
			NewBalance:      existing.NewBalance,
			Entry:           *existing,
			Replayed:        true,
		}, nil
	case errors.Is(err, ErrEntryNotFound):
	default:
		l.count("failed")
		return Credit{}, fmt.Errorf("read ledger entry %s: %w", id, err)
	}

	bal, err := l.balances.GetBalance(ctx, userID)
	if err != nil {
		l.count("failed")
		return Credit{}, fmt.Errorf("read balance %s: %w", userID, err)
	}

	if bal.LastRequestID == requestID {
		// An earlier attempt wrote the balance but not the entry.
		entry := Entry{
			ID:              id,
			UserID:          userID,
			Amount:          amount,
			PreviousBalance: bal.LastPrevious,
			NewBalance:      bal.Amount,
			Timestamp:       l.now().UTC(),
			SourceRequestID: requestID,
		}
		if err := entry.Validate(); err != nil {
			l.count("mismatch")
			return Credit{}, fmt.Errorf("%w: %v", ErrEntryMismatch, err)
		}
		if err := l.upsert(ctx, entry); err != nil {
			return Credit{}, err
		}
		l.count("recovered")
		l.logger.Warn("completed ledger entry of earlier credit", "request_id", requestID, "user_id", userID)
		return Credit{PreviousBalance: entry.PreviousBalance, NewBalance: entry.NewBalance, Entry: entry, Recovered: true}, nil
	}

	if err := l.repairLast(ctx, userID, bal); err != nil {
		return Credit{}, err
	}

	next := bal.Amount.Add(amount)
	entry := Entry{
		ID:              id,
		UserID:          userID,
		Amount:          amount,
		PreviousBalance: bal.Amount,
		NewBalance:      next,
		Timestamp:       l.now().UTC(),
		SourceRequestID: requestID,
	}
	if err := entry.Validate(); err != nil {
		return Credit{}, err
	}

	if err := l.balances.SetBalance(ctx, userID, Balance{Amount: next, LastRequestID: requestID, LastPrevious: bal.Amount}); err != nil {
		l.count("failed")
		return Credit{}, fmt.Errorf("write balance %s: %w", userID, err)
	}
	if err := l.upsert(ctx, entry); err != nil {
		return Credit{}, err
	}

	l.count("applied")
	l.logger.Info("balance credited",
		"request_id", requestID,
		"user_id", userID,
		"amount", amount.String(),
		"previous_balance", bal.Amount.String(),
		"new_balance", next.String(),
	)
	return Credit{PreviousBalance: bal.Amount, NewBalance: next, Entry: entry}, nil
}

// Entry returns the ledger entry recorded for requestID, or ErrEntryNotFound.
func (l *Ledger) Entry(ctx context.Context, requestID string) (*Entry, error) {
	return l.entries.GetEntry(ctx, EntryID(requestID))
}

// Entries lists the user's ledger entries.
func (l *Ledger) Entries(ctx context.Context, userID string) ([]Entry, error) {
	return l.entries.ListEntries(ctx, userID)
}

// Balance returns the user's current balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	bal, err := l.balances.GetBalance(ctx, userID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return bal.Amount, nil
}

// repairLast writes the entry of the previous credit if it is missing, before the marker is overwritten.
func (l *Ledger) repairLast(ctx context.Context, userID string, bal Balance) error {
	if bal.LastRequestID == "" {
		return nil
	}
	id := EntryID(bal.LastRequestID)
	_, err := l.entries.GetEntry(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrEntryNotFound) {
		return fmt.Errorf("read ledger entry %s: %w", id, err)
	}
	entry := Entry{
		ID:              id,
		UserID:          userID,
		Amount:          bal.Amount.Sub(bal.LastPrevious),
		PreviousBalance: bal.LastPrevious,
		NewBalance:      bal.Amount,
		Timestamp:       l.now().UTC(),
		SourceRequestID: bal.LastRequestID,
	}
	if err := l.upsert(ctx, entry); err != nil {
		return err
	}
	l.count("recovered")
	l.logger.Warn("repaired missing ledger entry", "request_id", bal.LastRequestID, "user_id", userID)
	return nil
}

func (l *Ledger) upsert(ctx context.Context, entry Entry) error {
	var err error
	for attempt := 1; attempt <= l.upsertAttempts; attempt++ {
		if err = l.entries.UpsertEntry(ctx, entry); err == nil {
			return nil
		}
		l.logger.Warn("ledger entry upsert failed", "entry_id", entry.ID, "attempt", attempt, "error", err)
		if attempt == l.upsertAttempts {
			break
		}
		select {
		case <-ctx.Done():
			l.count("failed")
			return fmt.Errorf("%w: %s: %w", ErrEntryPending, entry.ID, ctx.Err())
		case <-time.After(l.upsertBackoff * time.Duration(attempt)):
		}
	}
	l.count("failed")
	return fmt.Errorf("%w: %s: %w", ErrEntryPending, entry.ID, err)
}

func (l *Ledger) count(result string) {
	if l.metrics != nil {
		l.metrics.LedgerCredits.WithLabelValues(result).Inc()
	}
}
