// Package reconcile approves and rejects payment requests: it moves the request to a terminal
// status, credits the user for approvals and notifies the user.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"topup-reconciler/internal/ledger"
	"topup-reconciler/internal/metrics"
	"topup-reconciler/internal/notify"
	"topup-reconciler/internal/repo"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates the payment request id is unknown.
	ErrNotFound = errors.New("payment request not found")
	// ErrValidation indicates invalid input; nothing was written.
	ErrValidation = errors.New("validation failed")
	// ErrStore indicates a store failure. The operation is safe to retry.
	ErrStore = errors.New("store failure")
	// ErrUnknownOutcome indicates a step timed out and may or may not have been applied.
	// Retrying the same operation is safe.
	ErrUnknownOutcome = errors.New("operation outcome unknown")
	// ErrCreditPending indicates the request is approved but the credit did not complete.
	// Calling Approve again finishes it.
	ErrCreditPending = fmt.Errorf("%w: credit pending", ErrStore)
)

// RequestStore is the subset of repo.RequestStore used by the engine.
type RequestStore interface {
	GetPaymentRequest(ctx context.Context, id string) (*repo.PaymentRequest, error)
	SetPaymentRequestStatus(ctx context.Context, id string, next repo.Status, reason *string) (*repo.PaymentRequest, error)
}

// Ledger credits balances idempotently per request.
type Ledger interface {
	Credit(ctx context.Context, userID string, amount decimal.Decimal, requestID string) (ledger.Credit, error)
	Entry(ctx context.Context, requestID string) (*ledger.Entry, error)
}

// Dispatcher notifies users. Keyed notifications are delivered at most once.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, n notify.Notification) notify.Outcome
	Delivered(ctx context.Context, n notify.Notification) (bool, error)
}

// Result describes the state a request was left in by Approve or Reject.
type Result struct {
	RequestID string
	UserID    string
	Amount    decimal.Decimal
	Status    repo.Status
	// AlreadyProcessed is set when the request was terminal before the call and nothing changed.
	AlreadyProcessed bool
	// Resumed is set when this call finished a terminal request whose credit or notification
	// had not completed.
	Resumed    bool
	NewBalance *decimal.Decimal
	Entry      *ledger.Entry
	Dispatch   *notify.Outcome
	// Degraded is set when the user was not reached on every channel.
	Degraded bool
}

// Config tunes an Engine.
type Config struct {
	CurrencyLabel  string
	CreditAttempts int
	CreditBackoff  time.Duration
	Metrics        *metrics.Metrics
}

// Engine runs approve and reject operations.
type Engine struct {
	requests   RequestStore
	ledger     Ledger
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics

	currency       string
	creditAttempts int
	creditBackoff  time.Duration
}

// New constructs an Engine.
func New(requests RequestStore, led Ledger, dispatcher Dispatcher, logger *slog.Logger, cfg Config) *Engine {
	if cfg.CreditAttempts <= 0 {
		cfg.CreditAttempts = 3
	}
	if cfg.CurrencyLabel == "" {
		cfg.CurrencyLabel = "Rp"
	}
	return &Engine{
		requests:       requests,
		ledger:         led,
		dispatcher:     dispatcher,
		logger:         logger.With("component", "reconcile"),
		metrics:        cfg.Metrics,
		currency:       cfg.CurrencyLabel,
		creditAttempts: cfg.CreditAttempts,
		creditBackoff:  cfg.CreditBackoff,
	}
}

// Approve moves a pending request to approved, credits the user and notifies them.
// An approved request whose credit or notification never completed is finished by this call.
func (e *Engine) Approve(ctx context.Context, requestID string) (*Result, error) {
	start := time.Now()
	res, err := e.approve(ctx, requestID)
	e.finish("approve", start, requestID, res, err)
	return res, err
}

func (e *Engine) approve(ctx context.Context, requestID string) (*Result, error) {
	pr, err := e.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !pr.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount %s of %s is not positive", ErrValidation, pr.Amount, requestID)
	}

	res := newResult(pr)
	switch pr.Status {
	case repo.StatusRejected:
		res.AlreadyProcessed = true
		return res, nil
	case repo.StatusApproved:
		entry, err := e.ledger.Entry(ctx, requestID)
		switch {
		case err == nil:
			res.Entry = entry
			res.NewBalance = &entry.NewBalance
			return e.resumeNotification(ctx, res, pr, e.approvedNotification(pr, entry.NewBalance))
		case errors.Is(err, ledger.ErrEntryNotFound):
			res.Resumed = true
			e.logger.Warn("resuming credit of approved request", "request_id", requestID, "user_id", pr.UserID)
		default:
			return nil, classify("read ledger entry", err)
		}
	case repo.StatusPending:
		updated, err := e.requests.SetPaymentRequestStatus(ctx, requestID, repo.StatusApproved, nil)
		switch {
		case errors.Is(err, repo.ErrConflict):
			return e.alreadyProcessed(ctx, pr), nil
		case errors.Is(err, repo.ErrNotFound):
			return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
		case err != nil:
			return nil, classify("approve payment request", err)
		}
		res = newResult(updated)
	default:
		return nil, fmt.Errorf("%w: %s has unknown status %q", ErrStore, requestID, pr.Status)
	}

	credit, err := e.credit(ctx, pr)
	if err != nil {
		return res, err
	}
	res.Entry = &credit.Entry
	res.NewBalance = &credit.NewBalance
	if res.Resumed && credit.Replayed {
		// A concurrent call finished the credit between our entry read and the lock.
		res.AlreadyProcessed = true
		res.Resumed = false
		return res, nil
	}
	return e.notify(ctx, res, pr.UserID, e.approvedNotification(pr, credit.NewBalance)), nil
}

// Reject moves a pending request to rejected and notifies the user with the reason.
// A rejected request whose notification never completed is notified again.
func (e *Engine) Reject(ctx context.Context, requestID, reason string) (*Result, error) {
	start := time.Now()
	res, err := e.reject(ctx, requestID, reason)
	e.finish("reject", start, requestID, res, err)
	return res, err
}

func (e *Engine) reject(ctx context.Context, requestID, reason string) (*Result, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}

	pr, err := e.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	switch pr.Status {
	case repo.StatusApproved:
		res := newResult(pr)
		res.AlreadyProcessed = true
		return res, nil
	case repo.StatusRejected:
		stored := reason
		if pr.RejectionReason != nil && *pr.RejectionReason != "" {
			stored = *pr.RejectionReason
		}
		return e.resumeNotification(ctx, newResult(pr), pr, e.rejectedNotification(pr, stored))
	}

	updated, err := e.requests.SetPaymentRequestStatus(ctx, requestID, repo.StatusRejected, &reason)
	switch {
	case errors.Is(err, repo.ErrConflict):
		return e.alreadyProcessed(ctx, pr), nil
	case errors.Is(err, repo.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	case err != nil:
		return nil, classify("reject payment request", err)
	}

	return e.notify(ctx, newResult(updated), pr.UserID, e.rejectedNotification(pr, reason)), nil
}

// resumeNotification finishes a terminal request whose outcome was never delivered. A request
// that was delivered is reported as already processed.
func (e *Engine) resumeNotification(ctx context.Context, res *Result, pr *repo.PaymentRequest, n notify.Notification) (*Result, error) {
	delivered, err := e.dispatcher.Delivered(ctx, n)
	if err != nil {
		return nil, classify("check notification delivery", err)
	}
	if delivered {
		res.AlreadyProcessed = true
		return res, nil
	}
	e.logger.Warn("resuming notification of processed request", "request_id", pr.ID, "user_id", pr.UserID, "type", n.Type)
	res.Resumed = true
	return e.notify(ctx, res, pr.UserID, n), nil
}

// notify dispatches n. When another call delivered it first the result carries no dispatch, and
// a resuming call reports the request as already processed.
func (e *Engine) notify(ctx context.Context, res *Result, userID string, n notify.Notification) *Result {
	out := e.dispatcher.Dispatch(ctx, userID, n)
	if out.Duplicate {
		if res.Resumed {
			res.Resumed = false
			res.AlreadyProcessed = true
		}
		return res
	}
	res.Dispatch = &out
	res.Degraded = !out.InAppWritten || !out.PushSent
	return res
}

// Snapshot is the current state of a request and its ledger entry, if any.
type Snapshot struct {
	Request repo.PaymentRequest
	Entry   *ledger.Entry
}

// Get returns the request and, for approved requests, its ledger entry.
func (e *Engine) Get(ctx context.Context, requestID string) (*Snapshot, error) {
	pr, err := e.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Request: *pr}
	if pr.Status == repo.StatusApproved {
		entry, err := e.ledger.Entry(ctx, requestID)
		switch {
		case err == nil:
			snap.Entry = entry
		case !errors.Is(err, ledger.ErrEntryNotFound):
			return nil, classify("read ledger entry", err)
		}
	}
	return snap, nil
}

func (e *Engine) load(ctx context.Context, requestID string) (*repo.PaymentRequest, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, fmt.Errorf("%w: request id is required", ErrValidation)
	}
	pr, err := e.requests.GetPaymentRequest(ctx, requestID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if err != nil {
		return nil, classify("load payment request", err)
	}
	return pr, nil
}

// alreadyProcessed reports a lost transition race. The winner owns every side effect.
func (e *Engine) alreadyProcessed(ctx context.Context, pr *repo.PaymentRequest) *Result {
	current := pr
	if fresh, err := e.requests.GetPaymentRequest(ctx, pr.ID); err == nil {
		current = fresh
	} else {
		e.logger.Debug("reload after conflict failed", "request_id", pr.ID, "error", err)
	}
	res := newResult(current)
	res.AlreadyProcessed = true
	return res
}

func (e *Engine) credit(ctx context.Context, pr *repo.PaymentRequest) (ledger.Credit, error) {
	var err error
	for attempt := 1; attempt <= e.creditAttempts; attempt++ {
		var c ledger.Credit
		c, err = e.ledger.Credit(ctx, pr.UserID, pr.Amount, pr.ID)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, ledger.ErrEntryMismatch) || errors.Is(err, ledger.ErrInvalidAmount) {
			break
		}
		e.logger.Warn("credit attempt failed", "request_id", pr.ID, "user_id", pr.UserID, "attempt", attempt, "error", err)
		if attempt == e.creditAttempts || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(e.creditBackoff * time.Duration(attempt)):
		}
	}
	if isTimeout(err) || ctx.Err() != nil {
		return ledger.Credit{}, fmt.Errorf("credit %s: %w: %w: %w", pr.ID, ErrCreditPending, ErrUnknownOutcome, err)
	}
	return ledger.Credit{}, fmt.Errorf("credit %s: %w: %w", pr.ID, ErrCreditPending, err)
}

func (e *Engine) approvedNotification(pr *repo.PaymentRequest, balance decimal.Decimal) notify.Notification {
	return notify.Notification{
		Key:    notify.PaymentRequestKey(pr.ID, notify.TypePaymentRequestApproved),
		Type:   notify.TypePaymentRequestApproved,
		Title:  approvedTitle,
		Body:   approvedBody(e.currency, pr.Amount, balance),
		Target: notify.PaymentRequestTarget(pr.ID),
	}
}

func (e *Engine) rejectedNotification(pr *repo.PaymentRequest, reason string) notify.Notification {
	return notify.Notification{
		Key:    notify.PaymentRequestKey(pr.ID, notify.TypePaymentRequestRejected),
		Type:   notify.TypePaymentRequestRejected,
		Title:  rejectedTitle,
		Body:   rejectedBody(e.currency, pr.Amount, reason),
		Target: notify.PaymentRequestTarget(pr.ID),
	}
}

func (e *Engine) finish(op string, start time.Time, requestID string, res *Result, err error) {
	outcome := outcomeOf(res, err)
	if e.metrics != nil {
		e.metrics.Operations.WithLabelValues(op, outcome).Inc()
		e.metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrValidation) {
			e.metrics.Errors.WithLabelValues("reconcile").Inc()
		}
	}

	attrs := []any{
		"operation", op,
		"request_id", requestID,
		"outcome", outcome,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if res != nil {
		attrs = append(attrs, "user_id", res.UserID, "status", res.Status, "amount", res.Amount.String())
		if res.NewBalance != nil {
			attrs = append(attrs, "new_balance", res.NewBalance.String())
		}
		if d := res.Dispatch; d != nil {
			attrs = append(attrs, "in_app", d.InAppWritten, "push_sent", d.PushSent)
			if d.PushError != nil {
				attrs = append(attrs, "push_error", d.PushError.Error())
			}
		}
	}
	if err != nil {
		attrs = append(attrs, "error", err)
		level := slog.LevelError
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
			level = slog.LevelWarn
		}
		e.logger.Log(context.Background(), level, "payment request operation failed", attrs...)
		return
	}
	e.logger.Info("payment request processed", attrs...)
}

func outcomeOf(res *Result, err error) string {
	switch {
	case errors.Is(err, ErrCreditPending):
		return "credit_pending"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrUnknownOutcome):
		return "unknown_outcome"
	case err != nil:
		return "store_error"
	case res.AlreadyProcessed:
		return "already_processed"
	case res.Resumed:
		return "resumed"
	case res.Degraded:
		return string(res.Status) + "_degraded"
	default:
		return string(res.Status)
	}
}

func newResult(pr *repo.PaymentRequest) *Result {
	return &Result{
		RequestID: pr.ID,
		UserID:    pr.UserID,
		Amount:    pr.Amount,
		Status:    pr.Status,
	}
}

// classify wraps a store error as ErrUnknownOutcome when it timed out and ErrStore otherwise.
func classify(step string, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%s: %w: %w", step, ErrUnknownOutcome, err)
	}
	return fmt.Errorf("%s: %w: %w", step, ErrStore, err)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
