// Package notify delivers user-facing notifications on two channels: an in-app record, which is the
// system of record, and a best-effort push through an external gateway.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"topup-reconciler/internal/metrics"

	"github.com/google/uuid"
)

var (
	// ErrNoPushToken indicates the user has no registered push token.
	ErrNoPushToken = errors.New("user has no push token")
	// ErrNoRecipients indicates the gateway accepted the message but delivered it to nobody.
	ErrNoRecipients = errors.New("push gateway reported zero recipients")
	// ErrPushDisabled indicates no push gateway is configured.
	ErrPushDisabled = errors.New("push gateway disabled")
	// ErrDuplicateNotification is returned by InAppStore.CreateNotification when a record with
	// the same id already exists.
	ErrDuplicateNotification = errors.New("notification already exists")
)

// Type enumerates notification kinds.
type Type string

const (
	TypePaymentRequestApproved Type = "payment_request_approved"
	TypePaymentRequestRejected Type = "payment_request_rejected"
)

// Target identifies what a notification refers to, e.g. the payment request screen.
type Target struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// PaymentRequestTarget points at a payment request.
func PaymentRequestTarget(requestID string) Target {
	return Target{Kind: "payment_request", ID: requestID}
}

// PaymentRequestKey is the record id of the notification sent for a request's outcome, so each
// outcome is delivered at most once per request.
func PaymentRequestKey(requestID string, t Type) string {
	return fmt.Sprintf("payment_request_%s_%s", requestID, strings.TrimPrefix(string(t), "payment_request_"))
}

// Record is an in-app notification as stored.
type Record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
	Target    Target    `json:"target_context"`
	Type      Type      `json:"type"`
}

// Message is what a push gateway delivers.
type Message struct {
	Title  string
	Body   string
	Type   Type
	Target Target
}

// Notification is the input of Dispatch. When Key is set it becomes the record id and a second
// Dispatch with the same key delivers nothing.
type Notification struct {
	Key    string
	Type   Type
	Title  string
	Body   string
	Target Target
}

// Outcome reports both channels independently. It is returned, never persisted.
// Duplicate is set when the keyed record already existed; neither channel was used then.
type Outcome struct {
	RecordID     string
	Duplicate    bool
	InAppWritten bool
	InAppError   error
	PushSent     bool
	Recipients   int
	PushError    error
}

// InAppStore persists in-app notification records. CreateNotification never overwrites: an
// existing id yields ErrDuplicateNotification.
type InAppStore interface {
	CreateNotification(ctx context.Context, rec Record) error
	HasNotification(ctx context.Context, id string) (bool, error)
}

// TokenSource resolves a user's registered push token.
type TokenSource interface {
	GetPushToken(ctx context.Context, userID string) (token string, ok bool, err error)
}

// PushGateway sends a message to a device token and returns the number of recipients reached.
type PushGateway interface {
	Send(ctx context.Context, token string, msg Message) (int, error)
}

// Dispatcher writes the in-app record and then attempts push delivery.
type Dispatcher struct {
	store       InAppStore
	tokens      TokenSource
	gateway     PushGateway
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	newID       func() string
	pushTimeout time.Duration
}

// Config tunes a Dispatcher.
type Config struct {
	PushTimeout time.Duration
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// NewDispatcher creates a Dispatcher. gateway may be nil, in which case push reports ErrPushDisabled.
func NewDispatcher(store InAppStore, tokens TokenSource, gateway PushGateway, logger *slog.Logger, cfg Config) *Dispatcher {
	timeout := cfg.PushTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		store:       store,
		tokens:      tokens,
		gateway:     gateway,
		logger:      logger.With("component", "notify"),
		metrics:     cfg.Metrics,
		now:         now,
		newID:       uuid.NewString,
		pushTimeout: timeout,
	}
}

// Delivered reports whether the keyed notification has an in-app record.
func (d *Dispatcher) Delivered(ctx context.Context, n Notification) (bool, error) {
	if n.Key == "" {
		return false, nil
	}
	ok, err := d.store.HasNotification(ctx, n.Key)
	if err != nil {
		return false, fmt.Errorf("lookup notification %s: %w", n.Key, err)
	}
	return ok, nil
}

// Dispatch never fails as a whole: each channel's result is reported in the Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, n Notification) Outcome {
	var out Outcome

	id := n.Key
	if id == "" {
		id = d.newID()
	}
	rec := Record{
		ID:        id,
		UserID:    userID,
		Title:     n.Title,
		Body:      n.Body,
		Timestamp: d.now().UTC(),
		Target:    n.Target,
		Type:      n.Type,
	}
	err := d.store.CreateNotification(ctx, rec)
	switch {
	case errors.Is(err, ErrDuplicateNotification):
		out.RecordID = rec.ID
		out.Duplicate = true
		d.count("in_app", "duplicate")
		d.logger.Info("notification already delivered", "user_id", userID, "record_id", rec.ID)
		return out
	case err != nil:
		out.InAppError = fmt.Errorf("create in-app notification: %w", err)
		d.count("in_app", "failed")
		d.logger.Error("in-app notification not written", "user_id", userID, "type", n.Type, "error", err)
	default:
		out.RecordID = rec.ID
		out.InAppWritten = true
		d.count("in_app", "written")
	}

	out.Recipients, out.PushError = d.push(ctx, userID, n)
	out.PushSent = out.PushError == nil
	if out.PushSent {
		d.count("push", "sent")
	} else {
		d.count("push", pushResult(out.PushError))
		d.logger.Warn("push notification not delivered", "user_id", userID, "type", n.Type, "error", out.PushError)
	}
	return out
}

func (d *Dispatcher) push(ctx context.Context, userID string, n Notification) (recipients int, err error) {
	if d.gateway == nil {
		return 0, ErrPushDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, d.pushTimeout)
	defer cancel()

	token, ok, err := d.tokens.GetPushToken(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("lookup push token: %w", err)
	}
	if !ok || token == "" {
		return 0, ErrNoPushToken
	}

	defer func() {
		if r := recover(); r != nil {
			recipients, err = 0, fmt.Errorf("push gateway panic: %v", r)
		}
	}()

	recipients, err = d.gateway.Send(ctx, token, Message{
		Title:  n.Title,
		Body:   n.Body,
		Type:   n.Type,
		Target: n.Target,
	})
	if err != nil {
		return 0, err
	}
	if recipients == 0 {
		return 0, ErrNoRecipients
	}
	return recipients, nil
}

func (d *Dispatcher) count(channel, result string) {
	if d.metrics != nil {
		d.metrics.Dispatches.WithLabelValues(channel, result).Inc()
	}
}

func pushResult(err error) string {
	switch {
	case errors.Is(err, ErrNoPushToken):
		return "no_token"
	case errors.Is(err, ErrNoRecipients):
		return "no_recipients"
	case errors.Is(err, ErrPushDisabled):
		return "disabled"
	default:
		return "failed"
	}
}
