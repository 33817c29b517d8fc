// Package feed follows newly created payment requests and raises operator alerts.
//
// Delivery from the source is at-least-once. The feed remembers the last request it handled and
// drops a repeated delivery of that request, then resubscribes from the same position whenever the
// source breaks.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"topup-reconciler/internal/logging"
	"topup-reconciler/internal/metrics"
	"topup-reconciler/internal/money"
	"topup-reconciler/internal/repo"

	"github.com/shopspring/decimal"
)

// Source streams request creations after a cursor until ctx ends or the stream breaks.
type Source interface {
	SubscribeCreated(ctx context.Context, after repo.Cursor, fn func(repo.PaymentRequest) error) error
}

// NameResolver looks up a user's display name for alerts.
type NameResolver interface {
	DisplayName(ctx context.Context, userID string) (string, bool, error)
}

// Chime plays an audible cue for an alert. Errors are ignored.
type Chime func(ctx context.Context, a Alert) error

// Watermark is the last request handled by the feed.
type Watermark struct {
	ID        string
	CreatedAt time.Time
}

// Alert is the operator-facing summary of a new request.
type Alert struct {
	RequestID     string          `json:"request_id"`
	UserID        string          `json:"user_id"`
	UserName      string          `json:"user_name,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	SourcePhone   string          `json:"source_phone"`
	Title         string          `json:"title"`
	Body          string          `json:"body"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Feed dispatches alerts for new payment requests to registered callbacks.
type Feed struct {
	src      Source
	names    NameResolver
	chime    Chime
	logger   *slog.Logger
	metrics  *metrics.Metrics
	currency string

	minBackoff time.Duration
	maxBackoff time.Duration
	since      time.Time

	mu        sync.Mutex
	watermark Watermark
	callbacks []func(Alert)
}

// Option customises a Feed.
type Option func(*Feed)

// WithLogger sets the logger; the default discards.
func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) { f.logger = l }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Feed) { f.metrics = m }
}

// WithChime sets a signal run after every accepted request. Its errors are logged only.
func WithChime(c Chime) Option {
	return func(f *Feed) { f.chime = c }
}

// WithNames resolves user display names for alerts.
func WithNames(n NameResolver) Option {
	return func(f *Feed) { f.names = n }
}

// WithCurrency sets the label amounts are rendered with.
func WithCurrency(label string) Option {
	return func(f *Feed) { f.currency = label }
}

// WithBackoff bounds the reconnect delay.
func WithBackoff(initial, ceiling time.Duration) Option {
	return func(f *Feed) {
		if initial > 0 {
			f.minBackoff = initial
		}
		if ceiling >= f.minBackoff {
			f.maxBackoff = ceiling
		}
	}
}

// WithReplaySince makes the first subscription replay requests created after t.
func WithReplaySince(t time.Time) Option {
	return func(f *Feed) { f.since = t }
}

// New constructs a Feed over src.
func New(src Source, opts ...Option) *Feed {
	f := &Feed{
		src:        src,
		logger:     logging.Discard(),
		currency:   "Rp",
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		since:      time.Now(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "feed")
	return f
}

// OnNewRequest registers cb for every accepted request. Callbacks run on the feed goroutine.
func (f *Feed) OnNewRequest(cb func(Alert)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, cb)
}

// Watermark returns the last handled request.
func (f *Feed) Watermark() Watermark {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watermark
}

// Run subscribes to the source and resubscribes with exponential backoff until ctx ends.
func (f *Feed) Run(ctx context.Context) error {
	backoff := f.minBackoff
	for {
		var handled bool
		err := f.src.SubscribeCreated(ctx, f.cursor(), func(pr repo.PaymentRequest) error {
			handled = true
			f.Handle(ctx, pr)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		if handled {
			backoff = f.minBackoff
		}

		if f.metrics != nil {
			f.metrics.FeedReconnects.Inc()
		}
		f.logger.Warn("feed subscription ended, reconnecting", "error", err, "backoff", backoff.String(), "watermark", f.Watermark().ID)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.maxBackoff {
			backoff = f.maxBackoff
		}
	}
}

// Handle processes one creation event. A repeat of the last handled request is dropped.
func (f *Feed) Handle(ctx context.Context, pr repo.PaymentRequest) {
	f.mu.Lock()
	if pr.ID == f.watermark.ID {
		f.mu.Unlock()
		f.count("duplicate")
		f.logger.Debug("dropped duplicate creation event", "request_id", pr.ID)
		return
	}
	f.watermark = Watermark{ID: pr.ID, CreatedAt: pr.CreatedAt}
	callbacks := slices.Clone(f.callbacks)
	f.mu.Unlock()

	f.count("accepted")
	alert := f.compose(ctx, pr)
	f.logger.Info("new payment request", "request_id", pr.ID, "user_id", pr.UserID, "amount", pr.Amount.String(), "payment_method", pr.PaymentMethod)

	for _, cb := range callbacks {
		f.deliver(cb, alert)
	}
	if f.chime != nil {
		if err := f.chime(ctx, alert); err != nil {
			f.logger.Debug("chime failed", "request_id", pr.ID, "error", err)
		}
	}
}

func (f *Feed) deliver(cb func(Alert), a Alert) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("alert callback panicked", "request_id", a.RequestID, "panic", fmt.Sprint(r))
			if f.metrics != nil {
				f.metrics.Errors.WithLabelValues("feed").Inc()
			}
		}
	}()
	cb(a)
}

func (f *Feed) compose(ctx context.Context, pr repo.PaymentRequest) Alert {
	requester := pr.UserID
	var name string
	if f.names != nil {
		n, ok, err := f.names.DisplayName(ctx, pr.UserID)
		if err != nil {
			f.logger.Debug("display name lookup failed", "user_id", pr.UserID, "error", err)
		} else if ok && n != "" {
			name = n
			requester = n
		}
	}

	body := fmt.Sprintf("%s mengajukan top up %s", requester, money.Format(f.currency, pr.Amount))
	if pr.PaymentMethod != "" {
		body += " via " + pr.PaymentMethod
	}
	if pr.SourcePhone != "" {
		body += " dari " + pr.SourcePhone
	}

	return Alert{
		RequestID:     pr.ID,
		UserID:        pr.UserID,
		UserName:      name,
		Amount:        pr.Amount,
		PaymentMethod: pr.PaymentMethod,
		SourcePhone:   pr.SourcePhone,
		Title:         "Permintaan top up baru",
		Body:          body,
		CreatedAt:     pr.CreatedAt,
	}
}

func (f *Feed) cursor() repo.Cursor {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watermark.ID == "" {
		return repo.Cursor{CreatedAt: f.since}
	}
	return repo.Cursor{CreatedAt: f.watermark.CreatedAt, ID: f.watermark.ID}
}

func (f *Feed) count(result string) {
	if f.metrics != nil {
		f.metrics.FeedEvents.WithLabelValues(result).Inc()
	}
}
