package memstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"topup-reconciler/internal/repo"

	"github.com/google/uuid"
)

// ErrDisconnected is returned by SubscribeCreated when Disconnect breaks the subscription.
var ErrDisconnected = errors.New("memstore: subscription disconnected")

// Requests is an in-memory repo.RequestStore.
type Requests struct {
	faults

	mu   sync.Mutex
	rows map[string]repo.PaymentRequest
	subs map[*subscriber]struct{}
	now  func() time.Time
}

type subscriber struct {
	ch     chan repo.PaymentRequest
	broken chan struct{}
	done   chan struct{}
}

var _ repo.RequestStore = (*Requests)(nil)

// NewRequests returns an empty store.
func NewRequests() *Requests {
	return &Requests{
		rows: make(map[string]repo.PaymentRequest),
		subs: make(map[*subscriber]struct{}),
		now:  time.Now,
	}
}

// WithClock overrides the timestamp source.
func (s *Requests) WithClock(now func() time.Time) *Requests {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *Requests) Close() {}

func (s *Requests) Ping(context.Context) error { return nil }

func (s *Requests) RunMigrations(context.Context, fs.FS) error { return nil }

// Seed stores pr verbatim, including legacy status spellings, without notifying subscribers.
func (s *Requests) Seed(pr repo.PaymentRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[pr.ID] = pr
}

// InsertPaymentRequest stores a new pending request and publishes it to subscribers.
func (s *Requests) InsertPaymentRequest(ctx context.Context, pr repo.PaymentRequest) (*repo.PaymentRequest, error) {
	failBefore, failAfter := s.before(OpInsertRequest)
	if failBefore != nil {
		return nil, failBefore
	}
	if !pr.Amount.IsPositive() {
		return nil, fmt.Errorf("insert payment request: amount must be positive")
	}

	s.mu.Lock()
	if pr.ID == "" {
		pr.ID = uuid.NewString()
	}
	if _, ok := s.rows[pr.ID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("insert payment request: duplicate id %s", pr.ID)
	}
	now := s.now().UTC()
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = now
	}
	pr.UpdatedAt = now
	if pr.Status == "" {
		pr.Status = repo.StatusPending
	}
	s.rows[pr.ID] = pr
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- pr:
		case <-sub.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if failAfter != nil {
		return nil, failAfter
	}
	out := normalise(pr)
	return &out, nil
}

// GetPaymentRequest returns the request with its status normalised.
func (s *Requests) GetPaymentRequest(_ context.Context, id string) (*repo.PaymentRequest, error) {
	if err, _ := s.before(OpGetRequest); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.rows[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	out := normalise(pr)
	return &out, nil
}

// SetPaymentRequestStatus applies the guarded pending to terminal transition.
func (s *Requests) SetPaymentRequestStatus(_ context.Context, id string, next repo.Status, reason *string) (*repo.PaymentRequest, error) {
	failBefore, failAfter := s.before(OpSetStatus)
	if failBefore != nil {
		return nil, failBefore
	}
	if !next.IsTerminal() {
		return nil, repo.ErrInvalidTransition
	}
	if next == repo.StatusRejected && (reason == nil || strings.TrimSpace(*reason) == "") {
		return nil, errors.New("rejection reason is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.rows[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	if current, _ := repo.ParseStatus(string(pr.Status)); current != repo.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", repo.ErrConflict, id, current)
	}

	now := s.now().UTC()
	pr.Status = next
	pr.UpdatedAt = now
	if next == repo.StatusApproved {
		pr.ApprovedAt = &now
	} else {
		r := *reason
		pr.RejectionReason = &r
	}
	s.rows[id] = pr

	if failAfter != nil {
		return nil, failAfter
	}
	out := normalise(pr)
	return &out, nil
}

// ListPaymentRequestsCreatedAfter returns requests strictly after the cursor in creation order.
func (s *Requests) ListPaymentRequestsCreatedAfter(_ context.Context, after repo.Cursor, limit int) ([]repo.PaymentRequest, error) {
	if err, _ := s.before(OpListRequests); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]repo.PaymentRequest, 0)
	for _, pr := range s.rows {
		if isAfter(pr, after) {
			res = append(res, normalise(pr))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// SubscribeCreated replays requests after the cursor and then streams inserts until ctx ends or
// Disconnect is called.
func (s *Requests) SubscribeCreated(ctx context.Context, after repo.Cursor, fn func(repo.PaymentRequest) error) error {
	sub := &subscriber{
		ch:     make(chan repo.PaymentRequest, 64),
		broken: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		close(sub.done)
	}()

	for {
		page, err := s.ListPaymentRequestsCreatedAfter(ctx, after, 200)
		if err != nil {
			return fmt.Errorf("replay payment requests: %w", err)
		}
		for _, pr := range page {
			if err := fn(pr); err != nil {
				return err
			}
			after = repo.After(pr)
		}
		if len(page) < 200 {
			break
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.broken:
			return ErrDisconnected
		case pr := <-sub.ch:
			if err := fn(normalise(pr)); err != nil {
				return err
			}
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (s *Requests) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Disconnect breaks every live subscription with ErrDisconnected.
func (s *Requests) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		close(sub.broken)
		delete(s.subs, sub)
	}
}

func isAfter(pr repo.PaymentRequest, c repo.Cursor) bool {
	if pr.CreatedAt.After(c.CreatedAt) {
		return true
	}
	return pr.CreatedAt.Equal(c.CreatedAt) && pr.ID > c.ID
}

func normalise(pr repo.PaymentRequest) repo.PaymentRequest {
	if st, ok := repo.ParseStatus(string(pr.Status)); ok {
		pr.Status = st
	}
	return pr
}
