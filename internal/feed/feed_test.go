package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"topup-reconciler/internal/memstore"
	"topup-reconciler/internal/metrics"
	"topup-reconciler/internal/repo"

	"github.com/shopspring/decimal"
)

type collector struct {
	mu     sync.Mutex
	alerts []Alert
	notify chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) add(a Alert) {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, a := range c.alerts {
		ids = append(ids, a.RequestID)
	}
	return ids
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for alert %d, have %v", i+1, c.ids())
		}
	}
}

func request(id string, at time.Time) repo.PaymentRequest {
	return repo.PaymentRequest{
		ID:            id,
		UserID:        "U1",
		Amount:        decimal.NewFromInt(100000),
		PaymentMethod: "dana",
		SourcePhone:   "081234567890",
		Status:        repo.StatusPending,
		CreatedAt:     at,
	}
}

func TestHandleDropsRepeatedEvent(t *testing.T) {
	f := New(nil)
	c := newCollector()
	f.OnNewRequest(c.add)

	pr := request("42", time.Now())
	f.Handle(context.Background(), pr)
	f.Handle(context.Background(), pr)

	if got := c.ids(); len(got) != 1 || got[0] != "42" {
		t.Fatalf("expected exactly one alert for 42, got %v", got)
	}
	if wm := f.Watermark(); wm.ID != "42" || !wm.CreatedAt.Equal(pr.CreatedAt) {
		t.Fatalf("unexpected watermark %+v", wm)
	}
}

func TestCallbackMayRegisterAnother(t *testing.T) {
	f := New(nil)
	first, second := newCollector(), newCollector()
	registered := false
	f.OnNewRequest(func(a Alert) {
		first.add(a)
		if !registered {
			registered = true
			f.OnNewRequest(second.add)
		}
	})
	at := time.Now()

	f.Handle(context.Background(), request("1", at))
	if len(second.ids()) != 0 {
		t.Fatal("callback added during delivery must wait for the next request")
	}
	f.Handle(context.Background(), request("2", at.Add(time.Second)))
	if got := first.ids(); len(got) != 2 {
		t.Fatalf("first callback saw %v", got)
	}
	if got := second.ids(); len(got) != 1 || got[0] != "2" {
		t.Fatalf("second callback saw %v", got)
	}
}

func TestAlertSummarisesRequest(t *testing.T) {
	docs := memstore.NewDocs()
	docs.SetDisplayName("U1", "Budi")
	var chimed int
	f := New(nil, WithNames(docs), WithChime(func(context.Context, Alert) error {
		chimed++
		return errors.New("no audio device")
	}))
	c := newCollector()
	f.OnNewRequest(c.add)
	f.OnNewRequest(func(Alert) { panic("sink failure") })

	f.Handle(context.Background(), request("7", time.Now()))

	if len(c.alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(c.alerts))
	}
	a := c.alerts[0]
	if a.UserName != "Budi" || a.Title == "" {
		t.Fatalf("unexpected alert %+v", a)
	}
	for _, want := range []string{"Budi", "Rp100.000", "dana", "081234567890"} {
		if !strings.Contains(a.Body, want) {
			t.Fatalf("alert body %q should contain %q", a.Body, want)
		}
	}
	if chimed != 1 {
		t.Fatalf("expected one chime, got %d", chimed)
	}
}

// replaySource delivers a scripted batch per subscription and records the cursors it was given.
type replaySource struct {
	mu      sync.Mutex
	batches [][]repo.PaymentRequest
	cursors []repo.Cursor
}

func (s *replaySource) SubscribeCreated(ctx context.Context, after repo.Cursor, fn func(repo.PaymentRequest) error) error {
	s.mu.Lock()
	s.cursors = append(s.cursors, after)
	var batch []repo.PaymentRequest
	if len(s.batches) > 0 {
		batch, s.batches = s.batches[0], s.batches[1:]
	}
	s.mu.Unlock()

	if batch == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for _, pr := range batch {
		if err := fn(pr); err != nil {
			return err
		}
	}
	return errors.New("connection reset")
}

func TestReconnectReplayRaisesOneAlert(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	r42 := request("42", base)
	r43 := request("43", base.Add(time.Second))
	src := &replaySource{batches: [][]repo.PaymentRequest{
		{r42},
		{r42, r43},
	}}
	m := metrics.NewUnregistered()
	f := New(src, WithBackoff(time.Millisecond, 5*time.Millisecond), WithMetrics(m))
	c := newCollector()
	f.OnNewRequest(c.add)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	c.wait(t, 2)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := c.ids(); len(got) != 2 || got[0] != "42" || got[1] != "43" {
		t.Fatalf("expected alerts [42 43], got %v", got)
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.cursors) < 2 {
		t.Fatalf("expected resubscriptions, got %d", len(src.cursors))
	}
	if src.cursors[1] != (repo.Cursor{CreatedAt: r42.CreatedAt, ID: "42"}) {
		t.Fatalf("resubscription should resume from watermark, got %+v", src.cursors[1])
	}
}

func TestRunFollowsMemstore(t *testing.T) {
	store := memstore.NewRequests()
	f := New(store, WithBackoff(time.Millisecond, 5*time.Millisecond), WithReplaySince(time.Time{}))
	c := newCollector()
	f.OnNewRequest(c.add)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := store.InsertPaymentRequest(ctx, request("A", time.Now().Add(-time.Minute))); err != nil {
		t.Fatalf("insert: %v", err)
	}
	go f.Run(ctx)
	c.wait(t, 1)

	waitFor(t, func() bool { return store.Subscribers() == 1 })
	if _, err := store.InsertPaymentRequest(ctx, request("B", time.Now())); err != nil {
		t.Fatalf("insert: %v", err)
	}
	c.wait(t, 1)

	store.Disconnect()
	waitFor(t, func() bool { return store.Subscribers() == 1 })
	if _, err := store.InsertPaymentRequest(ctx, request("C", time.Now().Add(time.Second))); err != nil {
		t.Fatalf("insert: %v", err)
	}
	c.wait(t, 1)

	if got := c.ids(); strings.Join(got, ",") != "A,B,C" {
		t.Fatalf("expected A,B,C got %v", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}
