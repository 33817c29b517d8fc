package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"topup-reconciler/internal/logging"
)

type fakeInApp struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (f *fakeInApp) CreateNotification(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, existing := range f.records {
		if existing.ID == rec.ID {
			return ErrDuplicateNotification
		}
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeInApp) HasNotification(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	for _, rec := range f.records {
		if rec.ID == id {
			return true, nil
		}
	}
	return false, nil
}

type fakeTokens map[string]string

func (f fakeTokens) GetPushToken(_ context.Context, userID string) (string, bool, error) {
	t, ok := f[userID]
	return t, ok, nil
}

type gatewayFunc func(ctx context.Context, token string, msg Message) (int, error)

func (g gatewayFunc) Send(ctx context.Context, token string, msg Message) (int, error) {
	return g(ctx, token, msg)
}

func approvedNotification() Notification {
	return Notification{
		Type:   TypePaymentRequestApproved,
		Title:  "Top up approved",
		Body:   "Your balance was credited",
		Target: PaymentRequestTarget("R1"),
	}
}

func fixedNow() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

func TestDispatchWritesInAppAndPush(t *testing.T) {
	store := &fakeInApp{}
	var gotToken string
	var gotMsg Message
	gw := gatewayFunc(func(_ context.Context, token string, msg Message) (int, error) {
		gotToken, gotMsg = token, msg
		return 1, nil
	})
	d := NewDispatcher(store, fakeTokens{"U1": "tok-1"}, gw, logging.Discard(), Config{Now: fixedNow})

	out := d.Dispatch(context.Background(), "U1", approvedNotification())
	if !out.InAppWritten || out.InAppError != nil {
		t.Fatalf("expected in-app write, got %+v", out)
	}
	if !out.PushSent || out.Recipients != 1 || out.PushError != nil {
		t.Fatalf("expected push sent, got %+v", out)
	}
	if gotToken != "tok-1" || gotMsg.Target.ID != "R1" || gotMsg.Type != TypePaymentRequestApproved {
		t.Fatalf("unexpected gateway call: %q %+v", gotToken, gotMsg)
	}
	if len(store.records) != 1 {
		t.Fatalf("expected one record, got %d", len(store.records))
	}
	rec := store.records[0]
	if rec.ID != out.RecordID || rec.UserID != "U1" || rec.Read || !rec.Timestamp.Equal(fixedNow()) {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Target != (Target{Kind: "payment_request", ID: "R1"}) {
		t.Fatalf("unexpected target: %+v", rec.Target)
	}
}

func TestDispatchPushFailures(t *testing.T) {
	invalid := errors.New("invalid token")
	tests := []struct {
		name    string
		tokens  fakeTokens
		gateway PushGateway
		want    error
	}{
		{
			name:    "no token",
			tokens:  fakeTokens{},
			gateway: gatewayFunc(func(context.Context, string, Message) (int, error) { return 1, nil }),
			want:    ErrNoPushToken,
		},
		{
			name:    "zero recipients",
			tokens:  fakeTokens{"U1": "tok"},
			gateway: gatewayFunc(func(context.Context, string, Message) (int, error) { return 0, nil }),
			want:    ErrNoRecipients,
		},
		{
			name:    "gateway error",
			tokens:  fakeTokens{"U1": "tok"},
			gateway: gatewayFunc(func(context.Context, string, Message) (int, error) { return 0, invalid }),
			want:    invalid,
		},
		{
			name:   "disabled",
			tokens: fakeTokens{"U1": "tok"},
			want:   ErrPushDisabled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeInApp{}
			d := NewDispatcher(store, tt.tokens, tt.gateway, logging.Discard(), Config{})
			out := d.Dispatch(context.Background(), "U1", approvedNotification())
			if !out.InAppWritten {
				t.Fatalf("in-app record must be written regardless of push, got %+v", out)
			}
			if out.PushSent {
				t.Fatal("expected push not sent")
			}
			if !errors.Is(out.PushError, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, out.PushError)
			}
		})
	}
}

func TestDispatchInAppFailureStillPushes(t *testing.T) {
	store := &fakeInApp{err: errors.New("redis down")}
	gw := gatewayFunc(func(context.Context, string, Message) (int, error) { return 2, nil })
	d := NewDispatcher(store, fakeTokens{"U1": "tok"}, gw, logging.Discard(), Config{})

	out := d.Dispatch(context.Background(), "U1", approvedNotification())
	if out.InAppWritten || out.InAppError == nil || out.RecordID != "" {
		t.Fatalf("expected in-app failure, got %+v", out)
	}
	if !out.PushSent || out.Recipients != 2 {
		t.Fatalf("expected push sent, got %+v", out)
	}
}

func TestDispatchPushTimeout(t *testing.T) {
	gw := gatewayFunc(func(ctx context.Context, _ string, _ Message) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	d := NewDispatcher(&fakeInApp{}, fakeTokens{"U1": "tok"}, gw, logging.Discard(), Config{PushTimeout: 20 * time.Millisecond})

	start := time.Now()
	out := d.Dispatch(context.Background(), "U1", approvedNotification())
	if !errors.Is(out.PushError, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", out.PushError)
	}
	if time.Since(start) > time.Second {
		t.Fatal("push timeout not applied")
	}
}

func TestDispatchRecoversGatewayPanic(t *testing.T) {
	gw := gatewayFunc(func(context.Context, string, Message) (int, error) { panic("boom") })
	d := NewDispatcher(&fakeInApp{}, fakeTokens{"U1": "tok"}, gw, logging.Discard(), Config{})

	out := d.Dispatch(context.Background(), "U1", approvedNotification())
	if out.PushError == nil || out.PushSent {
		t.Fatalf("expected push error after panic, got %+v", out)
	}
	if !out.InAppWritten {
		t.Fatal("expected in-app record")
	}
}

func TestKeyedDispatchDeliversOnce(t *testing.T) {
	store := &fakeInApp{}
	pushes := 0
	gw := gatewayFunc(func(context.Context, string, Message) (int, error) {
		pushes++
		return 1, nil
	})
	d := NewDispatcher(store, fakeTokens{"U1": "tok"}, gw, logging.Discard(), Config{Now: fixedNow})
	ctx := context.Background()

	n := approvedNotification()
	n.Key = PaymentRequestKey("R1", n.Type)
	if n.Key != "payment_request_R1_approved" {
		t.Fatalf("unexpected key %q", n.Key)
	}

	delivered, err := d.Delivered(ctx, n)
	if err != nil || delivered {
		t.Fatalf("expected undelivered, got %v %v", delivered, err)
	}
	first := d.Dispatch(ctx, "U1", n)
	if first.Duplicate || !first.InAppWritten || first.RecordID != n.Key {
		t.Fatalf("unexpected first outcome %+v", first)
	}
	second := d.Dispatch(ctx, "U1", n)
	if !second.Duplicate || second.InAppWritten || second.PushSent {
		t.Fatalf("expected duplicate outcome, got %+v", second)
	}
	if pushes != 1 || len(store.records) != 1 {
		t.Fatalf("expected one delivery, got %d pushes %d records", pushes, len(store.records))
	}
	if delivered, err := d.Delivered(ctx, n); err != nil || !delivered {
		t.Fatalf("expected delivered, got %v %v", delivered, err)
	}
}

func TestDeliveredReportsStoreError(t *testing.T) {
	store := &fakeInApp{err: errors.New("redis down")}
	d := NewDispatcher(store, fakeTokens{}, nil, logging.Discard(), Config{})
	n := approvedNotification()
	n.Key = PaymentRequestKey("R1", n.Type)
	if _, err := d.Delivered(context.Background(), n); err == nil {
		t.Fatal("expected lookup error")
	}
}
