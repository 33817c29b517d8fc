package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"topup-reconciler/internal/notify"
	"topup-reconciler/internal/repo"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestFaultInjection(t *testing.T) {
	docs := NewDocs()
	boom := errors.New("boom")
	ctx := context.Background()

	docs.Fail(OpGetPushToken, boom, 1)
	if _, _, err := docs.GetPushToken(ctx, "U1"); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if _, _, err := docs.GetPushToken(ctx, "U1"); err != nil {
		t.Fatalf("fault should be used up, got %v", err)
	}

	docs.FailAfterApply(OpCreateNotification, boom, Always)
	for i := 0; i < 3; i++ {
		_ = docs.CreateNotification(ctx, recordFor("U1"))
	}
	if got := len(docs.Notifications("U1")); got != 3 {
		t.Fatalf("writes should apply before failing, got %d", got)
	}
	docs.Heal(OpCreateNotification)
	if err := docs.CreateNotification(ctx, recordFor("U1")); err != nil {
		t.Fatalf("healed op failed: %v", err)
	}
	if docs.Calls(OpCreateNotification) != 4 {
		t.Fatalf("unexpected call count %d", docs.Calls(OpCreateNotification))
	}
}

func TestCreateNotificationRejectsDuplicateID(t *testing.T) {
	docs := NewDocs()
	ctx := context.Background()
	rec := recordFor("U1")

	if err := docs.CreateNotification(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := docs.CreateNotification(ctx, rec); !errors.Is(err, notify.ErrDuplicateNotification) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if ok, err := docs.HasNotification(ctx, rec.ID); err != nil || !ok {
		t.Fatalf("expected record to exist, got %v %v", ok, err)
	}
	if len(docs.Notifications("U1")) != 1 {
		t.Fatalf("duplicate was stored")
	}
}

func TestRequestsGuardedTransition(t *testing.T) {
	s := NewRequests()
	ctx := context.Background()
	s.Seed(repo.PaymentRequest{ID: "L", UserID: "U1", Amount: decimal.NewFromInt(5), Status: repo.Status("waiting"), CreatedAt: time.Now()})

	pr, err := s.GetPaymentRequest(ctx, "L")
	if err != nil || pr.Status != repo.StatusPending {
		t.Fatalf("legacy waiting should read as pending, got %+v %v", pr, err)
	}
	pr, err = s.SetPaymentRequestStatus(ctx, "L", repo.StatusApproved, nil)
	if err != nil || pr.ApprovedAt == nil {
		t.Fatalf("approve: %+v %v", pr, err)
	}
	reason := "late"
	if _, err := s.SetPaymentRequestStatus(ctx, "L", repo.StatusRejected, &reason); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := s.SetPaymentRequestStatus(ctx, "missing", repo.StatusApproved, nil); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.SetPaymentRequestStatus(ctx, "L", repo.StatusPending, nil); !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestListRequestsKeyset(t *testing.T) {
	s := NewRequests()
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"b", "a", "c"} {
		if _, err := s.InsertPaymentRequest(ctx, repo.PaymentRequest{ID: id, UserID: "U", Amount: decimal.NewFromInt(1), CreatedAt: at}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	page, err := s.ListPaymentRequestsCreatedAfter(ctx, repo.Cursor{CreatedAt: at, ID: "a"}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].ID != "b" || page[1].ID != "c" {
		t.Fatalf("unexpected page %+v", page)
	}
}

func recordFor(userID string) notify.Record {
	return notify.Record{ID: uuid.NewString(), UserID: userID, Type: notify.TypePaymentRequestApproved}
}
