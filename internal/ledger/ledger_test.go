package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"topup-reconciler/internal/ledger"
	"topup-reconciler/internal/logging"
	"topup-reconciler/internal/memstore"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newLedger(docs *memstore.Docs) *ledger.Ledger {
	clock := func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }
	return ledger.New(docs, docs, logging.Discard(), ledger.WithClock(clock), ledger.WithUpsertRetry(2, 0))
}

func TestCreditAppliesAndRecordsEntry(t *testing.T) {
	docs := memstore.NewDocs()
	docs.SeedUser("U1", dec("500"), "")
	led := newLedger(docs)

	c, err := led.Credit(context.Background(), "U1", dec("100"), "R1")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if c.Replayed || c.Recovered {
		t.Fatalf("unexpected flags %+v", c)
	}
	if !c.PreviousBalance.Equal(dec("500")) || !c.NewBalance.Equal(dec("600")) {
		t.Fatalf("unexpected balances %+v", c)
	}
	if err := c.Entry.Validate(); err != nil {
		t.Fatalf("invalid entry: %v", err)
	}
	got, err := led.Balance(context.Background(), "U1")
	if err != nil || !got.Equal(dec("600")) {
		t.Fatalf("balance %s %v", got, err)
	}
}

func TestCreditReplayIsNoop(t *testing.T) {
	docs := memstore.NewDocs()
	led := newLedger(docs)
	ctx := context.Background()

	if _, err := led.Credit(ctx, "U1", dec("100"), "R1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	c, err := led.Credit(ctx, "U1", dec("100"), "R1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !c.Replayed || !c.NewBalance.Equal(dec("100")) {
		t.Fatalf("expected replay, got %+v", c)
	}
	if !docs.BalanceOf("U1").Equal(dec("100")) {
		t.Fatalf("replay credited again: %s", docs.BalanceOf("U1"))
	}

	if _, err := led.Credit(ctx, "U1", dec("999"), "R1"); !errors.Is(err, ledger.ErrEntryMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}

func TestCreditRejectsNonPositiveAmount(t *testing.T) {
	led := newLedger(memstore.NewDocs())
	for _, amount := range []string{"0", "-5"} {
		if _, err := led.Credit(context.Background(), "U1", dec(amount), "R1"); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Fatalf("amount %s: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestCreditRecoversMissingEntry(t *testing.T) {
	docs := memstore.NewDocs()
	docs.SeedUser("U1", dec("500"), "")
	led := newLedger(docs)
	ctx := context.Background()

	docs.Fail(memstore.OpUpsertEntry, errors.New("timeout"), 2)
	if _, err := led.Credit(ctx, "U1", dec("100"), "R1"); !errors.Is(err, ledger.ErrEntryPending) {
		t.Fatalf("expected ErrEntryPending, got %v", err)
	}
	if !docs.BalanceOf("U1").Equal(dec("600")) {
		t.Fatalf("balance should be written, got %s", docs.BalanceOf("U1"))
	}

	c, err := led.Credit(ctx, "U1", dec("100"), "R1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !c.Recovered || !c.Entry.PreviousBalance.Equal(dec("500")) || !c.Entry.NewBalance.Equal(dec("600")) {
		t.Fatalf("unexpected recovery %+v", c)
	}
	if !docs.BalanceOf("U1").Equal(dec("600")) {
		t.Fatalf("recovery credited twice: %s", docs.BalanceOf("U1"))
	}
}

func TestNextCreditRepairsPreviousEntry(t *testing.T) {
	docs := memstore.NewDocs()
	docs.SeedUser("U1", dec("500"), "")
	led := newLedger(docs)
	ctx := context.Background()

	docs.Fail(memstore.OpUpsertEntry, errors.New("timeout"), 2)
	if _, err := led.Credit(ctx, "U1", dec("100"), "R1"); err == nil {
		t.Fatal("expected pending entry")
	}

	if _, err := led.Credit(ctx, "U1", dec("50"), "R2"); err != nil {
		t.Fatalf("second credit: %v", err)
	}
	first, err := led.Entry(ctx, "R1")
	if err != nil {
		t.Fatalf("repaired entry missing: %v", err)
	}
	if !first.PreviousBalance.Equal(dec("500")) || !first.NewBalance.Equal(dec("600")) {
		t.Fatalf("unexpected repaired entry %+v", first)
	}
	second, err := led.Entry(ctx, "R2")
	if err != nil || !second.PreviousBalance.Equal(dec("600")) || !second.NewBalance.Equal(dec("650")) {
		t.Fatalf("unexpected second entry %+v %v", second, err)
	}

	entries, err := led.Entries(ctx, "U1")
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected two entries, got %d %v", len(entries), err)
	}
}

func TestCreditBalanceWriteFailureLeavesNothing(t *testing.T) {
	docs := memstore.NewDocs()
	docs.SeedUser("U1", dec("500"), "")
	led := newLedger(docs)
	docs.Fail(memstore.OpSetBalance, errors.New("down"), 1)

	if _, err := led.Credit(context.Background(), "U1", dec("100"), "R1"); err == nil || errors.Is(err, ledger.ErrEntryPending) {
		t.Fatalf("expected plain write failure, got %v", err)
	}
	if docs.EntryCount() != 0 || !docs.BalanceOf("U1").Equal(dec("500")) {
		t.Fatal("failed balance write must not leave state behind")
	}
}

func TestEntryValidate(t *testing.T) {
	good := ledger.Entry{
		ID: ledger.EntryID("R1"), SourceRequestID: "R1",
		Amount: dec("100"), PreviousBalance: dec("500"), NewBalance: dec("600"),
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid entry rejected: %v", err)
	}
	bad := good
	bad.NewBalance = dec("601")
	if err := bad.Validate(); err == nil {
		t.Fatal("expected arithmetic violation")
	}
	bad = good
	bad.ID = "R1"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected id derivation violation")
	}
}
