package memstore

import (
	"context"
	"sort"
	"sync"

	"topup-reconciler/internal/ledger"
	"topup-reconciler/internal/notify"

	"github.com/shopspring/decimal"
)

// Docs is an in-memory user document store: balances, ledger entries, in-app notifications
// and push tokens.
type Docs struct {
	faults

	mu            sync.Mutex
	users         map[string]*user
	entries       map[string]ledger.Entry
	notifications []notify.Record
	notified      map[string]struct{}
}

type user struct {
	balance     ledger.Balance
	pushToken   string
	displayName string
}

var (
	_ ledger.BalanceStore = (*Docs)(nil)
	_ ledger.EntryStore   = (*Docs)(nil)
	_ notify.InAppStore   = (*Docs)(nil)
	_ notify.TokenSource  = (*Docs)(nil)
)

// NewDocs returns an empty store.
func NewDocs() *Docs {
	return &Docs{
		users:    make(map[string]*user),
		entries:  make(map[string]ledger.Entry),
		notified: make(map[string]struct{}),
	}
}

// SeedUser creates or replaces a user document.
func (d *Docs) SeedUser(userID string, balance decimal.Decimal, pushToken string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[userID] = &user{balance: ledger.Balance{Amount: balance}, pushToken: pushToken}
}

func (d *Docs) userLocked(userID string) *user {
	u, ok := d.users[userID]
	if !ok {
		u = &user{}
		d.users[userID] = u
	}
	return u
}

func (d *Docs) GetBalance(_ context.Context, userID string) (ledger.Balance, error) {
	if err, _ := d.before(OpGetBalance); err != nil {
		return ledger.Balance{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[userID]; ok {
		return u.balance, nil
	}
	return ledger.Balance{}, nil
}

func (d *Docs) SetBalance(_ context.Context, userID string, b ledger.Balance) error {
	failBefore, failAfter := d.before(OpSetBalance)
	if failBefore != nil {
		return failBefore
	}
	d.mu.Lock()
	d.userLocked(userID).balance = b
	d.mu.Unlock()
	return failAfter
}

// BalanceOf returns the stored balance amount without failure injection.
func (d *Docs) BalanceOf(userID string) decimal.Decimal {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[userID]; ok {
		return u.balance.Amount
	}
	return decimal.Zero
}

func (d *Docs) UpsertEntry(_ context.Context, e ledger.Entry) error {
	failBefore, failAfter := d.before(OpUpsertEntry)
	if failBefore != nil {
		return failBefore
	}
	d.mu.Lock()
	d.entries[e.ID] = e
	d.mu.Unlock()
	return failAfter
}

func (d *Docs) GetEntry(_ context.Context, id string) (*ledger.Entry, error) {
	if err, _ := d.before(OpGetEntry); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return nil, ledger.ErrEntryNotFound
	}
	return &e, nil
}

func (d *Docs) ListEntries(_ context.Context, userID string) ([]ledger.Entry, error) {
	if err, _ := d.before(OpListEntries); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var res []ledger.Entry
	for _, e := range d.entries {
		if e.UserID == userID {
			res = append(res, e)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].Timestamp.Equal(res[j].Timestamp) {
			return res[i].Timestamp.Before(res[j].Timestamp)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// EntryCount returns the number of stored ledger entries.
func (d *Docs) EntryCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Docs) CreateNotification(_ context.Context, rec notify.Record) error {
	failBefore, failAfter := d.before(OpCreateNotification)
	if failBefore != nil {
		return failBefore
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.notified[rec.ID]; ok {
		return notify.ErrDuplicateNotification
	}
	d.notified[rec.ID] = struct{}{}
	d.notifications = append(d.notifications, rec)
	return failAfter
}

func (d *Docs) HasNotification(_ context.Context, id string) (bool, error) {
	if err, _ := d.before(OpHasNotification); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.notified[id]
	return ok, nil
}

// Notifications returns the user's in-app records in creation order.
func (d *Docs) Notifications(userID string) []notify.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	var res []notify.Record
	for _, rec := range d.notifications {
		if rec.UserID == userID {
			res = append(res, rec)
		}
	}
	return res
}

func (d *Docs) GetPushToken(_ context.Context, userID string) (string, bool, error) {
	if err, _ := d.before(OpGetPushToken); err != nil {
		return "", false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok || u.pushToken == "" {
		return "", false, nil
	}
	return u.pushToken, true, nil
}

// SetDisplayName stores the user's display name.
func (d *Docs) SetDisplayName(userID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userLocked(userID).displayName = name
}

// DisplayName returns the user's display name, if any.
func (d *Docs) DisplayName(_ context.Context, userID string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok || u.displayName == "" {
		return "", false, nil
	}
	return u.displayName, true, nil
}
