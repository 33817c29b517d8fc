package repo

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the canonical lifecycle state of a payment request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// legacyStatuses maps historical spellings found in older rows to the canonical vocabulary.
var legacyStatuses = map[string]Status{
	"pending":          StatusPending,
	"waiting":          StatusPending,
	"awaiting_payment": StatusPending,
	"processing":       StatusPending,
	"approved":         StatusApproved,
	"completed":        StatusApproved,
	"success":          StatusApproved,
	"confirmed":        StatusApproved,
	"rejected":         StatusRejected,
	"declined":         StatusRejected,
	"failed":           StatusRejected,
}

// ParseStatus normalises a stored status value. Unknown values are reported as not ok.
func ParseStatus(raw string) (Status, bool) {
	s, ok := legacyStatuses[strings.ToLower(strings.TrimSpace(raw))]
	return s, ok
}

// pendingSpellings lists every lowercased stored value that counts as pending. Guards compare
// them against lower(trim(status)) so they agree with ParseStatus.
func pendingSpellings() []string {
	var res []string
	for raw, s := range legacyStatuses {
		if s == StatusPending {
			res = append(res, raw)
		}
	}
	return res
}

// PaymentRequest represents a row in the payment_requests table.
type PaymentRequest struct {
	ID              string
	UserID          string
	Amount          decimal.Decimal
	PaymentMethod   string
	SourcePhone     string
	Status          Status
	RejectionReason *string
	CreatedAt       time.Time
	ApprovedAt      *time.Time
	UpdatedAt       time.Time
}

// Cursor is a keyset position in creation order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Covers reports whether pr sits at or before the cursor in creation order.
func (c Cursor) Covers(pr PaymentRequest) bool {
	if pr.CreatedAt.Equal(c.CreatedAt) {
		return pr.ID <= c.ID
	}
	return pr.CreatedAt.Before(c.CreatedAt)
}

// After returns the cursor positioned on pr.
func After(pr PaymentRequest) Cursor {
	return Cursor{CreatedAt: pr.CreatedAt, ID: pr.ID}
}
