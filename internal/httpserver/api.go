package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"topup-reconciler/internal/ledger"
	"topup-reconciler/internal/notify"
	"topup-reconciler/internal/reconcile"
	"topup-reconciler/internal/repo"

	"github.com/gorilla/mux"
)

type rejectRequest struct {
	Reason string `json:"reason"`
}

type dispatchResponse struct {
	InAppWritten bool   `json:"in_app_written"`
	InAppError   string `json:"in_app_error,omitempty"`
	PushSent     bool   `json:"push_sent"`
	Recipients   int    `json:"recipients"`
	PushError    string `json:"push_error,omitempty"`
}

type resultResponse struct {
	RequestID        string            `json:"request_id"`
	Status           repo.Status       `json:"status"`
	AlreadyProcessed bool              `json:"already_processed"`
	Resumed          bool              `json:"resumed,omitempty"`
	Degraded         bool              `json:"degraded,omitempty"`
	NewBalance       *string           `json:"new_balance,omitempty"`
	Entry            *ledger.Entry     `json:"ledger_entry,omitempty"`
	Dispatch         *dispatchResponse `json:"dispatch,omitempty"`
	Error            string            `json:"error,omitempty"`
}

type requestResponse struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	Amount          string        `json:"amount"`
	PaymentMethod   string        `json:"payment_method"`
	SourcePhone     string        `json:"source_phone"`
	Status          repo.Status   `json:"status"`
	RejectionReason *string       `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	ApprovedAt      *time.Time    `json:"approved_at,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
	Entry           *ledger.Entry `json:"ledger_entry,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.operationContext(r)
	defer cancel()

	res, err := s.handlers.Operator.Approve(ctx, mux.Vars(r)["id"])
	s.writeResult(w, res, err)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body rejectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}

	ctx, cancel := s.operationContext(r)
	defer cancel()

	res, err := s.handlers.Operator.Reject(ctx, mux.Vars(r)["id"], body.Reason)
	s.writeResult(w, res, err)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.handlers.Operator.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	pr := snap.Request
	writeJSON(w, http.StatusOK, requestResponse{
		ID:              pr.ID,
		UserID:          pr.UserID,
		Amount:          pr.Amount.String(),
		PaymentMethod:   pr.PaymentMethod,
		SourcePhone:     pr.SourcePhone,
		Status:          pr.Status,
		RejectionReason: pr.RejectionReason,
		CreatedAt:       pr.CreatedAt,
		ApprovedAt:      pr.ApprovedAt,
		UpdatedAt:       pr.UpdatedAt,
		Entry:           snap.Entry,
	})
}

func (s *Server) operationContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.operationTimeout > 0 {
		return context.WithTimeout(r.Context(), s.operationTimeout)
	}
	return context.WithCancel(r.Context())
}

func (s *Server) writeResult(w http.ResponseWriter, res *reconcile.Result, err error) {
	code := http.StatusOK
	if err != nil {
		code = statusFor(err)
		if res == nil {
			writeJSON(w, code, map[string]string{"error": err.Error()})
			return
		}
	}

	out := resultResponse{
		RequestID:        res.RequestID,
		Status:           res.Status,
		AlreadyProcessed: res.AlreadyProcessed,
		Resumed:          res.Resumed,
		Degraded:         res.Degraded,
		Entry:            res.Entry,
		Dispatch:         dispatchView(res.Dispatch),
	}
	if res.NewBalance != nil {
		b := res.NewBalance.String()
		out.NewBalance = &b
	}
	if err != nil {
		out.Error = err.Error()
	}
	writeJSON(w, code, out)
}

func dispatchView(o *notify.Outcome) *dispatchResponse {
	if o == nil {
		return nil
	}
	d := &dispatchResponse{
		InAppWritten: o.InAppWritten,
		PushSent:     o.PushSent,
		Recipients:   o.Recipients,
	}
	if o.InAppError != nil {
		d.InAppError = o.InAppError.Error()
	}
	if o.PushError != nil {
		d.PushError = o.PushError.Error()
	}
	return d
}

// statusFor maps engine errors to HTTP status codes. Credit pending is checked first since it
// may also carry an unknown outcome.
func statusFor(err error) int {
	switch {
	case errors.Is(err, reconcile.ErrCreditPending):
		return http.StatusAccepted
	case errors.Is(err, reconcile.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, reconcile.ErrUnknownOutcome):
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}
