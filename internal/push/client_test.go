package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"topup-reconciler/internal/logging"
	"topup-reconciler/internal/metrics"
	"topup-reconciler/internal/notify"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", APIKey: "secret"}, logging.Discard(), metrics.NewUnregistered())
}

func testMessage() notify.Message {
	return notify.Message{
		Title:  "Top up approved",
		Body:   "Rp 50000 credited",
		Type:   notify.TypePaymentRequestApproved,
		Target: notify.PaymentRequestTarget("R1"),
	}
}

func TestSendPostsPayload(t *testing.T) {
	var got sendRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"status":true,"message":"ok","recipients":"2"}`))
	})

	n, err := client.Send(context.Background(), "tok-1", testMessage())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 recipients, got %d", n)
	}
	if got.To != "tok-1" || got.Title != "Top up approved" || got.Data["target_id"] != "R1" || got.Data["type"] != "payment_request_approved" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestSendZeroRecipients(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","success":0}`))
	})
	n, err := client.Send(context.Background(), "tok", testMessage())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 recipients, got %d", n)
	}
}

func TestSendErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{}`, want: ErrUnauthorized},
		{name: "invalid token status", status: http.StatusBadRequest, body: `{"error":"Invalid token"}`, want: ErrInvalidToken},
		{name: "invalid token envelope", status: http.StatusOK, body: `{"status":false,"message":"device not registered"}`, want: ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.Send(context.Background(), "tok", testMessage())
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSendServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := client.Send(context.Background(), "tok", testMessage())
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unexpected classification: %v", err)
	}
}
