package wa

import (
	"context"
	"errors"
	"testing"

	"topup-reconciler/internal/logging"
	"topup-reconciler/internal/metrics"
	"topup-reconciler/internal/notify"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

type fakeSender struct {
	connected bool
	err       error
	to        []types.JID
	texts     []string
}

func (f *fakeSender) SendMessage(_ context.Context, to types.JID, message *waProto.Message, _ ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	if f.err != nil {
		return whatsmeow.SendResponse{}, f.err
	}
	f.to = append(f.to, to)
	f.texts = append(f.texts, message.GetConversation())
	return whatsmeow.SendResponse{}, nil
}

func (f *fakeSender) IsConnected() bool { return f.connected }

func newTestClient(sender *fakeSender, operator string) *Client {
	c := &Client{sender: sender, logger: logging.Discard(), metrics: metrics.NewUnregistered()}
	if operator != "" {
		c.operator, _ = ParseRecipient(operator)
	}
	return c
}

func TestParseRecipient(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "081234567890", want: "6281234567890@s.whatsapp.net", ok: true},
		{in: "+62 812-3456-7890", want: "6281234567890@s.whatsapp.net", ok: true},
		{in: "6281234567890@s.whatsapp.net", want: "6281234567890@s.whatsapp.net", ok: true},
		{in: "", ok: false},
		{in: "fcm:abc", ok: false},
		{in: "0812", ok: false},
	}
	for _, tt := range tests {
		jid, err := ParseRecipient(tt.in)
		if !tt.ok {
			if !errors.Is(err, ErrInvalidRecipient) {
				t.Fatalf("%q: expected ErrInvalidRecipient, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tt.in, err)
		}
		if jid.String() != tt.want {
			t.Fatalf("%q: expected %s, got %s", tt.in, tt.want, jid.String())
		}
	}
}

func TestFormatMessage(t *testing.T) {
	if got := FormatMessage("Top up approved", "Rp 50.000 credited"); got != "*Top up approved*\nRp 50.000 credited" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := FormatMessage("", "body"); got != "body" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestSendReachesOneRecipient(t *testing.T) {
	sender := &fakeSender{connected: true}
	c := newTestClient(sender, "")

	n, err := c.Send(context.Background(), "081234567890", notify.Message{Title: "Approved", Body: "Done"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recipient, got %d", n)
	}
	if len(sender.texts) != 1 || sender.texts[0] != "*Approved*\nDone" {
		t.Fatalf("unexpected texts %v", sender.texts)
	}
}

func TestSendFailures(t *testing.T) {
	c := newTestClient(&fakeSender{connected: false}, "")
	if _, err := c.Send(context.Background(), "081234567890", notify.Message{Title: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	boom := errors.New("boom")
	c = newTestClient(&fakeSender{connected: true, err: boom}, "")
	if n, err := c.Send(context.Background(), "081234567890", notify.Message{Title: "x"}); !errors.Is(err, boom) || n != 0 {
		t.Fatalf("expected wrapped send error, got %d %v", n, err)
	}
}

func TestSendAlert(t *testing.T) {
	sender := &fakeSender{connected: true}
	c := newTestClient(sender, "6281111111111")
	if err := c.SendAlert(context.Background(), "New top up", "Rp 10.000"); err != nil {
		t.Fatalf("alert: %v", err)
	}
	if len(sender.to) != 1 || sender.to[0].User != "6281111111111" {
		t.Fatalf("unexpected recipients %v", sender.to)
	}

	c = newTestClient(sender, "")
	if err := c.SendAlert(context.Background(), "x", "y"); !errors.Is(err, ErrNoOperator) {
		t.Fatalf("expected ErrNoOperator, got %v", err)
	}
}
