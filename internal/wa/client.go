package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"topup-reconciler/internal/metrics"
	"topup-reconciler/internal/notify"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

const gatewayLabel = "whatsapp"

var (
	// ErrNotConnected indicates the device is not connected to WhatsApp.
	ErrNotConnected = errors.New("whatsapp client not connected")
	// ErrInvalidRecipient indicates a token that is neither a JID nor a phone number.
	ErrInvalidRecipient = errors.New("invalid whatsapp recipient")
	// ErrNoOperator indicates no operator chat is configured for alerts.
	ErrNoOperator = errors.New("operator jid not configured")
)

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath   string
	LogLevel    string
	OperatorJID string
	Metrics     *metrics.Metrics
}

// messageSender is the subset of whatsmeow.Client used to deliver messages.
type messageSender interface {
	SendMessage(ctx context.Context, to types.JID, message *waProto.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	IsConnected() bool
}

// Client wraps the WhatsMeow client. It delivers user push messages and operator alerts.
type Client struct {
	client   *whatsmeow.Client
	sender   messageSender
	logger   *slog.Logger
	metrics  *metrics.Metrics
	operator types.JID
}

var _ notify.PushGateway = (*Client)(nil)

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	var operator types.JID
	if cfg.OperatorJID != "" {
		jid, err := ParseRecipient(cfg.OperatorJID)
		if err != nil {
			return nil, fmt.Errorf("parse operator jid: %w", err)
		}
		operator = jid
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := &Client{
		client:   client,
		sender:   client,
		logger:   logger.With("component", "wa"),
		metrics:  cfg.Metrics,
		operator: operator,
	}
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

// Start connects the client and handles login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}

	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

func (c *Client) handleEvent(evt interface{}) {
	switch evt.(type) {
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	case *events.LoggedOut:
		c.logger.Error("device logged out, pairing required on next start")
	}
}

// Send delivers a push message to the WhatsApp account named by token.
// A successful send reaches exactly one recipient.
func (c *Client) Send(ctx context.Context, token string, msg notify.Message) (int, error) {
	to, err := ParseRecipient(token)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	err = c.SendText(ctx, to, FormatMessage(msg.Title, msg.Body))
	status := "ok"
	if err != nil {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.PushRequests.WithLabelValues(gatewayLabel, status).Inc()
		c.metrics.PushLatency.WithLabelValues(gatewayLabel, status).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return 0, err
	}
	return 1, nil
}

// SendAlert posts an operator alert to the configured operator chat.
func (c *Client) SendAlert(ctx context.Context, title, body string) error {
	if c.operator.IsEmpty() {
		return ErrNoOperator
	}
	if err := c.SendText(ctx, c.operator, FormatMessage(title, body)); err != nil {
		if c.metrics != nil {
			c.metrics.Errors.WithLabelValues("wa").Inc()
		}
		return fmt.Errorf("send operator alert: %w", err)
	}
	return nil
}

// SendText sends a text message to the specified JID.
func (c *Client) SendText(ctx context.Context, to types.JID, text string) error {
	if !c.sender.IsConnected() {
		return ErrNotConnected
	}
	message := &waProto.Message{
		Conversation: proto.String(text),
	}
	if _, err := c.sender.SendMessage(ctx, to, message); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

// FormatMessage renders a title and body as a WhatsApp message with a bold title line.
func FormatMessage(title, body string) string {
	title = strings.TrimSpace(title)
	body = strings.TrimSpace(body)
	if title == "" {
		return body
	}
	if body == "" {
		return "*" + title + "*"
	}
	return "*" + title + "*\n" + body
}

// ParseRecipient accepts a full JID (628123@s.whatsapp.net) or a phone number in local (0812...)
// or international (+62812...) form.
func ParseRecipient(token string) (types.JID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return types.JID{}, ErrInvalidRecipient
	}
	if strings.Contains(token, "@") {
		jid, err := types.ParseJID(token)
		if err != nil || jid.User == "" {
			return types.JID{}, fmt.Errorf("%w: %s", ErrInvalidRecipient, token)
		}
		return jid, nil
	}

	var b strings.Builder
	for _, r := range token {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')':
		default:
			return types.JID{}, fmt.Errorf("%w: %s", ErrInvalidRecipient, token)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "0") {
		digits = "62" + digits[1:]
	}
	if len(digits) < 8 {
		return types.JID{}, fmt.Errorf("%w: %s", ErrInvalidRecipient, token)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
