// Package push talks to an HTTP push gateway that fans a message out to a device token.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"topup-reconciler/internal/metrics"
	"topup-reconciler/internal/notify"
)

const (
	gatewayLabel = "http"
	sendPath     = "/send"
)

var (
	// ErrInvalidToken indicates the gateway rejected the device token.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUnauthorized indicates the gateway rejected our API key.
	ErrUnauthorized = errors.New("push gateway unauthorized")
)

// Config holds push gateway client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client sends push messages over HTTP.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	http    *http.Client
	metrics *metrics.Metrics
}

var _ notify.PushGateway = (*Client)(nil)

// New creates a new push gateway client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "push"),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}
}

type sendRequest struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// responseEnvelope accepts the loose shapes gateways answer with: status as bool or string,
// recipients as number or numeric string.
type responseEnvelope struct {
	Status     bool
	Message    string
	Recipients int
}

func (r *responseEnvelope) UnmarshalJSON(data []byte) error {
	type alias struct {
		Status     json.RawMessage `json:"status"`
		Message    string          `json:"message"`
		Error      string          `json:"error"`
		Recipients json.RawMessage `json:"recipients"`
		Success    json.RawMessage `json:"success"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	r.Message = strings.TrimSpace(a.Message)
	if r.Message == "" {
		r.Message = strings.TrimSpace(a.Error)
	}
	if len(a.Status) != 0 {
		r.Status = truthy(a.Status)
	}
	if len(a.Recipients) != 0 {
		r.Recipients = intValue(a.Recipients)
	} else if len(a.Success) != 0 {
		r.Recipients = intValue(a.Success)
	}
	return nil
}

// Send delivers msg to token and returns the recipient count reported by the gateway.
func (c *Client) Send(ctx context.Context, token string, msg notify.Message) (int, error) {
	payload := sendRequest{
		To:    token,
		Title: msg.Title,
		Body:  msg.Body,
		Data: map[string]string{
			"type":        string(msg.Type),
			"target_kind": msg.Target.Kind,
			"target_id":   msg.Target.ID,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sendPath, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	status := "error"
	defer func() {
		if c.metrics != nil {
			c.metrics.PushRequests.WithLabelValues(gatewayLabel, status).Inc()
			c.metrics.PushLatency.WithLabelValues(gatewayLabel, status).Observe(time.Since(start).Seconds())
		}
	}()

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read push response: %w", err)
	}
	status = strconv.Itoa(resp.StatusCode)

	var env responseEnvelope
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Debug("push response not json", "status", resp.StatusCode, "body", string(raw))
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, ErrUnauthorized
	case resp.StatusCode >= 400:
		if isInvalidToken(env.Message) {
			return 0, fmt.Errorf("%w: %s", ErrInvalidToken, env.Message)
		}
		return 0, fmt.Errorf("push gateway status %d: %s", resp.StatusCode, nonEmpty(env.Message, http.StatusText(resp.StatusCode)))
	case !env.Status && env.Message != "":
		if isInvalidToken(env.Message) {
			return 0, fmt.Errorf("%w: %s", ErrInvalidToken, env.Message)
		}
		return 0, fmt.Errorf("push gateway: %s", env.Message)
	}
	return env.Recipients, nil
}

func isInvalidToken(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "invalid token") || strings.Contains(m, "not registered") || strings.Contains(m, "unregistered")
}

func truthy(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	return strings.EqualFold(s, "true") || strings.EqualFold(s, "ok") || strings.EqualFold(s, "success") || s == "1"
}

func intValue(raw json.RawMessage) int {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if parsed, err := strconv.Atoi(s); err == nil {
		return parsed
	}
	return 0
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
