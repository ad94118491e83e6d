package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"rotarydesk/internal/types"
)

// WhatsAppMessageType selects the greeting artwork on the relay side.
type WhatsAppMessageType string

const (
	WhatsAppBirthday    WhatsAppMessageType = "birthday"
	WhatsAppAnniversary WhatsAppMessageType = "anniversary"
)

// WhatsAppMessage asks the relay to send the greeting for PersonID to Number.
type WhatsAppMessage struct {
	Number   string              `json:"number"`
	PersonID string              `json:"id"`
	Type     WhatsAppMessageType `json:"type"`
}

// WhatsAppRelayConfig holds the configuration for creating a WhatsAppRelayClient.
type WhatsAppRelayConfig struct {
	BaseURL string
	APIKey  string
	Logger  *slog.Logger
}

// WhatsAppRelayClient posts greeting requests to the self-hosted WhatsApp
// relay, which owns the messaging session and poster lookup.
type WhatsAppRelayClient struct {
	base    *BaseClient
	baseURL string
	apiKey  string
	logger  *slog.Logger
}

// NewWhatsAppRelayClient creates a relay client.
func NewWhatsAppRelayClient(httpClient *http.Client, cfg WhatsAppRelayConfig) *WhatsAppRelayClient {
	base := NewBaseClient(
		httpClient,
		"whatsapp-relay",
		RetryPolicy{MaxRetries: 1, MinWait: 500 * time.Millisecond, MaxWait: 2 * time.Second},
		"RotaryDesk/1.0",
		WithUnavailableCode(types.ErrCodeUpstreamMessaging),
	)
	return NewWhatsAppRelayClientWithBase(base, cfg)
}

// NewWhatsAppRelayClientWithBase creates a relay client around a
// pre-configured BaseClient.
func NewWhatsAppRelayClientWithBase(base *BaseClient, cfg WhatsAppRelayConfig) *WhatsAppRelayClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsAppRelayClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

// Send submits one greeting. Any non-2xx response is an error.
func (c *WhatsAppRelayClient) Send(ctx context.Context, msg WhatsAppMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal relay payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/send-message", bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create relay request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.base.Do(req)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return err
		}
		return types.NewAppError(types.ErrCodeUpstreamMessaging, "relay request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamMessaging,
		fmt.Sprintf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		nil, map[string]any{"status": resp.StatusCode})
}
