package external

import (
	"bytes"
	"context"
	"encoding/base64"
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

// zeptoAPIBase is the default ZeptoMail API base URL (India data centre).
const zeptoAPIBase = "https://api.zeptomail.in"

const zeptoAuthScheme = "Zoho-enczapikey "

// ZeptoMailConfig holds the configuration for creating a ZeptoMailClient.
type ZeptoMailConfig struct {
	APIKey  string
	BaseURL string
	From    types.SenderIdentity
	ReplyTo *types.SenderIdentity
	Logger  *slog.Logger
}

// MailMessage is a pre-rendered email. Images are sent inline and referenced
// from HTMLBody as cid:<CID>.
type MailMessage struct {
	Subject  string
	HTMLBody string
	Images   []types.InlineImage
}

// ZeptoMailClient sends transactional mail through the ZeptoMail v1.1 API.
type ZeptoMailClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	from    types.SenderIdentity
	replyTo *types.SenderIdentity
	logger  *slog.Logger
}

// NewZeptoMailClient creates a client with the default retry policy.
func NewZeptoMailClient(httpClient *http.Client, cfg ZeptoMailConfig) *ZeptoMailClient {
	base := NewBaseClient(
		httpClient,
		"zeptomail",
		DefaultRetryPolicy(),
		"RotaryDesk/1.0",
		WithUnavailableCode(types.ErrCodeUpstreamEmailProvider),
	)
	return NewZeptoMailClientWithBase(base, cfg)
}

// NewZeptoMailClientWithBase creates a client around a pre-configured
// BaseClient.
func NewZeptoMailClientWithBase(base *BaseClient, cfg ZeptoMailConfig) *ZeptoMailClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = zeptoAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ZeptoMailClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		from:    cfg.From,
		replyTo: cfg.ReplyTo,
		logger:  logger,
	}
}

// SendBatch delivers one message to every address in a single batch call.
// ZeptoMail accepts the whole batch or rejects it; there is no per-address
// outcome.
func (c *ZeptoMailClient) SendBatch(ctx context.Context, to []string, msg MailMessage) error {
	if len(to) == 0 {
		return nil
	}
	payload := c.buildPayload(to, msg)
	start := time.Now()
	if _, err := c.post(ctx, "/v1.1/email/batch", payload, "SendBatch"); err != nil {
		return err
	}
	c.logger.DebugContext(ctx, "zeptomail batch accepted",
		"recipients", len(to),
		"images", len(msg.Images),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Send delivers msg to a single address and returns the provider request id.
func (c *ZeptoMailClient) Send(ctx context.Context, to string, msg MailMessage) (string, error) {
	return c.post(ctx, "/v1.1/email", c.buildPayload([]string{to}, msg), "Send")
}

// ---------------------------------------------------------------------------
// Payload Construction
// ---------------------------------------------------------------------------

type zeptoAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type zeptoRecipient struct {
	EmailAddress zeptoAddress `json:"email_address"`
}

type zeptoInlineImage struct {
	CID      string `json:"cid"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Content  string `json:"content"`
}

type zeptoPayload struct {
	From         zeptoAddress       `json:"from"`
	To           []zeptoRecipient   `json:"to"`
	ReplyTo      []zeptoAddress     `json:"reply_to,omitempty"`
	Subject      string             `json:"subject"`
	HTMLBody     string             `json:"htmlbody"`
	InlineImages []zeptoInlineImage `json:"inline_images,omitempty"`
}

func (c *ZeptoMailClient) buildPayload(to []string, msg MailMessage) zeptoPayload {
	p := zeptoPayload{
		From:     zeptoAddress{Address: c.from.Address, Name: c.from.Name},
		To:       make([]zeptoRecipient, 0, len(to)),
		Subject:  msg.Subject,
		HTMLBody: msg.HTMLBody,
	}
	for _, addr := range to {
		p.To = append(p.To, zeptoRecipient{EmailAddress: zeptoAddress{Address: addr}})
	}
	if c.replyTo != nil {
		p.ReplyTo = []zeptoAddress{{Address: c.replyTo.Address, Name: c.replyTo.Name}}
	}
	for _, img := range msg.Images {
		p.InlineImages = append(p.InlineImages, zeptoInlineImage{
			CID:      img.CID,
			Name:     img.Name,
			MimeType: img.MimeType,
			Content:  base64.StdEncoding.EncodeToString(img.Content),
		})
	}
	return p
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

type zeptoSuccessResponse struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

type zeptoErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Target  string `json:"target"`
		} `json:"details"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

func (c *ZeptoMailClient) post(ctx context.Context, path string, payload zeptoPayload, operation string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal ZeptoMail payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create ZeptoMail request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.authorization())

	resp, err := c.base.Do(req)
	if err != nil {
		return "", c.wrapError(operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ok zeptoSuccessResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&ok)
		return ok.RequestID, nil
	}
	return "", c.handleErrorResponse(resp, operation)
}

// authorization accepts the key with or without the scheme prefix.
func (c *ZeptoMailClient) authorization() string {
	if strings.HasPrefix(c.apiKey, zeptoAuthScheme) {
		return c.apiKey
	}
	return zeptoAuthScheme + c.apiKey
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

func (c *ZeptoMailClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("%s: ZeptoMail returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr)
	}

	var zErr zeptoErrorResponse
	code, msg := "", strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &zErr); err == nil && zErr.Error.Code != "" {
		code, msg = zErr.Error.Code, zErr.Error.Message
		if len(zErr.Error.Details) > 0 && zErr.Error.Details[0].Message != "" {
			msg += ": " + zErr.Error.Details[0].Message
		}
	}
	return c.mapZeptoError(operation, resp.StatusCode, code, msg)
}

func (c *ZeptoMailClient) mapZeptoError(operation string, status int, providerCode, message string) error {
	details := map[string]any{"status": status}
	if providerCode != "" {
		details["provider_code"] = providerCode
	}
	switch {
	case status == http.StatusForbidden:
		return types.NewAppErrorWithDetails(types.ErrCodeEmailBlocked,
			fmt.Sprintf("%s: ZeptoMail refused delivery: %s", operation, message), nil, details)
	case status == http.StatusTooManyRequests:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: ZeptoMail rate limit exceeded", operation), nil, details)
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("%s: ZeptoMail error (%d): %s", operation, status, message), nil, details)
	}
}

func (c *ZeptoMailClient) wrapError(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider,
		fmt.Sprintf("%s: ZeptoMail request failed", operation), err)
}
