package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/threadhive/dispatch/pkg/logging"
)

var telegramTracer = otel.Tracer("dispatch.internal.delivery.telegram")

// TelegramChannel delivers replies through the Telegram Bot API using one
// token per acting account.
type TelegramChannel struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
	logger     *logging.Logger
}

// NewTelegramChannel builds a channel against the given API base URL
// (https://api.telegram.org in production, an httptest server in tests).
func NewTelegramChannel(baseURL string, tokens TokenProvider, logger *logging.Logger) *TelegramChannel {
	if logger == nil {
		logger = logging.Default()
	}
	return &TelegramChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

var _ Channel = (*TelegramChannel)(nil)

type sendMessageRequest struct {
	ChatID           string `json:"chat_id"`
	Text             string `json:"text"`
	ReplyToMessageID *int64 `json:"reply_to_message_id,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Send posts one sendMessage call and classifies the outcome. Exactly one
// HTTP attempt per call; retrying a reply is the planner's decision, not
// the transport's.
func (c *TelegramChannel) Send(ctx context.Context, account, chatID, text string, replyTo *int64) Result {
	token, ok := c.tokens.Token(account)
	if !ok {
		return Failed(FailureUnknown, fmt.Sprintf("no token for account %s", account))
	}

	ctx, span := telegramTracer.Start(ctx, "delivery.telegram.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("dispatch.account", account),
		attribute.String("dispatch.chat_id", chatID),
	)

	payload := sendMessageRequest{ChatID: chatID, Text: text, ReplyToMessageID: replyTo}
	body, err := json.Marshal(payload)
	if err != nil {
		return Failed(FailureUnknown, fmt.Sprintf("marshal payload: %v", err))
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Failed(FailureUnknown, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Failed(FailureTimeout, "request deadline exceeded")
		}
		return Failed(FailureNetwork, err.Error())
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	var parsed sendMessageResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && parsed.OK {
		c.logger.Info("reply delivered", "account", account, "chat_id", chatID, "message_id", parsed.Result.MessageID)
		return Delivered(Receipt{MessageID: parsed.Result.MessageID, SentAt: time.Now().UTC()})
	}

	kind := classifyStatus(resp.StatusCode, parsed.Description)
	c.logger.Warn("reply delivery failed",
		"account", account, "chat_id", chatID,
		"status", resp.StatusCode, "kind", string(kind), "description", parsed.Description)
	return Failed(kind, fmt.Sprintf("status %d: %s", resp.StatusCode, parsed.Description))
}

// classifyStatus maps Bot API responses onto failure kinds. 403 bodies are
// inspected to split membership problems from plain permission denials.
func classifyStatus(status int, description string) FailureKind {
	desc := strings.ToLower(description)
	switch {
	case status == http.StatusForbidden &&
		(strings.Contains(desc, "kicked") || strings.Contains(desc, "not a member") || strings.Contains(desc, "not in the chat")):
		return FailureNotMember
	case status == http.StatusForbidden:
		return FailurePermissionDenied
	case status == http.StatusTooManyRequests:
		return FailureRateLimited
	case status >= 500:
		return FailureNetwork
	default:
		return FailureUnknown
	}
}
