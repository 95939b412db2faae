// Package telegram delivers fetched media back to requesters via the
// Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-relay/internal/relay"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	defaultTimeout = 30 * time.Second

	// Telegram caps sendMediaGroup at ten entries per call.
	mediaGroupLimit = 10

	exhaustedText = "Sorry, I couldn't fetch that content after several attempts. Please try again later."
)

// Config controls the Bot API client.
type Config struct {
	Token   string
	BaseURL string
	Timeout time.Duration
}

// Notifier implements relay.Notifier against the Telegram Bot API.
// Delivery is best-effort: the pipeline logs failures and never retries them.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// apiResponse is the Bot API envelope.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// inputMedia is a sendMediaGroup entry.
type inputMedia struct {
	Type    string `json:"type"`
	Media   string `json:"media"`
	Caption string `json:"caption,omitempty"`
}

// New constructs a Notifier.
func New(cfg Config, logger *zap.Logger) (*Notifier, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram.token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Deliver sends the fetched media to the requester's chat, replying to the
// originating message.
func (n *Notifier) Deliver(ctx context.Context, d relay.Delivery) error {
	// Typing indicator is cosmetic; ignore its failure.
	if err := n.call(ctx, "sendChatAction", map[string]any{
		"chat_id": d.ChatID,
		"action":  "typing",
	}); err != nil {
		n.logger.Debug("chat action failed", zap.Int64("chat_id", d.ChatID), zap.Error(err))
	}

	switch d.Result.MediaKind {
	case relay.KindVideo:
		return n.sendSingle(ctx, "sendVideo", "video", d)
	case relay.KindImage:
		return n.sendSingle(ctx, "sendPhoto", "photo", d)
	case relay.KindAlbum:
		return n.sendAlbum(ctx, d)
	default:
		return fmt.Errorf("unsupported media kind %q", d.Result.MediaKind)
	}
}

// DeliverFailure tells the requester their request was abandoned.
func (n *Notifier) DeliverFailure(ctx context.Context, chatID int64, messageID int) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    exhaustedText,
	}
	if messageID != 0 {
		payload["reply_to_message_id"] = messageID
	}
	if err := n.call(ctx, "sendMessage", payload); err != nil {
		return fmt.Errorf("send failure notice: %w", err)
	}
	return nil
}

func (n *Notifier) sendSingle(ctx context.Context, method, field string, d relay.Delivery) error {
	if len(d.Result.Items) == 0 {
		return fmt.Errorf("delivery has no media items")
	}
	payload := map[string]any{
		"chat_id": d.ChatID,
		field:     d.Result.Items[0].URL,
	}
	if d.Result.Caption != "" {
		payload["caption"] = d.Result.Caption
	}
	if d.MessageID != 0 {
		payload["reply_to_message_id"] = d.MessageID
	}
	if err := n.call(ctx, method, payload); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (n *Notifier) sendAlbum(ctx context.Context, d relay.Delivery) error {
	if len(d.Result.Items) == 0 {
		return fmt.Errorf("delivery has no media items")
	}
	for start := 0; start < len(d.Result.Items); start += mediaGroupLimit {
		end := start + mediaGroupLimit
		if end > len(d.Result.Items) {
			end = len(d.Result.Items)
		}
		media := make([]inputMedia, 0, end-start)
		for i, item := range d.Result.Items[start:end] {
			entry := inputMedia{Type: mediaType(item.Kind), Media: item.URL}
			if start == 0 && i == 0 {
				entry.Caption = d.Result.Caption
			}
			media = append(media, entry)
		}
		payload := map[string]any{
			"chat_id": d.ChatID,
			"media":   media,
		}
		if start == 0 && d.MessageID != 0 {
			payload["reply_to_message_id"] = d.MessageID
		}
		if err := n.call(ctx, "sendMediaGroup", payload); err != nil {
			return fmt.Errorf("sendMediaGroup chunk %d: %w", start/mediaGroupLimit, err)
		}
	}
	return nil
}

// call posts one Bot API method. A rate-limited call is retried once after
// the server-provided delay.
func (n *Notifier) call(ctx context.Context, method string, payload any) error {
	retryAfter, err := n.post(ctx, method, payload)
	if err == nil {
		return nil
	}
	if retryAfter <= 0 {
		return err
	}

	n.logger.Warn("rate limited by telegram",
		zap.String("method", method),
		zap.Int("retry_after_seconds", retryAfter),
	)
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait canceled: %w", ctx.Err())
	case <-time.After(time.Duration(retryAfter) * time.Second):
	}
	_, err = n.post(ctx, method, payload)
	return err
}

func (n *Notifier) post(ctx context.Context, method string, payload any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", n.cfg.BaseURL, n.cfg.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s request: %w", method, err)
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return 0, fmt.Errorf("decode %s response: %w", method, err)
	}
	if apiResp.OK {
		return 0, nil
	}
	return apiResp.Parameters.RetryAfter, fmt.Errorf(
		"telegram %s failed (%d): %s", method, resp.StatusCode, apiResp.Description)
}

func mediaType(kind relay.MediaKind) string {
	if kind == relay.KindVideo {
		return "video"
	}
	return "photo"
}
