// Package whatsapp is a thin sender client for a Meta-graph-style messages
// API. The bot only needs text replies, read receipts, and webhook signature
// verification; template and media sending belong to other systems.
package whatsapp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/lumora/concierge/bot/contract"
	retryx "github.com/lumora/concierge/pkg/retry"
)

// The channel rejects messages above 4096 characters; chunk below that.
const maxMessageChars = 4000

type Config struct {
	BaseURL       string        `envconfig:"BASE_URL" split_words:"true" default:"https://graph.facebook.com/v18.0"`
	PhoneNumberID string        `envconfig:"PHONE_NUMBER_ID" split_words:"true" required:"true"`
	AccessToken   string        `envconfig:"ACCESS_TOKEN" split_words:"true" required:"true"`
	AppSecret     string        `envconfig:"APP_SECRET" split_words:"true"`
	VerifyToken   string        `envconfig:"VERIFY_TOKEN" split_words:"true"`
	Timeout       time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
}

type Client struct {
	baseURL       string
	phoneNumberID string
	accessToken   string
	appSecret     string
	verifyToken   string
	httpClient    *http.Client
	retry         retryx.Policy
}

var _ contractx.ChannelSender = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("whatsapp base url is required")
	}
	if strings.TrimSpace(cfg.PhoneNumberID) == "" {
		return nil, errors.New("whatsapp phone number id is required")
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("whatsapp access token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	policy := retryx.Default
	policy.Retryable = func(err error) bool {
		return errors.Is(err, contractx.ErrTransientUpstream)
	}

	return &Client{
		baseURL:       baseURL,
		phoneNumberID: strings.TrimSpace(cfg.PhoneNumberID),
		accessToken:   strings.TrimSpace(cfg.AccessToken),
		appSecret:     strings.TrimSpace(cfg.AppSecret),
		verifyToken:   strings.TrimSpace(cfg.VerifyToken),
		httpClient:    &http.Client{Timeout: timeout},
		retry:         policy,
	}, nil
}

// VerifyToken returns the configured webhook verification token.
func (c *Client) VerifyToken() string {
	return c.verifyToken
}

// VerifySignature checks the X-Hub-Signature-256 header against the raw
// payload. With no app secret configured, verification is skipped.
func (c *Client) VerifySignature(payload []byte, signature string) bool {
	if c.appSecret == "" {
		log.Warn().Msg("whatsapp app secret not configured, skipping signature verification")
		return true
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}

	mac := hmac.New(sha256.New, []byte(c.appSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// SendText delivers a text reply, splitting messages that exceed the channel
// limit into ordered chunks.
func (c *Client) SendText(ctx context.Context, to string, text string) error {
	for _, chunk := range splitText(text, maxMessageChars) {
		payload := map[string]any{
			"messaging_product": "whatsapp",
			"to":                to,
			"type":              "text",
			"text":              map[string]any{"body": chunk},
		}
		if err := c.post(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

// MarkAsRead acknowledges an inbound message. Failures are logged only; a
// missing read receipt must never block reply delivery.
func (c *Client) MarkAsRead(ctx context.Context, messageID string) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	if err := c.post(ctx, payload); err != nil {
		log.Warn().Err(err).Str("message_id", messageID).Msg("failed to mark message as read")
	}
}

func (c *Client) post(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)

	return c.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build message request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", contractx.ErrTransientUpstream, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return nil
		}

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: channel api status=%d body=%s", contractx.ErrTransientUpstream, resp.StatusCode, raw)
		}
		return fmt.Errorf("%w: channel api status=%d body=%s", contractx.ErrPermanentUpstream, resp.StatusCode, raw)
	})
}

func splitText(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == ' ' || runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
