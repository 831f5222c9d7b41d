package commerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	contractx "github.com/lumora/concierge/bot/contract"
	retryx "github.com/lumora/concierge/pkg/retry"
)

type ShippingConfig struct {
	BaseURL string        `envconfig:"BASE_URL" split_words:"true" required:"true"`
	APIKey  string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"10s"`
}

// Checkpoint is one scan event along a shipment's route.
type Checkpoint struct {
	Location string    `json:"location"`
	Status   string    `json:"status"`
	At       time.Time `json:"at"`
}

// Tracking is the current state of one shipment.
type Tracking struct {
	Code        string       `json:"code"`
	Status      string       `json:"status"`
	Carrier     string       `json:"carrier"`
	ETA         *time.Time   `json:"eta"`
	Checkpoints []Checkpoint `json:"checkpoints"`
}

// ShippingClient queries the shipment tracking provider.
type ShippingClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      retryx.Policy
}

func NewShippingClient(cfg ShippingConfig) (*ShippingClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("shipping base url is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("shipping api key is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	policy := retryx.Default
	policy.Retryable = func(err error) bool {
		return errors.Is(err, contractx.ErrTransientUpstream)
	}

	return &ShippingClient{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		retry:      policy,
	}, nil
}

// Track looks up a shipment by tracking code. found reports whether the
// code is known to the provider.
func (c *ShippingClient) Track(ctx context.Context, trackingCode string) (Tracking, bool, error) {
	if strings.TrimSpace(trackingCode) == "" {
		return Tracking{}, false, fmt.Errorf("%w: tracking code is empty", contractx.ErrValidation)
	}

	var tracking Tracking
	found := true
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		endpoint := c.baseURL + "/v1/track/" + url.PathEscape(trackingCode)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("build tracking request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", contractx.ErrTransientUpstream, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(&tracking); err != nil {
				return fmt.Errorf("%w: decode tracking response: %w", contractx.ErrPermanentUpstream, err)
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			found = false
			return nil
		case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("%w: tracking api status=%d body=%s", contractx.ErrTransientUpstream, resp.StatusCode, raw)
		default:
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("%w: tracking api status=%d body=%s", contractx.ErrPermanentUpstream, resp.StatusCode, raw)
		}
	})
	if err != nil {
		return Tracking{}, false, err
	}
	return tracking, found, nil
}
