// Package commerce is the read-only client for the external catalog and
// order backend. All access funnels through one shared HTTP client guarded
// by a global concurrency cap and a request rate limit, so a burst of tool
// calls cannot overload the backend.
package commerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	contractx "github.com/lumora/concierge/bot/contract"
	retryx "github.com/lumora/concierge/pkg/retry"
)

type Config struct {
	BaseURL           string        `envconfig:"BASE_URL" split_words:"true" required:"true"`
	APIKey            string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Timeout           time.Duration `envconfig:"TIMEOUT" default:"10s"`
	MaxConcurrent     int64         `envconfig:"MAX_CONCURRENT" split_words:"true" default:"8"`
	RequestsPerSecond float64       `envconfig:"REQUESTS_PER_SECOND" split_words:"true" default:"10"`
}

// Item is one catalog entry.
type Item struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Price       float64 `json:"price"`
	Currency    string  `json:"currency"`
	InStock     bool    `json:"in_stock"`
}

// OrderLine is one purchased item within an order.
type OrderLine struct {
	ItemID   string  `json:"item_id"`
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// Order is one customer order as the backend reports it.
type Order struct {
	ID           string      `json:"id"`
	UserPhone    string      `json:"user_phone"`
	Status       string      `json:"status"`
	Lines        []OrderLine `json:"lines"`
	Total        float64     `json:"total"`
	Currency     string      `json:"currency"`
	TrackingCode string      `json:"tracking_code"`
	PlacedAt     time.Time   `json:"placed_at"`
}

// SearchQuery narrows a catalog search. Zero-valued bounds are unset.
type SearchQuery struct {
	Query    string
	Category string
	PriceMin *float64
	PriceMax *float64
	Limit    int
}

// Client issues the four read-only backend queries.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	bulkhead   *semaphore.Weighted
	limiter    *rate.Limiter
	retry      retryx.Policy
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("commerce base url is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("commerce api key is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}

	policy := retryx.Default
	policy.Retryable = func(err error) bool {
		return errors.Is(err, contractx.ErrTransientUpstream)
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		bulkhead:   semaphore.NewWeighted(maxConcurrent),
		limiter:    rate.NewLimiter(rate.Limit(rps), int(maxConcurrent)),
		retry:      policy,
	}, nil
}

// SearchItems queries the catalog. An empty result is a valid answer.
func (c *Client) SearchItems(ctx context.Context, q SearchQuery) ([]Item, error) {
	params := url.Values{}
	params.Set("q", q.Query)
	if q.Category != "" {
		params.Set("category", q.Category)
	}
	if q.PriceMin != nil {
		params.Set("price_min", strconv.FormatFloat(*q.PriceMin, 'f', 2, 64))
	}
	if q.PriceMax != nil {
		params.Set("price_max", strconv.FormatFloat(*q.PriceMax, 'f', 2, 64))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}
	params.Set("limit", strconv.Itoa(limit))

	var out struct {
		Items []Item `json:"items"`
	}
	found, err := c.get(ctx, "/v1/items?"+params.Encode(), &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return out.Items, nil
}

// GetItem fetches one catalog item. found reports whether the id exists.
func (c *Client) GetItem(ctx context.Context, id string) (Item, bool, error) {
	if strings.TrimSpace(id) == "" {
		return Item{}, false, fmt.Errorf("%w: item id is empty", contractx.ErrValidation)
	}
	var item Item
	found, err := c.get(ctx, "/v1/items/"+url.PathEscape(id), &item)
	return item, found, err
}

// GetOrder fetches one order by id. found reports whether the id exists.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, bool, error) {
	if strings.TrimSpace(orderID) == "" {
		return Order{}, false, fmt.Errorf("%w: order id is empty", contractx.ErrValidation)
	}
	var order Order
	found, err := c.get(ctx, "/v1/orders/"+url.PathEscape(orderID), &order)
	return order, found, err
}

// OrdersByUser fetches a user's recent orders, optionally filtered by
// status, newest first.
func (c *Client) OrdersByUser(ctx context.Context, userPhone string, limit int, statusFilter string) ([]Order, error) {
	if strings.TrimSpace(userPhone) == "" {
		return nil, fmt.Errorf("%w: user identity is empty", contractx.ErrValidation)
	}
	if limit <= 0 {
		limit = 5
	}

	params := url.Values{}
	params.Set("user", userPhone)
	params.Set("limit", strconv.Itoa(limit))
	if statusFilter != "" {
		params.Set("status", statusFilter)
	}

	var out struct {
		Orders []Order `json:"orders"`
	}
	found, err := c.get(ctx, "/v1/orders?"+params.Encode(), &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return out.Orders, nil
}

// get runs one backend query under the bulkhead, the rate limit, and the
// retry policy. It reports found=false on a 404 instead of an error.
func (c *Client) get(ctx context.Context, path string, out any) (bool, error) {
	if err := c.bulkhead.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("acquire commerce bulkhead: %w", err)
	}
	defer c.bulkhead.Release(1)

	if err := c.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("commerce rate limit wait: %w", err)
	}

	found := true
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("build commerce request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", contractx.ErrTransientUpstream, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("%w: decode commerce response: %w", contractx.ErrPermanentUpstream, err)
			}
			found = true
			return nil
		case resp.StatusCode == http.StatusNotFound:
			found = false
			return nil
		case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("%w: commerce api status=%d body=%s", contractx.ErrTransientUpstream, resp.StatusCode, raw)
		default:
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("%w: commerce api status=%d body=%s", contractx.ErrPermanentUpstream, resp.StatusCode, raw)
		}
	})
	if err != nil {
		return false, err
	}
	return found, nil
}
