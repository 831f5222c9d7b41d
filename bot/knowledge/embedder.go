package knowledge

import (
	"bytes"
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

// Embedder turns text into a dense vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type EmbedderConfig struct {
	BaseURL string        `envconfig:"BASE_URL" split_words:"true" default:"https://generativelanguage.googleapis.com"`
	APIKey  string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model   string        `envconfig:"MODEL" default:"text-embedding-004"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"15s"`
}

// HTTPEmbedder calls a generative-language style embedContent endpoint.
type HTTPEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	retry      retryx.Policy
}

var _ Embedder = (*HTTPEmbedder)(nil)

func NewHTTPEmbedder(cfg EmbedderConfig) (*HTTPEmbedder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("embedder api key is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	policy := retryx.Default
	policy.Retryable = func(err error) bool {
		return errors.Is(err, contractx.ErrTransientUpstream)
	}

	return &HTTPEmbedder{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
		retry:      policy,
	}, nil
}

type embedRequest struct {
	Model   string       `json:"model"`
	Content embedContent `json:"content"`
}

type embedContent struct {
	Parts []embedPart `json:"parts"`
}

type embedPart struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{
		Model:   "models/" + e.model,
		Content: embedContent{Parts: []embedPart{{Text: text}}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:embedContent?key=%s",
		e.baseURL, e.model, url.QueryEscape(e.apiKey))

	var vector []float32
	err = e.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build embed request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", contractx.ErrTransientUpstream, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
				return fmt.Errorf("%w: embed api status=%d body=%s", contractx.ErrTransientUpstream, resp.StatusCode, raw)
			}
			return fmt.Errorf("%w: embed api status=%d body=%s", contractx.ErrPermanentUpstream, resp.StatusCode, raw)
		}

		var parsed embedResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("%w: decode embed response: %w", contractx.ErrPermanentUpstream, err)
		}
		if len(parsed.Embedding.Values) == 0 {
			return fmt.Errorf("%w: embed response carries no vector", contractx.ErrPermanentUpstream)
		}
		vector = parsed.Embedding.Values
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}
