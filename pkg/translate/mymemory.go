package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/NicolasHaas/wordquizzle/pkg/version"
)

// DefaultMyMemoryURL is the public MyMemory lookup endpoint.
const DefaultMyMemoryURL = "https://api.mymemory.translated.net/get"

// MyMemoryConfig configures the HTTP provider.
type MyMemoryConfig struct {
	BaseURL  string        // lookup endpoint
	LangPair string        // e.g. "it|en"
	Timeout  time.Duration // per-request timeout
	Rate     float64       // requests per second across all matches (0 = unlimited)
	Burst    int
}

// DefaultMyMemoryConfig returns the Italian to English defaults.
func DefaultMyMemoryConfig() MyMemoryConfig {
	return MyMemoryConfig{
		BaseURL:  DefaultMyMemoryURL,
		LangPair: "it|en",
		Timeout:  10 * time.Second,
		Rate:     5,
		Burst:    10,
	}
}

// MyMemory queries the MyMemory translation memory over HTTP.
type MyMemory struct {
	cfg     MyMemoryConfig
	client  *http.Client
	limiter *rate.Limiter
}

var _ Provider = (*MyMemory)(nil)

type myMemoryResponse struct {
	Matches []struct {
		Translation string `json:"translation"`
	} `json:"matches"`
}

// NewMyMemory creates the provider. A nil client gets one with cfg.Timeout.
func NewMyMemory(cfg MyMemoryConfig, client *http.Client) *MyMemory {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := max(cfg.Burst, 1)
	return &MyMemory{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Translate performs one lookup. Any status above 299 is ErrUnavailable.
func (m *MyMemory) Translate(ctx context.Context, word string) ([]string, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("translate: rate limit: %w", err)
	}

	q := url.Values{}
	q.Set("q", word)
	q.Set("langpair", m.cfg.LangPair)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("translate: build request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body myMemoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}

	// No matches is a valid answer: every reply to that word will be graded wrong.
	raw := make([]string, 0, len(body.Matches))
	for _, match := range body.Matches {
		raw = append(raw, match.Translation)
	}
	return Normalize(raw), nil
}
