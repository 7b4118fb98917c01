package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/metricsync/internal/auth"
	"codeberg.org/mutker/metricsync/internal/errors"
	"codeberg.org/mutker/metricsync/internal/logger"
	"codeberg.org/mutker/metricsync/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	metricsPath    = "/api/v1/stats/metrics"
	invalidatePath = "/api/v1/stats/cache/invalidate"

	headerTimezone   = "X-Client-Timezone"
	headerRetryAfter = "Retry-After"

	// DefaultRetryAfter is assumed when a 429 carries no usable header.
	DefaultRetryAfter = 60 * time.Second

	defaultRequestsPerSecond = 2.0
	defaultBurst             = 3
)

// RateLimitError reports a 429 response and how long the server asked
// us to back off.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// StatusError reports any other non-2xx response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

type Config struct {
	BaseURL           string
	Timezone          string
	Tokens            auth.TokenSource
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.BaseURL == "" {
		return errFactory.New(errors.ErrInvalidBaseURL)
	}
	if c.Tokens == nil {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "token source required")
	}

	return nil
}

// Client talks to the stats endpoints of the back-office backend. A
// proactive token bucket throttles outgoing requests ahead of any
// reactive 429 handling by the caller.
type Client struct {
	httpClient *http.Client
	baseURL    string
	timezone   string
	tokens     auth.TokenSource
	limiter    *rate.Limiter
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	timezone := cfg.Timezone
	if timezone == "" {
		timezone = time.Now().Location().String()
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timezone:   timezone,
		tokens:     cfg.Tokens,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

type metricsResponse struct {
	Metrics map[string]metrics.Snapshot `json:"metrics"`
}

// FetchMetrics issues the authenticated metrics GET and classifies the
// outcome: a RateLimitError on 429, a StatusError on any other non-2xx.
func (c *Client) FetchMetrics(ctx context.Context) (map[string]metrics.Snapshot, error) {
	errFactory := errors.New()

	resp, err := c.do(ctx, http.MethodGet, metricsPath)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var payload metricsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errFactory.Wrap(errors.ErrFetchFailed, err)
	}

	for key, snapshot := range payload.Metrics {
		if snapshot.Type == "" {
			snapshot.Type = key
		}
		if snapshot.UpdatedAt.IsZero() {
			snapshot.UpdatedAt = time.Now()
		}
		payload.Metrics[key] = snapshot
	}

	return payload.Metrics, nil
}

// InvalidateCache asks the backend to drop its server-side stats cache.
// Best effort: callers log failures and never surface them.
func (c *Client) InvalidateCache(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, invalidatePath)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	return nil
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	errFactory := errors.New()

	token, err := c.tokens.Token()
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errFactory.Wrap(errors.ErrFetchFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrFetchFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(headerTimezone, c.timezone)
	req.Header.Set("Accept", "application/json")

	logger.Debug().Str("method", method).Str("path", path).Msg("Issuing backend request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrFetchFailed, err)
	}

	return resp, nil
}

// parseRetryAfter reads the integer-seconds form of Retry-After.
// The HTTP-date form falls back to the default.
func parseRetryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get(headerRetryAfter)
	if header == "" {
		return DefaultRetryAfter
	}

	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return DefaultRetryAfter
	}

	return time.Duration(seconds) * time.Second
}
