package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"codeberg.org/mutker/metricsync/internal/api"
	"codeberg.org/mutker/metricsync/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *api.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := api.NewClient(api.Config{
		BaseURL:           server.URL,
		Timezone:          "Europe/Oslo",
		Tokens:            auth.NewStaticTokenSource("test-token"),
		RequestsPerSecond: 1000, // Keep the bucket out of the way
		Burst:             1000,
	})
	require.NoError(t, err)

	return client
}

func TestFetchMetrics(t *testing.T) {
	var gotAuth, gotTimezone string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTimezone = r.Header.Get("X-Client-Timezone")
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/stats/metrics", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"metrics":{"active_loans":{"value":12,"previous_value":10,"trend":"up","trend_percentage":20,"display_value":"12"}}}`))
	})

	result, err := client.FetchMetrics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "Europe/Oslo", gotTimezone)

	snapshot, ok := result["active_loans"]
	require.True(t, ok)
	assert.Equal(t, "active_loans", snapshot.Type, "type filled from map key")
	assert.InDelta(t, 12.0, snapshot.Value, 0.001)
	assert.False(t, snapshot.UpdatedAt.IsZero(), "timestamp defaulted when absent")
}

func TestFetchMetricsRateLimited(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "10")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.FetchMetrics(context.Background())
	require.Error(t, err)

	var rateErr *api.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, 10*time.Second, rateErr.RetryAfter)
}

func TestFetchMetricsRateLimitedWithoutHeader(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.FetchMetrics(context.Background())

	var rateErr *api.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, api.DefaultRetryAfter, rateErr.RetryAfter)
}

func TestFetchMetricsServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.FetchMetrics(context.Background())

	var statusErr *api.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
}

func TestFetchMetricsMissingToken(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		calls++
	}))
	t.Cleanup(server.Close)

	client, err := api.NewClient(api.Config{
		BaseURL: server.URL,
		Tokens:  auth.NewStaticTokenSource(""),
	})
	require.NoError(t, err)

	_, err = client.FetchMetrics(context.Background())
	require.Error(t, err)
	assert.True(t, auth.IsTokenMissing(err))
	assert.Zero(t, calls, "no request without a credential")
}

func TestInvalidateCache(t *testing.T) {
	var gotPath, gotMethod string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	})

	err := client.InvalidateCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/stats/cache/invalidate", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
}

func TestInvalidateCacheFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.InvalidateCache(context.Background())
	require.Error(t, err)
}
