package supabase

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// newTestClient creates a Client pointing at the given httptest server
// with instant retry sleeps for fast tests.
func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	c := NewClient(url, "anon-key", http.DefaultClient, staticToken("test-token"), slog.Default(), ClientOptions{UserAgent: "test-agent"})
	c.sleepFunc = noopSleep

	return c
}

func TestDo_SetsProjectHeaders(t *testing.T) {
	var got http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Do(context.Background(), http.MethodGet, "/rest/v1/statuses", nil, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(body))
	assert.Equal(t, "anon-key", got.Get("apikey"))
	assert.Equal(t, "Bearer test-token", got.Get("Authorization"))
	assert.Equal(t, "test-agent", got.Get("User-Agent"))
	assert.Empty(t, got.Get("Accept-Profile"), "public schema needs no profile header")
}

func TestDo_NonPublicSchemaSendsProfile(t *testing.T) {
	var got http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "anon-key", nil, nil, nil, ClientOptions{Schema: "planning"})
	resp, err := client.Do(context.Background(), http.MethodGet, "/rest/v1/statuses", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "planning", got.Get("Accept-Profile"))
	assert.Equal(t, "Bearer anon-key", got.Get("Authorization"), "nil token source falls back to the anon key")
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		code     string
	}{
		{"bad request", http.StatusBadRequest, `{"message":"bad"}`, ErrBadRequest, ""},
		{"unauthorized", http.StatusUnauthorized, `{"message":"JWT expired","code":"PGRST301"}`, ErrUnauthorized, "PGRST301"},
		{"forbidden", http.StatusForbidden, `{"message":"nope"}`, ErrForbidden, ""},
		{"not found", http.StatusNotFound, `{"message":"missing"}`, ErrNotFound, ""},
		{"conflict", http.StatusConflict, `{"message":"dup","code":"23505"}`, ErrConflict, "23505"},
		{"rls violation", http.StatusBadRequest, `{"message":"row-level security","code":"42501"}`, ErrForbidden, "42501"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("sb-request-id", "req-1")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := newTestClient(t, srv.URL)
			_, err := client.Do(context.Background(), http.MethodGet, "/rest/v1/x", nil, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "req-1", apiErr.RequestID)
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func TestDo_RetryOn5xx(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Do(context.Background(), http.MethodGet, "/rest/v1/x", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_MaxRetriesExhausted(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Do(context.Background(), http.MethodGet, "/rest/v1/x", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, int32(defaultMaxRetries+1), calls.Load())
}

func TestDo_NoRetryOnForbidden(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Do(context.Background(), http.MethodGet, "/rest/v1/x", nil, nil)
	require.Error(t, err)
	assert.True(t, IsPermission(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newTestClient(t, srv.URL)
	_, err := client.Do(ctx, http.MethodGet, "/rest/v1/x", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTable_Overrides(t *testing.T) {
	c := NewClient("http://example.invalid", "k", nil, nil, nil, ClientOptions{
		Tables: map[entity.Kind]string{entity.KindEmployee: "staff"},
	})

	assert.Equal(t, "staff", c.Table(entity.KindEmployee))
	assert.Equal(t, "statuses", c.Table(entity.KindStatus))
}

func TestNewClient_RateLimiterConfigured(t *testing.T) {
	c := NewClient("http://example.invalid", "k", nil, nil, nil, ClientOptions{RequestsPerSecond: 2.5})
	require.NotNil(t, c.limiter)
	assert.Equal(t, 3, c.limiter.Burst())

	unlimited := NewClient("http://example.invalid", "k", nil, nil, nil, ClientOptions{})
	assert.Nil(t, unlimited.limiter)
}
