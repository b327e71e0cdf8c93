package supabase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

// Retry and backoff constants.
const (
	defaultMaxRetries = 2
	baseBackoff       = 1 * time.Second
	maxBackoff        = 30 * time.Second
	backoffFactor     = 2.0
	jitterFraction    = 0.25
	defaultUserAgent  = "crewplan-sync/0.1"
	defaultSchema     = "public"
)

// TokenSource provides bearer tokens for the Authorization header. Defined
// at the consumer per "accept interfaces, return structs". AnonToken and
// SessionTokenSource provide the real implementations.
type TokenSource interface {
	Token() (string, error)
}

// ClientOptions holds the optional knobs for NewClient. Zero values pick
// the defaults.
type ClientOptions struct {
	UserAgent         string
	Schema            string
	Tables            map[entity.Kind]string
	MaxRetries        int
	RequestsPerSecond float64 // 0 disables client-side limiting
}

// Client is an HTTP client for a Supabase project (PostgREST under
// /rest/v1, GoTrue under /auth/v1). It handles header construction,
// authentication, retry with exponential backoff, client-side request
// limiting, and error classification.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
	userAgent  string
	schema     string
	tables     map[entity.Kind]string
	maxRetries int
	limiter    *rate.Limiter

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client for the project at baseURL
// (e.g. "https://abcd.supabase.co"). apiKey is the project's anon key; it is
// sent on every request and doubles as the bearer token when token is nil.
func NewClient(baseURL, apiKey string, httpClient *http.Client, token TokenSource, logger *slog.Logger, opts ClientOptions) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if token == nil {
		token = AnonToken(apiKey)
	}

	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		userAgent:  opts.UserAgent,
		schema:     opts.Schema,
		tables:     opts.Tables,
		maxRetries: opts.MaxRetries,
		sleepFunc:  timeSleep,
	}

	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}

	if c.schema == "" {
		c.schema = defaultSchema
	}

	if c.maxRetries <= 0 {
		c.maxRetries = defaultMaxRetries
	}

	if opts.RequestsPerSecond > 0 {
		burst := int(math.Ceil(opts.RequestsPerSecond))
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return c
}

// Table returns the backend table name for a kind, honoring configured
// overrides.
func (c *Client) Table(kind entity.Kind) string {
	if name, ok := c.tables[kind]; ok && name != "" {
		return name
	}

	return kind.String()
}

// Do executes a request against the project with retries. The path is
// appended to the base URL. body may be nil; it is resent from the start on
// every attempt. The caller is responsible for closing the response body on
// success.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, header http.Header) (*http.Response, error) {
	var attempt int
	for {
		resp, err := c.doOnce(ctx, method, path, body, header, true)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("supabase: request canceled: %w", ctx.Err())
			}

			// Network errors are retryable.
			if attempt < c.maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("supabase: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("supabase: %s %s failed after %d retries: %w", method, path, c.maxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		if isRetryable(resp.StatusCode) && attempt < c.maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			drainAndClose(resp)

			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("supabase: request canceled: %w", err)
			}

			attempt++

			continue
		}

		apiErr := errorFromResponse(resp)

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, apiErr
	}
}

// doOnce executes a single request (no retry). withBearer controls whether
// the Authorization header is attached; reachability probes omit it.
func (c *Client) doOnce(
	ctx context.Context, method, path string, body []byte, header http.Header, withBearer bool,
) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for request slot: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	if withBearer {
		tok, tokErr := c.token.Token()
		if tokErr != nil {
			return nil, fmt.Errorf("obtaining token: %w", tokErr)
		}

		req.Header.Set("Authorization", "Bearer "+tok)
	}

	if c.schema != defaultSchema {
		req.Header.Set("Accept-Profile", c.schema)
		req.Header.Set("Content-Profile", c.schema)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// errorFromResponse reads and closes an error response and classifies it.
func errorFromResponse(resp *http.Response) *APIError {
	errBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	reqID := resp.Header.Get("sb-request-id")
	if reqID == "" {
		reqID = resp.Header.Get("x-request-id")
	}

	return newAPIError(resp.StatusCode, reqID, errBody)
}

// drainAndClose discards the remaining body so the connection can be reused.
func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
