package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

// Probes run a single attempt each: the health monitor owns timeouts and
// ordering, so client-level retries would only stretch a failing check.

// User is the authenticated account behind the current session.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Health checks transport-level reachability via the auth service health
// endpoint. Only the project api key is sent, no bearer token.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.doOnce(ctx, http.MethodGet, "/auth/v1/health", nil, nil, false)
	if err != nil {
		return fmt.Errorf("supabase: health probe: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("supabase: health probe: %w", errorFromResponse(resp))
	}

	drainAndClose(resp)

	return nil
}

// Count runs the cheapest possible query against the kind's table and
// returns the exact row count reported by PostgREST (-1 when the server
// does not report one).
func (c *Client) Count(ctx context.Context, kind entity.Kind) (int, error) {
	table := c.Table(kind)
	path := restPrefix + url.PathEscape(table) + "?select=id&limit=1"

	header := http.Header{}
	header.Set("Prefer", "count=exact")

	resp, err := c.doOnce(ctx, http.MethodGet, path, nil, header, true)
	if err != nil {
		return 0, fmt.Errorf("supabase: count probe on %s: %w", table, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return 0, fmt.Errorf("supabase: count probe on %s: %w", table, errorFromResponse(resp))
	}

	defer drainAndClose(resp)

	cr := resp.Header.Get("Content-Range")
	if cr == "" {
		return -1, nil
	}

	return parseContentRange(cr)
}

// CurrentUser verifies the session by asking the auth service who the
// bearer token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	resp, err := c.doOnce(ctx, http.MethodGet, "/auth/v1/user", nil, nil, true)
	if err != nil {
		return nil, fmt.Errorf("supabase: session probe: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supabase: session probe: %w", errorFromResponse(resp))
	}

	defer drainAndClose(resp)

	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("supabase: decoding user: %w", err)
	}

	return &u, nil
}
