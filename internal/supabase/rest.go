package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

// pageSize matches PostgREST's default max-rows so every page is full until
// the last one.
const pageSize = 1000

const restPrefix = "/rest/v1/"

// FetchAll returns every row of the kind's table ordered by id. Pages are
// requested with Range headers until a short page arrives. Safe to call
// repeatedly: it always reflects the full current server state.
func (c *Client) FetchAll(ctx context.Context, kind entity.Kind) ([]entity.Row, error) {
	table := c.Table(kind)
	path := restPrefix + url.PathEscape(table) + "?select=*&order=id.asc"

	var rows []entity.Row

	for offset := 0; ; offset += pageSize {
		header := http.Header{}
		header.Set("Range-Unit", "items")
		header.Set("Range", fmt.Sprintf("%d-%d", offset, offset+pageSize-1))

		page, err := c.getRows(ctx, path, header)
		if err != nil {
			return nil, fmt.Errorf("supabase: fetching %s: %w", table, err)
		}

		rows = append(rows, page...)

		if len(page) < pageSize {
			break
		}
	}

	c.logger.Debug("fetched collection",
		slog.String("table", table),
		slog.Int("rows", len(rows)),
	)

	if rows == nil {
		rows = []entity.Row{}
	}

	return rows, nil
}

// Save upserts a row and returns the stored representation.
func (c *Client) Save(ctx context.Context, kind entity.Kind, row entity.Row) (entity.Row, error) {
	table := c.Table(kind)

	body, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("supabase: encoding %s row: %w", table, err)
	}

	header := http.Header{}
	header.Set("Prefer", "return=representation,resolution=merge-duplicates")

	resp, err := c.Do(ctx, http.MethodPost, restPrefix+url.PathEscape(table), body, header)
	if err != nil {
		return nil, fmt.Errorf("supabase: saving %s row: %w", table, err)
	}
	defer resp.Body.Close()

	var stored []entity.Row
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return nil, fmt.Errorf("supabase: decoding saved %s row: %w", table, err)
	}

	if len(stored) == 0 {
		return nil, fmt.Errorf("supabase: saving %s row: empty representation", table)
	}

	return stored[0], nil
}

// Delete removes the row with the given id. Returns false when no row
// matched (already deleted or hidden by row level security).
func (c *Client) Delete(ctx context.Context, kind entity.Kind, id string) (bool, error) {
	if id == "" {
		return false, errors.New("supabase: delete requires an id")
	}

	table := c.Table(kind)
	path := restPrefix + url.PathEscape(table) + "?id=eq." + url.QueryEscape(id)

	header := http.Header{}
	header.Set("Prefer", "return=representation")

	resp, err := c.Do(ctx, http.MethodDelete, path, nil, header)
	if err != nil {
		return false, fmt.Errorf("supabase: deleting %s/%s: %w", table, id, err)
	}
	defer resp.Body.Close()

	var removed []entity.Row
	if err := json.NewDecoder(resp.Body).Decode(&removed); err != nil {
		return false, fmt.Errorf("supabase: decoding delete response for %s/%s: %w", table, id, err)
	}

	return len(removed) > 0, nil
}

// getRows issues a GET and decodes a JSON array of rows.
func (c *Client) getRows(ctx context.Context, path string, header http.Header) ([]entity.Row, error) {
	resp, err := c.Do(ctx, http.MethodGet, path, nil, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rows []entity.Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding rows: %w", err)
	}

	return rows, nil
}

// parseContentRange extracts the total from a PostgREST Content-Range
// header ("0-0/42", "*/0"). Returns -1 when the total is unknown ("*").
func parseContentRange(v string) (int, error) {
	_, total, ok := strings.Cut(v, "/")
	if !ok {
		return 0, fmt.Errorf("malformed Content-Range %q", v)
	}

	if total == "*" {
		return -1, nil
	}

	n, err := strconv.Atoi(total)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Range total %q: %w", v, err)
	}

	return n, nil
}
