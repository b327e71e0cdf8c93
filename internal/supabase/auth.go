package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/crewplan/crewplan-sync/internal/sessionfile"
)

// refreshTimeout bounds a single refresh-token exchange. oauth2.TokenSource
// has no context parameter, so the bound is applied here.
const refreshTimeout = 15 * time.Second

// staticToken is a TokenSource that returns a fixed bearer value.
type staticToken string

func (t staticToken) Token() (string, error) {
	return string(t), nil
}

// AnonToken returns a TokenSource that authenticates as the anonymous role
// with the project api key. Row level security decides what it may read.
func AnonToken(apiKey string) TokenSource {
	return staticToken(apiKey)
}

// tokenResponse mirrors the auth service token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

// toToken converts the response into an oauth2.Token. expires_at wins over
// expires_in when both are present because it is immune to clock skew in
// transit.
func (r *tokenResponse) toToken(now time.Time) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
	}

	switch {
	case r.ExpiresAt > 0:
		tok.Expiry = time.Unix(r.ExpiresAt, 0)
	case r.ExpiresIn > 0:
		tok.Expiry = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	}

	return tok
}

// WithTokenSource returns a copy of the client that authenticates with ts.
func (c *Client) WithTokenSource(ts TokenSource) *Client {
	cp := *c
	cp.token = ts

	return &cp
}

// exchange posts to the token endpoint with the given grant. The request
// carries only the api key: the grant payload is the credential.
func (c *Client) exchange(ctx context.Context, grant string, payload any) (*tokenResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("supabase: encoding %s grant: %w", grant, err)
	}

	resp, err := c.doOnce(ctx, http.MethodPost, "/auth/v1/token?grant_type="+grant, body, nil, false)
	if err != nil {
		return nil, fmt.Errorf("supabase: %s grant: %w", grant, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supabase: %s grant: %w", grant, errorFromResponse(resp))
	}

	defer drainAndClose(resp)

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("supabase: decoding %s grant response: %w", grant, err)
	}

	if tr.AccessToken == "" {
		return nil, fmt.Errorf("supabase: %s grant returned no access token", grant)
	}

	return &tr, nil
}

// Login exchanges email and password for a session and saves it to
// sessionPath. The password is never stored.
func (c *Client) Login(ctx context.Context, email, password, sessionPath string) (*User, error) {
	c.logger.Info("starting password login", slog.String("email", email))

	tr, err := c.exchange(ctx, "password", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}

	meta := map[string]string{
		sessionfile.MetaEmail:   tr.User.Email,
		sessionfile.MetaUserID:  tr.User.ID,
		sessionfile.MetaProject: c.baseURL,
	}

	tok := tr.toToken(time.Now())
	if err := sessionfile.Save(sessionPath, tok, meta); err != nil {
		return nil, fmt.Errorf("supabase: saving session: %w", err)
	}

	c.logger.Info("login successful",
		slog.String("path", sessionPath),
		slog.Time("expiry", tok.Expiry),
	)

	u := tr.User

	return &u, nil
}

// Logout revokes the session server-side (best effort) and removes the
// session file.
func (c *Client) Logout(ctx context.Context, sessionPath string) error {
	resp, err := c.doOnce(ctx, http.MethodPost, "/auth/v1/logout", nil, nil, true)
	if err != nil {
		c.logger.Warn("server-side logout failed", slog.String("error", err.Error()))
	} else {
		drainAndClose(resp)
	}

	return sessionfile.Remove(sessionPath)
}

// refreshSource implements oauth2.TokenSource with the refresh_token grant.
// Refresh tokens rotate on every use, so the new pair is persisted before
// it is returned.
type refreshSource struct {
	client *Client
	path   string
	logger *slog.Logger

	mu           sync.Mutex
	refreshToken string
	meta         map[string]string
}

func (s *refreshSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	tr, err := s.client.exchange(ctx, "refresh_token", map[string]string{
		"refresh_token": s.refreshToken,
	})
	if err != nil {
		return nil, err
	}

	tok := tr.toToken(time.Now())
	s.refreshToken = tok.RefreshToken

	if saveErr := sessionfile.Save(s.path, tok, s.meta); saveErr != nil {
		// The in-memory pair is still good for this process.
		s.logger.Warn("failed to persist refreshed session",
			slog.String("path", s.path),
			slog.String("error", saveErr.Error()),
		)
	}

	s.logger.Debug("session refreshed", slog.Time("expiry", tok.Expiry))

	return tok, nil
}

// tokenBridge adapts oauth2.TokenSource to the client's TokenSource.
type tokenBridge struct {
	src    oauth2.TokenSource
	logger *slog.Logger
}

func (b *tokenBridge) Token() (string, error) {
	t, err := b.src.Token()
	if err != nil {
		b.logger.Warn("token acquisition failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("supabase: obtaining token: %w", err)
	}

	return t.AccessToken, nil
}

// SessionTokenSource loads the saved session at path and returns a
// TokenSource that refreshes it on expiry. Returns ErrNoSession when no
// session has been saved.
func (c *Client) SessionTokenSource(path string) (TokenSource, error) {
	tok, meta, err := sessionfile.Load(path)
	if err != nil {
		return nil, fmt.Errorf("supabase: loading session: %w", err)
	}

	if tok == nil {
		return nil, ErrNoSession
	}

	src := &refreshSource{
		client:       c,
		path:         path,
		logger:       c.logger,
		refreshToken: tok.RefreshToken,
		meta:         maps.Clone(meta),
	}

	return &tokenBridge{src: oauth2.ReuseTokenSource(tok, src), logger: c.logger}, nil
}
