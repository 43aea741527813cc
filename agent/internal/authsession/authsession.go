// Package authsession implements wsclient.TokenSource over credstore: it
// hands out the currently stored bearer token and, when the server rejects
// it, exchanges the stored refresh token for a new pair via the server's
// REST refresh endpoint and persists the result.
//
// This is new relative to the teacher, which authenticated gRPC calls with
// a single static shared secret and never rotated credentials; it is
// grounded on server/internal/auth.Service.Refresh's token-pair exchange
// contract, implemented here as a plain net/http POST since the agent
// module does not import the server module.
package authsession

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fleetctl/fleetctl/agent/internal/credstore"
)

// ErrNoRefreshToken is returned by Refresh when no refresh token has ever
// been stored — the agent must be re-provisioned with a bootstrap token.
var ErrNoRefreshToken = errors.New("authsession: no refresh token available")

// tokenPair mirrors server/internal/auth.TokenPair's JSON shape. Duplicated
// rather than imported since the agent and server are separate Go modules.
type tokenPair struct {
	AccessToken            string    `json:"accessToken"`
	RefreshToken           string    `json:"refreshToken"`
	RefreshTokenExpiresAt  time.Time `json:"refreshTokenExpiresAt"`
}

// Session implements wsclient.TokenSource, backed by a credstore.Store and
// the server's POST /api/v1/auth/refresh endpoint.
type Session struct {
	store      credstore.Store
	refreshURL string
	httpClient *http.Client
}

// New creates a Session. refreshURL is the full REST URL for the refresh
// endpoint (e.g. "http://localhost:8080/api/v1/auth/refresh").
func New(store credstore.Store, refreshURL string) *Session {
	return &Session{store: store, refreshURL: refreshURL, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

// Bootstrap seeds the store with an initial token pair, used on first run
// when an operator provisions the agent with a freshly issued token.
func (s *Session) Bootstrap(accessToken, refreshToken string) error {
	if err := s.store.Set(credstore.KeyBearerToken, accessToken); err != nil {
		return fmt.Errorf("authsession: bootstrap access token: %w", err)
	}
	if refreshToken == "" {
		return nil
	}
	if err := s.store.Set(credstore.KeyRefreshToken, refreshToken); err != nil {
		return fmt.Errorf("authsession: bootstrap refresh token: %w", err)
	}
	return nil
}

// UpdateAccessToken implements wsclient.TokenUpdater: it persists a token
// pushed in-band via TOKEN_REFRESH, without touching the stored refresh
// token.
func (s *Session) UpdateAccessToken(ctx context.Context, token string) error {
	if err := s.store.Set(credstore.KeyBearerToken, token); err != nil {
		return fmt.Errorf("authsession: persist rotated access token: %w", err)
	}
	return nil
}

// Token implements wsclient.TokenSource.
func (s *Session) Token(ctx context.Context) (string, error) {
	token, err := s.store.Get(credstore.KeyBearerToken)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return "", fmt.Errorf("authsession: %w", ErrNoRefreshToken)
		}
		return "", err
	}
	return token, nil
}

// Refresh implements wsclient.TokenSource. It exchanges the stored refresh
// token for a new pair and persists both.
func (s *Session) Refresh(ctx context.Context) error {
	refreshToken, err := s.store.Get(credstore.KeyRefreshToken)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return ErrNoRefreshToken
		}
		return err
	}

	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return fmt.Errorf("authsession: marshal refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.refreshURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("authsession: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("authsession: refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authsession: refresh failed with status %d", resp.StatusCode)
	}

	var pair tokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return fmt.Errorf("authsession: decode refresh response: %w", err)
	}

	if err := s.store.Set(credstore.KeyBearerToken, pair.AccessToken); err != nil {
		return fmt.Errorf("authsession: persist access token: %w", err)
	}
	if pair.RefreshToken != "" {
		if err := s.store.Set(credstore.KeyRefreshToken, pair.RefreshToken); err != nil {
			return fmt.Errorf("authsession: persist refresh token: %w", err)
		}
	}
	return nil
}
