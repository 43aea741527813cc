package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RemoteClaims is what the external identity provider hands back for a
// token it verified that did not parse as a locally-issued JWT (an opaque
// bearer token, or one issued by the provider directly).
type RemoteClaims struct {
	UserID string
	Role   string
}

// TokenPair is returned after a successful refresh.
type TokenPair struct {
	AccessToken           string
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// IdentityProvider is the external collaborator spec.md describes: the
// control plane does not own user credentials, it verifies bearer tokens
// against — and refreshes them through — an external identity service.
// Grounded on the teacher's OIDCFlowProvider shape (auth/provider.go),
// trimmed from a full OAuth2 authorization-code flow (no AuthorizationURL/
// ExchangeCode — this spec's dashboards already arrive with a bearer token)
// down to the two operations SPEC_FULL.md actually needs.
type IdentityProvider interface {
	// Verify checks a bearer token that failed local JWT parsing against the
	// external provider, used as a fallback so a provider-issued opaque
	// token still authenticates.
	Verify(ctx context.Context, token string) (*RemoteClaims, error)

	// Refresh exchanges a refresh token for a new token pair.
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// HTTPIdentityProvider is the default IdentityProvider, calling a
// configured external verify/refresh endpoint over HTTP — the out-of-
// process identity service SPEC_FULL.md assumes rather than implements.
type HTTPIdentityProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPIdentityProvider constructs an HTTPIdentityProvider targeting
// baseURL (expected to expose POST {baseURL}/verify and {baseURL}/refresh).
func NewHTTPIdentityProvider(baseURL string) *HTTPIdentityProvider {
	return &HTTPIdentityProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

func (p *HTTPIdentityProvider) Verify(ctx context.Context, token string) (*RemoteClaims, error) {
	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return nil, fmt.Errorf("auth: marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build verify request: %s", ErrIdentityProviderUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIdentityProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrTokenInvalid
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: verify returned status %d", ErrIdentityProviderUnavailable, resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode verify response: %s", ErrIdentityProviderUnavailable, err)
	}
	return &RemoteClaims{UserID: out.UserID, Role: out.Role}, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken           string    `json:"accessToken"`
	RefreshToken          string    `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}

func (p *HTTPIdentityProvider) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("auth: marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/refresh", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build refresh request: %s", ErrIdentityProviderUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIdentityProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrTokenExpired
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: refresh returned status %d", ErrIdentityProviderUnavailable, resp.StatusCode)
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode refresh response: %s", ErrIdentityProviderUnavailable, err)
	}
	return &TokenPair{
		AccessToken:           out.AccessToken,
		RefreshToken:          out.RefreshToken,
		RefreshTokenExpiresAt: out.RefreshTokenExpiresAt,
	}, nil
}
