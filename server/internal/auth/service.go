package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetctl/fleetctl/shared/types"
)

// sessionTTL matches accessTokenDuration — a Session row tracks the same
// lifetime as the JWT it was opened alongside.
const sessionTTL = accessTokenDuration

// AuthenticatedSubject is what a successful Authenticate call returns: the
// identity and role the ws/api layer authorizes against.
type AuthenticatedSubject struct {
	UserID    string
	Role      types.UserRole
	SessionID string

	// RotatedToken is set when the presented token's remaining lifetime
	// dropped below the refresh threshold — callers on a live connection
	// (ws/agent.go, ws/dashboard.go) send it on as TOKEN_REFRESH so the
	// socket never has to be dropped purely to renew its credential.
	RotatedToken   string
	RotatedExpires time.Time
}

// Service is the single entry point the REST API and WebSocket upgrade
// handlers depend on for authentication — mirroring the teacher's
// AuthService as the one auth surface other packages call into, but
// composing a session manager, blacklist, and rate limiter instead of the
// teacher's local/OIDC provider pair, since this spec delegates credential
// verification to an external IdentityProvider entirely.
type Service struct {
	jwt         *JWTManager
	sessions    *SessionManager
	blacklist   Blacklist
	rateLimiter RateLimiter
	identity    IdentityProvider
}

// NewService constructs a Service from its collaborators.
func NewService(jwt *JWTManager, sessions *SessionManager, blacklist Blacklist, rateLimiter RateLimiter, identity IdentityProvider) *Service {
	return &Service{jwt: jwt, sessions: sessions, blacklist: blacklist, rateLimiter: rateLimiter, identity: identity}
}

// Authenticate verifies a bearer token on the hot path: local HS256 JWT
// parsing first (no network round trip), falling back to the external
// IdentityProvider only when the token does not parse as a locally-issued
// JWT at all. Every successful local-JWT path is additionally checked
// against the blacklist and the session table so a revoked session or
// logged-out token is rejected even while its JWT exp claim is still valid.
func (s *Service) Authenticate(ctx context.Context, rawToken, rateLimitKey string) (*AuthenticatedSubject, error) {
	if s.rateLimiter != nil && !s.rateLimiter.Allow(rateLimitKey) {
		return nil, ErrRateLimited
	}

	claims, err := s.jwt.ValidateAccessToken(rawToken)
	if err == nil {
		return s.finishLocal(ctx, claims)
	}
	if errors.Is(err, ErrTokenExpired) {
		return nil, ErrTokenExpired
	}

	// Not a valid local JWT at all (wrong issuer, wrong signing key, or not a
	// JWT structurally) — fall back to the external identity provider.
	if s.identity == nil {
		return nil, ErrTokenInvalid
	}
	remote, err := s.identity.Verify(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	return &AuthenticatedSubject{UserID: remote.UserID, Role: types.UserRole(remote.Role)}, nil
}

func (s *Service) finishLocal(ctx context.Context, claims *Claims) (*AuthenticatedSubject, error) {
	if s.blacklist != nil && s.blacklist.Contains(claims.ID) {
		return nil, ErrTokenBlacklisted
	}
	if s.sessions != nil {
		revoked, err := s.sessions.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("auth: authenticate: %w", err)
		}
		if revoked {
			return nil, ErrSessionRevoked
		}
	}
	subject := &AuthenticatedSubject{UserID: claims.UserID, Role: types.UserRole(claims.Role), SessionID: claims.ID}
	if s.jwt.NeedsRefresh(claims) {
		if rotated, expiresAt, err := s.jwt.Rotate(claims); err == nil {
			subject.RotatedToken = rotated
			subject.RotatedExpires = expiresAt
		}
	}
	return subject, nil
}

// IssueSession mints a new access token for userID/role, opens a tracked
// session for it (enforcing the per-user concurrency cap), and returns the
// signed token alongside its session id.
func (s *Service) IssueSession(ctx context.Context, userID string, role types.UserRole, fingerprint string) (token, sessionID string, err error) {
	sessionID = NewSessionID()
	token, err = s.jwt.GenerateAccessToken(userID, string(role), sessionID)
	if err != nil {
		return "", "", fmt.Errorf("auth: issue session: %w", err)
	}
	if s.sessions != nil {
		if err := s.sessions.Open(ctx, userID, sessionID, fingerprint, sessionTTL); err != nil {
			return "", "", fmt.Errorf("auth: issue session: %w", err)
		}
	}
	return token, sessionID, nil
}

// Logout revokes sessionID and blacklists it for the remainder of its
// natural JWT lifetime, so a single stolen-but-logged-out token cannot be
// replayed even if the session row were somehow missed.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if s.sessions != nil {
		if err := s.sessions.Revoke(ctx, sessionID); err != nil {
			return fmt.Errorf("auth: logout: %w", err)
		}
	}
	if s.blacklist != nil {
		s.blacklist.Add(sessionID, time.Now().Add(sessionTTL))
	}
	return nil
}

// Refresh exchanges a refresh token for a new token pair via the external
// identity provider.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if s.identity == nil {
		return nil, fmt.Errorf("auth: refresh: %w", ErrIdentityProviderUnavailable)
	}
	return s.identity.Refresh(ctx, refreshToken)
}
