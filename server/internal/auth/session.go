package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/repository"
)

// SessionManager enforces a per-user concurrent-session cap and supports
// revoking a session independent of its token's natural expiry — grounded
// on the teacher's RefreshToken rotation discipline (auth/local.go), but
// tracking a live Session row per access token (keyed by jti) rather than a
// single rotating refresh token, since this spec needs to enumerate and
// revoke individual live sessions (e.g. "log out this dashboard tab").
type SessionManager struct {
	sessions   repository.SessionRepository
	maxPerUser int
}

// NewSessionManager constructs a SessionManager. maxPerUser <= 0 disables
// the cap.
func NewSessionManager(sessions repository.SessionRepository, maxPerUser int) *SessionManager {
	return &SessionManager{sessions: sessions, maxPerUser: maxPerUser}
}

// Open creates a new session for userID, evicting the oldest active session
// first if userID is already at the concurrent-session cap.
func (m *SessionManager) Open(ctx context.Context, userID, sessionID, fingerprint string, ttl time.Duration) error {
	if m.maxPerUser > 0 {
		now := time.Now()
		count, err := m.sessions.CountActiveForUser(ctx, userID, now)
		if err != nil {
			return fmt.Errorf("auth: session open: count active: %w", err)
		}
		if count >= int64(m.maxPerUser) {
			oldest, err := m.sessions.OldestActiveForUser(ctx, userID, now)
			if err != nil && err != repository.ErrNotFound {
				return fmt.Errorf("auth: session open: find oldest: %w", err)
			}
			if oldest != nil {
				if err := m.sessions.Revoke(ctx, oldest.TokenID); err != nil {
					return fmt.Errorf("auth: session open: evict oldest: %w", err)
				}
			}
		}
	}

	return m.sessions.Create(ctx, &db.Session{
		UserID:      userID,
		TokenID:     sessionID,
		Fingerprint: fingerprint,
		ExpiresAt:   time.Now().Add(ttl),
	})
}

// IsRevoked reports whether sessionID has been explicitly revoked or has
// expired. A missing session (never tracked, e.g. issued before this
// process started) is treated as not revoked — the JWT's own expiry is
// still authoritative in that case.
func (m *SessionManager) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	session, err := m.sessions.GetByTokenID(ctx, sessionID)
	if err != nil {
		if err == repository.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("auth: is revoked: %w", err)
	}
	if session.RevokedAt != nil {
		return true, nil
	}
	if time.Now().After(session.ExpiresAt) {
		return true, nil
	}
	return false, nil
}

// Revoke explicitly revokes sessionID, e.g. on logout.
func (m *SessionManager) Revoke(ctx context.Context, sessionID string) error {
	if err := m.sessions.Revoke(ctx, sessionID); err != nil {
		return fmt.Errorf("auth: revoke session: %w", err)
	}
	return nil
}

// PurgeExpired deletes sessions past their expiry, called periodically by
// the caller (e.g. alongside the liveness sweep) to bound table growth.
func (m *SessionManager) PurgeExpired(ctx context.Context) error {
	if _, err := m.sessions.DeleteExpired(ctx, time.Now()); err != nil {
		return fmt.Errorf("auth: purge expired sessions: %w", err)
	}
	return nil
}
