package auth

import (
	"sync"
	"time"
)

// Blacklist tracks revoked token jtis until their natural expiry, at which
// point they are pruned — after expiry the JWT's own exp claim already
// rejects the token, so there is no need to remember it forever.
type Blacklist interface {
	// Add marks jti as revoked until expiresAt.
	Add(jti string, expiresAt time.Time)
	// Contains reports whether jti is currently blacklisted.
	Contains(jti string) bool
}

// InMemoryBlacklist is a mutex-guarded map with lazy expiry-on-read — an
// entry past its expiresAt is treated as absent and removed the next time
// it is touched, rather than run on a separate sweep goroutine.
type InMemoryBlacklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewInMemoryBlacklist returns an empty InMemoryBlacklist.
func NewInMemoryBlacklist() *InMemoryBlacklist {
	return &InMemoryBlacklist{entries: make(map[string]time.Time)}
}

// Add implements Blacklist.
func (b *InMemoryBlacklist) Add(jti string, expiresAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[jti] = expiresAt
}

// Contains implements Blacklist.
func (b *InMemoryBlacklist) Contains(jti string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	expiresAt, ok := b.entries[jti]
	if !ok {
		return false
	}
	if time.Now().After(expiresAt) {
		delete(b.entries, jti)
		return false
	}
	return true
}
