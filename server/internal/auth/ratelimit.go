package auth

import (
	"hash/fnv"
	"sync"
	"time"
)

// rateLimitShards bounds lock contention under concurrent auth checks from
// many dashboards at once — sharded by hash/fnv of the subject, the same
// sharded-cache idiom visible in the wider example pack's Redis-backed
// caches (streamspace, wisbric), reimplemented here for the in-process
// default.
const rateLimitShards = 32

// RateLimiter is a sliding-window request limiter keyed by an arbitrary
// subject string (user id or IP). The in-process implementation is the
// default; RedisRateLimiter (ratelimit_redis.go) is an optional drop-in for
// multi-instance deployments.
type RateLimiter interface {
	// Allow reports whether subject may make another request right now,
	// recording the attempt if so.
	Allow(subject string) bool
}

type window struct {
	mu    sync.Mutex
	hits  []time.Time
	limit int
	per   time.Duration
}

func (w *window) allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.per)
	kept := w.hits[:0]
	for _, t := range w.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.hits = kept

	if len(w.hits) >= w.limit {
		return false
	}
	w.hits = append(w.hits, now)
	return true
}

// rateLimitShard pairs a map of per-subject windows with its own mutex, so
// subjects hashing to different shards never contend with each other.
type rateLimitShard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// InMemoryRateLimiter shards subjects across rateLimitShards independently
// locked maps to keep lock contention low under concurrent connection
// attempts from many dashboards at once.
type InMemoryRateLimiter struct {
	limit  int
	per    time.Duration
	shards [rateLimitShards]*rateLimitShard
}

// NewInMemoryRateLimiter allows at most limit requests per subject in any
// rolling per duration.
func NewInMemoryRateLimiter(limit int, per time.Duration) *InMemoryRateLimiter {
	r := &InMemoryRateLimiter{limit: limit, per: per}
	for i := range r.shards {
		r.shards[i] = &rateLimitShard{windows: make(map[string]*window)}
	}
	return r
}

func (r *InMemoryRateLimiter) shardFor(subject string) *rateLimitShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))
	return r.shards[h.Sum32()%rateLimitShards]
}

// Allow implements RateLimiter.
func (r *InMemoryRateLimiter) Allow(subject string) bool {
	shard := r.shardFor(subject)

	shard.mu.Lock()
	w, ok := shard.windows[subject]
	if !ok {
		w = &window{limit: r.limit, per: r.per}
		shard.windows[subject] = w
	}
	shard.mu.Unlock()

	return w.allow(time.Now())
}
