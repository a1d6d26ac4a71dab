// Package ratelimiter bounds inbound channel ingest per message type.
package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TypeLimiter applies an independent token bucket per message type, so one
// chatty stream cannot starve the rest of the inbound pump. Idle buckets are
// swept periodically. A nil limiter allows everything.
type TypeLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	hits    uint64
}

type bucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
}

// New creates a per-type limiter; returns nil if args are invalid.
func New(perSecond float64, burst int, idleTTL time.Duration) *TypeLimiter {
	if perSecond <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &TypeLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: idleTTL,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether one token can be consumed for the message type at now.
// Blank types bypass limiting; they are rejected upstream as malformed anyway.
func (l *TypeLimiter) Allow(msgType string, now time.Time) bool {
	if l == nil {
		return true
	}
	msgType = strings.TrimSpace(msgType)
	if msgType == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[msgType]
	if !ok {
		b = &bucket{tokens: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[msgType] = b
	}
	b.lastSeen = now
	allowed := b.tokens.AllowN(now, 1)

	l.hits++
	if l.hits%256 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, k)
			}
		}
	}

	return allowed
}

// ActiveTypes reports how many message types currently hold a bucket.
func (l *TypeLimiter) ActiveTypes() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
