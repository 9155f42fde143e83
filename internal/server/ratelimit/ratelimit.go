// Package ratelimit provides per-client token bucket rate limiting for the reporting API.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleBucketTTL is how long an unused bucket is kept before cleanup drops it.
const idleBucketTTL = time.Hour

// bucket is one client's limiter on one endpoint.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// take consumes one token if available and reports the remaining count and the time the
// bucket will be full again.
func (b *bucket) take(now time.Time) (bool, int, time.Time) {
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)
	tokens := max(b.limiter.TokensAt(now), 0)
	reset := now
	if missing := float64(b.limiter.Burst()) - tokens; missing > 0 {
		secs := missing / float64(b.limiter.Limit())
		reset = now.Add(time.Duration(secs * float64(time.Second)))
	}
	return allowed, int(tokens), reset
}

// Info describes the limit applied to a request.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// Config configures a Limiter. A DefaultLimit of zero disables limiting for paths no
// rule matches.
type Config struct {
	DefaultLimit    int
	DefaultWindow   time.Duration
	Rules           []Rule
	CleanupInterval time.Duration
	Now             func() time.Time
}

// Limiter tracks one bucket per client, method and path.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	stop     chan struct{}
}

// NewLimiter creates a Limiter. When CleanupInterval is set a goroutine drops idle
// buckets until Stop is called.
func NewLimiter(cfg Config) *Limiter {
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	l := &Limiter{
		cfg:     cfg,
		now:     now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go l.cleanupLoop(cfg.CleanupInterval)
	}
	return l
}

// Allow consumes a token for the client on the given endpoint.
func (l *Limiter) Allow(clientID, method, path string) Info {
	limit, window, burst := l.cfg.DefaultLimit, l.cfg.DefaultWindow, l.cfg.DefaultLimit
	if rule := Match(method, path, l.cfg.Rules); rule != nil {
		limit, window, burst = rule.Limit, rule.Window, rule.Burst
	}
	if limit <= 0 {
		return Info{Allowed: true}
	}
	if window <= 0 {
		window = l.cfg.DefaultWindow
	}
	if burst <= 0 {
		burst = limit
	}

	now := l.now()
	key := clientID + " " + method + " " + path

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		every := window / time.Duration(limit)
		b = &bucket{limiter: rate.NewLimiter(rate.Every(every), burst), lastSeen: now}
		l.buckets[key] = b
	}
	allowed, remaining, reset := b.take(now)
	l.mu.Unlock()

	info := Info{Allowed: allowed, Limit: limit, Remaining: remaining, ResetTime: reset}
	if !allowed {
		// One token is enough to retry.
		info.RetryAfter = window / time.Duration(limit)
	}
	return info
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Cleanup drops buckets idle for longer than an hour.
func (l *Limiter) Cleanup() {
	cutoff := l.now().Add(-idleBucketTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

func (l *Limiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stop:
			return
		}
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
