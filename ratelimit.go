package fidget

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter throttles requests per client IP with a token bucket. Each
// client gets an independent bucket that refills at Rate per second up
// to Burst. Register it with OnBeforeRequest(rl.BeforeRequest) to answer
// throttled clients with 429 before anything is sent upstream.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket

	// Rate is the number of requests permitted per second per client.
	Rate float64

	// Burst is the maximum number of requests a client can make in a
	// single burst before being throttled.
	Burst int

	// IdleTTL is how long an untouched bucket is kept. Defaults to 1
	// minute.
	IdleTTL time.Duration

	// Metrics records rejections, if set.
	Metrics *Metrics

	now       func() time.Time
	lastSweep time.Time
}

type tokenBucket struct {
	tokens   float64
	lastTime time.Time
}

// NewRateLimiter creates a per-client rate limiter. rate is
// requests/second, burst is the most tokens a client can accumulate.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		Rate:    rate,
		Burst:   burst,
		IdleTTL: time.Minute,
		now:     time.Now,
	}
}

// Allow reports whether a request from addr is permitted. addr may carry
// a port; buckets are keyed by host.
func (rl *RateLimiter) Allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweepLocked(now)

	b, ok := rl.buckets[host]
	if !ok {
		rl.buckets[host] = &tokenBucket{tokens: float64(rl.Burst) - 1, lastTime: now}
		return rl.Burst > 0
	}

	b.tokens += now.Sub(b.lastTime).Seconds() * rl.Rate
	if b.tokens > float64(rl.Burst) {
		b.tokens = float64(rl.Burst)
	}
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// BeforeRequest is a request handler that answers throttled clients with
// 429 Too Many Requests. CONNECT requests are not counted.
func (rl *RateLimiter) BeforeRequest(ctx context.Context, sess *Session) error {
	if sess.ClientAddr == nil || rl.Allow(sess.ClientAddr.String()) {
		return nil
	}
	if rl.Metrics != nil {
		rl.Metrics.RecordRateLimited()
	}
	sess.GenericResponse(http.StatusTooManyRequests, []byte("rate limit exceeded\n"),
		HeaderField{Name: "Retry-After", Value: "1"},
		HeaderField{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
	)
	return nil
}

// ClientCount returns the number of tracked clients.
func (rl *RateLimiter) ClientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// sweepLocked drops buckets idle for longer than IdleTTL. It runs at most
// once per IdleTTL.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	ttl := rl.IdleTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	if now.Sub(rl.lastSweep) < ttl {
		return
	}
	rl.lastSweep = now
	for key, b := range rl.buckets {
		if now.Sub(b.lastTime) > ttl {
			delete(rl.buckets, key)
		}
	}
}
