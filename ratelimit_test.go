package fidget

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is advanced by hand.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedLimiter(rate float64, burst int) (*RateLimiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(rate, burst)
	rl.now = clk.now
	return rl, clk
}

func TestRateLimiterBurst(t *testing.T) {
	rl, _ := newClockedLimiter(10, 5)

	for i := range 5 {
		if !rl.Allow("192.168.1.1:1234") {
			t.Fatalf("request %d denied inside the burst", i+1)
		}
	}
	if rl.Allow("192.168.1.1:1234") {
		t.Fatal("request beyond the burst was allowed")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl, clk := newClockedLimiter(100, 2)

	rl.Allow("10.0.0.1:5000")
	rl.Allow("10.0.0.1:5000")
	if rl.Allow("10.0.0.1:5000") {
		t.Fatal("bucket should be empty")
	}

	clk.advance(25 * time.Millisecond)
	if !rl.Allow("10.0.0.1:5000") {
		t.Fatal("request denied after refill")
	}

	// A long pause refills up to the burst and no further.
	clk.advance(time.Second)
	allowed := 0
	for range 10 {
		if rl.Allow("10.0.0.1:5000") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed %d after a long pause, want burst 2", allowed)
	}
}

func TestRateLimiterKeysByHost(t *testing.T) {
	rl, _ := newClockedLimiter(1, 1)

	tests := []struct {
		addr string
		want bool
	}{
		{"10.0.0.1:1", true},
		{"10.0.0.2:1", true},
		{"10.0.0.1:2", false},
		{"10.0.0.3", true},
		{"10.0.0.3", false},
	}
	for _, tt := range tests {
		if got := rl.Allow(tt.addr); got != tt.want {
			t.Errorf("Allow(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
	if n := rl.ClientCount(); n != 3 {
		t.Errorf("ClientCount = %d, want 3", n)
	}
}

func TestRateLimiterSweepsIdleBuckets(t *testing.T) {
	rl, clk := newClockedLimiter(10, 5)
	rl.IdleTTL = time.Minute

	rl.Allow("stale:1")
	clk.advance(90 * time.Second)
	rl.Allow("fresh:1")

	if n := rl.ClientCount(); n != 1 {
		t.Errorf("ClientCount = %d, want only the fresh client", n)
	}
}

func TestRateLimiterRejectsThroughProxy(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer origin.Close()

	s, ep := newTestProxy(t)
	s.Metrics = NewMetrics()
	rl := NewRateLimiter(0.001, 2)
	rl.Metrics = s.Metrics
	s.OnBeforeRequest(rl.BeforeRequest)
	startTestProxy(t, s)

	client := proxiedClient(ep, nil)
	var statuses []int
	for range 3 {
		resp, err := client.Get(origin.URL + "/")
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		_ = readBody(t, resp)
		statuses = append(statuses, resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests && resp.Header.Get("Retry-After") != "1" {
			t.Error("429 without Retry-After")
		}
	}

	want := []int{200, 200, 429}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
	if hits.Load() != 2 {
		t.Errorf("origin hit %d times, want 2", hits.Load())
	}
}
