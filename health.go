package fidget

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker provides liveness and readiness probes for the engine.
// ProxyServer marks it alive and ready once every endpoint is listening and
// clears readiness when Stop begins.
type HealthChecker struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time

	mu     sync.RWMutex
	checks []ReadinessCheck
}

// ReadinessCheck is a named condition that must hold for the readiness
// probe to pass.
type ReadinessCheck struct {
	Name  string
	Check func() error
}

// HealthResponse is the JSON body returned by health endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
	}
}

// AddCheck registers an additional readiness condition.
func (h *HealthChecker) AddCheck(c ReadinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// SetAlive marks the engine as alive (liveness probe passes).
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// SetReady marks the engine as ready (readiness probe passes).
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsAlive returns true if the engine is alive.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// IsReady returns true if the engine is ready and every check passes.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load() && len(h.failures()) == 0
}

func (h *HealthChecker) failures() []string {
	h.mu.RLock()
	checks := h.checks
	h.mu.RUnlock()

	var out []string
	for _, c := range checks {
		if err := c.Check(); err != nil {
			out = append(out, fmt.Sprintf("%s: %v", c.Name, err))
		}
	}
	return out
}

// RootCertificateCheck fails until cm holds a root certificate.
func RootCertificateCheck(cm *CertManager) ReadinessCheck {
	return ReadinessCheck{
		Name: "root_certificate",
		Check: func() error {
			if cm == nil || cm.RootCertificate() == nil {
				return ErrNoRootCertificate
			}
			return nil
		},
	}
}

// ListenerCheck fails unless s is running with at least one endpoint.
func ListenerCheck(s *ProxyServer) ReadinessCheck {
	return ReadinessCheck{
		Name: "listeners",
		Check: func() error {
			if !s.IsRunning() {
				return ErrServerNotRunning
			}
			if len(s.Endpoints()) == 0 {
				return errors.New("no endpoints configured")
			}
			return nil
		},
	}
}

// HandleHealthz handles the /healthz liveness probe endpoint.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := HealthResponse{
		Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
	}

	if h.IsAlive() {
		resp.Status = "ok"
		w.WriteHeader(http.StatusOK)
	} else {
		resp.Status = "unavailable"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// HandleReadyz handles the /readyz readiness probe endpoint.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := HealthResponse{
		Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
	}

	if !h.ready.Load() {
		resp.Status = "not ready"
		resp.Reason = "proxy not yet ready"
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	if failures := h.failures(); len(failures) > 0 {
		resp.Status = "not ready"
		resp.Details = failures
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		resp.Status = "ok"
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(resp)
}
