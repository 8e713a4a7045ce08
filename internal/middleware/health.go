package middleware

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// HealthStatus is the JSON body returned by HealthChecker.Handler.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	UptimeSec float64           `json:"uptime_seconds"`
}

// HealthChecker runs named dependency checks (database reachable, etc.) on
// demand and reports pass/fail for each.
type HealthChecker struct {
	mu        sync.RWMutex
	version   string
	startTime time.Time
	checks    map[string]func() error
}

// NewHealthChecker returns a HealthChecker tagging responses with version.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{version: version, startTime: time.Now(), checks: map[string]func() error{}}
}

// RegisterCheck adds or replaces a named dependency check.
func (h *HealthChecker) RegisterCheck(name string, check func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Handler runs every registered check and writes 200 if all pass, 503
// otherwise.
func (h *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		checks := make(map[string]func() error, len(h.checks))
		for name, check := range h.checks {
			checks[name] = check
		}
		h.mu.RUnlock()

		results := make(map[string]string, len(checks))
		healthy := true
		for name, check := range checks {
			if err := check(); err != nil {
				results[name] = err.Error()
				healthy = false
				continue
			}
			results[name] = "ok"
		}

		status := HealthStatus{
			Status:    "healthy",
			Timestamp: time.Now(),
			Version:   h.version,
			Checks:    results,
			UptimeSec: time.Since(h.startTime).Seconds(),
		}
		code := http.StatusOK
		if !healthy {
			status.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}

// LivenessHandler answers whether the process is up at all, independent of
// dependency health.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

// ReadinessHandler answers whether the process should receive traffic,
// driven by the caller flipping *ready once startup finishes.
func ReadinessHandler(ready *bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ready == nil || !*ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}

// RuntimeStats reports process-level figures useful on an ops dashboard.
func RuntimeStats() map[string]interface{} {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"alloc_bytes": mem.Alloc,
		"sys_bytes":   mem.Sys,
		"num_gc":      mem.NumGC,
		"go_version":  runtime.Version(),
		"num_cpu":     runtime.NumCPU(),
	}
}
