package observability

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthCheckFunc probes one dependency
type HealthCheckFunc func(ctx context.Context) error

type dependency struct {
	name     string
	check    HealthCheckFunc
	optional bool
}

// HealthChecker aggregates dependency probes into liveness and readiness
type HealthChecker struct {
	mu      sync.RWMutex
	deps    []dependency
	version string
	timeout time.Duration
}

// NewHealthChecker creates a checker reporting version in its status
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{version: version, timeout: 5 * time.Second}
}

// AddCheck registers a required dependency. A failure makes the service unready.
func (h *HealthChecker) AddCheck(name string, check HealthCheckFunc) {
	h.add(dependency{name: name, check: check})
}

// AddOptionalCheck registers a dependency whose failure only degrades the service
func (h *HealthChecker) AddOptionalCheck(name string, check HealthCheckFunc) {
	h.add(dependency{name: name, check: check, optional: true})
}

func (h *HealthChecker) add(d dependency) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deps = append(h.deps, d)
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Check runs every probe concurrently
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	deps := append([]dependency(nil), h.deps...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(deps)),
	}

	results := make([]DependencyStatus, len(deps))
	var wg sync.WaitGroup
	for i, d := range deps {
		wg.Add(1)
		go func(i int, d dependency) {
			defer wg.Done()
			start := time.Now()
			ds := DependencyStatus{Status: StatusHealthy, Timestamp: start}
			if err := d.check(ctx); err != nil {
				ds.Status = StatusUnhealthy
				ds.Message = err.Error()
			}
			ds.Latency = time.Since(start)
			results[i] = ds
		}(i, d)
	}
	wg.Wait()

	for i, d := range deps {
		status.Dependencies[d.name] = results[i]
		if results[i].Status != StatusUnhealthy {
			continue
		}
		if d.optional {
			if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		} else {
			status.Status = StatusUnhealthy
		}
	}
	return status
}

// Names lists the registered dependencies
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.deps))
	for _, d := range h.deps {
		names = append(names, d.name)
	}
	sort.Strings(names)
	return names
}

// Liveness always reports healthy while the process serves requests
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, HealthStatus{Status: StatusHealthy, Timestamp: time.Now(), Version: h.version})
}

// Readiness reports 503 when a required dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, status)
}

func writeHealth(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(router *mux.Router, checker *HealthChecker) {
	router.HandleFunc("/health", checker.Readiness).Methods(http.MethodGet)
	router.HandleFunc("/health/live", checker.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", checker.Readiness).Methods(http.MethodGet)
}
