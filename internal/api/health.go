package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// readinessTimeout is the per-dependency timeout for readiness checks.
const readinessTimeout = 2 * time.Second

// Build-time version information, set via -ldflags at build time:
//
//	go build -ldflags "-X api.Version=1.2.0 -X api.GitCommit=abc1234 -X api.BuildTime=2026-08-25T12:00:00Z"
var (
	Version   = "dev"     // Semantic version
	GitCommit = "unknown" // Git commit SHA
	BuildTime = "unknown" // ISO 8601 build timestamp
)

// HealthChecker verifies that a dependency is reachable and healthy.
// Implementations should be lightweight (Ping, SELECT 1, BucketExists).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a plain function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// CheckResult holds the outcome of a single dependency health check.
type CheckResult struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // human-readable error when status is "error"
}

// ReadinessResponse is the structured JSON returned by GET /health/ready.
type ReadinessResponse struct {
	Status string                 `json:"status"` // "ready" or "not_ready"
	Checks map[string]CheckResult `json:"checks"`
}

// HandleHealthLive is a lightweight liveness probe. Always returns 200.
func (s *Server) HandleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	})
}

// HandleHealthReady checks all registered dependencies and returns 200 when
// all are healthy, or 503 if any is down. Checks run concurrently, each with
// its own timeout.
func (s *Server) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	checkers := s.healthCheckers()

	// No dependencies configured — still ready (dev mode without backends).
	if len(checkers) == 0 {
		writeJSON(w, http.StatusOK, ReadinessResponse{
			Status: "ready",
			Checks: map[string]CheckResult{},
		})
		return
	}

	type result struct {
		name string
		res  CheckResult
	}
	results := make([]result, len(checkers))

	var wg sync.WaitGroup
	i := 0
	for name, checker := range checkers {
		wg.Add(1)
		go func(idx int, n string, c HealthChecker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			defer cancel()

			if err := c.HealthCheck(ctx); err != nil {
				results[idx] = result{name: n, res: CheckResult{Status: "error", Error: err.Error()}}
			} else {
				results[idx] = result{name: n, res: CheckResult{Status: "ok"}}
			}
		}(i, name, checker)
		i++
	}
	wg.Wait()

	checks := make(map[string]CheckResult, len(results))
	allOK := true
	for _, r := range results {
		checks[r.name] = r.res
		if r.res.Status != "ok" {
			allOK = false
		}
	}

	resp := ReadinessResponse{Checks: checks}
	if allOK {
		resp.Status = "ready"
		writeJSON(w, http.StatusOK, resp)
	} else {
		resp.Status = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
	}
}

// HandleHealth is the backward-compatible health endpoint, aliasing liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.HandleHealthLive(w, r)
}

// healthCheckers returns dependency name → checker for every configured
// backend. Dev/test servers with no backends return an empty map.
func (s *Server) healthCheckers() map[string]HealthChecker {
	checkers := make(map[string]HealthChecker)
	if s.DBHealth != nil {
		checkers["postgres"] = s.DBHealth
	}
	if s.QueueHealth != nil {
		checkers["redis"] = s.QueueHealth
	}
	if s.ObjectHealth != nil {
		checkers["object_store"] = s.ObjectHealth
	}
	return checkers
}

// HandleMetrics returns basic application metrics in Prometheus text
// exposition format, suitable for scraping.
func (s *Server) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP attractord_info Build information about attractord.\n")
	fmt.Fprintf(w, "# TYPE attractord_info gauge\n")
	fmt.Fprintf(w, "attractord_info{version=%q,git_commit=%q,go_version=%q} 1\n", Version, GitCommit, runtime.Version())

	fmt.Fprintf(w, "# HELP attractord_goroutines Number of goroutines.\n")
	fmt.Fprintf(w, "# TYPE attractord_goroutines gauge\n")
	fmt.Fprintf(w, "attractord_goroutines %d\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP attractord_memory_alloc_bytes Current memory allocation in bytes.\n")
	fmt.Fprintf(w, "# TYPE attractord_memory_alloc_bytes gauge\n")
	fmt.Fprintf(w, "attractord_memory_alloc_bytes %d\n", memStats.Alloc)

	fmt.Fprintf(w, "# HELP attractord_gc_completed_total Total number of completed GC cycles.\n")
	fmt.Fprintf(w, "# TYPE attractord_gc_completed_total counter\n")
	fmt.Fprintf(w, "attractord_gc_completed_total %d\n", memStats.NumGC)

	if s.SSELimiter != nil {
		fmt.Fprintf(w, "# HELP attractord_sse_connections_active Current number of active SSE connections.\n")
		fmt.Fprintf(w, "# TYPE attractord_sse_connections_active gauge\n")
		fmt.Fprintf(w, "attractord_sse_connections_active %d\n", s.SSELimiter.GlobalCount())
	}
}
