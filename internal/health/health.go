// Package health aggregates component checks into a single status served
// as JSON.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component or of the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DefaultTimeout bounds a single component check.
const DefaultTimeout = 2 * time.Second

// CheckFunc reports a component failure as a non-nil error.
type CheckFunc func(ctx context.Context) error

// Result is the outcome of one component check.
type Result struct {
	Status   Status        `json:"status"`
	Critical bool          `json:"critical"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

type component struct {
	critical bool
	check    CheckFunc
}

// Checker runs registered component checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]component
	timeout    time.Duration
	started    time.Time
}

// NewChecker creates a Checker with DefaultTimeout per check.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]component),
		timeout:    DefaultTimeout,
		started:    time.Now(),
	}
}

// RegisterFunc adds or replaces a named check. A failing critical check makes
// the process unhealthy; a failing non-critical one only degrades it.
func (c *Checker) RegisterFunc(name string, critical bool, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = component{critical: critical, check: fn}
}

// Check runs every component concurrently.
func (c *Checker) Check(ctx context.Context) map[string]Result {
	c.mu.RLock()
	components := make(map[string]component, len(c.components))
	for name, comp := range c.components {
		components[name] = comp
	}
	timeout := c.timeout
	c.mu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]Result, len(components))
	)
	for name, comp := range components {
		wg.Add(1)
		go func(name string, comp component) {
			defer wg.Done()

			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			err := comp.check(cctx)
			res := Result{Status: StatusHealthy, Critical: comp.critical, Duration: time.Since(start)}
			if err != nil {
				res.Status = StatusUnhealthy
				res.Error = err.Error()
			}

			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(name, comp)
	}
	wg.Wait()
	return results
}

// Aggregate folds component results into one status.
func Aggregate(results map[string]Result) Status {
	status := StatusHealthy
	for _, r := range results {
		if r.Status != StatusUnhealthy {
			continue
		}
		if r.Critical {
			return StatusUnhealthy
		}
		status = StatusDegraded
	}
	return status
}

// Response is the /healthz body.
type Response struct {
	Status     Status            `json:"status"`
	Uptime     string            `json:"uptime"`
	Components map[string]Result `json:"components,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Handler serves the aggregated status. Unhealthy answers 503; degraded
// still answers 200.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results := c.Check(r.Context())
		resp := Response{
			Status:     Aggregate(results),
			Uptime:     time.Since(c.started).Round(time.Second).String(),
			Components: results,
			Timestamp:  time.Now().UTC(),
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(resp)
	})
}
