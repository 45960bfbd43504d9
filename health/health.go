// Package health runs liveness checks over an endpoint's components
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is the outcome of a single check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one checker run
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Checker probes one component
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Registry holds checkers and runs them together
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
}

// RegistryOption configures the Registry
type RegistryOption func(*Registry)

// WithCheckTimeout bounds each individual check
func WithCheckTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		r.timeout = timeout
	}
}

// NewRegistry creates an empty checker registry
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		timeout: 5 * time.Second,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register adds a checker
func (r *Registry) Register(checker Checker) error {
	if checker == nil {
		return fmt.Errorf("checker cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.checkers {
		if existing.Name() == checker.Name() {
			return fmt.Errorf("checker %s already registered", checker.Name())
		}
	}
	r.checkers = append(r.checkers, checker)
	return nil
}

// Check runs every registered checker concurrently and returns the results
// in registration order
func (r *Registry) Check(ctx context.Context) []CheckResult {
	r.mu.RLock()
	checkers := make([]Checker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, checker := range checkers {
		wg.Add(1)
		go func(i int, checker Checker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			results[i] = checker.Check(checkCtx)
		}(i, checker)
	}
	wg.Wait()

	return results
}

// Overall reduces check results to a single status: unhealthy dominates,
// then degraded
func Overall(results []CheckResult) Status {
	overall := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}
