package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// Pinger is anything that can verify connectivity with a round trip
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker probes a component through its Ping method
type PingChecker struct {
	name   string
	pinger Pinger
}

// NewPingChecker creates a ping-based checker
func NewPingChecker(name string, pinger Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: pinger}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if err := c.pinger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "ping failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "ping succeeded"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// GoroutineChecker flags runaway goroutine counts
type GoroutineChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewGoroutineChecker creates a goroutine count checker
func NewGoroutineChecker(warningThreshold, criticalThreshold int) *GoroutineChecker {
	return &GoroutineChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	goroutines := runtime.NumGoroutine()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	result.Details["goroutines"] = goroutines
	result.Details["memory_sys_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC

	switch {
	case goroutines >= c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines >= c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker wraps an arbitrary check function
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker from a function
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{name: name, checker: checker}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
	}

	status, message, err := c.checker(ctx)
	result.Status = status
	result.Message = message
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
