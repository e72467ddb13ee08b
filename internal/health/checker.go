// Package health aggregates readiness checks for the control plane.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"signalbeam.sh/internal/database"
	"signalbeam.sh/internal/events"
)

// Status classifies a check result.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is one named check result.
type Check struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report is the aggregate of all registered checks. Overall is the
// worst individual status.
type Report struct {
	Status    Status    `json:"status"`
	Checks    []Check   `json:"checks"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckFunc performs a single readiness check.
type CheckFunc func(ctx context.Context) Check

// Checker runs registered checks in parallel with a per-check timeout.
type Checker struct {
	mu        sync.RWMutex
	checks    map[string]CheckFunc
	timeout   time.Duration
	version   string
	startTime time.Time
}

// NewChecker creates an empty checker. version appears in every
// report.
func NewChecker(version string) *Checker {
	return &Checker{
		checks:    make(map[string]CheckFunc),
		timeout:   5 * time.Second,
		version:   version,
		startTime: time.Now(),
	}
}

// Register adds a named check. Re-registering a name replaces it.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Run executes all checks and aggregates the worst status.
func (c *Checker) Run(ctx context.Context) *Report {
	c.mu.RLock()
	fns := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		fns[name] = fn
	}
	c.mu.RUnlock()

	results := make(chan Check, len(fns))
	var wg sync.WaitGroup
	for name, fn := range fns {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			start := time.Now()
			check := fn(checkCtx)
			check.Name = name
			check.Duration = time.Since(start)
			results <- check
		}(name, fn)
	}
	wg.Wait()
	close(results)

	report := &Report{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    time.Since(c.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}
	for check := range results {
		report.Checks = append(report.Checks, check)
		if worse(check.Status, report.Status) {
			report.Status = check.Status
		}
	}
	return report
}

func worse(a, b Status) bool {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	return rank[a] > rank[b]
}

// DatabaseCheck pings the primary store.
func DatabaseCheck(db *database.DB) CheckFunc {
	return func(ctx context.Context) Check {
		if err := db.PingContext(ctx); err != nil {
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		}
		return Check{Status: StatusHealthy}
	}
}

// RedisCheck pings the event bus. The bus being down degrades the
// service but does not stop it: the outbox buffers events.
func RedisCheck(client *redis.Client) CheckFunc {
	return func(ctx context.Context) Check {
		if err := client.Ping(ctx).Err(); err != nil {
			return Check{Status: StatusDegraded, Message: err.Error()}
		}
		return Check{Status: StatusHealthy}
	}
}

// OutboxCheck reports degraded when unpublished events pile up past
// maxBacklog.
func OutboxCheck(relay *events.Relay, maxBacklog int) CheckFunc {
	return func(ctx context.Context) Check {
		pending, err := relay.PendingCount(ctx)
		if err != nil {
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		}
		if pending > maxBacklog {
			return Check{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d events pending (limit %d)", pending, maxBacklog),
			}
		}
		return Check{Status: StatusHealthy}
	}
}
