// Package health aggregates component liveness checks for the
// /healthz endpoint. Checks run in parallel under a shared timeout so
// one stuck dependency cannot hold the probe open.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

type funcChecker struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFunc wraps a plain function as a named checker.
func NewFunc(name string, fn func(ctx context.Context) error) Checker {
	return &funcChecker{name: name, fn: fn}
}

func (c *funcChecker) Name() string                    { return c.name }
func (c *funcChecker) Check(ctx context.Context) error { return c.fn(ctx) }

// NewDatabase probes a SQL handle.
func NewDatabase(db *sqlx.DB) Checker {
	return NewFunc("database", func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
}

// NewRedis probes a Redis connection.
func NewRedis(client *redis.Client) Checker {
	return NewFunc("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// Component is the probe outcome for one dependency.
type Component struct {
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

// Report is the aggregate probe outcome.
type Report struct {
	Status     string               `json:"status"`
	Components map[string]Component `json:"components,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
}

// Healthy reports whether every component passed.
func (r Report) Healthy() bool {
	return r.Status == "healthy"
}

// Health runs registered checkers on demand.
type Health struct {
	mu       sync.Mutex
	checkers []Checker
	timeout  time.Duration
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Health {
	return &Health{
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

// Register adds a checker. Safe to call while probes run.
func (h *Health) Register(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, c)
}

// Report probes every registered checker. A service with no checkers
// reports healthy: the process itself responding is the check.
func (h *Health) Report(ctx context.Context) Report {
	h.mu.Lock()
	checkers := make([]Checker, len(h.checkers))
	copy(checkers, h.checkers)
	h.mu.Unlock()

	rep := Report{
		Status:     "healthy",
		Components: make(map[string]Component, len(checkers)),
		Timestamp:  time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	type outcome struct {
		name string
		comp Component
	}
	results := make(chan outcome, len(checkers))

	var wg sync.WaitGroup
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			start := time.Now()
			err := c.Check(ctx)
			comp := Component{
				Status:     "healthy",
				DurationMS: float64(time.Since(start).Microseconds()) / 1000,
			}
			if err != nil {
				comp.Status = "unhealthy"
				comp.Error = err.Error()
			}
			results <- outcome{name: c.Name(), comp: comp}
		}(c)
	}
	wg.Wait()
	close(results)

	for res := range results {
		rep.Components[res.name] = res.comp
		if res.comp.Status != "healthy" {
			rep.Status = "unhealthy"
			h.logger.Warn("Health check failed",
				zap.String("component", res.name),
				zap.String("error", res.comp.Error),
			)
		}
	}
	return rep
}
