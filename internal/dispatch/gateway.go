// Package dispatch routes role-addressed model calls to providers under
// dual admission control, with pacing, retry with backoff, and
// exactly-once cost accounting.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/metrics"
	"github.com/fathomlabs/fathom/internal/mission"
	"github.com/fathomlabs/fathom/internal/pricing"
	"github.com/fathomlabs/fathom/internal/roles"
)

// ErrRetriesExhausted wraps the last transient failure after the
// configured attempts are spent.
var ErrRetriesExhausted = errors.New("model call retries exhausted")

// CallRecorder persists per-call accounting. The gateway is the only
// component that records cost; the dedup key keeps recording idempotent
// even if an upper layer replays the details.
type CallRecorder interface {
	RecordCall(ctx context.Context, missionID string, d mission.CallDetails) (bool, error)
}

// StatusChecker reports whether a mission may keep issuing external
// calls.
type StatusChecker interface {
	MissionLive(ctx context.Context, missionID string) (bool, error)
}

// Config holds gateway tuning.
type Config struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	GlobalMaxCalls int64         `mapstructure:"global_max_calls"`
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.GlobalMaxCalls <= 0 {
		c.GlobalMaxCalls = 16
	}
}

// CallSpec describes one role-addressed model call.
type CallSpec struct {
	Role        string
	Messages    []llm.Message
	Temperature float64
	MaxTokens   int
	ForceJSON   bool
	// DedupKey identifies the logical call across retries and caller
	// replays. Generated when empty.
	DedupKey string
}

// Gateway owns the global admission pool and provider routing.
type Gateway struct {
	providers *llm.Registry
	recorder  CallRecorder
	status    StatusChecker
	cfg       Config
	logger    *zap.Logger
	global    *semaphore.Weighted
	pacers    *pacerSet
}

// NewGateway builds the process-wide dispatch gateway.
func NewGateway(providers *llm.Registry, recorder CallRecorder, status StatusChecker, cfg Config, logger *zap.Logger) *Gateway {
	cfg.normalize()
	return &Gateway{
		providers: providers,
		recorder:  recorder,
		status:    status,
		cfg:       cfg,
		logger:    logger,
		global:    semaphore.NewWeighted(cfg.GlobalMaxCalls),
		pacers:    newPacerSet(),
	}
}

// ForMission binds the gateway to one mission's admission pool.
func (g *Gateway) ForMission(missionID string, maxConcurrent int) *MissionCaller {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &MissionCaller{
		gateway: g,
		mission: missionID,
		pool:    semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// MissionCaller issues calls for one mission. Every call holds both a
// mission token and a global token while in flight.
type MissionCaller struct {
	gateway *Gateway
	mission string
	pool    *semaphore.Weighted
}

// MissionID returns the bound mission.
func (mc *MissionCaller) MissionID() string { return mc.mission }

// Call dispatches one model call for the bound mission.
func (mc *MissionCaller) Call(ctx context.Context, spec CallSpec) (*llm.Result, *mission.CallDetails, error) {
	return mc.gateway.call(ctx, mc.mission, mc.pool, spec)
}

func (g *Gateway) call(ctx context.Context, missionID string, pool *semaphore.Weighted, spec CallSpec) (*llm.Result, *mission.CallDetails, error) {
	route, known := roles.Resolve(spec.Role)
	if !known {
		g.logger.Debug("No explicit route for role, using defaults",
			zap.String("role", spec.Role),
			zap.String("provider", route.Provider),
			zap.String("model", route.Model))
	}
	provider, ok := g.providers.Get(route.Provider)
	if !ok {
		return nil, nil, fmt.Errorf("no provider registered for %q (role %q)", route.Provider, spec.Role)
	}

	dedupKey := spec.DedupKey
	if dedupKey == "" {
		dedupKey = uuid.NewString()
	}

	req := llm.Request{
		Provider:    route.Provider,
		Model:       route.Model,
		Messages:    spec.Messages,
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
		ForceJSON:   spec.ForceJSON,
	}
	estimated := estimateTokens(spec.Messages, spec.MaxTokens)

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.ModelCallRetries.Inc()
			if err := g.sleepBackoff(ctx, attempt-1); err != nil {
				return nil, nil, err
			}
		}

		// A paused or stopped mission aborts before any charge.
		if err := g.checkLive(ctx, missionID); err != nil {
			return nil, nil, err
		}

		if err := g.pacers.wait(ctx, route.Provider, route.Tier, estimated); err != nil {
			return nil, nil, err
		}

		result, err := g.attempt(ctx, pool, provider, req)
		if err != nil {
			var terminal *llm.TerminalProviderError
			if errors.As(err, &terminal) {
				metrics.RecordModelCall(spec.Role, route.Provider, route.Model, "terminal", time.Since(start).Seconds(), 0, 0)
				return nil, nil, err
			}
			if ctx.Err() != nil {
				return nil, nil, g.haltOrContextErr(ctx, missionID)
			}
			lastErr = err
			g.logger.Warn("Model call attempt failed",
				zap.String("mission_id", missionID),
				zap.String("role", spec.Role),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		if result.Empty() && !route.AllowEmpty {
			lastErr = fmt.Errorf("empty result from %s/%s", route.Provider, route.Model)
			g.logger.Warn("Model returned empty result",
				zap.String("mission_id", missionID),
				zap.String("role", spec.Role),
				zap.Int("attempt", attempt+1))
			continue
		}

		details := &mission.CallDetails{
			DedupKey:     dedupKey,
			Role:         spec.Role,
			Provider:     route.Provider,
			Model:        route.Model,
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
			CostUSD:      pricing.CostForSplit(route.Provider, route.Model, result.Usage.InputTokens, result.Usage.OutputTokens),
			Attempts:     attempt + 1,
			Duration:     time.Since(start),
		}
		g.record(ctx, missionID, details)
		metrics.RecordModelCall(spec.Role, route.Provider, route.Model, "ok",
			time.Since(start).Seconds(),
			details.InputTokens+details.OutputTokens,
			details.CostUSD)
		return result, details, nil
	}

	metrics.RecordModelCall(spec.Role, route.Provider, route.Model, "exhausted", time.Since(start).Seconds(), 0, 0)
	if lastErr == nil {
		lastErr = errors.New("no attempt executed")
	}
	return nil, nil, fmt.Errorf("role %q after %d attempts: %w (last error: %v)",
		spec.Role, g.cfg.MaxAttempts, ErrRetriesExhausted, lastErr)
}

// attempt holds both admission tokens for the duration of one provider
// call.
func (g *Gateway) attempt(ctx context.Context, pool *semaphore.Weighted, provider llm.Provider, req llm.Request) (*llm.Result, error) {
	waitStart := time.Now()
	if err := pool.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer pool.Release(1)
	metrics.AdmissionWait.WithLabelValues("mission").Observe(time.Since(waitStart).Seconds())

	waitStart = time.Now()
	if err := g.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.global.Release(1)
	metrics.AdmissionWait.WithLabelValues("global").Observe(time.Since(waitStart).Seconds())

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()
	return provider.Complete(callCtx, req)
}

func (g *Gateway) checkLive(ctx context.Context, missionID string) error {
	live, err := g.status.MissionLive(ctx, missionID)
	if err != nil {
		// A status read failure must not block dispatch.
		g.logger.Warn("Mission status check failed",
			zap.String("mission_id", missionID), zap.Error(err))
		return nil
	}
	if !live {
		return mission.ErrHalted
	}
	return nil
}

// haltOrContextErr distinguishes "mission was paused/stopped and its
// context cancelled" from an unrelated caller cancellation.
func (g *Gateway) haltOrContextErr(ctx context.Context, missionID string) error {
	if live, err := g.status.MissionLive(context.WithoutCancel(ctx), missionID); err == nil && !live {
		return mission.ErrHalted
	}
	return ctx.Err()
}

// record persists accounting even when the caller's context has been
// cancelled after the provider already charged us.
func (g *Gateway) record(ctx context.Context, missionID string, d *mission.CallDetails) {
	recorded, err := g.recorder.RecordCall(context.WithoutCancel(ctx), missionID, *d)
	if err != nil {
		g.logger.Warn("Call accounting failed",
			zap.String("mission_id", missionID),
			zap.String("dedup_key", d.DedupKey),
			zap.Error(err))
		return
	}
	if !recorded {
		g.logger.Debug("Call already recorded, skipping",
			zap.String("dedup_key", d.DedupKey))
	}
}
