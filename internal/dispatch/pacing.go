package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/ratecontrol"
)

// pacer enforces one provider+tier pair's request and token rates.
// Bursts up to a tenth of the minute budget pass without waiting.
type pacer struct {
	requests   *rate.Limiter
	tokens     *rate.Limiter
	tokenBurst int
}

type pacerSet struct {
	mu     sync.Mutex
	pacers map[string]*pacer
}

func newPacerSet() *pacerSet {
	return &pacerSet{pacers: make(map[string]*pacer)}
}

func (ps *pacerSet) forRoute(provider, tier string) *pacer {
	key := provider + "/" + tier
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, ok := ps.pacers[key]; ok {
		return p
	}

	lim := ratecontrol.Combine(ratecontrol.ForProvider(provider), ratecontrol.ForTier(tier))
	p := &pacer{}
	if lim.RPM > 0 {
		burst := lim.RPM / 10
		if burst < 1 {
			burst = 1
		}
		p.requests = rate.NewLimiter(rate.Limit(float64(lim.RPM)/60.0), burst)
	}
	if lim.TPM > 0 {
		p.tokens = rate.NewLimiter(rate.Limit(float64(lim.TPM)/60.0), lim.TPM)
		p.tokenBurst = lim.TPM
	}
	ps.pacers[key] = p
	return p
}

func (ps *pacerSet) wait(ctx context.Context, provider, tier string, estimatedTokens int) error {
	p := ps.forRoute(provider, tier)
	if p.requests != nil {
		if err := p.requests.Wait(ctx); err != nil {
			return err
		}
	}
	if p.tokens != nil && estimatedTokens > 0 {
		n := estimatedTokens
		if n > p.tokenBurst {
			n = p.tokenBurst
		}
		if err := p.tokens.WaitN(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// estimateTokens sizes a request for pacing: roughly four characters
// per token of input plus the response budget.
func estimateTokens(messages []llm.Message, maxTokens int) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	est := chars/4 + maxTokens
	if est < 64 {
		est = 64
	}
	return est
}

// sleepBackoff waits base * 2^attempt plus up to half that again in
// jitter, honoring cancellation.
func (g *Gateway) sleepBackoff(ctx context.Context, attempt int) error {
	d := backoffDelay(g.cfg.BackoffBase, g.cfg.BackoffMax, attempt)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}
