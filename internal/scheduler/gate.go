package scheduler

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/stage"
)

// LLMGate caps concurrent strategic-stage calls and smooths their rate.
// Worker-pool parallelism bounds overall jobs; this gate additionally
// bounds the one expensive, provider-rate-limited stage. Jobs wait at the
// gate rather than failing.
type LLMGate struct {
	inner   stage.Adapter
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewLLMGate wraps an adapter with a concurrency cap and a per-minute rate
// limit. Non-positive values disable the respective control.
func NewLLMGate(inner stage.Adapter, maxConcurrent, perMinute int) *LLMGate {
	g := &LLMGate{inner: inner}
	if maxConcurrent > 0 {
		g.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	if perMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	}
	return g
}

func (g *LLMGate) Stage() model.StageID { return g.inner.Stage() }

func (g *LLMGate) Execute(ctx context.Context, doc model.Document, prior []model.StageResult) (model.StagePayload, error) {
	if g.sem != nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer g.sem.Release(1)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return g.inner.Execute(ctx, doc, prior)
}
