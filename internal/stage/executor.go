package stage

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/budget"
	"github.com/sells-group/tender-intel/internal/config"
	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/resilience"
)

// Adapter executes one analysis stage against a document, consuming prior
// stage payloads as context.
type Adapter interface {
	Stage() model.StageID
	Execute(ctx context.Context, doc model.Document, prior []model.StageResult) (model.StagePayload, error)
}

// Executor runs a single stage attempt: budget authorization, the adapter
// call under the stage's timeout, latency measurement, and failure
// classification. It never touches the record; persisting results is the
// pipeline's job.
type Executor struct {
	adapters  map[model.StageID]Adapter
	timeouts  config.StagesConfig
	tracker   *budget.Tracker
	calc      *budget.Calculator
	llmEstUSD float64
	now       func() time.Time
}

// NewExecutor creates an Executor over the given adapters. llmEstUSD is the
// pre-call spend estimate for the strategic stage, checked against the
// budget ceiling before every attempt.
func NewExecutor(adapters []Adapter, timeouts config.StagesConfig, tracker *budget.Tracker, calc *budget.Calculator, llmEstUSD float64) *Executor {
	m := make(map[model.StageID]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Stage()] = a
	}
	return &Executor{
		adapters:  m,
		timeouts:  timeouts,
		tracker:   tracker,
		calc:      calc,
		llmEstUSD: llmEstUSD,
		now:       time.Now,
	}
}

// Run executes one attempt of the given stage. The returned StageResult is
// fully populated either way; the error carries the classified failure for
// the caller's retry decision.
func (e *Executor) Run(ctx context.Context, stageID model.StageID, doc model.Document, prior []model.StageResult, attempt int) (model.StageResult, error) {
	start := e.now()
	res := model.StageResult{
		Stage:     stageID,
		Attempt:   attempt,
		CreatedAt: start.UTC(),
	}

	adapter, ok := e.adapters[stageID]
	if !ok {
		err := eris.Errorf("stage: no adapter registered for %s", stageID)
		res.Status = model.StageFailed
		res.Error = err.Error()
		return res, err
	}

	if err := e.tracker.Authorize(e.estimate(stageID, doc)); err != nil {
		res.Status = model.StageFailed
		res.Error = err.Error()
		return res, err
	}

	stageCtx, cancel := context.WithTimeout(ctx, e.timeouts.Timeout(string(stageID)))
	defer cancel()

	payload, err := adapter.Execute(stageCtx, doc, prior)
	res.LatencyMS = e.now().Sub(start).Milliseconds()

	if err != nil {
		// A stage timeout is a transient service failure; cancellation of
		// the parent context is not and propagates untouched.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = resilience.NewTransientError(
				eris.Wrapf(err, "stage: %s timed out after %s", stageID, e.timeouts.Timeout(string(stageID))), 0)
		}
		res.Status = model.StageFailed
		res.Error = err.Error()
		zap.L().Warn("stage: attempt failed",
			zap.String("stage", string(stageID)),
			zap.String("document_id", doc.ID),
			zap.Int("attempt", attempt),
			zap.String("kind", resilience.Kind(err)),
			zap.Error(err),
		)
		return res, err
	}

	res.Status = model.StageSucceeded
	res.Payload = payload
	zap.L().Info("stage: attempt succeeded",
		zap.String("stage", string(stageID)),
		zap.String("document_id", doc.ID),
		zap.Int("attempt", attempt),
		zap.Int64("latency_ms", res.LatencyMS),
	)
	return res, nil
}

// estimate returns the pre-attempt spend estimate for a stage.
func (e *Executor) estimate(stageID model.StageID, doc model.Document) float64 {
	switch stageID {
	case model.StageExtract:
		return e.calc.Extraction(estimatePages(doc.Size))
	case model.StageEntities:
		return e.calc.Entities()
	case model.StageStrategic:
		return e.llmEstUSD
	default:
		return 0
	}
}

// estimatePages guesses the page count from the raw size; close enough for
// budget gating, the extraction payload carries the real count.
func estimatePages(size int64) int {
	const bytesPerPage = 4096
	pages := int(size / bytesPerPage)
	if pages < 1 {
		pages = 1
	}
	return pages
}
