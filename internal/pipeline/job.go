package pipeline

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/resilience"
	"github.com/sells-group/tender-intel/internal/stage"
	"github.com/sells-group/tender-intel/internal/store"
)

// Job drives one AnalysisRecord through the stage sequence to a terminal
// state. A Job owns its record exclusively; the only shared resources are
// the budget tracker and the LLM concurrency cap, both held by the
// executor and scheduler.
type Job struct {
	record    *model.AnalysisRecord
	store     store.Store
	exec      *stage.Executor
	scoring   *ScoringEngine
	retry     resilience.RetryConfig
	cancelled atomic.Bool
}

// NewJob builds a Job around a persisted record. The record may be fresh
// (queued) or mid-flight after a restart; Run continues from the first
// stage without a finished result either way.
func NewJob(rec *model.AnalysisRecord, st store.Store, exec *stage.Executor, scoring *ScoringEngine, retry resilience.RetryConfig) *Job {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = resilience.DefaultRetryConfig().MaxAttempts
	}
	return &Job{
		record:  rec,
		store:   st,
		exec:    exec,
		scoring: scoring,
		retry:   retry,
	}
}

// RecordID returns the id of the record this job drives.
func (j *Job) RecordID() string { return j.record.ID }

// Cancel requests cooperative cancellation. An in-flight stage call is not
// aborted, but its result is discarded on return and the job transitions
// to cancelled instead of advancing.
func (j *Job) Cancel() { j.cancelled.Store(true) }

// errSuperseded signals that the store refused a write because the record
// reached a terminal state under another writer (janitor stall verdict,
// external cancel). The job stops without treating it as a driver failure.
var errSuperseded = errors.New("pipeline: record terminal elsewhere")

// Run advances the record until it reaches a terminal state. The returned
// error reports driver-level problems (store failures, context
// cancellation); stage failures are terminal outcomes recorded on the
// record, not errors.
func (j *Job) Run(ctx context.Context) error {
	err := j.run(ctx)
	if errors.Is(err, errSuperseded) {
		return nil
	}
	return err
}

func (j *Job) run(ctx context.Context) error {
	if j.record.State.Terminal() {
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if j.cancelled.Load() {
			return j.transition(ctx, model.StateCancelled, "")
		}

		next, ok := j.record.NextStage()
		if !ok {
			return j.score(ctx)
		}

		if j.record.State != model.StateFor(next) {
			if err := j.transition(ctx, model.StateFor(next), ""); err != nil {
				return err
			}
		}

		done, err := j.runStage(ctx, next)
		if err != nil {
			return err
		}
		if !done {
			// Stage exhausted its attempts or failed hard; the record is
			// already terminal.
			return nil
		}
	}
}

// runStage executes one stage to completion: up to MaxAttempts attempts,
// each appended durably before the next begins. Returns done=true when the
// pipeline should continue to the following stage.
func (j *Job) runStage(ctx context.Context, stageID model.StageID) (bool, error) {
	logRetry := resilience.RetryLogger("pipeline", string(stageID))

	for attempt := 1; attempt <= j.retry.MaxAttempts; attempt++ {
		res, stageErr := j.exec.Run(ctx, stageID, j.record.Document, j.record.Stages, attempt)

		if j.cancelled.Load() {
			// The call's result arrived after cancellation: discard it.
			zap.L().Info("pipeline: discarding in-flight result after cancellation",
				zap.String("record_id", j.record.ID),
				zap.String("stage", string(stageID)),
			)
			return false, j.transition(ctx, model.StateCancelled, "")
		}
		if ctx.Err() != nil && errors.Is(stageErr, ctx.Err()) {
			return false, stageErr
		}

		if stageErr != nil && stageID == model.StageEntities {
			if skipped := allowedSkip(res, stageErr); skipped != nil {
				res = *skipped
				stageErr = nil
			}
		}

		if err := j.persistResult(ctx, res); err != nil {
			return false, err
		}

		if stageErr == nil {
			return true, nil
		}

		if resilience.IsTransient(stageErr) && attempt < j.retry.MaxAttempts {
			logRetry(attempt, stageErr)
			if err := resilience.Sleep(ctx, j.retry.Backoff(attempt-1)); err != nil {
				return false, err
			}
			continue
		}

		// Non-retryable failure or retry budget exhausted: the job fails
		// with the stage's classified reason.
		zap.L().Error("pipeline: stage failed terminally",
			zap.String("record_id", j.record.ID),
			zap.String("stage", string(stageID)),
			zap.Int("attempts", attempt),
			zap.String("kind", resilience.Kind(stageErr)),
		)
		return false, j.transition(ctx, model.StateFailed, resilience.Kind(stageErr))
	}

	return false, j.transition(ctx, model.StateFailed, resilience.KindTransient)
}

// allowedSkip converts an entities-stage failure on an unanalyzable text
// into a skipped result with the documented empty fallback payload. Other
// failure kinds do not qualify.
func allowedSkip(res model.StageResult, err error) *model.StageResult {
	var ide *resilience.InvalidDocumentError
	if !errors.As(err, &ide) {
		return nil
	}
	res.Status = model.StageSkipped
	res.Payload = model.EntityPayload{}
	res.Error = ide.Reason
	return &res
}

// score runs the scoring engine and persists the full score set in one
// step, then completes the job.
func (j *Job) score(ctx context.Context) error {
	if err := j.transition(ctx, model.StateScoring, ""); err != nil {
		return err
	}
	if j.cancelled.Load() {
		return j.transition(ctx, model.StateCancelled, "")
	}

	score, err := j.scoring.Compute(j.record)
	if err != nil {
		zap.L().Error("pipeline: scoring failed",
			zap.String("record_id", j.record.ID),
			zap.Error(err),
		)
		return j.transition(ctx, model.StateFailed, resilience.Kind(err))
	}

	if err := j.store.SetCompositeScore(ctx, j.record.ID, score); err != nil {
		return j.superseded(err)
	}
	j.record.Score = &score

	if err := j.transition(ctx, model.StateCompleted, ""); err != nil {
		return err
	}

	zap.L().Info("pipeline: analysis completed",
		zap.String("record_id", j.record.ID),
		zap.String("document_id", j.record.Document.ID),
		zap.Float64("risk_score", score.RiskScore),
		zap.Float64("success_probability", score.SuccessProbability),
		zap.Float64("predicted_margin", score.PredictedMargin),
		zap.Float64("confidence", score.Confidence),
		zap.Bool("degraded", score.Degraded),
	)
	return nil
}

// persistResult appends the stage result durably before the pipeline moves
// on, and mirrors it onto the in-memory record.
func (j *Job) persistResult(ctx context.Context, res model.StageResult) error {
	if err := j.store.AppendStageResult(ctx, j.record.ID, res); err != nil {
		return j.superseded(err)
	}
	j.record.Stages = append(j.record.Stages, res)
	return nil
}

func (j *Job) transition(ctx context.Context, state model.JobState, reason string) error {
	if err := j.store.TransitionState(ctx, j.record.ID, state, reason); err != nil {
		return j.superseded(err)
	}
	j.record.State = state
	if state == model.StateFailed {
		j.record.Error = reason
	}
	return nil
}

// superseded converts a terminal-state refusal into errSuperseded so the
// driver abandons the record instead of reporting a failure. Other store
// errors pass through unchanged.
func (j *Job) superseded(err error) error {
	var tse *resilience.TerminalStateError
	if !errors.As(err, &tse) {
		return err
	}
	zap.L().Warn("pipeline: record finished elsewhere, abandoning job",
		zap.String("record_id", j.record.ID),
		zap.String("state", tse.State),
	)
	j.record.State = model.JobState(tse.State)
	return errSuperseded
}
