// Package scheduler owns job admission, the worker pool, and everything
// that keeps records from sticking around in non-terminal states.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/notify"
	"github.com/sells-group/tender-intel/internal/pipeline"
	"github.com/sells-group/tender-intel/internal/resilience"
	"github.com/sells-group/tender-intel/internal/stage"
	"github.com/sells-group/tender-intel/internal/store"
)

// queueCapacity bounds accepted-but-not-yet-running jobs.
const queueCapacity = 256

// JobStatus is the read-only view served to pollers.
type JobStatus struct {
	RecordID        string                `json:"record_id"`
	DocumentID      string                `json:"document_id"`
	State           model.JobState        `json:"state"`
	StagesCompleted int                   `json:"stages_completed"`
	StagesRequired  int                   `json:"stages_required"`
	LastError       string                `json:"last_error,omitempty"`
	Score           *model.CompositeScore `json:"score,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Options configures a Scheduler.
type Options struct {
	Workers         int
	JobTimeout      time.Duration
	JanitorInterval time.Duration
	Retry           resilience.RetryConfig
}

// Scheduler admits documents, fans jobs out over a bounded worker pool,
// resumes interrupted records on start, and stalls out records that stop
// advancing.
type Scheduler struct {
	store    store.Store
	exec     *stage.Executor
	scoring  *pipeline.ScoringEngine
	notifier notify.Notifier
	opts     Options

	queue chan *pipeline.Job

	mu   sync.Mutex
	jobs map[string]*pipeline.Job

	g      *errgroup.Group
	cancel context.CancelFunc
}

// New creates a Scheduler. The notifier may be nil, in which case terminal
// outcomes are logged.
func New(st store.Store, exec *stage.Executor, scoring *pipeline.ScoringEngine, notifier notify.Notifier, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 15 * time.Minute
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = 30 * time.Second
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Scheduler{
		store:    st,
		exec:     exec,
		scoring:  scoring,
		notifier: notifier,
		opts:     opts,
		queue:    make(chan *pipeline.Job, queueCapacity),
		jobs:     make(map[string]*pipeline.Job),
	}
}

// Start launches the worker pool and the stall janitor, then resumes any
// non-terminal records left over from a previous process.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.g, ctx = errgroup.WithContext(ctx)

	for i := 0; i < s.opts.Workers; i++ {
		s.g.Go(func() error { return s.worker(ctx) })
	}
	s.g.Go(func() error { return s.janitor(ctx) })

	if err := s.resume(ctx); err != nil {
		return err
	}

	zap.L().Info("scheduler: started",
		zap.Int("workers", s.opts.Workers),
		zap.Duration("job_timeout", s.opts.JobTimeout),
	)
	return nil
}

// Stop drains the scheduler: no new work is picked up and the call returns
// once in-flight jobs have finished.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.g != nil {
		_ = s.g.Wait()
	}
	zap.L().Info("scheduler: stopped")
}

// Submit admits a document for analysis and returns the new record id.
// Returns ConflictError while the document already has an active record,
// and InvalidInputError for submissions that cannot run at all.
func (s *Scheduler) Submit(ctx context.Context, doc model.Document) (string, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return "", &resilience.InvalidInputError{Reason: "document id is required"}
	}
	if strings.TrimSpace(doc.ContentRef) == "" {
		return "", &resilience.InvalidInputError{Reason: "document content reference is required"}
	}
	if doc.Size <= 0 {
		return "", &resilience.InvalidInputError{Reason: "document is empty"}
	}
	if !model.SupportedMimeType(doc.MimeType) {
		return "", &resilience.InvalidInputError{Reason: "unsupported media type " + doc.MimeType}
	}

	rec, err := s.store.CreateRecord(ctx, doc)
	if err != nil {
		return "", err
	}

	job := pipeline.NewJob(rec, s.store, s.exec, s.scoring, s.opts.Retry)
	if err := s.enqueue(ctx, job); err != nil {
		return "", err
	}

	zap.L().Info("scheduler: job submitted",
		zap.String("record_id", rec.ID),
		zap.String("document_id", doc.ID),
		zap.Int("version", rec.Version),
	)
	return rec.ID, nil
}

// Poll returns the current status of a record. Read-only and
// side-effect-free.
func (s *Scheduler) Poll(ctx context.Context, recordID string) (*JobStatus, error) {
	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	return statusOf(rec), nil
}

func statusOf(rec *model.AnalysisRecord) *JobStatus {
	return &JobStatus{
		RecordID:        rec.ID,
		DocumentID:      rec.Document.ID,
		State:           rec.State,
		StagesCompleted: rec.StagesCompleted(),
		StagesRequired:  len(model.StageOrder),
		LastError:       rec.Error,
		Score:           rec.Score,
		UpdatedAt:       rec.UpdatedAt,
	}
}

// Cancel requests cooperative cancellation of an active job. A queued or
// running job finishes its in-flight call first; the result is discarded.
func (s *Scheduler) Cancel(ctx context.Context, recordID string) error {
	s.mu.Lock()
	job, ok := s.jobs[recordID]
	s.mu.Unlock()
	if ok {
		job.Cancel()
		zap.L().Info("scheduler: cancellation requested", zap.String("record_id", recordID))
		return nil
	}

	// Not tracked by this process: flip the persisted record directly if it
	// is still active.
	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.State.Terminal() {
		return &resilience.InvalidInputError{Reason: "analysis " + recordID + " already finished"}
	}
	return s.store.TransitionState(ctx, recordID, model.StateCancelled, "")
}

// resume re-enqueues every non-terminal record so an interrupted pipeline
// continues from its last persisted stage.
func (s *Scheduler) resume(ctx context.Context) error {
	records, err := s.store.ListActiveRecords(ctx)
	if err != nil {
		return eris.Wrap(err, "scheduler: list records for resume")
	}

	for _, rec := range records {
		job := pipeline.NewJob(&rec, s.store, s.exec, s.scoring, s.opts.Retry)
		if err := s.enqueue(ctx, job); err != nil {
			return err
		}
		next, _ := rec.NextStage()
		zap.L().Info("scheduler: resuming interrupted analysis",
			zap.String("record_id", rec.ID),
			zap.String("document_id", rec.Document.ID),
			zap.String("next_stage", string(next)),
		)
	}
	return nil
}

func (s *Scheduler) enqueue(ctx context.Context, job *pipeline.Job) error {
	s.mu.Lock()
	s.jobs[job.RecordID()] = job
	s.mu.Unlock()

	select {
	case s.queue <- job:
		return nil
	case <-ctx.Done():
		s.forget(job.RecordID())
		return ctx.Err()
	default:
		s.forget(job.RecordID())
		return resilience.NewTransientError(eris.New("scheduler: queue full"), 0)
	}
}

func (s *Scheduler) forget(recordID string) {
	s.mu.Lock()
	delete(s.jobs, recordID)
	s.mu.Unlock()
}

// worker runs queued jobs to their terminal state, one at a time.
func (s *Scheduler) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-s.queue:
			s.runJob(ctx, job)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *pipeline.Job) {
	defer s.forget(job.RecordID())

	if err := job.Run(ctx); err != nil {
		// Driver failure, not a stage outcome: the record stays for the
		// janitor or the next resume.
		zap.L().Error("scheduler: job driver failed",
			zap.String("record_id", job.RecordID()),
			zap.Error(err),
		)
		return
	}

	rec, err := s.store.GetRecord(ctx, job.RecordID())
	if err != nil {
		zap.L().Error("scheduler: load finished record",
			zap.String("record_id", job.RecordID()),
			zap.Error(err),
		)
		return
	}
	if rec.State.Terminal() {
		if err := s.notifier.Notify(ctx, rec); err != nil {
			zap.L().Warn("scheduler: notification failed",
				zap.String("record_id", rec.ID),
				zap.Error(err),
			)
		}
	}
}

// janitor periodically fails records that have not advanced within the
// overall job timeout, so callers never observe an indefinite state.
func (s *Scheduler) janitor(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reapStalled(ctx)
		}
	}
}

func (s *Scheduler) reapStalled(ctx context.Context) {
	records, err := s.store.ListActiveRecords(ctx)
	if err != nil {
		zap.L().Warn("scheduler: janitor list failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, rec := range records {
		age := now.Sub(rec.UpdatedAt)
		if age < s.opts.JobTimeout {
			continue
		}

		stallErr := &resilience.StalledJobError{RecordID: rec.ID, Age: age}
		if err := s.store.TransitionState(ctx, rec.ID, model.StateFailed, resilience.Kind(stallErr)); err != nil {
			var tse *resilience.TerminalStateError
			if errors.As(err, &tse) {
				// Finished between the list and the update; nothing to reap.
				continue
			}
			zap.L().Warn("scheduler: janitor transition failed",
				zap.String("record_id", rec.ID),
				zap.Error(err),
			)
			continue
		}
		s.forget(rec.ID)
		zap.L().Warn("scheduler: stalled analysis failed by janitor",
			zap.String("record_id", rec.ID),
			zap.Duration("age", age),
		)
	}
}
