package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tender-intel/internal/budget"
	"github.com/sells-group/tender-intel/internal/config"
	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/notify"
	"github.com/sells-group/tender-intel/internal/pipeline"
	"github.com/sells-group/tender-intel/internal/resilience"
	"github.com/sells-group/tender-intel/internal/stage"
	"github.com/sells-group/tender-intel/internal/store"
)

// stubAdapter runs a canned function as a stage.
type stubAdapter struct {
	id model.StageID
	fn func(ctx context.Context) (model.StagePayload, error)
}

func (s *stubAdapter) Stage() model.StageID { return s.id }

func (s *stubAdapter) Execute(ctx context.Context, _ model.Document, _ []model.StageResult) (model.StagePayload, error) {
	return s.fn(ctx)
}

func instantAdapters() []stage.Adapter {
	return []stage.Adapter{
		&stubAdapter{id: model.StageExtract, fn: func(context.Context) (model.StagePayload, error) {
			return model.ExtractPayload{Text: "body", PageCount: 1}, nil
		}},
		&stubAdapter{id: model.StageEntities, fn: func(context.Context) (model.StagePayload, error) {
			return model.EntityPayload{RequirementMatches: 3, RequirementTotal: 4,
				Entities: []model.Entity{{Text: "x", Kind: "org", Count: 1}}}, nil
		}},
		&stubAdapter{id: model.StageStrategic, fn: func(context.Context) (model.StagePayload, error) {
			return model.StrategicPayload{Summary: "fine", Recommendations: []string{"bid"}}, nil
		}},
	}
}

// recordingNotifier collects notified record ids.
type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *recordingNotifier) Notify(_ context.Context, rec *model.AnalysisRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, rec.ID)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ids)
}

func newScheduler(t *testing.T, adapters []stage.Adapter, notifier *recordingNotifier, opts Options) (*Scheduler, *store.SQLiteStore) {
	t.Helper()

	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	timeouts := config.StagesConfig{ExtractTimeoutSecs: 5, EntitiesTimeoutSecs: 5, StrategicTimeoutSecs: 5}
	exec := stage.NewExecutor(adapters, timeouts, budget.NewTracker(0), budget.NewCalculator(budget.DefaultRates()), 0.02)

	scoring, err := pipeline.NewScoringEngine(config.ScoringConfig{
		TimelineWeight: 0.30, CompetitionWeight: 0.25, ComplexityWeight: 0.25,
		ComplianceWeight: 0.20, BaseMarginPct: 35.0,
	})
	require.NoError(t, err)

	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, JitterFraction: 0}
	}
	var n notify.Notifier
	if notifier != nil {
		n = notifier
	}
	sched := New(s, exec, scoring, n, opts)
	return sched, s
}

func testDoc(id string) model.Document {
	return model.Document{ID: id, ContentRef: "/tmp/" + id + ".txt", MimeType: model.MimePlainText, Size: 64}
}

func waitForState(t *testing.T, s *store.SQLiteStore, recordID string, want model.JobState) *model.AnalysisRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := s.GetRecord(context.Background(), recordID)
		require.NoError(t, err)
		if rec.State == want {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("record %s never reached state %s", recordID, want)
	return nil
}

func TestScheduler_SubmitRunsToCompletion(t *testing.T) {
	notifier := &recordingNotifier{}
	sched, st := newScheduler(t, instantAdapters(), notifier, Options{Workers: 2})

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	id, err := sched.Submit(context.Background(), testDoc("doc-1"))
	require.NoError(t, err)

	rec := waitForState(t, st, id, model.StateCompleted)
	require.NotNil(t, rec.Score)

	status, err := sched.Poll(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, status.State)
	assert.Equal(t, 3, status.StagesCompleted)
	assert.Equal(t, 3, status.StagesRequired)

	deadline := time.Now().Add(time.Second)
	for notifier.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, notifier.count())
}

func TestScheduler_SubmitValidation(t *testing.T) {
	sched, _ := newScheduler(t, instantAdapters(), nil, Options{Workers: 1})

	var iie *resilience.InvalidInputError

	_, err := sched.Submit(context.Background(), model.Document{})
	assert.ErrorAs(t, err, &iie)

	doc := testDoc("doc-1")
	doc.Size = 0
	_, err = sched.Submit(context.Background(), doc)
	assert.ErrorAs(t, err, &iie)

	doc = testDoc("doc-1")
	doc.MimeType = "image/png"
	_, err = sched.Submit(context.Background(), doc)
	assert.ErrorAs(t, err, &iie)
}

func TestScheduler_DuplicateSubmissionConflicts(t *testing.T) {
	// No workers started: the first record stays active.
	sched, _ := newScheduler(t, instantAdapters(), nil, Options{Workers: 1})

	_, err := sched.Submit(context.Background(), testDoc("doc-1"))
	require.NoError(t, err)

	_, err = sched.Submit(context.Background(), testDoc("doc-1"))
	var ce *resilience.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "doc-1", ce.DocumentID)
}

func TestScheduler_CancelQueuedJob(t *testing.T) {
	sched, st := newScheduler(t, instantAdapters(), nil, Options{Workers: 1})

	// Submit before Start so the job sits in the queue.
	id, err := sched.Submit(context.Background(), testDoc("doc-1"))
	require.NoError(t, err)
	require.NoError(t, sched.Cancel(context.Background(), id))

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	rec := waitForState(t, st, id, model.StateCancelled)
	assert.Empty(t, rec.Stages, "no stage ran for a pre-cancelled job")
}

func TestScheduler_CancelUntrackedRecord(t *testing.T) {
	sched, st := newScheduler(t, instantAdapters(), nil, Options{Workers: 1})

	rec, err := st.CreateRecord(context.Background(), testDoc("doc-1"))
	require.NoError(t, err)

	require.NoError(t, sched.Cancel(context.Background(), rec.ID))
	got, err := st.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, got.State)

	// Terminal records cannot be cancelled again.
	var iie *resilience.InvalidInputError
	assert.ErrorAs(t, sched.Cancel(context.Background(), rec.ID), &iie)
}

func TestScheduler_ResumeOnStart(t *testing.T) {
	sched, st := newScheduler(t, instantAdapters(), nil, Options{Workers: 1})

	// A record left mid-flight by a previous process.
	rec, err := st.CreateRecord(context.Background(), testDoc("doc-1"))
	require.NoError(t, err)
	require.NoError(t, st.TransitionState(context.Background(), rec.ID, model.StateExtracting, ""))
	require.NoError(t, st.AppendStageResult(context.Background(), rec.ID, model.StageResult{
		Stage: model.StageExtract, Status: model.StageSucceeded, Attempt: 1,
		Payload:   model.ExtractPayload{Text: "body", PageCount: 1},
		CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	final := waitForState(t, st, rec.ID, model.StateCompleted)
	assert.Equal(t, 1, stageCount(final, model.StageExtract), "extraction must not re-run")
}

func TestScheduler_JanitorFailsStalledRecords(t *testing.T) {
	sched, st := newScheduler(t, instantAdapters(), nil, Options{
		Workers:         1,
		JobTimeout:      50 * time.Millisecond,
		JanitorInterval: 10 * time.Millisecond,
	})

	rec, err := st.CreateRecord(context.Background(), testDoc("doc-1"))
	require.NoError(t, err)
	require.NoError(t, st.TransitionState(context.Background(), rec.ID, model.StateAnalyzingNLP, ""))

	// Run only the janitor; no workers pick the record up.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.janitor(ctx) //nolint:errcheck

	final := waitForState(t, st, rec.ID, model.StateFailed)
	assert.Equal(t, resilience.KindStalled, final.Error)
}

func TestScheduler_ConcurrentSubmissions(t *testing.T) {
	notifier := &recordingNotifier{}
	sched, st := newScheduler(t, instantAdapters(), notifier, Options{Workers: 4})

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	ids := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		id, err := sched.Submit(context.Background(), testDoc("doc-"+string(rune('a'+i))))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		waitForState(t, st, id, model.StateCompleted)
	}
}

func TestLLMGate_CapsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := &stubAdapter{id: model.StageStrategic, fn: func(context.Context) (model.StagePayload, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return model.StrategicPayload{Summary: "ok"}, nil
	}}

	gate := NewLLMGate(slow, 2, 0)
	assert.Equal(t, model.StageStrategic, gate.Stage())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.Execute(context.Background(), model.Document{ID: "d"}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func stageCount(rec *model.AnalysisRecord, id model.StageID) int {
	n := 0
	for _, res := range rec.Stages {
		if res.Stage == id {
			n++
		}
	}
	return n
}
