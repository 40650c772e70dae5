package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/budget"
	"github.com/sells-group/tender-intel/internal/monitoring"
	"github.com/sells-group/tender-intel/internal/notify"
	"github.com/sells-group/tender-intel/internal/pipeline"
	"github.com/sells-group/tender-intel/internal/resilience"
	"github.com/sells-group/tender-intel/internal/scheduler"
	"github.com/sells-group/tender-intel/internal/stage"
	"github.com/sells-group/tender-intel/internal/store"
	anthropicpkg "github.com/sells-group/tender-intel/pkg/anthropic"
)

// appEnv holds the initialized store, budget tracker, scheduler, and
// collector shared by the run/serve commands.
type appEnv struct {
	Store     store.Store
	Tracker   *budget.Tracker
	Scheduler *scheduler.Scheduler
	Collector *monitoring.Collector
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Scheduler != nil {
		e.Scheduler.Stop()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "tender-intel.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv sets up the store, budget tracker, stage adapters, and the
// scheduler. Callers start the scheduler themselves and defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic API key is required (TENDER_ANTHROPIC_KEY)")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	tracker := budget.NewTracker(cfg.Budget.CeilingUSD,
		budget.WithWindow(time.Duration(cfg.Budget.WindowMinutes)*time.Minute))
	calc := budget.NewCalculator(budget.DefaultRates())

	requirements, err := stage.LoadRequirements(cfg.Requirements)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	strategic := stage.NewStrategicAdapter(anthropicClient, tracker, calc, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)

	adapters := []stage.Adapter{
		stage.NewExtractAdapter(stage.FileSource{}, cfg.Stages.MaxExtractBytes),
		stage.NewEntityAdapter(requirements),
		scheduler.NewLLMGate(strategic, cfg.Scheduler.MaxConcurrentLLM, cfg.Scheduler.LLMRatePerMinute),
	}
	exec := stage.NewExecutor(adapters, cfg.Stages, tracker, calc, cfg.Budget.StrategicEstUSD)

	scoring, err := pipeline.NewScoringEngine(cfg.Scoring)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var notifier notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, time.Duration(cfg.Notify.TimeoutSecs)*time.Second)
		zap.L().Info("webhook notifications enabled")
	}

	retry := resilience.DefaultRetryConfig()
	if cfg.Stages.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Stages.MaxAttempts
	}
	sched := scheduler.New(st, exec, scoring, notifier, scheduler.Options{
		Workers:         cfg.Scheduler.Workers,
		JobTimeout:      time.Duration(cfg.Scheduler.JobTimeoutMinutes) * time.Minute,
		JanitorInterval: time.Duration(cfg.Scheduler.JanitorIntervalSecs) * time.Second,
		Retry:           retry,
	})

	return &appEnv{
		Store:     st,
		Tracker:   tracker,
		Scheduler: sched,
		Collector: monitoring.NewCollector(st, tracker),
	}, nil
}
