// Package monitoring builds point-in-time operational snapshots from the
// result store and the budget tracker.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-intel/internal/budget"
	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/store"
)

// Snapshot summarizes pipeline activity over a lookback window.
type Snapshot struct {
	Window        string                  `json:"window"`
	GeneratedAt   time.Time               `json:"generated_at"`
	TotalRecords  int                     `json:"total_records"`
	ByState       map[model.JobState]int  `json:"by_state"`
	FailureKinds  map[string]int          `json:"failure_kinds,omitempty"`
	FailRate      float64                 `json:"fail_rate"`
	DegradedCount int                     `json:"degraded_count"`
	AvgScores     *AvgScores              `json:"avg_scores,omitempty"`
	StageLatency  map[model.StageID]int64 `json:"stage_latency_ms,omitempty"`
	BudgetSpent   float64                 `json:"budget_spent_usd"`
	BudgetLeft    float64                 `json:"budget_remaining_usd"`
}

// AvgScores holds mean composite scores across scored records.
type AvgScores struct {
	Risk       float64 `json:"risk_score"`
	Success    float64 `json:"success_probability"`
	Margin     float64 `json:"predicted_margin"`
	Confidence float64 `json:"confidence"`
}

// Collector reads records and budget state to produce snapshots. Reads
// only; collecting a snapshot never mutates anything.
type Collector struct {
	store   store.Store
	tracker *budget.Tracker
}

// NewCollector creates a Collector.
func NewCollector(st store.Store, tracker *budget.Tracker) *Collector {
	return &Collector{store: st, tracker: tracker}
}

// Collect builds a snapshot of all records created within the lookback
// window.
func (c *Collector) Collect(ctx context.Context, lookback time.Duration) (*Snapshot, error) {
	records, err := c.store.ListRecords(ctx, store.RecordFilter{
		CreatedAfter: time.Now().UTC().Add(-lookback),
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list records")
	}

	snap := &Snapshot{
		Window:       lookback.String(),
		GeneratedAt:  time.Now().UTC(),
		TotalRecords: len(records),
		ByState:      make(map[model.JobState]int),
		BudgetSpent:  c.tracker.Spent(),
		BudgetLeft:   c.tracker.Remaining(),
	}

	var (
		scored     AvgScores
		scoredN    int
		terminal   int
		failed     int
		latencySum = make(map[model.StageID]int64)
		latencyN   = make(map[model.StageID]int64)
	)

	for _, rec := range records {
		snap.ByState[rec.State]++
		if rec.State.Terminal() {
			terminal++
		}
		if rec.State == model.StateFailed {
			failed++
			if rec.Error != "" {
				if snap.FailureKinds == nil {
					snap.FailureKinds = make(map[string]int)
				}
				snap.FailureKinds[rec.Error]++
			}
		}
		if rec.Score != nil {
			scored.Risk += rec.Score.RiskScore
			scored.Success += rec.Score.SuccessProbability
			scored.Margin += rec.Score.PredictedMargin
			scored.Confidence += rec.Score.Confidence
			scoredN++
			if rec.Score.Degraded {
				snap.DegradedCount++
			}
		}
		for _, res := range rec.Stages {
			latencySum[res.Stage] += res.LatencyMS
			latencyN[res.Stage]++
		}
	}

	if terminal > 0 {
		snap.FailRate = float64(failed) / float64(terminal)
	}
	if scoredN > 0 {
		snap.AvgScores = &AvgScores{
			Risk:       scored.Risk / float64(scoredN),
			Success:    scored.Success / float64(scoredN),
			Margin:     scored.Margin / float64(scoredN),
			Confidence: scored.Confidence / float64(scoredN),
		}
	}
	if len(latencyN) > 0 {
		snap.StageLatency = make(map[model.StageID]int64, len(latencyN))
		for stageID, n := range latencyN {
			snap.StageLatency[stageID] = latencySum[stageID] / n
		}
	}

	return snap, nil
}
