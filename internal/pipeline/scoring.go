package pipeline

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-intel/internal/config"
	"github.com/sells-group/tender-intel/internal/model"
)

// Normalization and margin constants for the scoring model.
const (
	// Critical-clause and compliance-flag counts saturate here: five or
	// more of either maxes out that risk sub-factor.
	clauseSaturation = 5.0
	flagSaturation   = 5.0

	// Maximum margin discount, in percentage points, at full competition.
	competitionDiscountMax = 15.0

	// Confidence completeness penalties. Missing optional signal lowers
	// confidence without zeroing it.
	penaltyNoEntities        = 0.10
	penaltyNoRecommendations = 0.05
	penaltyNoRequirements    = 0.05
	completenessFloor        = 0.5
)

const requiredStages = 3

// ScoringEngine derives the composite score set from accumulated stage
// payloads. It is pure: no I/O, no clock, no hidden state. Weights are
// fixed at construction and sum to 1.0.
type ScoringEngine struct {
	cfg config.ScoringConfig
}

// NewScoringEngine creates a ScoringEngine with the given weights. The
// weight sum is validated so a misconfigured engine cannot be built.
func NewScoringEngine(cfg config.ScoringConfig) (*ScoringEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BaseMarginPct <= 0 {
		return nil, eris.Errorf("pipeline: base margin must be positive, got %.2f", cfg.BaseMarginPct)
	}
	return &ScoringEngine{cfg: cfg}, nil
}

// Compute derives all four scores from the record's stage results. All
// scores are produced together; callers persist the whole set in one step.
// The record must have every stage in a succeeded or skipped state.
func (e *ScoringEngine) Compute(rec *model.AnalysisRecord) (model.CompositeScore, error) {
	var score model.CompositeScore

	for _, stageID := range model.StageOrder {
		if !rec.StageDone(stageID) {
			return score, eris.Errorf("pipeline: cannot score, stage %s not finished", stageID)
		}
	}

	entities := finalPayload[model.EntityPayload](rec, model.StageEntities)
	strategic := finalPayload[model.StrategicPayload](rec, model.StageStrategic)
	if strategic == nil {
		return score, eris.New("pipeline: cannot score without a strategic payload")
	}
	if entities == nil {
		// Skipped entities stage scores with the documented empty fallback.
		entities = &model.EntityPayload{}
	}

	score.RiskScore = e.riskScore(entities, strategic)
	score.SuccessProbability = e.successProbability(score.RiskScore, entities)
	score.PredictedMargin = e.predictedMargin(strategic)
	score.Confidence = e.confidence(rec, entities, strategic)

	if !score.MarginPlausible() {
		// Preserved unclamped for audit; flagged instead of discarded.
		score.Degraded = true
		score.DegradedReason = "implausible predicted margin"
	}
	if anySkipped(rec) {
		score.Degraded = true
		if score.DegradedReason == "" {
			score.DegradedReason = "stage skipped with fallback payload"
		}
	}

	return score, nil
}

// riskScore is the weighted sum of four sub-factors, each normalized to
// 0-100, clamped to [0,100].
func (e *ScoringEngine) riskScore(entities *model.EntityPayload, strategic *model.StrategicPayload) float64 {
	timeline := strategic.TimelinePressure * 100
	competition := strategic.CompetitionLevel * 100
	complexity := saturate(float64(len(entities.CriticalClauses)), clauseSaturation) * 100
	compliance := saturate(float64(len(entities.ComplianceFlags)), flagSaturation) * 100

	risk := e.cfg.TimelineWeight*timeline +
		e.cfg.CompetitionWeight*competition +
		e.cfg.ComplexityWeight*complexity +
		e.cfg.ComplianceWeight*compliance

	return clamp(risk, 0, 100)
}

// successProbability blends inverse risk with the capability-match signal.
func (e *ScoringEngine) successProbability(risk float64, entities *model.EntityPayload) float64 {
	capability := 0.0
	if entities.RequirementTotal > 0 {
		capability = float64(entities.RequirementMatches) / float64(entities.RequirementTotal) * 100
	}
	return clamp(0.6*(100-risk)+0.4*capability, 0, 100)
}

// predictedMargin shrinks the base margin by the estimated cost ratio and a
// competition discount. Deliberately unclamped: implausible values are
// flagged by Compute, not hidden.
func (e *ScoringEngine) predictedMargin(strategic *model.StrategicPayload) float64 {
	return e.cfg.BaseMarginPct*(1-strategic.CostRatioEstimate) -
		strategic.CompetitionLevel*competitionDiscountMax
}

// confidence is the stage success ratio scaled by a completeness factor
// that penalizes missing optional signal without zeroing the result.
func (e *ScoringEngine) confidence(rec *model.AnalysisRecord, entities *model.EntityPayload, strategic *model.StrategicPayload) float64 {
	succeeded := 0
	for _, stageID := range model.StageOrder {
		if res := rec.LatestResult(stageID); res != nil && res.Status == model.StageSucceeded {
			succeeded++
		}
	}

	completeness := 1.0
	if len(entities.Entities) == 0 {
		completeness -= penaltyNoEntities
	}
	if entities.RequirementTotal == 0 {
		completeness -= penaltyNoRequirements
	}
	if len(strategic.Recommendations) == 0 {
		completeness -= penaltyNoRecommendations
	}
	if completeness < completenessFloor {
		completeness = completenessFloor
	}

	return clamp(float64(succeeded)/requiredStages*completeness, 0, 1)
}

// finalPayload returns the payload of the stage's latest succeeded result,
// or nil when the stage was skipped or the payload has a different type.
func finalPayload[T model.StagePayload](rec *model.AnalysisRecord, stageID model.StageID) *T {
	res := rec.LatestResult(stageID)
	if res == nil || res.Status != model.StageSucceeded {
		return nil
	}
	if p, ok := res.Payload.(T); ok {
		return &p
	}
	return nil
}

func anySkipped(rec *model.AnalysisRecord) bool {
	for _, stageID := range model.StageOrder {
		if res := rec.LatestResult(stageID); res != nil && res.Status == model.StageSkipped {
			return true
		}
	}
	return false
}

func saturate(n, max float64) float64 {
	if n >= max {
		return 1
	}
	return n / max
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
