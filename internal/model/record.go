package model

import "time"

// JobState represents the current state of an analysis job.
type JobState string

const (
	StateQueued             JobState = "queued"
	StateExtracting         JobState = "extracting"
	StateAnalyzingNLP       JobState = "analyzing_nlp"
	StateAnalyzingStrategic JobState = "analyzing_strategic"
	StateScoring            JobState = "scoring"
	StateCompleted          JobState = "completed"
	StateFailed             JobState = "failed"
	StateCancelled          JobState = "cancelled"
)

// Terminal reports whether the state is final. Terminal records are
// read-only from the pipeline's perspective.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// StageFor returns the stage executed while in this state, or "" for states
// with no stage (queued, scoring, terminals).
func (s JobState) StageFor() StageID {
	switch s {
	case StateExtracting:
		return StageExtract
	case StateAnalyzingNLP:
		return StageEntities
	case StateAnalyzingStrategic:
		return StageStrategic
	default:
		return ""
	}
}

// StateFor returns the job state in which the given stage runs.
func StateFor(stage StageID) JobState {
	switch stage {
	case StageExtract:
		return StateExtracting
	case StageEntities:
		return StateAnalyzingNLP
	case StageStrategic:
		return StateAnalyzingStrategic
	default:
		return StateQueued
	}
}

// StageID identifies one discrete analysis stage.
type StageID string

const (
	StageExtract   StageID = "extract"
	StageEntities  StageID = "entities"
	StageStrategic StageID = "strategic"
)

// StageOrder is the required execution sequence. Later stages consume
// earlier stages' payloads as context.
var StageOrder = []StageID{StageExtract, StageEntities, StageStrategic}

// StageStatus represents the outcome of a single stage attempt.
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// StageResult records one attempt at a stage. Results are append-only
// within an AnalysisRecord: a retried stage appends a new StageResult
// rather than overwriting the prior attempt.
type StageResult struct {
	Stage     StageID      `json:"stage"`
	Status    StageStatus  `json:"status"`
	Payload   StagePayload `json:"payload,omitempty"`
	Attempt   int          `json:"attempt"`
	LatencyMS int64        `json:"latency_ms"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// AnalysisRecord is the durable, versioned record of one pipeline run over
// a document. At most one record per document may be non-terminal at any
// instant.
type AnalysisRecord struct {
	ID        string          `json:"id"`
	Document  Document        `json:"document"`
	State     JobState        `json:"state"`
	Version   int             `json:"version"`
	Stages    []StageResult   `json:"stages,omitempty"`
	Score     *CompositeScore `json:"score,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LatestResult returns the most recent StageResult for the given stage, or
// nil if the stage has not been attempted.
func (r *AnalysisRecord) LatestResult(stage StageID) *StageResult {
	for i := len(r.Stages) - 1; i >= 0; i-- {
		if r.Stages[i].Stage == stage {
			return &r.Stages[i]
		}
	}
	return nil
}

// StageDone reports whether the stage has a succeeded or skipped result.
func (r *AnalysisRecord) StageDone(stage StageID) bool {
	res := r.LatestResult(stage)
	return res != nil && (res.Status == StageSucceeded || res.Status == StageSkipped)
}

// NextStage returns the first stage in StageOrder without a succeeded or
// skipped result, and false when every stage is done. Resume after a crash
// continues from here rather than from scratch.
func (r *AnalysisRecord) NextStage() (StageID, bool) {
	for _, stage := range StageOrder {
		if !r.StageDone(stage) {
			return stage, true
		}
	}
	return "", false
}

// StagesCompleted counts stages with a succeeded or skipped result.
func (r *AnalysisRecord) StagesCompleted() int {
	n := 0
	for _, stage := range StageOrder {
		if r.StageDone(stage) {
			n++
		}
	}
	return n
}
