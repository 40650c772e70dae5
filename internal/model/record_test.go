package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobState_Terminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StateQueued.Terminal())
	assert.False(t, StateExtracting.Terminal())
	assert.False(t, StateAnalyzingStrategic.Terminal())
}

func TestStateFor_RoundTrip(t *testing.T) {
	for _, stage := range StageOrder {
		assert.Equal(t, stage, StateFor(stage).StageFor())
	}
}

func TestNextStage_FreshRecord(t *testing.T) {
	r := &AnalysisRecord{State: StateQueued}
	stage, ok := r.NextStage()
	require.True(t, ok)
	assert.Equal(t, StageExtract, stage)
}

func TestNextStage_SkipsDoneAndFailedAttempts(t *testing.T) {
	r := &AnalysisRecord{
		Stages: []StageResult{
			{Stage: StageExtract, Status: StageSucceeded, Attempt: 1},
			{Stage: StageEntities, Status: StageFailed, Attempt: 1},
			{Stage: StageEntities, Status: StageSucceeded, Attempt: 2},
		},
	}
	stage, ok := r.NextStage()
	require.True(t, ok)
	assert.Equal(t, StageStrategic, stage)
	assert.Equal(t, 2, r.StagesCompleted())
}

func TestNextStage_AllDone(t *testing.T) {
	r := &AnalysisRecord{
		Stages: []StageResult{
			{Stage: StageExtract, Status: StageSucceeded},
			{Stage: StageEntities, Status: StageSkipped},
			{Stage: StageStrategic, Status: StageSucceeded},
		},
	}
	_, ok := r.NextStage()
	assert.False(t, ok)
	assert.Equal(t, 3, r.StagesCompleted())
}

func TestLatestResult_ReturnsMostRecentAttempt(t *testing.T) {
	now := time.Now()
	r := &AnalysisRecord{
		Stages: []StageResult{
			{Stage: StageEntities, Status: StageFailed, Attempt: 1, CreatedAt: now},
			{Stage: StageEntities, Status: StageFailed, Attempt: 2, CreatedAt: now.Add(time.Second)},
		},
	}
	res := r.LatestResult(StageEntities)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Attempt)
	assert.Nil(t, r.LatestResult(StageExtract))
}

func TestPayloadRoundTrip(t *testing.T) {
	cases := []StagePayload{
		ExtractPayload{Text: "tender body", PageCount: 3},
		EntityPayload{
			Entities:           []Entity{{Text: "Acme Corp", Kind: "org", Count: 2}},
			CriticalClauses:    []string{"liquidated damages"},
			RequirementMatches: 3,
			RequirementTotal:   4,
		},
		StrategicPayload{Summary: "feasible", CostRatioEstimate: 0.72, CompetitionLevel: 0.4, TimelinePressure: 0.2},
	}
	for _, p := range cases {
		raw, err := MarshalPayload(p)
		require.NoError(t, err)
		got, err := UnmarshalPayload(raw)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestUnmarshalPayload_UnknownStage(t *testing.T) {
	_, err := UnmarshalPayload([]byte(`{"stage":"mystery","data":{}}`))
	assert.Error(t, err)
}

func TestUnmarshalPayload_Empty(t *testing.T) {
	p, err := UnmarshalPayload(nil)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestMarginPlausible(t *testing.T) {
	assert.True(t, CompositeScore{PredictedMargin: 12.5}.MarginPlausible())
	assert.True(t, CompositeScore{PredictedMargin: -50}.MarginPlausible())
	assert.False(t, CompositeScore{PredictedMargin: -51}.MarginPlausible())
	assert.False(t, CompositeScore{PredictedMargin: 180}.MarginPlausible())
}
