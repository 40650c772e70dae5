package stage

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tender-intel/internal/budget"
	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/resilience"
	"github.com/sells-group/tender-intel/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

const testModel = "claude-haiku-4-5-20251001"

func newStrategicAdapter(client anthropic.Client) (*StrategicAdapter, *budget.Tracker) {
	tracker := budget.NewTracker(0)
	calc := budget.NewCalculator(budget.DefaultRates())
	return NewStrategicAdapter(client, tracker, calc, testModel, 2048), tracker
}

func priorResults() []model.StageResult {
	return []model.StageResult{
		{
			Stage:   model.StageExtract,
			Status:  model.StageSucceeded,
			Payload: model.ExtractPayload{Text: sampleTender, PageCount: 2},
		},
		{
			Stage:  model.StageEntities,
			Status: model.StageSucceeded,
			Payload: model.EntityPayload{
				CriticalClauses:    []string{"liquidated damages"},
				RequirementMatches: 3,
				RequirementTotal:   4,
			},
		},
	}
}

func TestStrategicAdapter_Execute(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == testModel && len(req.System) == 1 && len(req.Messages) == 1
	})).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: `{
			"summary": "Competitive tender with heavy penalty exposure.",
			"cost_ratio_estimate": 0.72,
			"competition_level": 0.6,
			"timeline_pressure": 0.4,
			"recommendations": ["negotiate the liquidated damages cap"]
		}`}},
		StopReason: "end_turn",
		Usage:      anthropic.TokenUsage{InputTokens: 1200, OutputTokens: 180},
	}, nil)

	a, tracker := newStrategicAdapter(client)
	payload, err := a.Execute(context.Background(), model.Document{ID: "doc-1", Name: "tender.pdf"}, priorResults())
	require.NoError(t, err)

	sp, ok := payload.(model.StrategicPayload)
	require.True(t, ok)
	assert.Equal(t, 0.72, sp.CostRatioEstimate)
	assert.Equal(t, 0.6, sp.CompetitionLevel)
	assert.Len(t, sp.Recommendations, 1)

	// Actual token spend lands on the tracker.
	assert.Greater(t, tracker.Spent(), 0.0)
	client.AssertExpectations(t)
}

func TestStrategicAdapter_ClampsOutOfRangeSignals(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: "```json\n" +
			`{"summary": "ok", "cost_ratio_estimate": -0.5, "competition_level": 1.8, "timeline_pressure": -0.2}` +
			"\n```"}},
	}, nil)

	a, _ := newStrategicAdapter(client)
	payload, err := a.Execute(context.Background(), model.Document{ID: "doc-1"}, priorResults())
	require.NoError(t, err)

	sp := payload.(model.StrategicPayload)
	assert.Equal(t, 0.0, sp.CostRatioEstimate)
	assert.Equal(t, 1.0, sp.CompetitionLevel)
	assert.Equal(t, 0.0, sp.TimelinePressure)
}

func TestStrategicAdapter_MalformedResponseIsTransient(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: "I cannot produce JSON today."}},
	}, nil)

	a, _ := newStrategicAdapter(client)
	_, err := a.Execute(context.Background(), model.Document{ID: "doc-1"}, priorResults())
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestStrategicAdapter_CallErrors(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, eris.New("connection reset by peer")).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, eris.New("invalid request: prompt too long")).Once()

	a, _ := newStrategicAdapter(client)

	_, err := a.Execute(context.Background(), model.Document{ID: "doc-1"}, priorResults())
	assert.True(t, resilience.IsTransient(err))

	_, err = a.Execute(context.Background(), model.Document{ID: "doc-1"}, priorResults())
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestStrategicAdapter_RequiresExtractedText(t *testing.T) {
	a, _ := newStrategicAdapter(new(mockClient))

	_, err := a.Execute(context.Background(), model.Document{ID: "doc-1"}, nil)
	var ide *resilience.InvalidDocumentError
	assert.ErrorAs(t, err, &ide)
}

func TestParseStrategicResponse(t *testing.T) {
	_, err := parseStrategicResponse("no json here")
	assert.Error(t, err)

	_, err = parseStrategicResponse(`{"cost_ratio_estimate": 0.5}`)
	assert.Error(t, err, "missing summary is rejected")

	p, err := parseStrategicResponse(`prose before {"summary": "fine", "competition_level": 0.3} prose after`)
	require.NoError(t, err)
	assert.Equal(t, "fine", p.Summary)
}
