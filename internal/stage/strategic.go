package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/budget"
	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/resilience"
	"github.com/sells-group/tender-intel/pkg/anthropic"
)

const strategicSystemPrompt = `You are a bid strategist for a contracting firm evaluating tender and vendor documents.
Given a document excerpt and the entities found in it, assess the commercial position.

Respond with ONLY a JSON object, no prose, matching exactly:
{
  "summary": "two or three sentence strategic assessment",
  "cost_ratio_estimate": 0.0,
  "competition_level": 0.0,
  "timeline_pressure": 0.0,
  "recommendations": ["short actionable recommendation"]
}

cost_ratio_estimate is estimated delivery cost divided by tender value (0.0-1.5).
competition_level and timeline_pressure are 0.0 (none) to 1.0 (extreme).`

// Cap the excerpt sent to the model. The extract stage already truncates,
// but the strategic prompt needs far less context than the NLP pass.
const strategicExcerptBytes = 24_000

// StrategicAdapter asks Claude for a strategic read of the document and
// records the actual token spend on the budget tracker.
type StrategicAdapter struct {
	client    anthropic.Client
	tracker   *budget.Tracker
	calc      *budget.Calculator
	model     string
	maxTokens int64
}

// NewStrategicAdapter creates the strategic-analysis adapter.
func NewStrategicAdapter(client anthropic.Client, tracker *budget.Tracker, calc *budget.Calculator, modelID string, maxTokens int64) *StrategicAdapter {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &StrategicAdapter{
		client:    client,
		tracker:   tracker,
		calc:      calc,
		model:     modelID,
		maxTokens: maxTokens,
	}
}

func (a *StrategicAdapter) Stage() model.StageID { return model.StageStrategic }

func (a *StrategicAdapter) Execute(ctx context.Context, doc model.Document, prior []model.StageResult) (model.StagePayload, error) {
	extract := latestPayload[model.ExtractPayload](prior, model.StageExtract)
	if extract == nil || strings.TrimSpace(extract.Text) == "" {
		return nil, &resilience.InvalidDocumentError{Reason: "strategic analysis requires extracted text"}
	}
	entities := latestPayload[model.EntityPayload](prior, model.StageEntities)

	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.SystemBlock{
			{Text: strategicSystemPrompt, CacheControl: &anthropic.CacheControl{TTL: "5m"}},
		},
		Messages: []anthropic.Message{
			{Role: "user", Content: buildStrategicPrompt(doc, extract, entities)},
		},
	})
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	cost := a.calc.Claude(a.model,
		resp.Usage.InputTokens, resp.Usage.OutputTokens,
		resp.Usage.CacheCreationInputTokens, resp.Usage.CacheReadInputTokens)
	a.tracker.Record(cost)
	zap.L().Debug("strategic: claude call",
		zap.String("document_id", doc.ID),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Float64("cost_usd", cost),
	)

	payload, err := parseStrategicResponse(resp.FirstText())
	if err != nil {
		// A malformed completion is worth one more generation attempt.
		return nil, resilience.NewTransientError(err, 0)
	}

	return payload, nil
}

func buildStrategicPrompt(doc model.Document, extract *model.ExtractPayload, entities *model.EntityPayload) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Document: %s (%s, %d pages)\n", docLabel(doc), doc.MimeType, extract.PageCount)

	if entities != nil {
		fmt.Fprintf(&b, "Requirement coverage: %d of %d reference requirements matched\n",
			entities.RequirementMatches, entities.RequirementTotal)
		if len(entities.CriticalClauses) > 0 {
			fmt.Fprintf(&b, "Critical clauses found: %s\n", strings.Join(entities.CriticalClauses, ", "))
		}
		if len(entities.ComplianceFlags) > 0 {
			fmt.Fprintf(&b, "Compliance obligations: %s\n", strings.Join(entities.ComplianceFlags, ", "))
		}
		for i, e := range entities.Entities {
			if i >= 15 {
				break
			}
			fmt.Fprintf(&b, "Entity [%s] %s (x%d)\n", e.Kind, e.Text, e.Count)
		}
	}

	text := extract.Text
	if len(text) > strategicExcerptBytes {
		text = text[:strategicExcerptBytes]
	}
	b.WriteString("\nDocument text:\n")
	b.WriteString(text)

	return b.String()
}

func docLabel(doc model.Document) string {
	if doc.Name != "" {
		return doc.Name
	}
	return doc.ID
}

// parseStrategicResponse decodes the model's JSON answer, tolerating code
// fences and surrounding prose by slicing to the outermost object.
func parseStrategicResponse(text string) (model.StrategicPayload, error) {
	var payload model.StrategicPayload

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return payload, eris.Errorf("stage: strategic response contains no JSON object")
	}

	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return payload, eris.Wrap(err, "stage: decode strategic response")
	}
	if strings.TrimSpace(payload.Summary) == "" {
		return payload, eris.Errorf("stage: strategic response missing summary")
	}

	payload.CompetitionLevel = clamp01(payload.CompetitionLevel)
	payload.TimelinePressure = clamp01(payload.TimelinePressure)
	if payload.CostRatioEstimate < 0 {
		payload.CostRatioEstimate = 0
	}

	return payload, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// classifyAnthropicError maps SDK call failures onto the retry taxonomy:
// 429 and 5xx are transient, 4xx request errors are not.
func classifyAnthropicError(err error) error {
	if code := anthropic.StatusCode(err); code != 0 {
		if resilience.IsTransientHTTPStatus(code) {
			return resilience.NewTransientError(err, code)
		}
		return err
	}
	if resilience.IsTransient(err) {
		return resilience.NewTransientError(err, 0)
	}
	return err
}
