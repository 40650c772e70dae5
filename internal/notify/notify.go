// Package notify pushes terminal analysis outcomes to interested parties.
// The core never assumes a transport: status reads stay pull-based and this
// port is the optional push side.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/resilience"
)

// Notifier receives a record that just reached a terminal state.
type Notifier interface {
	Notify(ctx context.Context, rec *model.AnalysisRecord) error
}

// LogNotifier writes terminal outcomes to the structured log. It is the
// default when no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, rec *model.AnalysisRecord) error {
	fields := []zap.Field{
		zap.String("record_id", rec.ID),
		zap.String("document_id", rec.Document.ID),
		zap.String("state", string(rec.State)),
		zap.Int("version", rec.Version),
	}
	if rec.Error != "" {
		fields = append(fields, zap.String("reason", rec.Error))
	}
	if rec.Score != nil {
		fields = append(fields,
			zap.Float64("risk_score", rec.Score.RiskScore),
			zap.Float64("success_probability", rec.Score.SuccessProbability),
		)
	}
	zap.L().Info("notify: analysis finished", fields...)
	return nil
}

// WebhookNotifier POSTs a JSON summary of the terminal record to a
// configured URL, retrying transient delivery failures.
type WebhookNotifier struct {
	url    string
	client *http.Client
	retry  resilience.RetryConfig
}

// NewWebhookNotifier creates a webhook notifier with the given endpoint
// and request timeout.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		retry:  resilience.DefaultRetryConfig(),
	}
}

// webhookEvent is the delivery payload.
type webhookEvent struct {
	RecordID   string                `json:"record_id"`
	DocumentID string                `json:"document_id"`
	State      model.JobState        `json:"state"`
	Version    int                   `json:"version"`
	Reason     string                `json:"reason,omitempty"`
	Score      *model.CompositeScore `json:"score,omitempty"`
	FinishedAt time.Time             `json:"finished_at"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, rec *model.AnalysisRecord) error {
	body, err := json.Marshal(webhookEvent{
		RecordID:   rec.ID,
		DocumentID: rec.Document.ID,
		State:      rec.State,
		Version:    rec.Version,
		Reason:     rec.Error,
		Score:      rec.Score,
		FinishedAt: rec.UpdatedAt,
	})
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}

	return resilience.Do(ctx, n.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return eris.Wrap(err, "notify: build request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return resilience.NewTransientError(eris.Wrap(err, "notify: deliver webhook"), 0)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			err := eris.Errorf("notify: webhook returned %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.NewTransientError(err, resp.StatusCode)
			}
			return err
		}
		return nil
	})
}
