package store

import (
	"context"
	"time"

	"github.com/sells-group/tender-intel/internal/model"
)

// RecordFilter specifies criteria for listing analysis records.
type RecordFilter struct {
	State        model.JobState `json:"state,omitempty"`
	DocumentID   string         `json:"document_id,omitempty"`
	CreatedAfter time.Time      `json:"created_after,omitempty"`
	Limit        int            `json:"limit,omitempty"`
	Offset       int            `json:"offset,omitempty"`
}

// Store is the result-store gateway for the analysis pipeline. Records are
// owned by the pipeline job that created them until they reach a terminal
// state; afterwards they are read-only audit history.
type Store interface {
	// CreateRecord creates a queued AnalysisRecord for the document,
	// versioned past the document's latest terminal record. It returns
	// resilience.ConflictError when an active (non-terminal) record
	// already exists for the same document.
	CreateRecord(ctx context.Context, doc model.Document) (*model.AnalysisRecord, error)

	GetRecord(ctx context.Context, recordID string) (*model.AnalysisRecord, error)

	// GetActiveRecord returns the document's non-terminal record, or nil
	// when there is none.
	GetActiveRecord(ctx context.Context, documentID string) (*model.AnalysisRecord, error)

	// ListRecords returns records matching the filter, newest first, with
	// stage history loaded.
	ListRecords(ctx context.Context, filter RecordFilter) ([]model.AnalysisRecord, error)

	// ListActiveRecords returns every non-terminal record. The scheduler
	// uses it on startup to resume interrupted jobs.
	ListActiveRecords(ctx context.Context) ([]model.AnalysisRecord, error)

	// AppendStageResult durably appends one stage attempt. Results are
	// append-only: retries add rows, nothing is overwritten.
	AppendStageResult(ctx context.Context, recordID string, result model.StageResult) error

	// SetCompositeScore attaches the full score set in one write.
	SetCompositeScore(ctx context.Context, recordID string, score model.CompositeScore) error

	// TransitionState moves the record to the given state. The reason is
	// persisted as the record's error detail on failure transitions and
	// ignored otherwise.
	//
	// Terminal records are read-only: TransitionState, AppendStageResult,
	// and SetCompositeScore all return resilience.TerminalStateError when
	// the record already reached completed, failed, or cancelled.
	TransitionState(ctx context.Context, recordID string, state model.JobState, reason string) error

	Migrate(ctx context.Context) error
	Close() error
}
