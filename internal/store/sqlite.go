package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS analysis_records (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	document    TEXT NOT NULL,
	state       TEXT NOT NULL DEFAULT 'queued',
	version     INTEGER NOT NULL DEFAULT 1,
	score       TEXT,
	error       TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS stage_results (
	id         TEXT PRIMARY KEY,
	record_id  TEXT NOT NULL REFERENCES analysis_records(id),
	stage      TEXT NOT NULL,
	status     TEXT NOT NULL,
	payload    TEXT,
	attempt    INTEGER NOT NULL DEFAULT 1,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

-- At most one non-terminal record per document.
CREATE UNIQUE INDEX IF NOT EXISTS idx_active_record
	ON analysis_records(document_id)
	WHERE state NOT IN ('completed', 'failed', 'cancelled');

CREATE INDEX IF NOT EXISTS idx_records_state ON analysis_records(state);
CREATE INDEX IF NOT EXISTS idx_records_document ON analysis_records(document_id);
CREATE INDEX IF NOT EXISTS idx_stage_results_record ON stage_results(record_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRecord(ctx context.Context, doc model.Document) (*model.AnalysisRecord, error) {
	if active, err := s.GetActiveRecord(ctx, doc.ID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, &resilience.ConflictError{DocumentID: doc.ID, ActiveRecordID: active.ID}
	}

	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM analysis_records WHERE document_id = ?`,
		doc.ID,
	).Scan(&version)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: next version")
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal document")
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analysis_records (id, document_id, document, state, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, doc.ID, string(docJSON), string(model.StateQueued), version, now, now,
	)
	if err != nil {
		// The partial unique index closes the check-then-insert race.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, &resilience.ConflictError{DocumentID: doc.ID}
		}
		return nil, eris.Wrap(err, "sqlite: insert record")
	}

	return &model.AnalysisRecord{
		ID:        id,
		Document:  doc,
		State:     model.StateQueued,
		Version:   version,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, recordID string) (*model.AnalysisRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, document, state, version, score, error, created_at, updated_at
		 FROM analysis_records WHERE id = ?`, recordID)

	rec, err := scanSQLiteRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(err, "sqlite: get record %s", recordID)
		}
		return nil, err
	}

	if err := s.loadStageResults(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) GetActiveRecord(ctx context.Context, documentID string) (*model.AnalysisRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, document, state, version, score, error, created_at, updated_at
		 FROM analysis_records
		 WHERE document_id = ? AND state NOT IN ('completed', 'failed', 'cancelled')`,
		documentID)

	rec, err := scanSQLiteRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if err := s.loadStageResults(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.AnalysisRecord, error) {
	query := `SELECT id, document, state, version, score, error, created_at, updated_at
		 FROM analysis_records WHERE 1=1`
	var args []any

	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.DocumentID != "" {
		query += ` AND document_id = ?`
		args = append(args, filter.DocumentID)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var records []model.AnalysisRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list records rows")
	}

	for i := range records {
		if err := s.loadStageResults(ctx, &records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (s *SQLiteStore) ListActiveRecords(ctx context.Context) ([]model.AnalysisRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document, state, version, score, error, created_at, updated_at
		 FROM analysis_records
		 WHERE state NOT IN ('completed', 'failed', 'cancelled')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active records")
	}
	defer rows.Close()

	var records []model.AnalysisRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list active records rows")
	}

	for i := range records {
		if err := s.loadStageResults(ctx, &records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (s *SQLiteStore) AppendStageResult(ctx context.Context, recordID string, result model.StageResult) error {
	payloadJSON, err := model.MarshalPayload(result.Payload)
	if err != nil {
		return err
	}

	createdAt := result.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	// Bumping updated_at first doubles as the terminal-state guard: no
	// stage row is ever attached to a finished record.
	if err := s.touch(ctx, recordID); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_results (id, record_id, stage, status, payload, attempt, latency_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), recordID, string(result.Stage), string(result.Status),
		nullableString(payloadJSON), result.Attempt, result.LatencyMS, result.Error, createdAt,
	); err != nil {
		return eris.Wrapf(err, "sqlite: append stage result %s/%s", recordID, result.Stage)
	}
	return nil
}

func (s *SQLiteStore) SetCompositeScore(ctx context.Context, recordID string, score model.CompositeScore) error {
	scoreJSON, err := json.Marshal(score)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal score")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_records SET score = ?, updated_at = ?
		 WHERE id = ? AND state NOT IN ('completed', 'failed', 'cancelled')`,
		string(scoreJSON), time.Now().UTC(), recordID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set score %s", recordID)
	}
	return s.checkWrite(ctx, res, recordID)
}

func (s *SQLiteStore) TransitionState(ctx context.Context, recordID string, state model.JobState, reason string) error {
	if state != model.StateFailed {
		reason = ""
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_records SET state = ?, error = ?, updated_at = ?
		 WHERE id = ? AND state NOT IN ('completed', 'failed', 'cancelled')`,
		string(state), reason, time.Now().UTC(), recordID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition %s to %s", recordID, state)
	}
	return s.checkWrite(ctx, res, recordID)
}

func (s *SQLiteStore) touch(ctx context.Context, recordID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_records SET updated_at = ?
		 WHERE id = ? AND state NOT IN ('completed', 'failed', 'cancelled')`,
		time.Now().UTC(), recordID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch record %s", recordID)
	}
	return s.checkWrite(ctx, res, recordID)
}

func (s *SQLiteStore) loadStageResults(ctx context.Context, rec *model.AnalysisRecord) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, status, payload, attempt, latency_ms, error, created_at
		 FROM stage_results WHERE record_id = ? ORDER BY created_at ASC, attempt ASC`,
		rec.ID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: load stage results %s", rec.ID)
	}
	defer rows.Close()

	for rows.Next() {
		var sr model.StageResult
		var stage, status string
		var payload sql.NullString
		if err := rows.Scan(&stage, &status, &payload, &sr.Attempt, &sr.LatencyMS, &sr.Error, &sr.CreatedAt); err != nil {
			return eris.Wrap(err, "sqlite: scan stage result")
		}
		sr.Stage = model.StageID(stage)
		sr.Status = model.StageStatus(status)
		if payload.Valid && payload.String != "" {
			p, err := model.UnmarshalPayload([]byte(payload.String))
			if err != nil {
				return err
			}
			sr.Payload = p
		}
		rec.Stages = append(rec.Stages, sr)
	}
	return eris.Wrap(rows.Err(), "sqlite: stage result rows")
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*model.AnalysisRecord, error) {
	var rec model.AnalysisRecord
	var docJSON, state string
	var scoreJSON sql.NullString

	err := row.Scan(&rec.ID, &docJSON, &state, &rec.Version, &scoreJSON, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan record")
	}

	if err := json.Unmarshal([]byte(docJSON), &rec.Document); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal document")
	}
	rec.State = model.JobState(state)

	if scoreJSON.Valid && scoreJSON.String != "" {
		var score model.CompositeScore
		if err := json.Unmarshal([]byte(scoreJSON.String), &score); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal score")
		}
		rec.Score = &score
	}
	return &rec, nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// checkWrite distinguishes a missing record from a write refused because
// the record already reached a terminal state.
func (s *SQLiteStore) checkWrite(ctx context.Context, res sql.Result, recordID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}

	var state string
	err = s.db.QueryRowContext(ctx,
		`SELECT state FROM analysis_records WHERE id = ?`, recordID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Errorf("sqlite: record %s not found", recordID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: check record %s", recordID)
	}
	return &resilience.TerminalStateError{RecordID: recordID, State: state}
}
