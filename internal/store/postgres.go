package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/resilience"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// uniqueViolation is the Postgres error code for unique constraint failures.
const uniqueViolation = "23505"

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS analysis_records (
	id          UUID PRIMARY KEY,
	document_id TEXT NOT NULL,
	document    JSONB NOT NULL,
	state       TEXT NOT NULL DEFAULT 'queued',
	version     INTEGER NOT NULL DEFAULT 1,
	score       JSONB,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stage_results (
	id         UUID PRIMARY KEY,
	record_id  UUID NOT NULL REFERENCES analysis_records(id),
	stage      TEXT NOT NULL,
	status     TEXT NOT NULL,
	payload    JSONB,
	attempt    INTEGER NOT NULL DEFAULT 1,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_active_record
	ON analysis_records(document_id)
	WHERE state NOT IN ('completed', 'failed', 'cancelled');

CREATE INDEX IF NOT EXISTS idx_records_state ON analysis_records(state);
CREATE INDEX IF NOT EXISTS idx_records_document ON analysis_records(document_id);
CREATE INDEX IF NOT EXISTS idx_stage_results_record ON stage_results(record_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateRecord(ctx context.Context, doc model.Document) (*model.AnalysisRecord, error) {
	if active, err := s.GetActiveRecord(ctx, doc.ID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, &resilience.ConflictError{DocumentID: doc.ID, ActiveRecordID: active.ID}
	}

	var version int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM analysis_records WHERE document_id = $1`,
		doc.ID,
	).Scan(&version)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: next version")
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal document")
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO analysis_records (id, document_id, document, state, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, doc.ID, docJSON, string(model.StateQueued), version, now, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, &resilience.ConflictError{DocumentID: doc.ID}
		}
		return nil, eris.Wrap(err, "postgres: insert record")
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

func (s *PostgresStore) GetRecord(ctx context.Context, recordID string) (*model.AnalysisRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, document, state, version, score, error, created_at, updated_at
		 FROM analysis_records WHERE id = $1`, recordID)

	rec, err := scanPostgresRecord(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", recordID)
	}

	if err := s.loadStageResults(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) GetActiveRecord(ctx context.Context, documentID string) (*model.AnalysisRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, document, state, version, score, error, created_at, updated_at
		 FROM analysis_records
		 WHERE document_id = $1 AND state NOT IN ('completed', 'failed', 'cancelled')`,
		documentID)

	rec, err := scanPostgresRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get active record for %s", documentID)
	}

	if err := s.loadStageResults(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.AnalysisRecord, error) {
	query := `SELECT id, document, state, version, score, error, created_at, updated_at
		 FROM analysis_records WHERE 1=1`
	var args []any

	if filter.State != "" {
		args = append(args, string(filter.State))
		query += ` AND state = $` + itoa(len(args))
	}
	if filter.DocumentID != "" {
		args = append(args, filter.DocumentID)
		query += ` AND document_id = $` + itoa(len(args))
	}
	if !filter.CreatedAfter.IsZero() {
		args = append(args, filter.CreatedAfter.UTC())
		query += ` AND created_at > $` + itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var records []model.AnalysisRecord
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list records rows")
	}
	rows.Close()

	for i := range records {
		if err := s.loadStageResults(ctx, &records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (s *PostgresStore) ListActiveRecords(ctx context.Context) ([]model.AnalysisRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document, state, version, score, error, created_at, updated_at
		 FROM analysis_records
		 WHERE state NOT IN ('completed', 'failed', 'cancelled')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active records")
	}
	defer rows.Close()

	var records []model.AnalysisRecord
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan active record")
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list active records rows")
	}

	for i := range records {
		if err := s.loadStageResults(ctx, &records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (s *PostgresStore) AppendStageResult(ctx context.Context, recordID string, result model.StageResult) error {
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
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_records SET updated_at = $1
		 WHERE id = $2 AND state NOT IN ('completed', 'failed', 'cancelled')`,
		time.Now().UTC(), recordID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch record %s", recordID)
	}
	if err := s.checkWrite(ctx, tag, recordID); err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO stage_results (id, record_id, stage, status, payload, attempt, latency_ms, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New().String(), recordID, string(result.Stage), string(result.Status),
		payloadJSON, result.Attempt, result.LatencyMS, result.Error, createdAt,
	)
	return eris.Wrapf(err, "postgres: append stage result %s/%s", recordID, result.Stage)
}

func (s *PostgresStore) SetCompositeScore(ctx context.Context, recordID string, score model.CompositeScore) error {
	scoreJSON, err := json.Marshal(score)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal score")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_records SET score = $1, updated_at = $2
		 WHERE id = $3 AND state NOT IN ('completed', 'failed', 'cancelled')`,
		scoreJSON, time.Now().UTC(), recordID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set score %s", recordID)
	}
	return s.checkWrite(ctx, tag, recordID)
}

func (s *PostgresStore) TransitionState(ctx context.Context, recordID string, state model.JobState, reason string) error {
	if state != model.StateFailed {
		reason = ""
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_records SET state = $1, error = $2, updated_at = $3
		 WHERE id = $4 AND state NOT IN ('completed', 'failed', 'cancelled')`,
		string(state), reason, time.Now().UTC(), recordID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition %s to %s", recordID, state)
	}
	return s.checkWrite(ctx, tag, recordID)
}

// checkWrite distinguishes a missing record from a write refused because
// the record already reached a terminal state.
func (s *PostgresStore) checkWrite(ctx context.Context, tag pgconn.CommandTag, recordID string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}

	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM analysis_records WHERE id = $1`, recordID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Errorf("postgres: record %s not found", recordID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: check record %s", recordID)
	}
	return &resilience.TerminalStateError{RecordID: recordID, State: state}
}

func (s *PostgresStore) loadStageResults(ctx context.Context, rec *model.AnalysisRecord) error {
	rows, err := s.pool.Query(ctx,
		`SELECT stage, status, payload, attempt, latency_ms, error, created_at
		 FROM stage_results WHERE record_id = $1 ORDER BY created_at ASC, attempt ASC`,
		rec.ID)
	if err != nil {
		return eris.Wrapf(err, "postgres: load stage results %s", rec.ID)
	}
	defer rows.Close()

	for rows.Next() {
		var sr model.StageResult
		var stage, status string
		var payload []byte
		if err := rows.Scan(&stage, &status, &payload, &sr.Attempt, &sr.LatencyMS, &sr.Error, &sr.CreatedAt); err != nil {
			return eris.Wrap(err, "postgres: scan stage result")
		}
		sr.Stage = model.StageID(stage)
		sr.Status = model.StageStatus(status)
		if len(payload) > 0 {
			p, err := model.UnmarshalPayload(payload)
			if err != nil {
				return err
			}
			sr.Payload = p
		}
		rec.Stages = append(rec.Stages, sr)
	}
	return eris.Wrap(rows.Err(), "postgres: stage result rows")
}

func scanPostgresRecord(row pgx.Row) (*model.AnalysisRecord, error) {
	var rec model.AnalysisRecord
	var docJSON []byte
	var state string
	var scoreJSON []byte

	err := row.Scan(&rec.ID, &docJSON, &state, &rec.Version, &scoreJSON, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(docJSON, &rec.Document); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal document")
	}
	rec.State = model.JobState(state)

	if len(scoreJSON) > 0 {
		var score model.CompositeScore
		if err := json.Unmarshal(scoreJSON, &score); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal score")
		}
		rec.Score = &score
	}
	return &rec, nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
