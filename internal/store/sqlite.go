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

	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/resilience"
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
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL,
	company       TEXT NOT NULL,
	request       TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'queued',
	result        TEXT,
	cost_usd      REAL NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	stages        TEXT NOT NULL DEFAULT '[]',
	error         TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_stages (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	stage      INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     TEXT,
	error      TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS stage_cache (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	cached_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS institutional_memory (
	id               TEXT PRIMARY KEY,
	entity_type      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	cache_key        TEXT NOT NULL UNIQUE,
	content_hash     TEXT NOT NULL,
	data             BLOB NOT NULL,
	source           TEXT NOT NULL DEFAULT '',
	confidence       REAL NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	last_accessed_at DATETIME NOT NULL DEFAULT (datetime('now')),
	access_count     INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	request        TEXT NOT NULL,
	run_id         TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	failed_stage   INTEGER NOT NULL DEFAULT 0,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	last_failed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_submission_id ON runs(submission_id);
CREATE INDEX IF NOT EXISTS idx_run_stages_run_id ON run_stages(run_id);
CREATE INDEX IF NOT EXISTS idx_stage_cache_expires_at ON stage_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_memory_entity_type ON institutional_memory(entity_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, submissionID string, req model.PipelineRequest) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal request")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, submission_id, company, request, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, submissionID, req.Company, string(reqJSON), string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:           id,
		SubmissionID: submissionID,
		Request:      req,
		Status:       model.RunStatusQueued,
		Stages:       []model.StageID{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, outcome model.RunOutcome) error {
	resultJSON, stagesJSON, err := marshalOutcome(outcome)
	if err != nil {
		return eris.Wrap(err, "sqlite: complete run")
	}

	var result any
	if resultJSON != nil {
		result = string(resultJSON)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, result = ?, cost_usd = ?, duration_ms = ?, stages = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(outcome.Status), result, outcome.CostUSD, outcome.DurationMs, string(stagesJSON), outcome.Error, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

const sqliteRunColumns = `id, submission_id, request, status, result, cost_usd, duration_ms, stages, error, created_at, updated_at`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`, runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) GetRunBySubmission(ctx context.Context, submissionID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE submission_id = ? ORDER BY created_at DESC LIMIT 1`, submissionID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs`
	var conds []string
	var args []any

	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SubmissionID != "" {
		conds = append(conds, "submission_id = ?")
		args = append(args, filter.SubmissionID)
	}
	if !filter.CreatedAfter.IsZero() {
		conds = append(conds, "created_at > ?")
		args = append(args, filter.CreatedAfter.UTC())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// Run stages

func (s *SQLiteStore) CreateRunStage(ctx context.Context, runID string, stage model.StageID) (*model.RunStage, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_stages (id, run_id, stage, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, runID, int(stage), string(model.StageStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run stage")
	}
	return &model.RunStage{
		ID:        id,
		RunID:     runID,
		Stage:     stage,
		Status:    model.StageStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) CompleteRunStage(ctx context.Context, stageRowID string, status model.StageStatus, result *model.StageResult, errMsg string) error {
	var resultJSON any
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal stage result")
		}
		resultJSON = string(data)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE run_stages SET status = ?, result = ?, error = ? WHERE id = ?`,
		string(status), resultJSON, errMsg, stageRowID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run stage %s", stageRowID)
	}
	return checkRowsAffected(res, "run_stage", stageRowID)
}

func (s *SQLiteStore) ListRunStages(ctx context.Context, runID string) ([]model.RunStage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, stage, status, result, error, started_at FROM run_stages WHERE run_id = ? ORDER BY stage ASC, started_at ASC`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list run stages")
	}
	defer rows.Close()

	var stages []model.RunStage
	for rows.Next() {
		var rs model.RunStage
		var stage int
		var resultJSON sql.NullString
		if err := rows.Scan(&rs.ID, &rs.RunID, &stage, &rs.Status, &resultJSON, &rs.Error, &rs.StartedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run stage")
		}
		rs.Stage = model.StageID(stage)
		if resultJSON.Valid {
			rs.Result = &model.StageResult{}
			if err := json.Unmarshal([]byte(resultJSON.String), rs.Result); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal stage result")
			}
		}
		stages = append(stages, rs)
	}
	return stages, eris.Wrap(rows.Err(), "sqlite: list run stages iterate")
}

// Stage cache

func (s *SQLiteStore) GetCachedStage(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM stage_cache WHERE key = ? AND expires_at > ?`,
		key, time.Now().UTC(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, eris.Wrap(err, "sqlite: get cached stage")
}

func (s *SQLiteStore) SetCachedStage(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_cache (key, data, cached_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET data = excluded.data, cached_at = excluded.cached_at, expires_at = excluded.expires_at`,
		key, data, now, now.Add(ttl),
	)
	return eris.Wrap(err, "sqlite: set cached stage")
}

func (s *SQLiteStore) DeleteExpiredStages(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stage_cache WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired stages")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Institutional memory

const sqliteMemoryColumns = `id, entity_type, entity_id, cache_key, content_hash, data, source, confidence, created_at, last_accessed_at, access_count`

func (s *SQLiteStore) GetMemory(ctx context.Context, cacheKey string) (*model.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMemoryColumns+` FROM institutional_memory WHERE cache_key = ?`, cacheKey,
	)
	e, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, eris.Wrap(err, "sqlite: get memory")
}

func (s *SQLiteStore) UpsertMemory(ctx context.Context, entry *model.MemoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CacheKey == "" {
		entry.CacheKey = model.MemoryKey(entry.EntityType, entry.EntityID)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO institutional_memory (`+sqliteMemoryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (cache_key) DO UPDATE SET
		   content_hash = excluded.content_hash, data = excluded.data, source = excluded.source,
		   confidence = excluded.confidence, last_accessed_at = excluded.last_accessed_at,
		   access_count = excluded.access_count`,
		entry.ID, entry.EntityType, entry.EntityID, entry.CacheKey, entry.ContentHash, entry.Data,
		entry.Source, entry.Confidence, entry.CreatedAt.UTC(), entry.LastAccessedAt.UTC(), entry.AccessCount,
	)
	return eris.Wrap(err, "sqlite: upsert memory")
}

func (s *SQLiteStore) TouchMemory(ctx context.Context, cacheKey string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE institutional_memory SET access_count = access_count + 1, last_accessed_at = ? WHERE cache_key = ?`,
		at.UTC(), cacheKey,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch memory %s", cacheKey)
	}
	return checkRowsAffected(res, "memory", cacheKey)
}

func (s *SQLiteStore) ListMemory(ctx context.Context, entityType string, limit int) ([]model.MemoryEntry, error) {
	query := `SELECT ` + sqliteMemoryColumns + ` FROM institutional_memory`
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, entityType)
	}
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY last_accessed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list memory")
	}
	defer rows.Close()

	var entries []model.MemoryEntry
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan memory")
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list memory iterate")
}

func (s *SQLiteStore) DeleteStaleMemory(ctx context.Context, cutoff time.Time, minAccess int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM institutional_memory WHERE last_accessed_at < ? AND access_count < ?`,
		cutoff.UTC(), minAccess,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete stale memory")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	reqJSON, err := json.Marshal(entry.Request)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq request")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, request, run_id, error, error_type, failed_stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   run_id = excluded.run_id, error = excluded.error, error_type = excluded.error_type,
		   failed_stage = excluded.failed_stage, retry_count = excluded.retry_count,
		   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		entry.ID, string(reqJSON), entry.RunID, entry.Error, entry.ErrorType, int(entry.FailedStage),
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, request, run_id, error, error_type, failed_stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue`
	var conds []string
	var args []any

	if filter.DueOnly {
		conds = append(conds, "next_retry_at <= ? AND retry_count < max_retries")
		args = append(args, time.Now().UTC())
	}
	if filter.ErrorType != "" {
		conds = append(conds, "error_type = ?")
		args = append(args, filter.ErrorType)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY next_retry_at ASC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var reqJSON string
		var stage int
		if err := rows.Scan(&e.ID, &reqJSON, &e.RunID, &e.Error, &e.ErrorType, &stage,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.FailedStage = model.StageID(stage)
		if err := json.Unmarshal([]byte(reqJSON), &e.Request); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq request")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func marshalOutcome(outcome model.RunOutcome) (result []byte, stages []byte, err error) {
	if outcome.Result != nil {
		result, err = json.Marshal(outcome.Result)
		if err != nil {
			return nil, nil, eris.Wrap(err, "marshal result")
		}
	}
	ids := outcome.Stages
	if ids == nil {
		ids = []model.StageID{}
	}
	stages, err = json.Marshal(ids)
	if err != nil {
		return nil, nil, eris.Wrap(err, "marshal stages")
	}
	return result, stages, nil
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var reqJSON, stagesJSON string
	var resultJSON sql.NullString

	err := row.Scan(&r.ID, &r.SubmissionID, &reqJSON, &r.Status, &resultJSON,
		&r.CostUSD, &r.DurationMs, &stagesJSON, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if err := json.Unmarshal([]byte(reqJSON), &r.Request); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal request")
	}
	if err := json.Unmarshal([]byte(stagesJSON), &r.Stages); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal stages")
	}
	if resultJSON.Valid {
		r.Result = json.RawMessage(resultJSON.String)
	}
	return &r, nil
}

func scanMemory(row scannable) (*model.MemoryEntry, error) {
	var e model.MemoryEntry
	err := row.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.CacheKey, &e.ContentHash, &e.Data,
		&e.Source, &e.Confidence, &e.CreatedAt, &e.LastAccessedAt, &e.AccessCount)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
