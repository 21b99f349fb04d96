package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/resilience"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore. pgxmock pools
// satisfy it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"insert_run":        `INSERT INTO runs (id, submission_id, company, request, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"update_run_status": `UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
	"insert_run_stage":  `INSERT INTO run_stages (id, run_id, stage, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
	"get_cached_stage":  `SELECT data FROM stage_cache WHERE key = $1 AND expires_at > now()`,
	"get_memory":        `SELECT ` + pgMemoryColumns + ` FROM institutional_memory WHERE cache_key = $1`,
	"touch_memory":      `UPDATE institutional_memory SET access_count = access_count + 1, last_accessed_at = $1 WHERE cache_key = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	submission_id TEXT NOT NULL,
	company       TEXT NOT NULL,
	request       JSONB NOT NULL,
	status        TEXT NOT NULL DEFAULT 'queued',
	result        JSONB,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	stages        JSONB NOT NULL DEFAULT '[]',
	error         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_stages (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	stage      INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     JSONB,
	error      TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stage_cache (
	key        TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	cached_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS institutional_memory (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	entity_type      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	cache_key        TEXT NOT NULL UNIQUE,
	content_hash     TEXT NOT NULL,
	data             BYTEA NOT NULL,
	source           TEXT NOT NULL DEFAULT '',
	confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	access_count     INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	request        JSONB NOT NULL,
	run_id         TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	failed_stage   INTEGER NOT NULL DEFAULT 0,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_submission_id ON runs(submission_id);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_run_stages_run_id ON run_stages(run_id);
CREATE INDEX IF NOT EXISTS idx_stage_cache_expires_at ON stage_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_memory_entity_type ON institutional_memory(entity_type);
CREATE INDEX IF NOT EXISTS idx_memory_last_accessed ON institutional_memory(last_accessed_at);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, submissionID string, req model.PipelineRequest) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal request")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, submission_id, company, request, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, submissionID, req.Company, reqJSON, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
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

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	return checkTag(tag, "run", runID)
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, outcome model.RunOutcome) error {
	resultJSON, stagesJSON, err := marshalOutcome(outcome)
	if err != nil {
		return eris.Wrap(err, "postgres: complete run")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, result = $2, cost_usd = $3, duration_ms = $4, stages = $5, error = $6, updated_at = $7 WHERE id = $8`,
		string(outcome.Status), resultJSON, outcome.CostUSD, outcome.DurationMs, stagesJSON, outcome.Error, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	return checkTag(tag, "run", runID)
}

const pgRunColumns = `id, submission_id, request, status, result, cost_usd, duration_ms, stages, error, created_at, updated_at`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, runID)
	r, err := scanPgRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) GetRunBySubmission(ctx context.Context, submissionID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgRunColumns+` FROM runs WHERE submission_id = $1 ORDER BY created_at DESC LIMIT 1`, submissionID,
	)
	r, err := scanPgRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run by submission %s", submissionID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM runs`
	var conds []string
	var args []any
	argIdx := 1

	if filter.Status != "" {
		conds = append(conds, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.SubmissionID != "" {
		conds = append(conds, fmt.Sprintf("submission_id = $%d", argIdx))
		args = append(args, filter.SubmissionID)
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		conds = append(conds, fmt.Sprintf("created_at > $%d", argIdx))
		args = append(args, filter.CreatedAfter)
		argIdx++
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list runs")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// Run stages

func (s *PostgresStore) CreateRunStage(ctx context.Context, runID string, stage model.StageID) (*model.RunStage, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_stages (id, run_id, stage, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, runID, int(stage), string(model.StageStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run stage")
	}
	return &model.RunStage{
		ID:        id,
		RunID:     runID,
		Stage:     stage,
		Status:    model.StageStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) CompleteRunStage(ctx context.Context, stageRowID string, status model.StageStatus, result *model.StageResult, errMsg string) error {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal stage result")
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE run_stages SET status = $1, result = $2, error = $3 WHERE id = $4`,
		string(status), resultJSON, errMsg, stageRowID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run stage %s", stageRowID)
	}
	return checkTag(tag, "run_stage", stageRowID)
}

func (s *PostgresStore) ListRunStages(ctx context.Context, runID string) ([]model.RunStage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, stage, status, result, error, started_at FROM run_stages WHERE run_id = $1 ORDER BY stage ASC, started_at ASC`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list run stages")
	}
	defer rows.Close()

	var stages []model.RunStage
	for rows.Next() {
		var rs model.RunStage
		var stage int
		var status string
		var resultJSON []byte
		if err := rows.Scan(&rs.ID, &rs.RunID, &stage, &status, &resultJSON, &rs.Error, &rs.StartedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run stage")
		}
		rs.Stage = model.StageID(stage)
		rs.Status = model.StageStatus(status)
		if len(resultJSON) > 0 {
			rs.Result = &model.StageResult{}
			if err := json.Unmarshal(resultJSON, rs.Result); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal stage result")
			}
		}
		stages = append(stages, rs)
	}
	return stages, eris.Wrap(rows.Err(), "postgres: list run stages iterate")
}

// Stage cache

func (s *PostgresStore) GetCachedStage(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM stage_cache WHERE key = $1 AND expires_at > now()`, key,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cached stage")
	}
	return data, nil
}

func (s *PostgresStore) SetCachedStage(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stage_cache (key, data, cached_at, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, cached_at = EXCLUDED.cached_at, expires_at = EXCLUDED.expires_at`,
		key, data, now, now.Add(ttl),
	)
	return eris.Wrap(err, "postgres: set cached stage")
}

func (s *PostgresStore) DeleteExpiredStages(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM stage_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired stages")
	}
	return int(tag.RowsAffected()), nil
}

// Institutional memory

const pgMemoryColumns = `id, entity_type, entity_id, cache_key, content_hash, data, source, confidence, created_at, last_accessed_at, access_count`

func (s *PostgresStore) GetMemory(ctx context.Context, cacheKey string) (*model.MemoryEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgMemoryColumns+` FROM institutional_memory WHERE cache_key = $1`, cacheKey)
	e, err := scanMemory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get memory")
	}
	return e, nil
}

func (s *PostgresStore) UpsertMemory(ctx context.Context, entry *model.MemoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CacheKey == "" {
		entry.CacheKey = model.MemoryKey(entry.EntityType, entry.EntityID)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO institutional_memory (`+pgMemoryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (cache_key) DO UPDATE SET
		   content_hash = EXCLUDED.content_hash, data = EXCLUDED.data, source = EXCLUDED.source,
		   confidence = EXCLUDED.confidence, last_accessed_at = EXCLUDED.last_accessed_at,
		   access_count = EXCLUDED.access_count`,
		entry.ID, entry.EntityType, entry.EntityID, entry.CacheKey, entry.ContentHash, entry.Data,
		entry.Source, entry.Confidence, entry.CreatedAt, entry.LastAccessedAt, entry.AccessCount,
	)
	return eris.Wrap(err, "postgres: upsert memory")
}

func (s *PostgresStore) TouchMemory(ctx context.Context, cacheKey string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE institutional_memory SET access_count = access_count + 1, last_accessed_at = $1 WHERE cache_key = $2`,
		at, cacheKey,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch memory %s", cacheKey)
	}
	return checkTag(tag, "memory", cacheKey)
}

func (s *PostgresStore) ListMemory(ctx context.Context, entityType string, limit int) ([]model.MemoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + pgMemoryColumns + ` FROM institutional_memory`
	args := []any{}
	if entityType != "" {
		query += ` WHERE entity_type = $1 ORDER BY last_accessed_at DESC LIMIT $2`
		args = append(args, entityType, limit)
	} else {
		query += ` ORDER BY last_accessed_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list memory")
	}
	defer rows.Close()

	var entries []model.MemoryEntry
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan memory")
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list memory iterate")
}

func (s *PostgresStore) DeleteStaleMemory(ctx context.Context, cutoff time.Time, minAccess int) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM institutional_memory WHERE last_accessed_at < $1 AND access_count < $2`,
		cutoff, minAccess,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete stale memory")
	}
	return int(tag.RowsAffected()), nil
}

// Dead letter queue

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	reqJSON, err := json.Marshal(entry.Request)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq request")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, request, run_id, error, error_type, failed_stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   run_id = $3, error = $4, error_type = $5, failed_stage = $6, retry_count = $7,
		   next_retry_at = $9, last_failed_at = $11`,
		entry.ID, reqJSON, entry.RunID, entry.Error, entry.ErrorType,
		int(entry.FailedStage), entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, request, run_id, error, error_type, failed_stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue`
	var conds []string
	args := []any{}
	argIdx := 1

	if filter.DueOnly {
		conds = append(conds, "next_retry_at <= now() AND retry_count < max_retries")
	}
	if filter.ErrorType != "" {
		conds = append(conds, fmt.Sprintf("error_type = $%d", argIdx))
		args = append(args, filter.ErrorType)
		argIdx++
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var reqJSON []byte
		var stage int
		if err := rows.Scan(&e.ID, &reqJSON, &e.RunID, &e.Error, &e.ErrorType,
			&stage, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		e.FailedStage = model.StageID(stage)
		if err := json.Unmarshal(reqJSON, &e.Request); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq request")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	return checkTag(tag, "dlq_entry", id)
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func checkTag(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func scanPgRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status string
	var reqJSON, resultJSON, stagesJSON []byte

	err := row.Scan(&r.ID, &r.SubmissionID, &reqJSON, &status, &resultJSON,
		&r.CostUSD, &r.DurationMs, &stagesJSON, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan run")
	}
	r.Status = model.RunStatus(status)

	if err := json.Unmarshal(reqJSON, &r.Request); err != nil {
		return nil, eris.Wrap(err, "unmarshal request")
	}
	if len(stagesJSON) > 0 {
		if err := json.Unmarshal(stagesJSON, &r.Stages); err != nil {
			return nil, eris.Wrap(err, "unmarshal stages")
		}
	}
	if len(resultJSON) > 0 {
		r.Result = json.RawMessage(resultJSON)
	}
	return &r, nil
}
