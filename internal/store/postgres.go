package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/importwizard/internal/importsvc"
	"github.com/JonMunkholm/importwizard/internal/logging"
	"github.com/JonMunkholm/importwizard/internal/wizard"
)

// schema is applied by Migrate. Statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS wizard_snapshots (
	id         TEXT PRIMARY KEY,
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS import_executions (
	id           TEXT PRIMARY KEY,
	wizard_id    TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	model        TEXT NOT NULL,
	file_name    TEXT NOT NULL DEFAULT '',
	policy       TEXT NOT NULL,
	skip_errors  BOOLEAN NOT NULL DEFAULT FALSE,
	batch_size   INTEGER NOT NULL,
	status       TEXT NOT NULL,
	total_rows   INTEGER NOT NULL DEFAULT 0,
	created      INTEGER NOT NULL DEFAULT 0,
	updated      INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	skipped      INTEGER NOT NULL DEFAULT 0,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	recorded_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS import_executions_recorded_at_idx
	ON import_executions (recorded_at DESC);
`

// Postgres is a wizard.Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Connect opens a pool for databaseURL, verifies it with a ping and applies
// the schema.
func Connect(ctx context.Context, databaseURL string, pc PoolConfig) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if pc.MaxConns > 0 {
		poolConfig.MaxConns = int32(pc.MaxConns)
	}
	if pc.MinConns > 0 {
		poolConfig.MinConns = int32(pc.MinConns)
	}
	if pc.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = pc.MaxConnLifetime
	}
	if pc.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = pc.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := NewPostgres(pool)
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing pool. Call Migrate before first use.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) SaveSnapshot(ctx context.Context, rec wizard.Record) error {
	state, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("encode wizard state: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO wizard_snapshots (id, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		rec.ID, state, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save wizard snapshot %s: %w", rec.ID, err)
	}
	return nil
}

func (p *Postgres) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM wizard_snapshots WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete wizard snapshot %s: %w", id, err)
	}
	return nil
}

// LoadSnapshots returns every snapshot, oldest update first. Rows whose
// state no longer decodes are skipped so one bad row cannot block startup.
func (p *Postgres) LoadSnapshots(ctx context.Context) ([]wizard.Record, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, state, updated_at FROM wizard_snapshots ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("query wizard snapshots: %w", err)
	}
	defer rows.Close()

	var out []wizard.Record
	var decodeErrs []error
	for rows.Next() {
		var (
			rec wizard.Record
			raw []byte
		)
		if err := rows.Scan(&rec.ID, &raw, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan wizard snapshot: %w", err)
		}
		if err := json.Unmarshal(raw, &rec.State); err != nil {
			decodeErrs = append(decodeErrs, fmt.Errorf("snapshot %s: %w", rec.ID, err))
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read wizard snapshots: %w", err)
	}
	if len(decodeErrs) > 0 {
		logging.FromContext(ctx).Warn("skipped undecodable wizard snapshots", "error", errors.Join(decodeErrs...))
	}
	return out, nil
}

func (p *Postgres) RecordExecution(ctx context.Context, rec wizard.ExecutionRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO import_executions (
			id, wizard_id, session_id, model, file_name, policy, skip_errors, batch_size,
			status, total_rows, created, updated, failed, skipped,
			started_at, completed_at, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		rec.ID, rec.WizardID, rec.SessionID, rec.Model, rec.FileName, string(rec.Policy), rec.SkipErrors, rec.BatchSize,
		string(rec.Status), rec.TotalRows, rec.Created, rec.Updated, rec.Failed, rec.Skipped,
		nullTime(rec.StartedAt), nullTime(rec.CompletedAt), rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record execution for wizard %s: %w", rec.WizardID, err)
	}
	return nil
}

// History returns up to limit records, newest first.
func (p *Postgres) History(ctx context.Context, limit int) ([]wizard.ExecutionRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, wizard_id, session_id, model, file_name, policy, skip_errors, batch_size,
		       status, total_rows, created, updated, failed, skipped,
		       started_at, completed_at, recorded_at
		FROM import_executions
		ORDER BY recorded_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query execution history: %w", err)
	}

	out, err := pgx.CollectRows(rows, scanExecution)
	if err != nil {
		return nil, fmt.Errorf("read execution history: %w", err)
	}
	if out == nil {
		out = []wizard.ExecutionRecord{}
	}
	return out, nil
}

func scanExecution(row pgx.CollectableRow) (wizard.ExecutionRecord, error) {
	var (
		rec                    wizard.ExecutionRecord
		policy, status         string
		startedAt, completedAt *time.Time
	)
	err := row.Scan(
		&rec.ID, &rec.WizardID, &rec.SessionID, &rec.Model, &rec.FileName, &policy, &rec.SkipErrors, &rec.BatchSize,
		&status, &rec.TotalRows, &rec.Created, &rec.Updated, &rec.Failed, &rec.Skipped,
		&startedAt, &completedAt, &rec.RecordedAt,
	)
	if err != nil {
		return rec, err
	}
	rec.Policy = importsvc.ImportPolicy(policy)
	rec.Status = importsvc.ExecutionStatus(status)
	if startedAt != nil {
		rec.StartedAt = *startedAt
	}
	if completedAt != nil {
		rec.CompletedAt = *completedAt
	}
	return rec, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ wizard.Store = (*Postgres)(nil)
