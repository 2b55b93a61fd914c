package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const pingTimeout = 2 * time.Second

const createRunsTable = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	source      TEXT NOT NULL,
	branch      TEXT NOT NULL,
	image       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	result      JSONB NOT NULL
)`

const upsertRun = `
INSERT INTO pipeline_runs (id, status, source, branch, image, started_at, finished_at, result)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	image = EXCLUDED.image,
	finished_at = EXCLUDED.finished_at,
	result = EXCLUDED.result`

const selectRun = `SELECT result FROM pipeline_runs WHERE id = $1`

// PostgresStore keeps run history in a pipeline_runs table.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with the pgx driver and creates the table if
// needed.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	if url == "" {
		return nil, errors.New("postgres url is required")
	}
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, createRunsTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating pipeline_runs: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Save inserts or replaces the run.
func (s *PostgresStore) Save(ctx context.Context, result *RunResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshalling result %s: %w", result.ID, err)
	}
	var finished sql.NullTime
	if !result.Finished.IsZero() {
		finished = sql.NullTime{Time: result.Finished, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, upsertRun,
		result.ID, string(result.Status), result.Source, result.Branch, result.Image,
		result.Started, finished, data)
	if err != nil {
		return fmt.Errorf("saving result %s: %w", result.ID, err)
	}
	return nil
}

// Load reads the run with the given ID.
func (s *PostgresStore) Load(ctx context.Context, runID string) (*RunResult, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, selectRun, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading result %s: %w", runID, err)
	}
	var result RunResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshalling result %s: %w", runID, err)
	}
	return &result, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
