package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mattjoyce/aoa-runner/internal/job"
)

// ConnectPostgres opens a pgx pool and checks connectivity.
func ConnectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// BootstrapPostgres creates the jobs table if missing.
func BootstrapPostgres(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  id          TEXT PRIMARY KEY,
  owner       TEXT NOT NULL,
  status      TEXT NOT NULL,
  config      JSONB NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL,
  finished_at TIMESTAMPTZ
)`,
		`CREATE INDEX IF NOT EXISTS jobs_owner_created_at_idx ON jobs(owner, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs(status)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap postgres: %w", err)
		}
	}
	return nil
}

// PostgresStore implements Store using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

const pgJobColumns = `id, owner, status, config, created_at, finished_at`

func (s *PostgresStore) Insert(ctx context.Context, j *job.Job) (string, error) {
	if j == nil {
		return "", fmt.Errorf("job is nil")
	}
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return "", fmt.Errorf("marshal job config: %w", err)
	}

	j.ID = uuid.NewString()
	if j.Created.IsZero() {
		j.Created = s.now()
	}
	// TIMESTAMPTZ keeps microseconds.
	j.Created = j.Created.UTC().Truncate(time.Microsecond)
	if j.Status == "" {
		j.Status = job.StatusRunning
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (`+pgJobColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		j.ID, j.Owner, string(j.Status), cfg, j.Created, j.Finished)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return j.ID, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id, owner string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgJobColumns+` FROM jobs WHERE id = $1 AND owner = $2`, id, owner)
	j, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job %s: %w", id, err)
	}
	return j, nil
}

func (s *PostgresStore) Lookup(ctx context.Context, id string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup job %s: %w", id, err)
	}
	return j, nil
}

func (s *PostgresStore) FindAll(ctx context.Context, owner string) ([]job.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgJobColumns+` FROM jobs WHERE owner = $1 ORDER BY created_at DESC, id DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectPgJobs(rows)
}

func (s *PostgresStore) FindByStatus(ctx context.Context, status job.Status) ([]job.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgJobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectPgJobs(rows)
}

func (s *PostgresStore) UpdateByID(ctx context.Context, id string, patch job.Patch) (int64, error) {
	var status *string
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}

	query := `UPDATE jobs SET status = COALESCE($1, status), finished_at = COALESCE($2, finished_at) WHERE id = $3`
	if terminalOnly(patch) {
		query += ` AND status = 'running'`
	}

	tag, err := s.pool.Exec(ctx, query, status, patch.Finished, id)
	if err != nil {
		return 0, fmt.Errorf("update job %s: %w", id, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteByID(ctx context.Context, id, owner string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND owner = $2`, id, owner)
	if err != nil {
		return 0, fmt.Errorf("delete job %s: %w", id, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup job %s: %w", id, err)
	}
	return exists, nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgJob(row pgx.Row) (*job.Job, error) {
	var (
		j      job.Job
		status string
		cfg    []byte
	)
	if err := row.Scan(&j.ID, &j.Owner, &status, &cfg, &j.Created, &j.Finished); err != nil {
		return nil, err
	}
	j.Status = job.Status(status)
	j.Created = j.Created.UTC()
	if j.Finished != nil {
		f := j.Finished.UTC()
		j.Finished = &f
	}
	if err := json.Unmarshal(cfg, &j.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &j, nil
}

func collectPgJobs(rows pgx.Rows) ([]job.Job, error) {
	defer rows.Close()

	jobs := []job.Job{}
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
