package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/aoa-runner/internal/job"
)

// SQLiteStore is the default Store, backed by modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore wraps an opened and bootstrapped database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

const sqliteJobColumns = `id, owner, status, config, created_at, finished_at`

func (s *SQLiteStore) Insert(ctx context.Context, j *job.Job) (string, error) {
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
	j.Created = j.Created.UTC()
	if j.Status == "" {
		j.Status = job.StatusRunning
	}

	var finished any
	if j.Finished != nil {
		finished = formatTime(*j.Finished)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+sqliteJobColumns+`) VALUES(?, ?, ?, ?, ?, ?);`,
		j.ID, j.Owner, string(j.Status), string(cfg), formatTime(j.Created), finished,
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return j.ID, nil
}

func (s *SQLiteStore) FindByID(ctx context.Context, id, owner string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ? AND owner = ?;`, id, owner)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) Lookup(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?;`, id)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) FindAll(ctx context.Context, owner string) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE owner = ? ORDER BY created_at DESC, id DESC;`, owner)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectSQLiteJobs(rows)
}

func (s *SQLiteStore) FindByStatus(ctx context.Context, status job.Status) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC;`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectSQLiteJobs(rows)
}

func (s *SQLiteStore) UpdateByID(ctx context.Context, id string, patch job.Patch) (int64, error) {
	var status, finished any
	if patch.Status != nil {
		status = string(*patch.Status)
	}
	if patch.Finished != nil {
		finished = formatTime(*patch.Finished)
	}

	query := `UPDATE jobs SET status = COALESCE(?, status), finished_at = COALESCE(?, finished_at) WHERE id = ?`
	args := []any{status, finished, id}
	if terminalOnly(patch) {
		query += ` AND status = ?`
		args = append(args, string(job.StatusRunning))
	}

	res, err := s.db.ExecContext(ctx, query+";", args...)
	if err != nil {
		return 0, fmt.Errorf("update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update job %s: %w", id, err)
	}
	return n, nil
}

func (s *SQLiteStore) DeleteByID(ctx context.Context, id, owner string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND owner = ?;`, id, owner)
	if err != nil {
		return 0, fmt.Errorf("delete job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete job %s: %w", id, err)
	}
	return n, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?;`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup job %s: %w", id, err)
	}
	return true, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*job.Job, error) {
	var (
		j        job.Job
		status   string
		cfg      string
		created  string
		finished sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Owner, &status, &cfg, &created, &finished); err != nil {
		return nil, err
	}
	j.Status = job.Status(status)
	if err := json.Unmarshal([]byte(cfg), &j.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	t, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	j.Created = t
	if finished.Valid {
		ft, err := parseTime(finished.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		j.Finished = &ft
	}
	return &j, nil
}

func collectSQLiteJobs(rows *sql.Rows) ([]job.Job, error) {
	defer rows.Close()

	jobs := []job.Job{}
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
