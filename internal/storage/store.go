package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/aoa-runner/internal/job"
)

// ErrNotFound is returned when no job matches the id and owner.
var ErrNotFound = errors.New("job not found")

// Store persists job records. Every owner-scoped call matches on both id and
// owner, so one principal can never observe another's jobs.
type Store interface {
	// Insert stores j with a freshly generated id and returns that id.
	Insert(ctx context.Context, j *job.Job) (string, error)
	FindByID(ctx context.Context, id, owner string) (*job.Job, error)
	// FindAll returns the owner's jobs, newest first.
	FindAll(ctx context.Context, owner string) ([]job.Job, error)
	// UpdateByID applies patch and returns the number of matched records.
	// A patch carrying a terminal status only matches running jobs.
	UpdateByID(ctx context.Context, id string, patch job.Patch) (int64, error)
	DeleteByID(ctx context.Context, id, owner string) (int64, error)
	// FindByStatus is unscoped; it serves startup recovery.
	FindByStatus(ctx context.Context, status job.Status) ([]job.Job, error)
	// Exists reports whether any owner has a job with id.
	Exists(ctx context.Context, id string) (bool, error)
	// Lookup is an unscoped FindByID for operator tooling.
	Lookup(ctx context.Context, id string) (*job.Job, error)
	Ping(ctx context.Context) error
	Close() error
}

// timeLayout is fixed width so text timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// terminalOnly reports whether patch moves a job out of running, in which
// case the update must only match jobs that are still running.
func terminalOnly(patch job.Patch) bool {
	return patch.Status != nil && patch.Status.Terminal()
}
