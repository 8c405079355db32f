package workspace

import (
	"context"
	"errors"
	"io"
	"os"
	"time"
)

// ErrExists is returned by Create when the job already has a workspace.
var ErrExists = errors.New("workspace already exists")

// ErrNotFound is returned when a workspace or a whitelisted file is missing.
var ErrNotFound = errors.New("workspace file not found")

// Workspace describes a job-scoped directory. The directory name is always
// the job id so a record can be matched to its files without storing paths.
type Workspace struct {
	JobID string
	Dir   string
}

// FileInfo describes one whitelisted file in a workspace.
type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Digest   string    `json:"digest,omitempty"`
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
	Kept        int
}

// Manager governs the per-job workspace lifecycle.
type Manager interface {
	// Create initializes a new workspace for jobID. It fails with ErrExists
	// when the directory is already present.
	Create(ctx context.Context, jobID string) (Workspace, error)

	// WriteFile writes data to name inside the workspace of jobID.
	WriteFile(ctx context.Context, jobID, name string, data []byte) error

	// Open resolves an existing workspace for jobID.
	Open(ctx context.Context, jobID string) (Workspace, error)

	// OpenLog opens the append-only output log of jobID.
	OpenLog(ctx context.Context, jobID, name string) (*os.File, error)

	// Destroy removes the workspace recursively. A missing workspace is not
	// an error.
	Destroy(ctx context.Context, jobID string) error

	// List returns whitelisted files in the workspace, sorted by name.
	List(ctx context.Context, jobID string) ([]FileInfo, error)

	// OpenFile opens a whitelisted file for reading.
	OpenFile(ctx context.Context, jobID, name string) (io.ReadSeekCloser, FileInfo, error)

	// Cleanup removes workspaces older than olderThan that keep does not claim.
	Cleanup(ctx context.Context, olderThan time.Duration, keep func(jobID string) bool) (CleanupReport, error)
}
