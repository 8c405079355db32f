package scheduler

import (
	"context"
	"os"
	"time"

	"github.com/mattjoyce/aoa-runner/internal/job"
	"github.com/mattjoyce/aoa-runner/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_scheduler.go -package=mocks github.com/mattjoyce/aoa-runner/internal/scheduler JobStore,Workspaces,ProcessTable

// JobStore defines the job store operations used for recovery and cleanup.
type JobStore interface {
	FindByStatus(ctx context.Context, status job.Status) ([]job.Job, error)
	UpdateByID(ctx context.Context, id string, patch job.Patch) (int64, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// Workspaces defines the workspace operations used for recovery and cleanup.
type Workspaces interface {
	OpenLog(ctx context.Context, jobID, name string) (*os.File, error)
	Cleanup(ctx context.Context, olderThan time.Duration, keep func(jobID string) bool) (workspace.CleanupReport, error)
}

// ProcessTable reports which jobs have a live process in this instance.
type ProcessTable interface {
	IsRunning(jobID string) bool
}
