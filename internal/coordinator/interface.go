package coordinator

import (
	"context"
	"io"

	"github.com/mattjoyce/aoa-runner/internal/job"
	"github.com/mattjoyce/aoa-runner/internal/supervisor"
	"github.com/mattjoyce/aoa-runner/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_coordinator.go -package=mocks github.com/mattjoyce/aoa-runner/internal/coordinator JobStore,Workspaces,Launcher

// JobStore is the subset of the job store used by the coordinator.
type JobStore interface {
	Insert(ctx context.Context, j *job.Job) (string, error)
	FindByID(ctx context.Context, id, owner string) (*job.Job, error)
	FindAll(ctx context.Context, owner string) ([]job.Job, error)
	DeleteByID(ctx context.Context, id, owner string) (int64, error)
}

// Workspaces provisions and reads per-job directories.
type Workspaces interface {
	Create(ctx context.Context, jobID string) (workspace.Workspace, error)
	WriteFile(ctx context.Context, jobID, name string, data []byte) error
	Destroy(ctx context.Context, jobID string) error
	List(ctx context.Context, jobID string) ([]workspace.FileInfo, error)
	OpenFile(ctx context.Context, jobID, name string) (io.ReadSeekCloser, workspace.FileInfo, error)
}

// Launcher starts and stops the analysis tool.
type Launcher interface {
	Launch(ctx context.Context, ws workspace.Workspace, owner string) (*supervisor.Handle, error)
	Cancel(jobID string) error
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(eventType, owner string, data any)
}
