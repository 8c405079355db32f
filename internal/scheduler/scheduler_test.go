package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/aoa-runner/internal/config"
	"github.com/mattjoyce/aoa-runner/internal/events"
	"github.com/mattjoyce/aoa-runner/internal/job"
	"github.com/mattjoyce/aoa-runner/internal/params"
	"github.com/mattjoyce/aoa-runner/internal/scheduler/mocks"
	"github.com/mattjoyce/aoa-runner/internal/workspace"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	mu sync.Mutex
	bytes.Buffer
}

func (b *TestLogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.Write(p)
}

func (b *TestLogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.String()
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

type harness struct {
	store *mocks.MockJobStore
	ws    *mocks.MockWorkspaces
	procs *mocks.MockProcessTable
	hub   *events.Hub
	logs  *TestLogBuffer
	s     *Scheduler
}

func newHarness(t *testing.T, cfg config.JobsConfig) *harness {
	ctrl := gomock.NewController(t)
	h := &harness{
		store: mocks.NewMockJobStore(ctrl),
		ws:    mocks.NewMockWorkspaces(ctrl),
		procs: mocks.NewMockProcessTable(ctrl),
		hub:   events.NewHub(32),
	}
	slogger, buf := NewTestSlogger()
	h.logs = buf
	h.s = New(cfg, h.store, h.ws, h.procs, h.hub, slogger)
	h.s.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return h
}

func logFile(t *testing.T) (*os.File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), params.OutputLog)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	return f, path
}

func TestRecoverOrphanedJobs(t *testing.T) {
	ctx := context.Background()

	t.Run("No orphaned jobs", func(t *testing.T) {
		h := newHarness(t, config.JobsConfig{})
		h.store.EXPECT().FindByStatus(ctx, job.StatusRunning).Return(nil, nil)

		require.NoError(t, h.s.recoverOrphanedJobs(ctx))
		assert.Contains(t, h.logs.String(), "No orphaned jobs found")
	})

	t.Run("Orphans marked failed, live jobs left alone", func(t *testing.T) {
		h := newHarness(t, config.JobsConfig{})
		f, path := logFile(t)
		sub, unsubscribe := h.hub.Subscribe("")
		defer unsubscribe()

		h.store.EXPECT().FindByStatus(ctx, job.StatusRunning).Return([]job.Job{
			{ID: "orphan", Owner: "alice", Status: job.StatusRunning},
			{ID: "live", Owner: "bob", Status: job.StatusRunning},
		}, nil)
		h.procs.EXPECT().IsRunning("orphan").Return(false)
		h.procs.EXPECT().IsRunning("live").Return(true)
		h.ws.EXPECT().OpenLog(ctx, "orphan", params.OutputLog).Return(f, nil)
		h.store.EXPECT().UpdateByID(ctx, "orphan", gomock.Any()).DoAndReturn(
			func(_ context.Context, _ string, patch job.Patch) (int64, error) {
				require.NotNil(t, patch.Status)
				assert.Equal(t, job.StatusError, *patch.Status)
				require.NotNil(t, patch.Finished)
				assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), *patch.Finished)
				return 1, nil
			})

		require.NoError(t, h.s.recoverOrphanedJobs(ctx))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "ERROR: process lost")

		select {
		case ev := <-sub:
			assert.Equal(t, events.JobFinished, ev.Type)
			assert.Equal(t, "alice", ev.Owner)
		case <-time.After(time.Second):
			t.Fatal("expected job.finished event")
		}
		assert.Contains(t, h.logs.String(), "Marking orphaned job as failed")
	})

	t.Run("Missing log does not block the status update", func(t *testing.T) {
		h := newHarness(t, config.JobsConfig{})
		h.store.EXPECT().FindByStatus(ctx, job.StatusRunning).Return([]job.Job{{ID: "gone", Owner: "alice"}}, nil)
		h.procs.EXPECT().IsRunning("gone").Return(false)
		h.ws.EXPECT().OpenLog(ctx, "gone", params.OutputLog).Return(nil, workspace.ErrNotFound)
		h.store.EXPECT().UpdateByID(ctx, "gone", gomock.Any()).Return(int64(1), nil)

		require.NoError(t, h.s.recoverOrphanedJobs(ctx))
		assert.Contains(t, h.logs.String(), "Cannot open output log of orphaned job")
	})

	t.Run("Update failure is logged and skipped", func(t *testing.T) {
		h := newHarness(t, config.JobsConfig{})
		f, _ := logFile(t)
		h.store.EXPECT().FindByStatus(ctx, job.StatusRunning).Return([]job.Job{{ID: "a"}}, nil)
		h.procs.EXPECT().IsRunning("a").Return(false)
		h.ws.EXPECT().OpenLog(ctx, "a", params.OutputLog).Return(f, nil)
		h.store.EXPECT().UpdateByID(ctx, "a", gomock.Any()).Return(int64(0), errors.New("db locked"))

		require.NoError(t, h.s.recoverOrphanedJobs(ctx))
		assert.Contains(t, h.logs.String(), "Failed to update orphaned job")
	})

	t.Run("FindByStatus returns error", func(t *testing.T) {
		h := newHarness(t, config.JobsConfig{})
		h.store.EXPECT().FindByStatus(ctx, job.StatusRunning).Return(nil, errors.New("db error"))

		err := h.s.recoverOrphanedJobs(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to find running jobs for recovery: db error")
	})
}

func TestTickKeepsClaimedWorkspaces(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.JobsConfig{Retention: 24 * time.Hour})

	h.store.EXPECT().Exists(ctx, "recorded").Return(true, nil).AnyTimes()
	h.store.EXPECT().Exists(ctx, "stray").Return(false, nil).AnyTimes()
	h.store.EXPECT().Exists(ctx, "unknown").Return(false, errors.New("timeout")).AnyTimes()
	h.procs.EXPECT().IsRunning("stray").Return(false).AnyTimes()

	h.ws.EXPECT().Cleanup(ctx, 24*time.Hour, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ time.Duration, keep func(string) bool) (workspace.CleanupReport, error) {
			assert.True(t, keep("recorded"))
			assert.False(t, keep("stray"))
			assert.True(t, keep("unknown"), "lookup failures must keep the workspace")
			return workspace.CleanupReport{DeletedDirs: 1, Kept: 2}, nil
		})

	h.s.tick(ctx)
	assert.Contains(t, h.logs.String(), "Removed stale workspaces")
}

func TestTickCleanupError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.JobsConfig{Retention: time.Hour})
	h.ws.EXPECT().Cleanup(ctx, time.Hour, gomock.Any()).Return(workspace.CleanupReport{}, errors.New("permission denied"))

	h.s.tick(ctx)
	assert.Contains(t, h.logs.String(), "Workspace cleanup failed")
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()

	t.Run("janitor disabled", func(t *testing.T) {
		h := newHarness(t, config.JobsConfig{OrphanRecovery: true})
		h.store.EXPECT().FindByStatus(ctx, job.StatusRunning).Return(nil, nil)

		require.NoError(t, h.s.Start(ctx))
		h.s.Stop()
		assert.Contains(t, h.logs.String(), "Workspace janitor disabled")
	})

	t.Run("janitor runs immediately", func(t *testing.T) {
		h := newHarness(t, config.JobsConfig{Retention: time.Hour, JanitorEvery: time.Hour})
		ran := make(chan struct{})
		h.ws.EXPECT().Cleanup(gomock.Any(), time.Hour, gomock.Any()).DoAndReturn(
			func(context.Context, time.Duration, func(string) bool) (workspace.CleanupReport, error) {
				close(ran)
				return workspace.CleanupReport{}, nil
			})

		require.NoError(t, h.s.Start(ctx))
		select {
		case <-ran:
		case <-time.After(2 * time.Second):
			t.Fatal("janitor did not run")
		}
		h.s.Stop()
		h.s.Stop()
	})

	t.Run("recovery failure aborts start", func(t *testing.T) {
		h := newHarness(t, config.JobsConfig{OrphanRecovery: true, Retention: time.Hour})
		h.store.EXPECT().FindByStatus(ctx, job.StatusRunning).Return(nil, errors.New("no such table: jobs"))

		err := h.s.Start(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scheduler crash recovery failed")
	})
}

func TestRunBlocksUntilCancelled(t *testing.T) {
	t.Run("janitor loop", func(t *testing.T) {
		h := newHarness(t, config.JobsConfig{Retention: time.Hour, JanitorEvery: time.Hour})
		ran := make(chan struct{})
		h.ws.EXPECT().Cleanup(gomock.Any(), time.Hour, gomock.Any()).DoAndReturn(
			func(context.Context, time.Duration, func(string) bool) (workspace.CleanupReport, error) {
				close(ran)
				return workspace.CleanupReport{}, nil
			})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- h.s.Run(ctx) }()

		select {
		case <-ran:
		case <-time.After(2 * time.Second):
			t.Fatal("janitor did not run")
		}
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	})

	t.Run("janitor disabled waits for stop", func(t *testing.T) {
		h := newHarness(t, config.JobsConfig{})
		done := make(chan error, 1)
		go func() { done <- h.s.Run(context.Background()) }()

		h.s.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after Stop")
		}
		assert.Contains(t, h.logs.String(), "Workspace janitor disabled")
	})
}
