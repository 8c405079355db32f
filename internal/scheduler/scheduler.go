// Package scheduler runs the background maintenance of the job runner:
// recovery of jobs orphaned by a previous crash and periodic removal of
// workspaces that no longer have a job record.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/aoa-runner/internal/config"
	"github.com/mattjoyce/aoa-runner/internal/events"
	"github.com/mattjoyce/aoa-runner/internal/job"
	"github.com/mattjoyce/aoa-runner/internal/params"
)

// Publisher receives maintenance events.
type Publisher interface {
	Publish(eventType, owner string, data any)
}

// Scheduler owns the recovery pass and the janitor loop.
type Scheduler struct {
	cfg        config.JobsConfig
	store      JobStore
	workspaces Workspaces
	procs      ProcessTable
	events     Publisher
	logger     *slog.Logger
	now        func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Scheduler. pub may be nil.
func New(cfg config.JobsConfig, store JobStore, ws Workspaces, procs ProcessTable, pub Publisher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		workspaces: ws,
		procs:      procs,
		events:     pub,
		logger:     logger.With("component", "scheduler"),
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start performs crash recovery and then starts the janitor loop in the
// background.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		return err
	}
	if s.cfg.Retention <= 0 {
		s.logger.Info("Workspace janitor disabled")
		return nil
	}
	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Recover finalizes jobs left running by a previous process when orphan
// recovery is enabled. It must run before new jobs are accepted.
func (s *Scheduler) Recover(ctx context.Context) error {
	s.logger.Info("Starting scheduler")
	if !s.cfg.OrphanRecovery {
		return nil
	}
	if err := s.recoverOrphanedJobs(ctx); err != nil {
		return fmt.Errorf("scheduler crash recovery failed: %w", err)
	}
	return nil
}

// Run blocks in the janitor loop until ctx is done or Stop is called. With
// no retention configured it only waits.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.Retention <= 0 {
		s.logger.Info("Workspace janitor disabled")
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		}
		return nil
	}
	s.wg.Add(1)
	s.tickLoop(ctx)
	return nil
}

// Stop stops the janitor loop and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	every := s.cfg.JanitorEvery
	if every <= 0 {
		every = time.Hour
	}

	s.tick(ctx)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Debug("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick removes workspaces older than the retention period whose job record
// is gone.
func (s *Scheduler) tick(ctx context.Context) {
	keep := func(jobID string) bool {
		ok, err := s.store.Exists(ctx, jobID)
		if err != nil {
			s.logger.Warn("Keeping workspace, job lookup failed", "job_id", jobID, "error", err)
			return true
		}
		return ok || s.procs.IsRunning(jobID)
	}

	report, err := s.workspaces.Cleanup(ctx, s.cfg.Retention, keep)
	if err != nil {
		s.logger.Error("Workspace cleanup failed", "error", err)
		return
	}
	if report.DeletedDirs > 0 {
		s.logger.Info("Removed stale workspaces", "deleted", report.DeletedDirs, "kept", report.Kept)
	} else {
		s.logger.Debug("Workspace cleanup found nothing to remove", "kept", report.Kept)
	}
}

// recoverOrphanedJobs marks jobs still recorded as running, but with no
// live process here, as failed. Their process died with a previous instance.
func (s *Scheduler) recoverOrphanedJobs(ctx context.Context) error {
	s.logger.Info("Performing crash recovery for orphaned jobs")

	running, err := s.store.FindByStatus(ctx, job.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to find running jobs for recovery: %w", err)
	}

	recovered := 0
	for _, j := range running {
		if s.procs.IsRunning(j.ID) {
			continue
		}
		logger := s.logger.With("job_id", j.ID, "owner", j.Owner)
		logger.Warn("Marking orphaned job as failed")

		s.appendLog(ctx, j.ID, logger)

		n, err := s.store.UpdateByID(ctx, j.ID, job.Finish(job.StatusError, s.now()))
		if err != nil {
			logger.Error("Failed to update orphaned job", "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		recovered++
		if s.events != nil {
			s.events.Publish(events.JobFinished, j.Owner, map[string]any{
				"id":     j.ID,
				"status": job.StatusError,
				"reason": "orphaned",
			})
		}
	}

	if recovered == 0 {
		s.logger.Info("No orphaned jobs found")
	} else {
		s.logger.Warn("Recovered orphaned jobs", "count", recovered)
	}
	return nil
}

func (s *Scheduler) appendLog(ctx context.Context, jobID string, logger *slog.Logger) {
	f, err := s.workspaces.OpenLog(ctx, jobID, params.OutputLog)
	if err != nil {
		logger.Warn("Cannot open output log of orphaned job", "error", err)
		return
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "ERROR: process lost when the runner stopped; job marked as failed at %s\n",
		s.now().UTC().Format(time.RFC3339)); err != nil {
		logger.Warn("Cannot write output log of orphaned job", "error", err)
	}
}
