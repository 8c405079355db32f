// Package coordinator sequences job creation and deletion across the store,
// the workspace and the process supervisor, and owns the rollback policy.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mattjoyce/aoa-runner/internal/events"
	"github.com/mattjoyce/aoa-runner/internal/job"
	"github.com/mattjoyce/aoa-runner/internal/log"
	"github.com/mattjoyce/aoa-runner/internal/params"
	"github.com/mattjoyce/aoa-runner/internal/storage"
	"github.com/mattjoyce/aoa-runner/internal/supervisor"
	"github.com/mattjoyce/aoa-runner/internal/upload"
	"github.com/mattjoyce/aoa-runner/internal/workspace"
)

// Uploads carries the optional files supplied with a new job.
type Uploads struct {
	Samples *upload.File
	Model   *upload.File
}

// Policies holds one upload policy per slot.
type Policies struct {
	Samples upload.Policy
	Model   upload.Policy
}

// Service exposes the job operations behind the HTTP layer.
type Service struct {
	store      JobStore
	workspaces Workspaces
	launcher   Launcher
	events     Publisher
	policies   Policies
	logger     *slog.Logger
}

// New creates a Service. pub may be nil.
func New(store JobStore, ws Workspaces, launcher Launcher, policies Policies, pub Publisher) *Service {
	return &Service{
		store:      store,
		workspaces: ws,
		launcher:   launcher,
		events:     pub,
		policies:   policies,
		logger:     log.WithComponent("coordinator"),
	}
}

// Create validates raw and the uploads, records the job, provisions its
// workspace and launches the tool. It returns as soon as the tool is
// spawned. Any provisioning failure removes the record and the workspace.
func (s *Service) Create(ctx context.Context, raw []byte, files Uploads, owner string) (*job.Job, error) {
	cfg, err := job.DecodeConfig(raw)
	if err != nil {
		return nil, err
	}

	if err := s.policies.Samples.Validate(files.Samples); err != nil {
		return nil, job.BadRequest(err.Error(), err)
	}
	if err := s.policies.Model.Validate(files.Model); err != nil {
		return nil, job.BadRequest(err.Error(), err)
	}
	if err := checkInputs(cfg, files); err != nil {
		return nil, err
	}

	j := &job.Job{Owner: owner, Status: job.StatusRunning, Config: cfg}
	id, err := s.store.Insert(ctx, j)
	if err != nil {
		return nil, job.Internal("Unable to create job", err)
	}
	j.ID = id
	logger := s.logger.With("job_id", id, "owner", owner)

	ws, err := s.provision(ctx, j, files)
	if err != nil {
		s.rollback(ctx, j, logger)
		logger.Error("job provisioning failed", "error", err)
		return nil, job.Internal("Unable to create job workspace", err)
	}

	if _, err := s.launcher.Launch(ctx, ws, owner); err != nil {
		s.rollback(ctx, j, logger)
		logger.Error("job launch failed", "error", err)
		return nil, job.Internal("Unable to start job", err)
	}

	logger.Info("job created", "name", j.Name)
	s.publish(events.JobCreated, owner, j)
	return j, nil
}

// checkInputs enforces the rules between use_pretrained_model and the
// training inputs.
func checkInputs(cfg job.Config, files Uploads) error {
	if cfg.UsePretrainedModel {
		if files.Model == nil && cfg.Model == "" {
			return job.BadRequest("A model file or model reference is required when use_pretrained_model is true", nil)
		}
		return nil
	}
	if cfg.RandomForest == nil {
		return job.BadRequest("random_forrest parameters are required when use_pretrained_model is false", nil)
	}
	if files.Samples == nil && cfg.Samples == "" {
		return job.BadRequest("A samples file or samples reference is required when use_pretrained_model is false", nil)
	}
	return nil
}

type artifact struct {
	name string
	data []byte
}

// provision creates the workspace and writes every input before the tool
// can observe it.
func (s *Service) provision(ctx context.Context, j *job.Job, files Uploads) (workspace.Workspace, error) {
	doc := params.Translate(j.Config, files.Samples)
	if files.Model != nil {
		doc.Model = params.ModelFile
	}
	paramData, err := params.Marshal(doc)
	if err != nil {
		return workspace.Workspace{}, fmt.Errorf("marshal parameters: %w", err)
	}

	ws, err := s.workspaces.Create(ctx, j.ID)
	if err != nil {
		return workspace.Workspace{}, err
	}

	writes := []artifact{
		{params.ParamFile, paramData},
		{params.AOIFile, j.AreaOfInterest},
	}
	if files.Samples != nil {
		writes = append(writes, artifact{doc.Samples, files.Samples.Data})
	}
	if files.Model != nil {
		writes = append(writes, artifact{params.ModelFile, files.Model.Data})
	}

	for _, w := range writes {
		if err := s.workspaces.WriteFile(ctx, j.ID, w.name, w.data); err != nil {
			return workspace.Workspace{}, fmt.Errorf("write %s: %w", w.name, err)
		}
	}
	return ws, nil
}

// rollback removes the record and any partial workspace. It ignores caller
// cancellation so a dropped request cannot leave half a job behind.
func (s *Service) rollback(ctx context.Context, j *job.Job, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.store.DeleteByID(ctx, j.ID, j.Owner); err != nil {
		logger.Error("rollback: failed to delete job record", "error", err)
	}
	if err := s.workspaces.Destroy(ctx, j.ID); err != nil {
		logger.Error("rollback: failed to remove workspace", "error", err)
	}
}

// Get returns the owner's job with id.
func (s *Service) Get(ctx context.Context, id, owner string) (*job.Job, error) {
	j, err := s.store.FindByID(ctx, id, owner)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, job.NotFound("Unable to find job")
	}
	if err != nil {
		return nil, job.Internal("Unable to load job", err)
	}
	return j, nil
}

// List returns the owner's jobs, newest first.
func (s *Service) List(ctx context.Context, owner string) ([]job.Job, error) {
	jobs, err := s.store.FindAll(ctx, owner)
	if err != nil {
		return nil, job.Internal("Unable to list jobs", err)
	}
	return jobs, nil
}

// Delete removes the owner's job record, stops its process if one is still
// running and then removes the workspace. Workspace failures are logged;
// the deletion count is returned regardless.
func (s *Service) Delete(ctx context.Context, id, owner string) (job.DeleteResult, error) {
	n, err := s.store.DeleteByID(ctx, id, owner)
	if err != nil {
		return job.DeleteResult{}, job.Internal("Unable to delete job", err)
	}
	if n == 0 {
		return job.DeleteResult{DeletedCount: 0}, nil
	}

	logger := s.logger.With("job_id", id, "owner", owner)
	if err := s.launcher.Cancel(id); err == nil {
		logger.Info("terminating running process of deleted job")
	} else if !errors.Is(err, supervisor.ErrNotRunning) {
		logger.Warn("failed to cancel process", "error", err)
	}

	if err := s.workspaces.Destroy(context.WithoutCancel(ctx), id); err != nil {
		logger.Error("failed to remove workspace of deleted job", "error", err)
	}

	logger.Info("job deleted")
	result := job.DeleteResult{DeletedCount: n}
	s.publish(events.JobDeleted, owner, map[string]any{"id": id, "deletedCount": n})
	return result, nil
}

// Files lists the whitelisted files of the owner's job.
func (s *Service) Files(ctx context.Context, id, owner string) ([]workspace.FileInfo, error) {
	if _, err := s.Get(ctx, id, owner); err != nil {
		return nil, err
	}
	files, err := s.workspaces.List(ctx, id)
	if errors.Is(err, workspace.ErrNotFound) {
		return nil, job.NotFound("Unable to find job files")
	}
	if err != nil {
		return nil, job.Internal("Unable to list job files", err)
	}
	return files, nil
}

// File opens one whitelisted file of the owner's job.
func (s *Service) File(ctx context.Context, id, owner, name string) (io.ReadSeekCloser, workspace.FileInfo, error) {
	if _, err := s.Get(ctx, id, owner); err != nil {
		return nil, workspace.FileInfo{}, err
	}
	rc, info, err := s.workspaces.OpenFile(ctx, id, name)
	if errors.Is(err, workspace.ErrNotFound) {
		return nil, workspace.FileInfo{}, job.NotFound("Unable to find job file")
	}
	if err != nil {
		return nil, workspace.FileInfo{}, job.Internal("Unable to open job file", err)
	}
	return rc, info, nil
}

func (s *Service) publish(eventType, owner string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, owner, data)
	}
}
