package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/aoa-runner/internal/events"
	"github.com/mattjoyce/aoa-runner/internal/job"
	"github.com/mattjoyce/aoa-runner/internal/log"
	"github.com/mattjoyce/aoa-runner/internal/params"
	"github.com/mattjoyce/aoa-runner/internal/workspace"
)

const (
	// defaultTerminationGrace is the time we wait after SIGTERM before sending SIGKILL.
	defaultTerminationGrace = 5 * time.Second

	// finalizeTimeout bounds the status write after a process exits.
	finalizeTimeout = 10 * time.Second

	// pipeWaitDelay bounds how long Wait keeps reading output held open by
	// descendants after the tool itself has exited.
	pipeWaitDelay = 2 * time.Second
)

var (
	ErrShuttingDown   = errors.New("supervisor is shutting down")
	ErrAlreadyRunning = errors.New("job already has a running process")
	ErrNotRunning     = errors.New("job has no running process")
)

// StatusStore records the terminal status of a job.
type StatusStore interface {
	UpdateByID(ctx context.Context, id string, patch job.Patch) (int64, error)
}

// LogOpener opens a job's append-only output log.
type LogOpener interface {
	OpenLog(ctx context.Context, jobID, name string) (*os.File, error)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(eventType, owner string, data any)
}

// Config describes how the tool is invoked. The job id is appended as the
// final argument.
type Config struct {
	Command          string
	Args             []string
	Env              []string
	TerminationGrace time.Duration
}

// Supervisor launches and tracks tool processes, one per job.
type Supervisor struct {
	cfg    Config
	store  StatusStore
	logs   LogOpener
	events Publisher
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	procs   map[string]*Handle
	closing bool
	wg      sync.WaitGroup
}

// New creates a Supervisor. events may be nil.
func New(cfg Config, store StatusStore, logs LogOpener, pub Publisher) *Supervisor {
	if cfg.TerminationGrace <= 0 {
		cfg.TerminationGrace = defaultTerminationGrace
	}
	return &Supervisor{
		cfg:    cfg,
		store:  store,
		logs:   logs,
		events: pub,
		logger: log.WithComponent("supervisor"),
		now:    time.Now,
		procs:  make(map[string]*Handle),
	}
}

// Launch spawns the tool for ws and returns without waiting for it. Only
// shutdown and duplicate launches are reported as errors; spawn failures are
// recorded in the job's log and status.
func (s *Supervisor) Launch(ctx context.Context, ws workspace.Workspace, owner string) (*Handle, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, ok := s.procs[ws.JobID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("job %s: %w", ws.JobID, ErrAlreadyRunning)
	}
	h := newHandle(ws.JobID, owner)
	s.procs[ws.JobID] = h
	s.wg.Add(1)
	s.mu.Unlock()

	logger := log.WithJob(ws.JobID).With("component", "supervisor")

	// The tool outlives the request that launched it.
	ctx = context.WithoutCancel(ctx)

	logFile, err := s.logs.OpenLog(ctx, ws.JobID, params.OutputLog)
	if err != nil {
		logger.Error("failed to open output log", "error", err)
		go s.finalize(h, nil, Result{State: StateFailedToStart, ExitCode: -1, Err: err.Error()}, logger)
		return h, nil
	}
	out := &logWriter{f: logFile}

	args := append(append([]string{}, s.cfg.Args...), ws.JobID)
	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Dir = ws.Dir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = pipeWaitDelay

	logger.Debug("spawning tool", "command", s.cfg.Command, "args", args, "dir", ws.Dir)

	if err := cmd.Start(); err != nil {
		logger.Error("failed to start tool", "error", err)
		fmt.Fprintf(out, "ERROR: failed to start %s: %v\n", s.cfg.Command, err)
		go s.finalize(h, out, Result{State: StateFailedToStart, ExitCode: -1, Err: err.Error()}, logger)
		return h, nil
	}

	h.start(cmd, s.now())
	logger.Info("tool started", "pid", cmd.Process.Pid)
	s.publish(events.JobStarted, owner, map[string]any{"id": ws.JobID, "pid": cmd.Process.Pid})

	go s.wait(h, cmd, out, logger)
	return h, nil
}

func (s *Supervisor) wait(h *Handle, cmd *exec.Cmd, out *logWriter, logger *slog.Logger) {
	err := cmd.Wait()
	// Anything the tool left behind in its group goes with it.
	if kerr := signalGroup(cmd.Process.Pid, syscall.SIGKILL); kerr != nil {
		logger.Warn("failed to kill leftover tool processes", "error", kerr)
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		logger.Warn("tool exited but descendants kept its output open")
		err = nil
	}
	res := exitResult(err)
	if res.State == StateFailedExit {
		logger.Warn("tool exited with failure", "exit_code", res.ExitCode, "signal", res.Signal)
	} else {
		logger.Info("tool exited", "exit_code", res.ExitCode)
	}
	s.finalize(h, out, res, logger)
}

// finalize writes the summary line, closes the log, records the status and
// releases the handle. It runs exactly once per launched job.
func (s *Supervisor) finalize(h *Handle, out *logWriter, res Result, logger *slog.Logger) {
	defer s.wg.Done()

	res.JobID = h.JobID
	res.Status = res.State.JobStatus()
	res.Finished = s.now().UTC()

	if out != nil {
		fmt.Fprintf(out, "Process exited with code %d (signal %s)\n", res.ExitCode, signalOrNone(res.Signal))
		if err := out.Close(); err != nil {
			logger.Warn("failed to close output log", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	matched, err := s.store.UpdateByID(ctx, h.JobID, job.Finish(res.Status, res.Finished))
	cancel()
	switch {
	case err != nil:
		logger.Error("failed to record job status", "status", res.Status, "error", err)
	case matched == 0:
		logger.Warn("no running job record matched status update", "status", res.Status)
	default:
		logger.Info("job finished", "status", res.Status)
	}

	s.mu.Lock()
	delete(s.procs, h.JobID)
	s.mu.Unlock()

	h.finish(res)
	s.publish(events.JobFinished, h.Owner, res)
}

// Cancel starts terminating the process group of jobID and returns
// immediately. The group gets SIGTERM, then SIGKILL after the grace period.
func (s *Supervisor) Cancel(jobID string) error {
	s.mu.Lock()
	h, ok := s.procs[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotRunning)
	}
	s.terminate(h)
	return nil
}

func (s *Supervisor) terminate(h *Handle) {
	// The goroutine ends once h is finalized, which the wait group covers.
	h.cancelOnce.Do(func() {
		go func() {
			logger := log.WithJob(h.JobID).With("component", "supervisor")

			proc := h.process()
			if proc == nil {
				// Not spawned or already finalizing.
				return
			}
			logger.Info("terminating tool, sending SIGTERM")
			if err := signalGroup(proc.Pid, syscall.SIGTERM); err != nil {
				logger.Error("failed to send SIGTERM", "error", err)
			}

			grace := time.NewTimer(s.cfg.TerminationGrace)
			defer grace.Stop()

			select {
			case <-h.done:
				logger.Info("tool exited after SIGTERM")
			case <-grace.C:
				logger.Warn("tool did not exit after SIGTERM, sending SIGKILL")
				if err := signalGroup(proc.Pid, syscall.SIGKILL); err != nil {
					logger.Error("failed to send SIGKILL", "error", err)
				}
				<-h.done
			}
		}()
	})
}

// Running returns a snapshot of live processes ordered by job id.
func (s *Supervisor) Running() []Snapshot {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.procs))
	for _, h := range s.procs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// IsRunning reports whether jobID has a live process.
func (s *Supervisor) IsRunning(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[jobID]
	return ok
}

// Shutdown refuses new launches, terminates every live process and waits
// for all finalizers, or until ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	handles := make([]*Handle, 0, len(s.procs))
	for _, h := range s.procs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		s.terminate(h)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) publish(eventType, owner string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, owner, data)
	}
}

// signalGroup sends sig to the process group led by pid. A group that has
// already exited is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// exitResult classifies the error returned by cmd.Wait.
func exitResult(err error) Result {
	if err == nil {
		return Result{State: StateSucceeded, ExitCode: 0}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res := Result{State: StateFailedExit, ExitCode: exitErr.ExitCode()}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = signalName(ws.Signal())
		}
		return res
	}
	return Result{State: StateFailedExit, ExitCode: -1, Err: err.Error()}
}

var signalNames = map[syscall.Signal]string{
	syscall.SIGHUP:  "SIGHUP",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGQUIT: "SIGQUIT",
	syscall.SIGABRT: "SIGABRT",
	syscall.SIGKILL: "SIGKILL",
	syscall.SIGSEGV: "SIGSEGV",
	syscall.SIGPIPE: "SIGPIPE",
	syscall.SIGTERM: "SIGTERM",
}

func signalName(sig syscall.Signal) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return strings.ToUpper(sig.String())
}

func signalOrNone(sig string) string {
	if sig == "" {
		return "none"
	}
	return sig
}

// logWriter serializes stdout and stderr chunks into one file.
type logWriter struct {
	mu     sync.Mutex
	f      *os.File
	closed bool
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, os.ErrClosed
	}
	return w.f.Write(p)
}

func (w *logWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}
