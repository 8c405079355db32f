package supervisor

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mattjoyce/aoa-runner/internal/job"
)

// State is the supervisor-side lifecycle of one tool process.
type State string

const (
	StateSpawned       State = "spawned"
	StateRunning       State = "running"
	StateSucceeded     State = "succeeded"
	StateFailedExit    State = "failed-exit"
	StateFailedToStart State = "failed-to-start"
)

// JobStatus maps a process state to the persisted job status.
func (s State) JobStatus() job.Status {
	switch s {
	case StateSucceeded:
		return job.StatusSuccess
	case StateFailedExit, StateFailedToStart:
		return job.StatusError
	default:
		return job.StatusRunning
	}
}

// Result is the outcome of a finished process.
type Result struct {
	JobID    string     `json:"id"`
	Status   job.Status `json:"status"`
	State    State      `json:"state"`
	ExitCode int        `json:"exit_code"`
	Signal   string     `json:"signal,omitempty"`
	Err      string     `json:"error,omitempty"`
	Finished time.Time  `json:"finished"`
}

// Snapshot is a point-in-time view of a live process.
type Snapshot struct {
	JobID   string    `json:"id"`
	Owner   string    `json:"owner"`
	PID     int       `json:"pid"`
	State   State     `json:"state"`
	Started time.Time `json:"started"`
}

// Handle tracks one launched job.
type Handle struct {
	JobID string
	Owner string

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	started time.Time
	result  Result

	spawned    chan struct{}
	done       chan struct{}
	cancelOnce sync.Once
}

func newHandle(jobID, owner string) *Handle {
	return &Handle{
		JobID:   jobID,
		Owner:   owner,
		state:   StateSpawned,
		spawned: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (h *Handle) start(cmd *exec.Cmd, at time.Time) {
	h.mu.Lock()
	h.cmd = cmd
	h.state = StateRunning
	h.started = at
	h.mu.Unlock()
	close(h.spawned)
}

func (h *Handle) finish(res Result) {
	h.mu.Lock()
	h.state = res.State
	h.result = res
	wasSpawned := h.cmd != nil
	h.mu.Unlock()
	if !wasSpawned {
		close(h.spawned)
	}
	close(h.done)
}

// process waits until the process is started or the launch failed, and
// returns the OS process or nil.
func (h *Handle) process() *os.Process {
	select {
	case <-h.spawned:
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.result.State != "" {
		return nil
	}
	return h.cmd.Process
}

// Done is closed once the job has been finalized.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (h *Handle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Snapshot returns a view of the handle for status endpoints.
func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := Snapshot{JobID: h.JobID, Owner: h.Owner, State: h.state, Started: h.started}
	if h.cmd != nil && h.cmd.Process != nil {
		snap.PID = h.cmd.Process.Pid
	}
	return snap
}
