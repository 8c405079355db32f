// Package supervisor launches the external analysis tool for a job and owns
// the process until it exits.
//
// Each launch is detached from the caller: Launch returns as soon as the
// process is spawned. Stdout and stderr chunks are appended verbatim to the
// workspace's output log. When the process ends the supervisor appends a
// summary line, closes the log and records the terminal job status.
//
// Per-job state machine:
//
//	spawned → running → succeeded | failed-exit | failed-to-start
//
// Exit code 0 maps to job status success; anything else, including a
// process killed by a signal, maps to error. Start failures write an
// "ERROR:" line to the log and are finalized the same way.
//
// The tool runs in its own process group. Termination (Cancel, Shutdown)
// sends SIGTERM to the group, waits the configured grace period and then
// sends SIGKILL. Descendants still alive when the tool exits are killed.
//
// Recording the terminal status is best-effort: a store failure is logged
// and not retried.
package supervisor
