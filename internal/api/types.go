package api

import "github.com/mattjoyce/aoa-runner/internal/workspace"

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	Stack      string `json:"stack,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Store         string `json:"store"`
	RunningJobs   int    `json:"running_jobs"`
}

// FilesResponse is returned by GET /jobs/{jobID}/files.
type FilesResponse struct {
	Files []workspace.FileInfo `json:"files"`
}
