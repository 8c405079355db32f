package inspect

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mattjoyce/aoa-runner/internal/job"
	"github.com/mattjoyce/aoa-runner/internal/params"
	"github.com/mattjoyce/aoa-runner/internal/workspace"
)

// DefaultTailLines is how much of the output log a report shows.
const DefaultTailLines = 20

// JobFinder resolves a job regardless of owner.
type JobFinder interface {
	Lookup(ctx context.Context, id string) (*job.Job, error)
}

// Files reads a job's workspace.
type Files interface {
	Open(ctx context.Context, jobID string) (workspace.Workspace, error)
	List(ctx context.Context, jobID string) ([]workspace.FileInfo, error)
	OpenFile(ctx context.Context, jobID, name string) (io.ReadSeekCloser, workspace.FileInfo, error)
}

// Report is the structured JSON representation of a job report.
type Report struct {
	JobID     string               `json:"job_id"`
	Owner     string               `json:"owner"`
	Status    job.Status           `json:"status"`
	Created   time.Time            `json:"created"`
	Finished  *time.Time           `json:"finished,omitempty"`
	Duration  string               `json:"duration,omitempty"`
	Config    job.Config           `json:"config"`
	Workspace string               `json:"workspace,omitempty"`
	Files     []workspace.FileInfo `json:"files"`
	LogTail   []string             `json:"log_tail,omitempty"`
}

// BuildReport renders a terminal-friendly report for a job.
func BuildReport(ctx context.Context, jobs JobFinder, files Files, jobID string, tail int) (string, error) {
	report, err := gatherReportData(ctx, jobs, files, jobID, tail)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", report.JobID)
	fmt.Fprintf(&out, "Name        : %s\n", renderUnset(report.Config.Name, "<unnamed>"))
	fmt.Fprintf(&out, "Owner       : %s\n", report.Owner)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Created     : %s\n", report.Created.Format(time.RFC3339))
	if report.Finished != nil {
		fmt.Fprintf(&out, "Finished    : %s (%s)\n", report.Finished.Format(time.RFC3339), report.Duration)
	} else {
		fmt.Fprintf(&out, "Finished    : <running>\n")
	}
	fmt.Fprintf(&out, "Workspace   : %s\n", renderUnset(report.Workspace, "<missing>"))
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Parameters  :\n")
	fmt.Fprintf(&out, "    pretrained : %t\n", report.Config.UsePretrainedModel)
	fmt.Fprintf(&out, "    lookup     : %t\n", report.Config.UseLookup)
	if report.Config.RandomForest != nil {
		fmt.Fprintf(&out, "    n_tree     : %d\n", report.Config.RandomForest.NTree)
		fmt.Fprintf(&out, "    cv_folds   : %d\n", report.Config.RandomForest.CrossValidationFolds)
	}
	fmt.Fprintf(&out, "\n")

	if len(report.Files) == 0 {
		fmt.Fprintf(&out, "Files       : <none>\n")
	} else {
		fmt.Fprintf(&out, "Files       :\n")
		for _, f := range report.Files {
			fmt.Fprintf(&out, "    - %-24s %10d  %s\n", f.Name, f.Size, shortDigest(f.Digest))
		}
	}

	if len(report.LogTail) > 0 {
		fmt.Fprintf(&out, "\n%s (last %d lines):\n", params.OutputLog, len(report.LogTail))
		for _, line := range report.LogTail {
			fmt.Fprintf(&out, "    %s\n", line)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable job report.
func BuildJSONReport(ctx context.Context, jobs JobFinder, files Files, jobID string, tail int) (string, error) {
	report, err := gatherReportData(ctx, jobs, files, jobID, tail)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, jobs JobFinder, files Files, jobID string, tail int) (*Report, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	j, err := jobs.Lookup(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", jobID, err)
	}

	report := &Report{
		JobID:    j.ID,
		Owner:    j.Owner,
		Status:   j.Status,
		Created:  j.Created,
		Finished: j.Finished,
		Config:   j.Config,
		Files:    make([]workspace.FileInfo, 0),
	}
	if j.Finished != nil {
		report.Duration = j.Finished.Sub(j.Created).Round(time.Second).String()
	}

	ws, err := files.Open(ctx, jobID)
	if errors.Is(err, workspace.ErrNotFound) {
		return report, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	report.Workspace = ws.Dir

	listed, err := files.List(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list workspace: %w", err)
	}
	report.Files = listed

	if tail > 0 {
		report.LogTail, err = tailLog(ctx, files, jobID, tail)
		if err != nil {
			return nil, err
		}
	}
	return report, nil
}

// tailLog returns the last n lines of the output log. A missing log is empty.
func tailLog(ctx context.Context, files Files, jobID string, n int) ([]string, error) {
	rc, _, err := files.OpenFile(ctx, jobID, params.OutputLog)
	if errors.Is(err, workspace.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open output log: %w", err)
	}
	defer rc.Close()

	lines := make([]string, 0, n)
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(lines) == n {
			lines = lines[1:]
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read output log: %w", err)
	}
	return lines, nil
}

func shortDigest(d string) string {
	if len(d) <= 12 {
		return d
	}
	return d[:12]
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
