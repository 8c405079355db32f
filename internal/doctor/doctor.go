// Package doctor checks that a runner configuration can actually run jobs on
// this host.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/aoa-runner/internal/config"
	"github.com/mattjoyce/aoa-runner/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the host.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
	checkFS  func(string) error
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:      cfg,
		lookPath: exec.LookPath,
		checkFS:  storage.CheckLocalFilesystem,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateTool(r)
	d.validateJobsDir(r)
	d.validateState(r)
	d.validateAuth(r)
	d.validateUploads(r)
	d.warnLifecycle(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateTool checks that the analysis tool resolves to an executable.
func (d *Doctor) validateTool(r *Result) {
	cmd := d.cfg.Jobs.Tool.Command
	if cmd == "" {
		d.addError(r, "tool", "jobs.tool.command", "jobs.tool.command is required")
		return
	}
	if _, err := d.lookPath(cmd); err != nil {
		d.addError(r, "tool", "jobs.tool.command", fmt.Sprintf("analysis tool %q not executable: %v", cmd, err))
	}
}

// validateJobsDir checks that workspaces can be created under jobs.dir.
func (d *Doctor) validateJobsDir(r *Result) {
	dir := d.cfg.Jobs.Dir
	if dir == "" {
		d.addError(r, "jobs", "jobs.dir", "jobs.dir is required")
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.addError(r, "jobs", "jobs.dir", fmt.Sprintf("cannot create jobs directory: %v", err))
		return
	}
	scratch, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		d.addError(r, "jobs", "jobs.dir", fmt.Sprintf("jobs directory not writable: %v", err))
		return
	}
	_ = scratch.Close()
	_ = os.Remove(scratch.Name())

	if err := d.checkFS(dir); err != nil {
		d.addError(r, "jobs", "jobs.dir", err.Error())
	}
}

// validateState checks the store location.
func (d *Doctor) validateState(r *Result) {
	switch d.cfg.State.Driver {
	case "sqlite":
		dir := filepath.Dir(d.cfg.State.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			d.addError(r, "state", "state.path", fmt.Sprintf("cannot create state directory: %v", err))
			return
		}
		if err := d.checkFS(dir); err != nil {
			d.addError(r, "state", "state.path", err.Error())
		}
	case "postgres":
		if strings.Contains(d.cfg.State.PostgresURL, "${") {
			d.addError(r, "state", "state.postgres_url", "postgres_url contains an unresolved environment variable")
		}
	default:
		d.addError(r, "state", "state.driver", fmt.Sprintf("unknown driver %q", d.cfg.State.Driver))
	}
}

// validateAuth checks that callers can authenticate at all.
func (d *Doctor) validateAuth(r *Result) {
	if len(d.cfg.API.Tokens) == 0 {
		d.addWarning(r, "api", "api.tokens", "no API tokens configured; every job route will reject requests")
		return
	}
	for i, token := range d.cfg.API.Tokens {
		for _, scope := range token.Scopes {
			if scope == "*" {
				d.addWarning(r, "api", fmt.Sprintf("api.tokens[%d].scopes", i),
					fmt.Sprintf("token for owner %q has wildcard scope", token.Owner))
			}
		}
	}
}

// validateUploads checks that each upload slot accepts something.
func (d *Doctor) validateUploads(r *Result) {
	if d.cfg.Uploads.MaxSizeMB <= 0 {
		d.addError(r, "uploads", "uploads.max_size_mb", "max_size_mb must be positive")
	}
	if int64(d.cfg.Uploads.MaxSizeMB) > int64(d.cfg.API.MaxBodyMB) {
		d.addWarning(r, "uploads", "uploads.max_size_mb",
			fmt.Sprintf("upload limit %d MB exceeds api.max_body_mb %d MB", d.cfg.Uploads.MaxSizeMB, d.cfg.API.MaxBodyMB))
	}
	slots := []struct {
		field string
		types []string
	}{
		{"uploads.samples.mime_types", d.cfg.Uploads.Samples.MIMETypes},
		{"uploads.model.mime_types", d.cfg.Uploads.Model.MIMETypes},
	}
	for _, s := range slots {
		if len(s.types) == 0 {
			d.addError(r, "uploads", s.field, "no MIME types allowed; every upload will be rejected")
		}
	}
}

// warnLifecycle flags settings that make job cleanup surprising.
func (d *Doctor) warnLifecycle(r *Result) {
	if d.cfg.Jobs.TerminationGrace == 0 {
		d.addWarning(r, "jobs", "jobs.termination_grace", "deleted jobs are killed without a grace period")
	}
	if !d.cfg.Jobs.OrphanRecovery {
		d.addWarning(r, "jobs", "jobs.orphan_recovery", "jobs running during a crash stay in status running")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
