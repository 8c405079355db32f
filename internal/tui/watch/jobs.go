package watch

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/aoa-runner/internal/events"
	"github.com/mattjoyce/aoa-runner/internal/job"
)

// JobRow is the watch view of one job.
type JobRow struct {
	ID       string
	Name     string
	Status   string
	Created  time.Time
	Finished time.Time
	ExitCode *int
}

// eventPayload covers the fields published by every job event.
type eventPayload struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Status   string     `json:"status"`
	Created  time.Time  `json:"created"`
	Finished *time.Time `json:"finished"`
	ExitCode *int       `json:"exit_code"`
}

// replaceJobs resets the table state from a GET /jobs listing.
func replaceJobs(list []job.Job) map[string]*JobRow {
	rows := make(map[string]*JobRow, len(list))
	for _, j := range list {
		row := &JobRow{ID: j.ID, Name: j.Name, Status: string(j.Status), Created: j.Created}
		if j.Finished != nil {
			row.Finished = *j.Finished
		}
		rows[j.ID] = row
	}
	return rows
}

// applyEvent folds one lifecycle event into rows.
func applyEvent(rows map[string]*JobRow, e events.Event) {
	var p eventPayload
	if err := json.Unmarshal(e.Data, &p); err != nil || p.ID == "" {
		return
	}

	if e.Type == events.JobDeleted {
		delete(rows, p.ID)
		return
	}

	row, ok := rows[p.ID]
	if !ok {
		row = &JobRow{ID: p.ID, Status: string(job.StatusRunning), Created: e.At}
		rows[p.ID] = row
	}
	if p.Name != "" {
		row.Name = p.Name
	}
	if !p.Created.IsZero() {
		row.Created = p.Created
	}

	switch e.Type {
	case events.JobCreated, events.JobStarted:
		if row.Finished.IsZero() {
			row.Status = string(job.StatusRunning)
		}
	case events.JobFinished:
		if p.Status != "" {
			row.Status = p.Status
		}
		row.ExitCode = p.ExitCode
		row.Finished = e.At
		if p.Finished != nil {
			row.Finished = *p.Finished
		}
	}
}

// sortedRows returns rows newest first.
func sortedRows(rows map[string]*JobRow) []*JobRow {
	out := make([]*JobRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID > out[j].ID
		}
		return out[i].Created.After(out[j].Created)
	})
	return out
}

func newJobTable(theme Theme) table.Model {
	return table.New(
		table.WithColumns(jobColumns()),
		table.WithFocused(true),
		table.WithHeight(12),
		table.WithStyles(theme.TableStyles()),
	)
}

func jobColumns() []table.Column {
	return []table.Column{
		{Title: "ID", Width: 10},
		{Title: "Name", Width: 28},
		{Title: "Status", Width: 9},
		{Title: "Created", Width: 19},
		{Title: "Duration", Width: 10},
		{Title: "Exit", Width: 5},
	}
}

// tableRows renders rows for the bubbles table.
func tableRows(rows []*JobRow, now time.Time) []table.Row {
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		end := now
		if !r.Finished.IsZero() {
			end = r.Finished
		}
		duration := ""
		if !r.Created.IsZero() {
			duration = formatDuration(end.Sub(r.Created))
		}
		created := ""
		if !r.Created.IsZero() {
			created = r.Created.Local().Format("2006-01-02 15:04:05")
		}
		exit := ""
		if r.ExitCode != nil {
			exit = itoa(*r.ExitCode)
		}
		out = append(out, table.Row{id, r.Name, r.Status, created, duration, exit})
	}
	return out
}
