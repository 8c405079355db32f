package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks runner health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Store         string
	RunningJobs   int
	Connected     bool
	LastCheck     time.Time
	LastEvent     time.Time
}

func renderHeader(health HealthState, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.Success.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.Failure.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.Failure.Render("DEGRADED")
	}

	lastEventStr := "never"
	if !health.LastEvent.IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", now.Sub(health.LastEvent).Round(time.Second))
	}

	clock := theme.Dim.Render(now.Format("15:04:05"))
	titleText := " AOA-RUNNER WATCH"
	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	store := health.Store
	if store == "" {
		store = "?"
	}
	statsLine := fmt.Sprintf(" %s  up %s  store: %s  running: %d  last event: %s",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		store,
		health.RunningJobs,
		lastEventStr,
	)

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
