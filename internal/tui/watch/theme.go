// Package watch implements the aoa-runner job watch TUI.
package watch

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/aoa-runner/internal/job"
)

// Theme holds the watch palette. Job states map onto Success, Active and
// Failure; everything else renders Dim.
type Theme struct {
	Success lipgloss.Style
	Active  lipgloss.Style
	Failure lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style
	Accent lipgloss.Style

	accent lipgloss.Color
}

func NewDefaultTheme() Theme {
	accent := lipgloss.Color("#2E9E6B")

	return Theme{
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD75F")),
		Active:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD75F")),
		Failure: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")).Bold(true),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#EEEEEE")).
			Padding(0, 1),
		Dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("#808080")),
		Accent: lipgloss.NewStyle().Foreground(accent),
		accent: accent,
	}
}

// StatusStyle picks the style for a job status.
func (t Theme) StatusStyle(status string) lipgloss.Style {
	switch job.Status(status) {
	case job.StatusSuccess:
		return t.Success
	case job.StatusError:
		return t.Failure
	case job.StatusRunning:
		return t.Active
	default:
		return t.Dim
	}
}

// TableStyles styles the job table in the theme's accent.
func (t Theme) TableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(t.accent).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#101010")).
		Background(t.accent)
	return s
}
