// Package ui provides terminal output styling for the outbox CLI.
package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/tasknest/outbox/internal/record"
)

var (
	colorAccent  = lipgloss.Color("#20B9B4")
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#6C7A80")
)

var (
	styleTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	styleAccent  = lipgloss.NewStyle().Foreground(colorAccent)
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleError   = lipgloss.NewStyle().Foreground(colorError)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorAccent).
			Padding(0, 1)
)

// RenderTitle styles a section heading.
func RenderTitle(s string) string { return styleTitle.Render(s) }

// RenderAccent styles brand-colored text.
func RenderAccent(s string) string { return styleAccent.Render(s) }

// RenderSuccess styles success text.
func RenderSuccess(s string) string { return styleSuccess.Render(s) }

// RenderWarning styles warning text.
func RenderWarning(s string) string { return styleWarning.Render(s) }

// RenderError styles error text.
func RenderError(s string) string { return styleError.Render(s) }

// RenderMuted styles de-emphasized text.
func RenderMuted(s string) string { return styleMuted.Render(s) }

// RenderBox draws content inside a rounded border.
func RenderBox(s string) string { return styleBox.Render(s) }

// RenderSyncStatus colors an entity sync status for listings.
func RenderSyncStatus(s record.SyncStatus) string {
	switch s {
	case record.StatusSynced:
		return styleSuccess.Render(string(s))
	case record.StatusPending, record.StatusSyncing:
		return styleWarning.Render(string(s))
	case record.StatusError, record.StatusConflict:
		return styleError.Render(string(s))
	default:
		return string(s)
	}
}

// RenderMutationStatus colors a queue item status for listings.
func RenderMutationStatus(s record.MutationStatus) string {
	switch s {
	case record.MutationCompleted:
		return styleSuccess.Render(string(s))
	case record.MutationPending, record.MutationProcessing:
		return styleWarning.Render(string(s))
	case record.MutationFailed:
		return styleError.Render(string(s))
	default:
		return string(s)
	}
}
