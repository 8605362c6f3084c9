// Package tui implements the live dump viewer behind `dumpsys watch`.
package tui

import "github.com/charmbracelet/lipgloss"

// Theme keeps every style of the viewer in one place.
type Theme struct {
	StatusOK     lipgloss.Style
	StatusFailed lipgloss.Style
	StatusBusy   lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style
}

func NewDefaultTheme() Theme {
	return Theme{
		StatusOK:     lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusFailed: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusBusy:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}
