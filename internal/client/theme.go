package client

import "github.com/charmbracelet/lipgloss"

// Theme styles the human-readable probe report. lipgloss drops the colors
// on its own when stdout is not a terminal or NO_COLOR is set.
type Theme struct {
	StatusOK     lipgloss.Style
	StatusFailed lipgloss.Style
	Title        lipgloss.Style
	Dim          lipgloss.Style
}

func NewDefaultTheme() Theme {
	return Theme{
		StatusOK:     lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusFailed: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	}
}

// PlainTheme renders the report without any styling.
func PlainTheme() Theme {
	plain := lipgloss.NewStyle()
	return Theme{StatusOK: plain, StatusFailed: plain, Title: plain, Dim: plain}
}
