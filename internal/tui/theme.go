package tui

import "github.com/charmbracelet/lipgloss"

// Theme keeps the progress view's styles in one place.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusIdle    lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style
	Bar    lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")
	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusIdle:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(purple).Padding(0, 1),
		Title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")),
		Dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Bar:    lipgloss.NewStyle().Foreground(purple),
	}
}

// stateStyle colors a session state name.
func (t Theme) stateStyle(state string) lipgloss.Style {
	switch state {
	case "stopped":
		return t.StatusOK
	case "failed":
		return t.StatusFailed
	case "ready", "busy", "starting", "finishing":
		return t.StatusRunning
	default:
		return t.StatusIdle
	}
}
