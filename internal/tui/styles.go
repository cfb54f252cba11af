package tui

import "github.com/charmbracelet/lipgloss"

var (
	accent = lipgloss.Color("63")
	muted  = lipgloss.Color("241")
	danger = lipgloss.Color("203")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	metaStyle  = lipgloss.NewStyle().Foreground(muted)

	buttonStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(accent)
	busyButtonStyle = buttonStyle.Background(danger)

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(muted)
	focusedPaneStyle = paneStyle.BorderForeground(accent)

	chipStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(lipgloss.Color("252")).
			Background(lipgloss.Color("237"))
	moreChipStyle = chipStyle.Foreground(accent).Bold(true)

	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	helpStyle   = lipgloss.NewStyle().Foreground(muted)

	overlayStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(accent).
			Padding(0, 1)
	selectedRowStyle = lipgloss.NewStyle().Foreground(accent).Bold(true)
)
