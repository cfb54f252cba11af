package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"transpad/internal/config"
	"transpad/internal/present"
)

const helpLine = "Ctrl+T translate · Esc cancel · Ctrl+V paste · Ctrl+P paste mode · Ctrl+Y copy · Ctrl+X clear · Ctrl+O image · Ctrl+G images · Ctrl+S service · Ctrl+R prompt · Tab focus · Ctrl+C quit"

func (m *Model) View() string {
	var body string
	switch m.overlay {
	case overlayManager:
		body = m.managerView()
	case overlayAttach:
		body = m.attachView()
	default:
		body = m.editorView()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.headerView(),
		body,
		m.statusView(),
		helpStyle.Width(m.width).Render(helpLine),
	)
}

func (m *Model) headerView() string {
	button := buttonStyle
	if m.snap.Busy {
		button = busyButtonStyle
	}

	meta := ""
	if m.opts.Settings != nil {
		a := m.opts.Settings.Active()
		parts := []string{serviceName(a.Service), a.PromptID, config.LanguageName(a.TargetLanguage)}
		if a.Vision {
			parts = append(parts, "vision")
		}
		meta = strings.Join(parts, " · ")
	}

	left := titleStyle.Render("transpad") + " " + metaStyle.Render(meta)
	right := button.Render(m.snap.TranslateLabel())
	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right), 1)
	return left + strings.Repeat(" ", gap) + right
}

func serviceName(svc config.Service) string {
	if svc.Name != "" {
		return svc.Name
	}
	if svc.ID != "" {
		return svc.ID
	}
	return "no service"
}

func (m *Model) editorView() string {
	inputPane, outputPane := paneStyle, paneStyle
	if m.focus == focusInput {
		inputPane = focusedPaneStyle
	} else {
		outputPane = focusedPaneStyle
	}

	rows := []string{inputPane.Render(m.input.View())}
	if chips := chipsView(m.snap); chips != "" {
		rows = append(rows, chips)
	}
	rows = append(rows, outputPane.Render(m.output.View()))
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func chipsView(snap present.Snapshot) string {
	chips, _ := snap.Chips()
	if len(chips) == 0 {
		return ""
	}
	rendered := make([]string, 0, len(chips)+2)
	for _, c := range chips {
		rendered = append(rendered, chipStyle.Render(c.Label))
	}
	if more := snap.Overflow(); more != "" {
		rendered = append(rendered, moreChipStyle.Render(more))
	}
	rendered = append(rendered, helpStyle.Render("Ctrl+G manage"))
	return strings.Join(rendered, " ")
}

func (m *Model) managerView() string {
	rows := m.snap.ManagerRows()
	lines := []string{titleStyle.Render(fmt.Sprintf("Attached images (%d)", len(rows))), ""}
	for _, r := range rows {
		line := fmt.Sprintf("  %d. %-32s %10s", r.Index+1, r.Name, r.Size)
		if r.Index == m.managerCursor {
			line = selectedRowStyle.Render("› " + strings.TrimPrefix(line, "  "))
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", helpStyle.Render("↑/↓ select · d remove · c remove all · Esc close"))
	return overlayStyle.Render(strings.Join(lines, "\n"))
}

func (m *Model) attachView() string {
	lines := []string{
		titleStyle.Render("Attach image"),
		"",
		m.pathBox.View(),
		"",
		helpStyle.Render("Enter attach · Esc cancel"),
	}
	return overlayStyle.Render(strings.Join(lines, "\n"))
}

func (m *Model) statusView() string {
	status := m.snap.Status
	if status == "" {
		status = "Ready"
	}
	if m.opts.PasteModes != nil {
		status += metaStyle.Render("  ·  paste: " + pasteModeName(m.opts.PasteModes.PasteMode()))
	}
	return statusStyle.Width(m.width).Render(status)
}
