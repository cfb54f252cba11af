package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"transpad/internal/workspace"
)

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	if msg.String() == "ctrl+c" {
		return tea.Quit
	}

	switch m.overlay {
	case overlayManager:
		return m.handleManagerKey(msg)
	case overlayAttach:
		return m.handleAttachKey(msg)
	}

	if msg.Paste {
		return m.paste(string(msg.Runes))
	}

	switch msg.String() {
	case "ctrl+t":
		return m.trigger()
	case "esc":
		if m.snap.Busy {
			return m.cancel()
		}
		return nil
	case "ctrl+v":
		return m.pasteClipboard()
	case "ctrl+p":
		return m.togglePasteMode()
	case "ctrl+y":
		return m.copyOutput()
	case "ctrl+x":
		m.input.Reset()
		m.sentInput = ""
		return m.replaceInput(func(_ context.Context, ws *workspace.Workspace) { ws.ClearAll() })
	case "ctrl+o":
		m.overlay = overlayAttach
		m.pathBox.SetValue("")
		m.input.Blur()
		return m.pathBox.Focus()
	case "ctrl+g":
		if len(m.snap.Attachments) == 0 {
			return m.status("No images attached")
		}
		m.overlay = overlayManager
		return nil
	case "ctrl+l":
		m.focus = focusInput
		return m.input.Focus()
	case "tab":
		if m.focus == focusInput {
			m.focus = focusOutput
			m.input.Blur()
			return nil
		}
		m.focus = focusInput
		return m.input.Focus()
	case "ctrl+s":
		return m.cycleService()
	case "ctrl+r":
		return m.cyclePrompt()
	}

	if m.focus == focusOutput {
		var cmd tea.Cmd
		m.output, cmd = m.output.Update(msg)
		return cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.syncInput()
	return cmd
}

func (m *Model) handleManagerKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "esc", "q", "ctrl+g":
		m.overlay = overlayNone
	case "up", "k":
		if m.managerCursor > 0 {
			m.managerCursor--
		}
	case "down", "j":
		if m.managerCursor < len(m.snap.Attachments)-1 {
			m.managerCursor++
		}
	case "d", "x", "delete", "backspace":
		return m.removeSelected()
	case "c":
		return m.do(func(_ context.Context, ws *workspace.Workspace) { ws.ClearImages() })
	}
	return nil
}

func (m *Model) handleAttachKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "esc":
		m.overlay = overlayNone
		m.pathBox.Blur()
		return m.input.Focus()
	case "enter":
		path := m.pathBox.Value()
		m.overlay = overlayNone
		m.pathBox.Blur()
		return tea.Batch(m.input.Focus(), m.attachPath(path))
	}

	var cmd tea.Cmd
	m.pathBox, cmd = m.pathBox.Update(msg)
	return cmd
}
