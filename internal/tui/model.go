// Package tui is the terminal host: an input editor, a rendered output
// pane and a status line, all fed from the translate controller.
package tui

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"transpad/internal/attach"
	"transpad/internal/clipboard"
	"transpad/internal/config"
	"transpad/internal/markdown"
	"transpad/internal/normalize"
	"transpad/internal/prefs"
	"transpad/internal/present"
	"transpad/internal/translate"
	"transpad/internal/workspace"
)

type Settings interface {
	Active() config.Active
	CycleService() (string, error)
	CyclePrompt() (string, error)
}

type PasteModes interface {
	PasteMode() prefs.PasteMode
	TogglePasteMode() (prefs.PasteMode, error)
}

type Clipboard interface {
	clipboard.Writer
	clipboard.Reader
}

type Options struct {
	Controller   *translate.Controller
	Adapter      *present.Adapter
	Settings     Settings
	PasteModes   PasteModes
	Clipboard    Clipboard
	Logger       *zap.Logger
	GlamourStyle string
}

type overlay int

const (
	overlayNone overlay = iota
	overlayManager
	overlayAttach
)

type focus int

const (
	focusInput focus = iota
	focusOutput
)

type Model struct {
	ctx  context.Context
	opts Options

	input    textarea.Model
	output   viewport.Model
	pathBox  textinput.Model
	snap     present.Snapshot
	rendered string
	// renderedFor is the output and width the cached render was made for.
	renderedFor   string
	renderedWidth int

	overlay       overlay
	managerCursor int
	focus         focus
	sentInput     string

	width  int
	height int
}

type snapshotMsg present.Snapshot

// inputMsg carries an input the workspace replaced (paste, drop, clear).
type inputMsg string

type errMsg struct{ err error }

func New(ctx context.Context, opts Options) *Model {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	in := textarea.New()
	in.Placeholder = "Type or paste text to translate. Drop .txt/.md files or image paths here."
	in.CharLimit = 0
	in.ShowLineNumbers = false
	in.SetWidth(80)
	in.SetHeight(8)
	in.Focus()

	path := textinput.New()
	path.Placeholder = "/path/to/image.png"
	path.CharLimit = 4096

	return &Model{
		ctx:     ctx,
		opts:    opts,
		input:   in,
		output:  viewport.New(80, 10),
		pathBox: path,
		width:   80,
		height:  24,
	}
}

// Run starts the program and blocks until the user quits.
func Run(ctx context.Context, opts Options) error {
	p := tea.NewProgram(New(ctx, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("run terminal ui: %w", err)
	}
	return nil
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.waitSnapshot())
}

func (m *Model) waitSnapshot() tea.Cmd {
	updates := m.opts.Adapter.Updates()
	ctx := m.ctx
	return func() tea.Msg {
		select {
		case snap := <-updates:
			return snapshotMsg(snap)
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case snapshotMsg:
		m.applySnapshot(present.Snapshot(msg))
		return m, m.waitSnapshot()

	case inputMsg:
		m.input.SetValue(string(msg))
		m.sentInput = string(msg)
		return m, nil

	case errMsg:
		m.opts.Logger.Warn("controller call failed", zap.Error(msg.err))
		return m, nil

	case tea.KeyMsg:
		return m, m.handleKey(msg)
	}

	if m.focus == focusInput && m.overlay == overlayNone {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) applySnapshot(snap present.Snapshot) {
	m.snap = snap
	if n := len(snap.Attachments); m.managerCursor >= n {
		m.managerCursor = max(n-1, 0)
	}
	if m.overlay == overlayManager && len(snap.Attachments) == 0 {
		m.overlay = overlayNone
	}
	m.renderOutput()
}

func (m *Model) renderOutput() {
	width := max(m.output.Width-2, 20)
	if m.snap.Output == m.renderedFor && width == m.renderedWidth && m.rendered != "" {
		return
	}
	m.renderedFor, m.renderedWidth = m.snap.Output, width

	atBottom := m.output.AtBottom()
	if strings.TrimSpace(m.snap.Output) == "" {
		m.rendered = ""
		m.output.SetContent(metaStyle.Render("The translation appears here."))
		return
	}
	out, err := markdown.Terminal(m.snap.Output, width, m.opts.GlamourStyle)
	if err != nil {
		m.opts.Logger.Debug("terminal render failed", zap.Error(err))
		out = m.snap.Output
	}
	m.rendered = out
	m.output.SetContent(out)
	if m.snap.Busy || atBottom {
		m.output.GotoBottom()
	}
}

func (m *Model) layout() {
	inner := max(m.width-4, 20)
	m.input.SetWidth(inner)
	free := max(m.height-10, 6)
	m.input.SetHeight(max(free/3, 3))
	m.output.Width = inner
	m.output.Height = max(free-free/3, 3)
	m.pathBox.Width = max(inner-4, 10)
	m.renderOutput()
}

// syncInput hands the editor content to the workspace when it changed.
func (m *Model) syncInput() {
	value := m.input.Value()
	cursor := cursorOffset(m.input)
	changed := value != m.sentInput
	m.sentInput = value
	m.opts.Controller.Edit(func(ws *workspace.Workspace) {
		if changed {
			ws.SetInput(value)
		}
		ws.SetCursor(cursor)
	})
}

// cursorOffset is the cursor position in runes from the start of the
// editor content.
func cursorOffset(ta textarea.Model) int {
	lines := strings.Split(ta.Value(), "\n")
	row := min(ta.Line(), len(lines)-1)
	offset := 0
	for _, line := range lines[:row] {
		offset += utf8.RuneCountInString(line) + 1
	}
	info := ta.LineInfo()
	col := min(info.StartColumn+info.ColumnOffset, utf8.RuneCountInString(lines[row]))
	return offset + col
}

func (m *Model) do(fn func(ctx context.Context, ws *workspace.Workspace)) tea.Cmd {
	c, ctx := m.opts.Controller, m.ctx
	return func() tea.Msg {
		if err := c.Do(ctx, fn); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

// replaceInput runs fn and reports the workspace input afterwards.
func (m *Model) replaceInput(fn func(ctx context.Context, ws *workspace.Workspace)) tea.Cmd {
	c, ctx := m.opts.Controller, m.ctx
	return func() tea.Msg {
		var text string
		err := c.Do(ctx, func(loopCtx context.Context, ws *workspace.Workspace) {
			fn(loopCtx, ws)
			text = ws.Input()
		})
		if err != nil {
			return errMsg{err}
		}
		return inputMsg(text)
	}
}

func (m *Model) status(text string) tea.Cmd {
	return m.do(func(_ context.Context, ws *workspace.Workspace) { ws.SetStatus(text) })
}

func (m *Model) trigger() tea.Cmd {
	m.syncInput()
	c, ctx := m.opts.Controller, m.ctx
	return func() tea.Msg {
		if _, err := c.Trigger(ctx); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m *Model) cancel() tea.Cmd {
	c, ctx := m.opts.Controller, m.ctx
	return func() tea.Msg {
		if _, err := c.Cancel(ctx); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

// paste normalizes text arriving from a terminal paste or the clipboard.
// A paste made of existing file paths is handled like a drop.
func (m *Model) paste(text string) tea.Cmd {
	m.syncInput()
	payload, ok := normalize.PathPayload(text)
	if !ok {
		payload = normalize.Payload{Kind: normalize.Paste, Text: text}
	}
	c, ctx := m.opts.Controller, m.ctx
	return func() tea.Msg {
		if _, err := c.Normalize(ctx, payload); err != nil {
			return errMsg{err}
		}
		var text string
		if err := c.Do(ctx, func(_ context.Context, ws *workspace.Workspace) { text = ws.Input() }); err != nil {
			return errMsg{err}
		}
		return inputMsg(text)
	}
}

func (m *Model) pasteClipboard() tea.Cmd {
	if m.opts.Clipboard == nil {
		return m.status("Clipboard is not available")
	}
	text, err := m.opts.Clipboard.Paste()
	if err != nil {
		return m.status("Could not read the clipboard")
	}
	if text == "" {
		return nil
	}
	return m.paste(text)
}

func (m *Model) copyOutput() tea.Cmd {
	w := m.opts.Clipboard
	return m.do(func(_ context.Context, ws *workspace.Workspace) {
		if w == nil {
			return
		}
		if status := clipboard.CopyOutput(w, ws.Output()); status != "" {
			ws.SetStatus(status)
		}
	})
}

func (m *Model) togglePasteMode() tea.Cmd {
	if m.opts.PasteModes == nil {
		return nil
	}
	mode, err := m.opts.PasteModes.TogglePasteMode()
	if err != nil {
		m.opts.Logger.Warn("save paste mode", zap.Error(err))
	}
	return m.status("Paste mode: " + pasteModeName(mode))
}

func pasteModeName(mode prefs.PasteMode) string {
	if mode == prefs.PasteMarkdown {
		return "Markdown"
	}
	return "Plain text"
}

func (m *Model) cycleService() tea.Cmd {
	id, err := m.opts.Settings.CycleService()
	if err != nil {
		return m.status(err.Error())
	}
	return m.status("Service: " + id)
}

func (m *Model) cyclePrompt() tea.Cmd {
	id, err := m.opts.Settings.CyclePrompt()
	if err != nil {
		return m.status(err.Error())
	}
	return m.status("Prompt: " + id)
}

func (m *Model) attachPath(path string) tea.Cmd {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	f, err := normalize.OpenFile(path)
	if err != nil {
		return m.status(fmt.Sprintf("Could not open %s", path))
	}

	c, ctx := m.opts.Controller, m.ctx
	return func() tea.Msg {
		src, err := normalize.ReadImage(f)
		if err != nil {
			_ = c.Do(ctx, func(_ context.Context, ws *workspace.Workspace) {
				ws.SetStatus(fmt.Sprintf("Could not read %s", f.Name))
			})
			return nil
		}
		if _, err := c.AddImages(ctx, []attach.Source{src}, "Attached"); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m *Model) removeSelected() tea.Cmd {
	i := m.managerCursor
	return m.do(func(_ context.Context, ws *workspace.Workspace) { ws.RemoveImageAt(i) })
}
