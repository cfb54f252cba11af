// Package present turns workspace changes into snapshots a host can paint.
package present

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"transpad/internal/attach"
	"transpad/internal/markdown"
)

// PreviewLimit is how many attachment chips are shown before the rest
// collapse into "+N".
const PreviewLimit = 2

const (
	translateLabel = "Translate (Ctrl+T)"
	cancelLabel    = "Cancel (Esc)"
)

// Snapshot is everything a host paints.
type Snapshot struct {
	Input       string
	Output      string
	OutputHTML  string
	Status      string
	Busy        bool
	Attachments []attach.Attachment
	Version     uint64
}

func (s Snapshot) TranslateLabel() string {
	if s.Busy {
		return cancelLabel
	}
	return translateLabel
}

type Chip struct {
	Name  string
	Label string
}

// Chips returns the preview row and the number of hidden attachments.
func (s Snapshot) Chips() ([]Chip, int) {
	n := min(len(s.Attachments), PreviewLimit)
	chips := make([]Chip, 0, n)
	for _, a := range s.Attachments[:n] {
		chips = append(chips, Chip{Name: a.Name, Label: a.Name})
	}
	return chips, len(s.Attachments) - n
}

// Overflow is the "+N" chip text, or "" when every attachment fits.
func (s Snapshot) Overflow() string {
	if _, more := s.Chips(); more > 0 {
		return fmt.Sprintf("+%d", more)
	}
	return ""
}

type Row struct {
	Index int
	Name  string
	Size  string
}

// ManagerRows lists every attachment with its size in KB.
func (s Snapshot) ManagerRows() []Row {
	rows := make([]Row, 0, len(s.Attachments))
	for i, a := range s.Attachments {
		rows = append(rows, Row{Index: i, Name: a.Name, Size: FormatKB(a.Size)})
	}
	return rows
}

func FormatKB(size int) string {
	kb := float64(size) / 1024
	if kb < 10 {
		return fmt.Sprintf("%.1f KB", kb)
	}
	return fmt.Sprintf("%.0f KB", kb)
}

type Option func(*Adapter)

// WithHTML renders the output to sanitized HTML on every change.
func WithHTML() Option {
	return func(a *Adapter) { a.html = true }
}

func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// Adapter implements workspace.View. Changes arrive on the controller loop;
// the latest snapshot is published on a one slot channel so a slow host
// only ever sees the newest state and never blocks the loop.
type Adapter struct {
	mu      sync.Mutex
	snap    Snapshot
	html    bool
	logger  *zap.Logger
	updates chan Snapshot
}

func NewAdapter(opts ...Option) *Adapter {
	a := &Adapter{logger: zap.NewNop(), updates: make(chan Snapshot, 1)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Updates delivers coalesced snapshots.
func (a *Adapter) Updates() <-chan Snapshot {
	return a.updates
}

func (a *Adapter) Current() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

func (a *Adapter) Status(text string) {
	a.change(func(s *Snapshot) { s.Status = text })
}

func (a *Adapter) Output(md string) {
	var rendered string
	if a.html && strings.TrimSpace(md) != "" {
		out, err := markdown.ToHTML(md)
		if err != nil {
			a.logger.Warn("render output", zap.Error(err))
		}
		rendered = out
	}
	a.change(func(s *Snapshot) {
		s.Output = md
		s.OutputHTML = rendered
	})
}

func (a *Adapter) Input(text string) {
	a.change(func(s *Snapshot) { s.Input = text })
}

func (a *Adapter) Attachments(list []attach.Attachment) {
	a.change(func(s *Snapshot) { s.Attachments = list })
}

func (a *Adapter) Busy(busy bool) {
	a.change(func(s *Snapshot) { s.Busy = busy })
}

func (a *Adapter) change(mutate func(s *Snapshot)) {
	a.mu.Lock()
	mutate(&a.snap)
	a.snap.Version++
	snap := a.snap
	a.mu.Unlock()

	select {
	case <-a.updates:
	default:
	}
	select {
	case a.updates <- snap:
	default:
	}
}
