// Package workspace holds the editor state a translation works on: input
// text, output buffer, attachments and status. A Workspace belongs to the
// translate controller loop; every method must be called from it.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"transpad/internal/attach"
	"transpad/internal/normalize"
)

// View receives every visible change. Status always replaces the previous
// status.
type View interface {
	Status(text string)
	Output(markdown string)
	Input(text string)
	Attachments(list []attach.Attachment)
	Busy(busy bool)
}

type Workspace struct {
	input  string
	cursor int
	output string
	status string
	busy   bool

	images *attach.Manager
	view   View
}

func New(view View) *Workspace {
	if view == nil {
		view = nopView{}
	}
	return &Workspace{images: attach.NewManager(), view: view}
}

func (w *Workspace) Input() string { return w.input }
func (w *Workspace) Output() string { return w.output }
func (w *Workspace) StatusText() string { return w.status }
func (w *Workspace) IsBusy() bool { return w.busy }
func (w *Workspace) Images() []attach.Attachment { return w.images.List() }

// SetInput records a user edit and puts the cursor at the end. A changed
// input invalidates the output.
func (w *Workspace) SetInput(text string) {
	w.cursor = utf8.RuneCountInString(text)
	if text == w.input {
		return
	}
	w.input = text
	w.view.Input(text)
	w.ClearOutput()
}

// SetCursor places the insertion point, in runes.
func (w *Workspace) SetCursor(pos int) {
	w.cursor = min(max(pos, 0), utf8.RuneCountInString(w.input))
}

func (w *Workspace) SetStatus(text string) {
	w.status = text
	w.view.Status(text)
}

func (w *Workspace) SetBusy(busy bool) {
	if w.busy == busy {
		return
	}
	w.busy = busy
	w.view.Busy(busy)
}

func (w *Workspace) SetOutput(markdown string) {
	w.output = markdown
	w.view.Output(markdown)
}

func (w *Workspace) AppendOutput(text string) {
	if text == "" {
		return
	}
	w.SetOutput(w.output + text)
}

func (w *Workspace) ClearOutput() {
	if w.output == "" {
		return
	}
	w.SetOutput("")
}

// Apply commits a normalization result: images are ingested first, then
// accepted text replaces the input (drops) or goes in at the cursor
// (pastes). Rejections only set the status.
func (w *Workspace) Apply(ctx context.Context, res normalize.Result, opts attach.Options) {
	if len(res.Images) > 0 {
		w.IngestImages(ctx, res.Images, res.ImageLabel, opts)
	}

	if res.Err != nil || !res.HasText {
		if res.Status != "" {
			w.SetStatus(res.Status)
		}
		return
	}

	if res.Replace {
		w.input = ""
		w.cursor = 0
	}
	w.insert(res.Text)
	w.view.Input(w.input)
	w.ClearOutput()
	w.SetStatus(res.Status)
}

func (w *Workspace) insert(text string) {
	runes := []rune(w.input)
	pos := min(w.cursor, len(runes))
	w.input = string(runes[:pos]) + text + string(runes[pos:])
	w.cursor = pos + utf8.RuneCountInString(text)
}

// IngestImages adds images and reports the outcome in the status line.
func (w *Workspace) IngestImages(ctx context.Context, sources []attach.Source, label string, opts attach.Options) attach.Result {
	res, err := w.images.Ingest(ctx, sources, opts)
	switch {
	case errors.Is(err, attach.ErrVisionDisabled), errors.Is(err, attach.ErrTooManyImages):
		w.SetStatus(err.Error())
		return res
	case err != nil:
		w.SetStatus(fmt.Sprintf("Could not add images: %v", err))
		return res
	}

	if res.Added > 0 {
		w.view.Attachments(w.images.List())
		w.ClearOutput()
	}
	if msg := res.Message(label); msg != "" {
		w.SetStatus(msg)
	}
	return res
}

func (w *Workspace) RemoveImage(name string) bool {
	if !w.images.Remove(name) {
		return false
	}
	w.view.Attachments(w.images.List())
	w.ClearOutput()
	return true
}

func (w *Workspace) RemoveImageAt(i int) bool {
	if !w.images.RemoveAt(i) {
		return false
	}
	w.view.Attachments(w.images.List())
	w.ClearOutput()
	return true
}

// ClearImages empties the list. A second call is a no-op.
func (w *Workspace) ClearImages() int {
	n := w.images.Clear()
	if n == 0 {
		return 0
	}
	w.view.Attachments(nil)
	w.ClearOutput()
	return n
}

// VisionDisabled drops every attachment after the active service lost
// vision support.
func (w *Workspace) VisionDisabled() {
	if n := w.ClearImages(); n > 0 {
		w.SetStatus(fmt.Sprintf("Vision is off for this service, removed %d attached image(s)", n))
	}
}

// ClearAll empties input, output and attachments.
func (w *Workspace) ClearAll() {
	w.SetInput("")
	w.ClearImages()
	w.ClearOutput()
	w.SetStatus("Cleared")
}

type nopView struct{}

func (nopView) Status(string) {}
func (nopView) Output(string) {}
func (nopView) Input(string) {}
func (nopView) Attachments([]attach.Attachment) {}
func (nopView) Busy(bool) {}
