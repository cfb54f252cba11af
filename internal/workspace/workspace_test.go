package workspace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transpad/internal/attach"
	"transpad/internal/normalize"
)

type spyView struct {
	statuses    []string
	outputs     []string
	inputs      []string
	attachments [][]attach.Attachment
	busy        []bool
}

func (v *spyView) Status(text string) { v.statuses = append(v.statuses, text) }
func (v *spyView) Output(markdown string) { v.outputs = append(v.outputs, markdown) }
func (v *spyView) Input(text string) { v.inputs = append(v.inputs, text) }
func (v *spyView) Attachments(list []attach.Attachment) { v.attachments = append(v.attachments, list) }
func (v *spyView) Busy(busy bool) { v.busy = append(v.busy, busy) }

const pngURL = "data:image/png;base64,iVBORw0KGgo="

func withImages(t *testing.T, w *Workspace, n int) {
	t.Helper()
	sources := make([]attach.Source, n)
	for i := range sources {
		sources[i] = attach.Source{DataURL: pngURL}
	}
	res := w.IngestImages(context.Background(), sources, "Added", attach.Options{Vision: true})
	require.Equal(t, n, res.Added)
}

func TestSetInputClearsOutputOnlyWhenChanged(t *testing.T) {
	t.Parallel()

	view := &spyView{}
	w := New(view)
	w.SetInput("hello")
	w.SetOutput("bonjour")

	w.SetInput("hello")
	assert.Equal(t, "bonjour", w.Output())

	w.SetInput("hello!")
	assert.Empty(t, w.Output())
	assert.Equal(t, []string{"hello", "hello!"}, view.inputs)
}

func TestApplyPasteInsertsAtCursor(t *testing.T) {
	t.Parallel()

	w := New(nil)
	w.SetInput("Hello world")
	w.SetCursor(5)
	w.SetOutput("old translation")

	w.Apply(context.Background(), normalize.Result{Text: ",", HasText: true, Status: "Pasted text"}, attach.Options{})
	assert.Equal(t, "Hello, world", w.Input())
	assert.Empty(t, w.Output())
	assert.Equal(t, "Pasted text", w.StatusText())

	w.Apply(context.Background(), normalize.Result{Text: " again", HasText: true, Status: "Pasted text"}, attach.Options{})
	assert.Equal(t, "Hello, again world", w.Input())
}

func TestApplyCursorCountsRunes(t *testing.T) {
	t.Parallel()

	w := New(nil)
	w.SetInput("你好")
	w.SetCursor(1)
	w.Apply(context.Background(), normalize.Result{Text: "X", HasText: true}, attach.Options{})
	assert.Equal(t, "你X好", w.Input())
}

func TestApplyDropReplacesInput(t *testing.T) {
	t.Parallel()

	w := New(nil)
	w.SetInput("previous")
	w.Apply(context.Background(), normalize.Result{Text: "# file", HasText: true, Replace: true, Status: "Markdown loaded"}, attach.Options{})
	assert.Equal(t, "# file", w.Input())
	assert.Equal(t, "Markdown loaded", w.StatusText())
}

func TestApplyRejectionKeepsEditorUntouched(t *testing.T) {
	t.Parallel()

	w := New(nil)
	w.SetInput("keep me")
	w.SetOutput("keep too")

	res := normalize.Result{Status: "File too large", Err: &normalize.RejectError{Reason: "File too large"}}
	w.Apply(context.Background(), res, attach.Options{})
	assert.Equal(t, "keep me", w.Input())
	assert.Equal(t, "keep too", w.Output())
	assert.Equal(t, "File too large", w.StatusText())
}

func TestApplyAddsImagesBeforeText(t *testing.T) {
	t.Parallel()

	w := New(nil)
	res := normalize.Result{
		Images:     []attach.Source{{DataURL: pngURL}},
		ImageLabel: "Dropped",
		Text:       "caption",
		HasText:    true,
		Replace:    true,
		Status:     "Text loaded",
	}
	w.Apply(context.Background(), res, attach.Options{Vision: true})
	assert.Len(t, w.Images(), 1)
	assert.Equal(t, "caption", w.Input())
	assert.Equal(t, "Text loaded", w.StatusText())
}

func TestIngestImagesReportsVisionDisabled(t *testing.T) {
	t.Parallel()

	w := New(nil)
	res := w.IngestImages(context.Background(), []attach.Source{{DataURL: pngURL}}, "Pasted", attach.Options{})
	assert.Zero(t, res.Added)
	assert.Equal(t, attach.ErrVisionDisabled.Error(), w.StatusText())
	assert.Empty(t, w.Images())
}

func TestIngestImagesClearsOutputAndNotifies(t *testing.T) {
	t.Parallel()

	view := &spyView{}
	w := New(view)
	w.SetOutput("stale")
	withImages(t, w, 2)

	assert.Empty(t, w.Output())
	require.NotEmpty(t, view.attachments)
	assert.Len(t, view.attachments[len(view.attachments)-1], 2)
	assert.Equal(t, "Added: added 2 images", w.StatusText())
}

func TestRemoveImage(t *testing.T) {
	t.Parallel()

	w := New(nil)
	withImages(t, w, 2)
	w.SetOutput("stale")

	assert.False(t, w.RemoveImage("nope"))
	assert.Equal(t, "stale", w.Output())

	assert.True(t, w.RemoveImage("image-1"))
	assert.Empty(t, w.Output())
	require.Len(t, w.Images(), 1)
	assert.Equal(t, "image-2", w.Images()[0].Name)

	assert.True(t, w.RemoveImageAt(0))
	assert.False(t, w.RemoveImageAt(0))
	assert.Empty(t, w.Images())
}

func TestClearImagesIsIdempotent(t *testing.T) {
	t.Parallel()

	view := &spyView{}
	w := New(view)
	withImages(t, w, 3)

	assert.Equal(t, 3, w.ClearImages())
	notified := len(view.attachments)
	assert.Zero(t, w.ClearImages())
	assert.Len(t, view.attachments, notified)
}

func TestVisionDisabledRemovesImages(t *testing.T) {
	t.Parallel()

	w := New(nil)
	w.SetStatus("ready")
	w.VisionDisabled()
	assert.Equal(t, "ready", w.StatusText())

	withImages(t, w, 2)
	w.VisionDisabled()
	assert.Empty(t, w.Images())
	assert.Equal(t, "Vision is off for this service, removed 2 attached image(s)", w.StatusText())
}

func TestClearAll(t *testing.T) {
	t.Parallel()

	w := New(nil)
	w.SetInput("text")
	w.SetOutput("out")
	withImages(t, w, 1)

	w.ClearAll()
	assert.Empty(t, w.Input())
	assert.Empty(t, w.Output())
	assert.Empty(t, w.Images())
	assert.Equal(t, "Cleared", w.StatusText())
}

func TestSetBusyNotifiesOnChange(t *testing.T) {
	t.Parallel()

	view := &spyView{}
	w := New(view)
	w.SetBusy(true)
	w.SetBusy(true)
	w.SetBusy(false)
	assert.Equal(t, []bool{true, false}, view.busy)
}
