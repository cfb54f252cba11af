// Package attach keeps the bounded list of images that accompany a vision
// request. A Manager is owned by the translate controller loop and is not
// safe for concurrent use.
package attach

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

const (
	MaxImageBytes  = 4 << 20
	MaxImageCount  = 8
	DefaultQuality = 0.8

	// MaxSourceBytes caps what is read or decoded before compression.
	MaxSourceBytes = 4 * MaxImageBytes
	// MaxImagePixels caps the decoded dimensions, width times height.
	MaxImagePixels = 24_000_000

	compressWorkers = 4
)

var (
	ErrVisionDisabled = errors.New("vision is not enabled for the active service, images cannot be attached")
	ErrTooManyImages  = fmt.Errorf("at most %d images are supported", MaxImageCount)
	ErrImageTooLarge  = errors.New("image too large")
)

// Attachment is an image ready to be sent with a request.
type Attachment struct {
	Name     string
	MIMEType string
	Size     int
	Data     []byte
}

func (a Attachment) DataURL() string {
	return "data:" + a.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// Source is one image candidate: either file bytes or a data URL.
type Source struct {
	Name     string
	MIMEType string
	Data     []byte
	DataURL  string
}

func (s Source) fromDataURL() bool {
	return s.DataURL != ""
}

type Options struct {
	Vision   bool
	Compress bool
	Quality  float64
}

// ClampQuality maps a configured quality onto [0.1, 1.0]; zero or invalid
// values select DefaultQuality.
func ClampQuality(q float64) float64 {
	if math.IsNaN(q) || q == 0 {
		return DefaultQuality
	}
	return min(1.0, max(0.1, q))
}

// Result counts what happened to each source of a batch.
type Result struct {
	Added    int
	TooLarge int
	Failed   int
	Invalid  int
}

func (r Result) Skipped() int {
	return r.TooLarge + r.Failed + r.Invalid
}

// Message summarizes the batch for the status line. label names the
// origin ("Pasted", "Dropped", "Attached"). It is empty when nothing
// happened.
func (r Result) Message(label string) string {
	var extra []string
	if r.Failed > 0 {
		extra = append(extra, fmt.Sprintf("%d failed to read", r.Failed))
	}
	if r.Invalid > 0 {
		extra = append(extra, fmt.Sprintf("%d unsupported format", r.Invalid))
	}

	if r.Added > 0 {
		msg := fmt.Sprintf("%s: added %s", label, plural(r.Added, "image"))
		if r.TooLarge > 0 {
			msg += fmt.Sprintf(", %d too large skipped", r.TooLarge)
		}
		for _, part := range extra {
			msg += ", " + part
		}
		return msg
	}

	var parts []string
	if r.TooLarge > 0 {
		parts = append(parts, fmt.Sprintf("%s too large (limit %d MiB)", plural(r.TooLarge, "image"), MaxImageBytes>>20))
	}
	parts = append(parts, extra...)
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, ", ") + ", skipped"
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return strconv.Itoa(n) + " " + noun + "s"
}

// Manager holds the session's attachments in insertion order.
type Manager struct {
	items   []Attachment
	counter int
}

func NewManager() *Manager {
	return &Manager{}
}

// Ingest runs every source through the image pipeline and commits the
// successes in source order. The batch is refused as a whole when vision
// is off or when it would exceed MaxImageCount. Per image failures are
// counted in Result, never returned.
func (m *Manager) Ingest(ctx context.Context, sources []Source, opts Options) (Result, error) {
	if len(sources) == 0 {
		return Result{}, nil
	}
	if !opts.Vision {
		return Result{}, ErrVisionDisabled
	}
	if len(m.items)+len(sources) > MaxImageCount {
		return Result{}, ErrTooManyImages
	}

	quality := ClampQuality(opts.Quality)
	outcomes := make([]outcome, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(compressWorkers)
	for i, src := range sources {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[i] = process(src, opts.Compress, quality)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("process images: %w", err)
	}

	var res Result
	for i, out := range outcomes {
		switch out.kind {
		case outcomeTooLarge:
			res.TooLarge++
		case outcomeBroken:
			if sources[i].fromDataURL() {
				res.Invalid++
			} else {
				res.Failed++
			}
		default:
			out.att.Name = m.nameFor(sources[i].Name)
			m.items = append(m.items, out.att)
			res.Added++
		}
	}
	return res, nil
}

// Remove drops the attachment with the given name.
func (m *Manager) Remove(name string) bool {
	for i, item := range m.items {
		if item.Name == name {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) RemoveAt(i int) bool {
	if i < 0 || i >= len(m.items) {
		return false
	}
	m.items = append(m.items[:i], m.items[i+1:]...)
	return true
}

// Clear empties the list and returns how many attachments were dropped.
// The name counter keeps running.
func (m *Manager) Clear() int {
	n := len(m.items)
	m.items = nil
	return n
}

func (m *Manager) Len() int {
	return len(m.items)
}

// List returns a copy of the attachments in insertion order.
func (m *Manager) List() []Attachment {
	out := make([]Attachment, len(m.items))
	copy(out, m.items)
	return out
}

func (m *Manager) nameFor(explicit string) string {
	explicit = strings.TrimSpace(explicit)
	if explicit == "" {
		m.counter++
		return "image-" + strconv.Itoa(m.counter)
	}
	if !m.taken(explicit) {
		return explicit
	}

	ext := path.Ext(explicit)
	stem := strings.TrimSuffix(explicit, ext)
	for n := 2; ; n++ {
		candidate := stem + "-" + strconv.Itoa(n) + ext
		if !m.taken(candidate) {
			return candidate
		}
	}
}

func (m *Manager) taken(name string) bool {
	for _, item := range m.items {
		if item.Name == name {
			return true
		}
	}
	return false
}
