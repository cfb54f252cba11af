// Package normalize turns paste and drop payloads into editor text or image
// ingestion requests. It never touches the editor itself: the caller applies
// the Result on the controller loop.
package normalize

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/transform"

	"transpad/internal/attach"
	"transpad/internal/markdown"
	"transpad/internal/prefs"
)

const (
	MaxFileBytes  = 2 << 20
	MaxInputChars = 200000
)

type Kind int

const (
	Paste Kind = iota
	Drop
)

func (k Kind) label() string {
	if k == Drop {
		return "Dropped"
	}
	return "Pasted"
}

// File is one entry of a payload's file list. Open is only called once the
// size and type checks pass.
type File struct {
	Name     string
	MIMEType string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

func (f File) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(f.MIMEType), "image/")
}

func (f File) isText() bool {
	switch strings.ToLower(f.MIMEType) {
	case "text/plain", "text/markdown", "text/x-markdown":
		return true
	}
	switch strings.ToLower(path.Ext(f.Name)) {
	case ".txt", ".md", ".markdown":
		return true
	}
	return false
}

// Payload is what a host received from a paste or drop.
type Payload struct {
	Kind     Kind
	Text     string
	HTML     string
	Markdown string
	Files    []File
}

// Result describes what to do with a payload. Images and text are
// independent; a drop may carry both.
type Result struct {
	Images     []attach.Source
	ImageLabel string

	Text    string
	HasText bool
	// Replace is set for drops: the editor content is replaced instead of
	// receiving an insertion at the cursor.
	Replace bool

	Status string
	Err    error
}

// RejectError reports content refused before it reached the editor.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return e.Reason
}

type ModeSource interface {
	PasteMode() prefs.PasteMode
}

type Normalizer struct {
	modes   ModeSource
	printer *message.Printer
}

func New(modes ModeSource) *Normalizer {
	return &Normalizer{
		modes:   modes,
		printer: message.NewPrinter(language.English),
	}
}

func (n *Normalizer) Normalize(p Payload) Result {
	var res Result

	var imageFiles, otherFiles []File
	for _, f := range p.Files {
		if f.IsImage() {
			imageFiles = append(imageFiles, f)
		} else {
			otherFiles = append(otherFiles, f)
		}
	}
	dataURLs := DataURLImages(p.HTML)

	res.ImageLabel = p.Kind.label()
	switch {
	case len(imageFiles) > 0:
		for _, f := range imageFiles {
			src, err := ReadImage(f)
			if err != nil {
				src = attach.Source{Name: f.Name, MIMEType: f.MIMEType}
			}
			res.Images = append(res.Images, src)
		}
		if p.Kind == Drop {
			res.Images = append(res.Images, dataURLSources(dataURLs)...)
		}
	case len(dataURLs) > 0:
		res.Images = dataURLSources(dataURLs)
	}

	if p.Kind == Paste {
		if len(res.Images) > 0 {
			return res
		}
		return n.pasteText(res, p)
	}

	if len(otherFiles) > 0 {
		return n.dropFile(res, otherFiles[0])
	}
	if len(res.Images) > 0 {
		return res
	}
	return n.dropText(res, p)
}

func (n *Normalizer) mode() prefs.PasteMode {
	if n.modes == nil {
		return prefs.PastePlain
	}
	return n.modes.PasteMode()
}

func (n *Normalizer) pasteText(res Result, p Payload) Result {
	text := p.Text
	status := "Pasted text"
	if n.mode() == prefs.PasteMarkdown {
		if strings.TrimSpace(p.HTML) != "" {
			if md, err := markdown.FromHTML(p.HTML); err == nil && md != "" {
				text = md
				status = "Converted HTML to Markdown"
			}
		} else if md, ok := markdown.FromTSV(p.Text); ok {
			text = md
			status = "Table detected (TSV), converted to Markdown"
		}
	}
	if text == "" {
		return res
	}

	if length := utf8.RuneCountInString(text); length > MaxInputChars {
		res.Err = &RejectError{Reason: n.printer.Sprintf(
			"Pasted content too large (%d characters, limit %d), insertion cancelled", length, MaxInputChars)}
		res.Status = res.Err.Error()
		return res
	}
	res.Text, res.HasText, res.Status = text, true, status
	return res
}

func (n *Normalizer) dropText(res Result, p Payload) Result {
	if p.Text == "" && p.Markdown == "" {
		return res
	}

	text, status := p.Text, "Text loaded"
	if n.mode() == prefs.PasteMarkdown {
		switch {
		case p.Markdown != "":
			text, status = p.Markdown, "Markdown loaded"
		case strings.TrimSpace(p.HTML) != "":
			if md, err := markdown.FromHTML(p.HTML); err == nil && md != "" {
				text, status = md, "Converted HTML to Markdown"
			}
		default:
			if md, ok := markdown.FromTSV(p.Text); ok {
				text, status = md, "Table detected (TSV), converted to Markdown"
			}
		}
	}
	if text == "" {
		return res
	}

	if length := utf8.RuneCountInString(text); length > MaxInputChars {
		res.Err = &RejectError{Reason: n.printer.Sprintf(
			"Content too large (%d characters, limit %d)", length, MaxInputChars)}
		res.Status = res.Err.Error()
		return res
	}
	res.Text, res.HasText, res.Replace, res.Status = text, true, true, status
	return res
}

func (n *Normalizer) dropFile(res Result, f File) Result {
	if f.Size > MaxFileBytes {
		res.Err = &RejectError{Reason: n.printer.Sprintf(
			"File too large (%.2f MiB), limit %d MiB", float64(f.Size)/(1<<20), MaxFileBytes>>20)}
		res.Status = res.Err.Error()
		return res
	}
	if !f.isText() {
		res.Err = &RejectError{Reason: "Only .txt / .md files are supported"}
		res.Status = res.Err.Error()
		return res
	}

	text, err := readText(f)
	if err != nil {
		res.Err = fmt.Errorf("read %s: %w", f.Name, err)
		res.Status = fmt.Sprintf("Could not read %s", f.Name)
		return res
	}
	if length := utf8.RuneCountInString(text); length > MaxInputChars {
		res.Err = &RejectError{Reason: n.printer.Sprintf(
			"File content too large (%d characters, limit %d), please split it", length, MaxInputChars)}
		res.Status = res.Err.Error()
		return res
	}

	res.Text, res.HasText, res.Replace, res.Status = text, true, true, "File loaded"
	return res
}

// readText decodes UTF-8, or UTF-16 when a byte order mark says so, and
// strips the BOM. At most MaxFileBytes are read.
func readText(f File) (string, error) {
	if f.Open == nil {
		return "", errors.New("no content")
	}
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	data, err := io.ReadAll(transform.NewReader(io.LimitReader(rc, MaxFileBytes+1), decoder))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadImage reads an image file for the attachment pipeline. At most
// attach.MaxSourceBytes+1 bytes are read; anything longer is refused there
// as too large.
func ReadImage(f File) (attach.Source, error) {
	if f.Open == nil {
		return attach.Source{}, errors.New("no content")
	}
	rc, err := f.Open()
	if err != nil {
		return attach.Source{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, attach.MaxSourceBytes+1))
	if err != nil {
		return attach.Source{}, err
	}
	return attach.Source{Name: f.Name, MIMEType: f.MIMEType, Data: data}, nil
}

// DataURLImages returns the data:image/ sources of <img> elements in an
// HTML fragment, in document order.
func DataURLImages(html string) []string {
	if !strings.Contains(html, "data:image/") {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var urls []string
	doc.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("src")
		src = strings.TrimSpace(src)
		if strings.HasPrefix(src, "data:image/") {
			urls = append(urls, src)
		}
	})
	return urls
}

func dataURLSources(urls []string) []attach.Source {
	out := make([]attach.Source, 0, len(urls))
	for _, u := range urls {
		out = append(out, attach.Source{DataURL: u})
	}
	return out
}
