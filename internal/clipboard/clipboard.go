// Package clipboard wraps the system clipboard.
package clipboard

import (
	"strings"

	"github.com/atotto/clipboard"
)

type Writer interface {
	Copy(text string) bool
}

type Reader interface {
	Paste() (string, error)
}

// System uses the platform clipboard.
type System struct{}

func (System) Copy(text string) bool {
	return clipboard.WriteAll(text) == nil
}

func (System) Paste() (string, error) {
	return clipboard.ReadAll()
}

// Available reports whether the platform has a clipboard backend.
func Available() bool {
	return !clipboard.Unsupported
}

// CopyOutput copies text and returns the status to show, or "" when there
// was nothing to copy.
func CopyOutput(w Writer, text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	if w.Copy(text) {
		return "Copied"
	}
	return "Copy failed"
}
