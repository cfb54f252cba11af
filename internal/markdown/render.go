package markdown

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	htmlRenderer = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)

	policyOnce sync.Once
	policy     *bluemonday.Policy
)

func sanitizer() *bluemonday.Policy {
	policyOnce.Do(func() {
		policy = bluemonday.UGCPolicy()
		policy.AllowAttrs("checked", "disabled", "type").OnElements("input")
	})
	return policy
}

// ToHTML renders translated Markdown to sanitized HTML. Raw HTML in the
// source is never trusted: goldmark omits it and the result is filtered
// through a UGC policy.
func ToHTML(markdownText string) (string, error) {
	var buf bytes.Buffer
	if err := htmlRenderer.Convert([]byte(markdownText), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return sanitizer().Sanitize(buf.String()), nil
}

// Terminal renders Markdown for a terminal of the given width. styleName
// selects a glamour style; empty means auto detection.
func Terminal(markdownText string, width int, styleName string) (string, error) {
	if width <= 0 {
		width = 100
	}

	styleOption := glamour.WithAutoStyle()
	if styleName != "" {
		styleOption = glamour.WithStandardStyle(styleName)
	}

	r, err := glamour.NewTermRenderer(styleOption, glamour.WithWordWrap(width))
	if err != nil {
		return "", fmt.Errorf("create terminal renderer: %w", err)
	}
	out, err := r.Render(markdownText)
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return out, nil
}
