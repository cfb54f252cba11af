package markdown

import (
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/strikethrough"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
)

func newConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(
				commonmark.WithHeadingStyle(commonmark.HeadingStyleATX),
				commonmark.WithCodeBlockFence("```"),
			),
			table.NewTablePlugin(),
			strikethrough.NewStrikethroughPlugin(),
		),
	)
}

// FromHTML converts an HTML fragment (clipboard or drag payload) to GitHub
// flavored Markdown. Tables, strikethrough and task lists survive the trip.
func FromHTML(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse HTML: %w", err)
	}
	markTaskItems(doc)

	out, err := newConverter().ConvertNode(doc.Get(0))
	if err != nil {
		return "", fmt.Errorf("convert HTML to markdown: %w", err)
	}

	markdownText := strings.ReplaceAll(string(out), "\r\n", "\n")
	markdownText = taskMarkers.Replace(markdownText)
	return strings.TrimSpace(markdownText), nil
}

// FromArticleHTML converts a fetched article body. Diagram sources that
// readability left outside of code blocks are fenced as mermaid.
func FromArticleHTML(html string) (string, error) {
	markdownText, err := FromHTML(html)
	if err != nil {
		return "", err
	}
	return WrapLooseMermaid(markdownText), nil
}

// Checkbox placeholders live in the private use area so the converter's
// bracket escaping never touches them.
const (
	taskDone = "\uE000"
	taskOpen = "\uE001"
)

var taskMarkers = strings.NewReplacer(taskDone, "[x]", taskOpen, "[ ]")

// markTaskItems swaps task list checkboxes for placeholders that survive
// conversion and are turned into Markdown markers afterwards.
func markTaskItems(doc *goquery.Document) {
	doc.Find(`li input[type="checkbox"]`).Each(func(_ int, box *goquery.Selection) {
		marker := taskOpen
		if _, checked := box.Attr("checked"); checked {
			marker = taskDone
		}
		box.ReplaceWithHtml(marker + " ")
	})
}

func WrapLooseMermaid(markdownText string) string {
	lines := strings.Split(markdownText, "\n")
	if len(lines) == 0 {
		return markdownText
	}

	var out []string
	inFence := false
	fenceDelimiter := ""
	inMermaidCapture := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if delim, ok := fenceStart(trimmed); ok {
			if inMermaidCapture {
				out = append(out, "```")
				inMermaidCapture = false
			}

			out = append(out, line)
			if inFence && strings.HasPrefix(trimmed, fenceDelimiter) {
				inFence = false
				fenceDelimiter = ""
			} else if !inFence {
				inFence = true
				fenceDelimiter = delim
			}
			continue
		}

		if inFence {
			out = append(out, line)
			continue
		}

		if inMermaidCapture {
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				out = append(out, "```")
				inMermaidCapture = false
				out = append(out, line)
				continue
			}
			out = append(out, line)
			continue
		}

		if isLooseMermaidStart(trimmed) {
			out = append(out, "```mermaid")
			out = append(out, line)
			inMermaidCapture = true
			continue
		}

		out = append(out, line)
	}

	if inMermaidCapture {
		out = append(out, "```")
	}

	return strings.Join(out, "\n")
}

func isLooseMermaidStart(trimmed string) bool {
	if trimmed == "" {
		return false
	}

	lower := strings.ToLower(trimmed)
	prefixes := []string{
		"graph", "flowchart", "sequencediagram", "classdiagram", "statediagram",
		"erdiagram", "journey", "gantt", "mindmap", "timeline", "pie", "gitgraph",
		"quadrantchart", "requirementdiagram",
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func fenceStart(trimmed string) (string, bool) {
	if len(trimmed) < 3 {
		return "", false
	}

	if strings.HasPrefix(trimmed, "```") {
		return repeatedPrefix(trimmed, '`'), true
	}
	if strings.HasPrefix(trimmed, "~~~") {
		return repeatedPrefix(trimmed, '~'), true
	}
	return "", false
}

func repeatedPrefix(s string, marker rune) string {
	var out []rune
	for _, r := range s {
		if r != marker {
			break
		}
		out = append(out, r)
	}
	return string(out)
}
