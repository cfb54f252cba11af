package prompt

import (
	"regexp"
	"strings"
)

// DefaultTemplate is used when the active prompt has no template.
const DefaultTemplate = `Translate the following content into {{target_language}}.
Keep Markdown syntax, headings, list markers, tables and links intact.
Do not translate inline code or fenced code blocks.

{{text}}`

type Vars struct {
	Text           string
	TargetLanguage string
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Render substitutes {{text}} and {{target_language}} in template. Unknown
// placeholders are left untouched.
func Render(template string, vars Vars) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultTemplate
	}

	values := map[string]string{
		"text":            vars.Text,
		"target_language": vars.TargetLanguage,
	}

	return placeholder.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		if value, ok := values[name]; ok {
			return value
		}
		return match
	})
}

// SystemInstructions are sent alongside the rendered prompt by every backend.
func SystemInstructions() string {
	base := []string{
		"You are a translation engine.",
		"Preserve Markdown layout and syntax exactly.",
		"Do not translate code fences, inline code, or URLs.",
		"Keep link targets unchanged.",
		"When images are attached, translate the text they contain.",
		"Return only the translation with no commentary.",
	}
	return strings.Join(base, " ")
}
