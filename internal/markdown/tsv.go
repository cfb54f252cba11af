package markdown

import (
	"strings"
)

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// FromTSV converts tab separated text (a spreadsheet selection) into a
// Markdown table. It reports false when the text is not tabular: fewer than
// two non-blank lines, fewer than two columns, or a ragged column count.
func FromTSV(text string) (string, bool) {
	var rows [][]string
	for _, line := range strings.Split(lineEndings.Replace(text), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rows = append(rows, strings.Split(line, "\t"))
	}
	if len(rows) < 2 {
		return "", false
	}

	columns := len(rows[0])
	if columns < 2 {
		return "", false
	}
	for _, row := range rows[1:] {
		if len(row) != columns {
			return "", false
		}
	}

	separator := make([]string, columns)
	for i := range separator {
		separator[i] = "---"
	}

	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, tableRow(rows[0]))
	lines = append(lines, tableRow(separator))
	for _, row := range rows[1:] {
		lines = append(lines, tableRow(row))
	}
	return strings.Join(lines, "\n"), true
}

func tableRow(cells []string) string {
	escaped := make([]string, len(cells))
	for i, cell := range cells {
		escaped[i] = strings.ReplaceAll(strings.TrimSpace(cell), "|", `\|`)
	}
	return "| " + strings.Join(escaped, " | ") + " |"
}
