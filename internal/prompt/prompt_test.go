package prompt

import (
	"strings"
	"testing"
)

func TestRenderSubstitutesKnownPlaceholders(t *testing.T) {
	t.Parallel()

	got := Render("To {{ target_language }}: {{text}}", Vars{Text: "hello", TargetLanguage: "ja"})
	if got != "To ja: hello" {
		t.Fatalf("Render() = %q, want %q", got, "To ja: hello")
	}
}

func TestRenderKeepsUnknownPlaceholders(t *testing.T) {
	t.Parallel()

	got := Render("{{tone}} {{text}}", Vars{Text: "x"})
	if got != "{{tone}} x" {
		t.Fatalf("Render() = %q, want %q", got, "{{tone}} x")
	}
}

func TestRenderDoesNotExpandPlaceholdersInsideText(t *testing.T) {
	t.Parallel()

	got := Render("{{text}}", Vars{Text: "literal {{target_language}}", TargetLanguage: "fr"})
	if got != "literal {{target_language}}" {
		t.Fatalf("Render() = %q, want text inserted verbatim", got)
	}
}

func TestRenderFallsBackToDefaultTemplate(t *testing.T) {
	t.Parallel()

	got := Render("  ", Vars{Text: "body", TargetLanguage: "de"})
	if !strings.Contains(got, "into de.") || !strings.HasSuffix(got, "body") {
		t.Fatalf("Render() = %q, want default template output", got)
	}
}
