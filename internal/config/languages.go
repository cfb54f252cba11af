package config

import (
	"slices"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

var languageCodes = []string{"zh-CN", "en", "ja", "ko", "fr", "de"}

type Language struct {
	Code string
	Name string
}

// Languages lists the supported target languages, each named in its own
// language.
func Languages() []Language {
	out := make([]Language, 0, len(languageCodes))
	for _, code := range languageCodes {
		out = append(out, Language{Code: code, Name: LanguageName(code)})
	}
	return out
}

func LanguageName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.Self.Name(tag); name != "" {
		return name
	}
	return code
}

func ValidLanguage(code string) bool {
	return slices.Contains(languageCodes, code)
}
