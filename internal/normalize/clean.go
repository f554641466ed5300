// Package normalize turns untrusted completion text into well-shaped
// question lists and analysis results.
package normalize

import (
	"strings"

	"github.com/grafana/regexp"
)

var (
	fencePattern         = regexp.MustCompile("```(?:json|JSON)?")
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// CleanText strips Markdown code fences, surrounding whitespace and trailing
// commas in front of a closing brace or bracket.
func CleanText(raw string) string {
	return trailingCommaPattern.ReplaceAllString(stripFences(raw), "$1")
}

func stripFences(raw string) string {
	return strings.TrimSpace(fencePattern.ReplaceAllString(raw, ""))
}

// candidates lists the texts the parsing strategies try in order. Trailing
// commas are only removed when the fence-stripped text is not already
// usable, so string literals such as "[1, 2, ]" survive intact.
func candidates(raw string) []string {
	unfenced := stripFences(raw)
	cleaned := trailingCommaPattern.ReplaceAllString(unfenced, "$1")
	if cleaned == unfenced {
		return []string{unfenced}
	}
	return []string{unfenced, cleaned}
}
