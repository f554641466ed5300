package normalize

import (
	"strings"

	"github.com/grafana/regexp"
)

var (
	numberedBoldPattern = regexp.MustCompile(`\d+\.\s+\*\*[^*]+\*\*`)
	numberPrefixPattern = regexp.MustCompile(`\d+\.\s+`)
	boldPattern         = regexp.MustCompile(`\*\*([^*]+)\*\*`)
)

// FormatImprovementTips splits "1. **Title** ..." style tips into separate
// points with bold markers rendered as <i>. Tips without numbered bold
// points come back as a single item.
func FormatImprovementTips(tips string) []string {
	if strings.TrimSpace(tips) == "" {
		return nil
	}
	if !numberedBoldPattern.MatchString(tips) {
		return []string{tips}
	}
	var points []string
	for _, point := range numberPrefixPattern.Split(tips, -1) {
		point = strings.TrimSpace(boldPattern.ReplaceAllString(point, "<i>$1</i>"))
		if point != "" {
			points = append(points, point)
		}
	}
	return points
}
