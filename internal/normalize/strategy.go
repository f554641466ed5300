package normalize

import (
	"encoding/json"
	"strings"

	"github.com/grafana/regexp"
	"github.com/tidwall/gjson"
)

// Shape names the structure a completion is expected to contain.
type Shape string

const (
	ShapeQuestionList Shape = "questionList"
	ShapeAnalysis     Shape = "analysis"
)

// Strategy is one named attempt at recovering a value of the expected shape.
// Strategies are tried in the order of Strategies.
type Strategy struct {
	Name   string
	Shapes []Shape
	Apply  func(raw string, shape Shape) (gjson.Result, bool)
}

func (s Strategy) handles(shape Shape) bool {
	for _, candidate := range s.Shapes {
		if candidate == shape {
			return true
		}
	}
	return false
}

var (
	// Direct parses the cleaned text as a whole.
	Direct = Strategy{
		Name:   "direct",
		Shapes: []Shape{ShapeQuestionList, ShapeAnalysis},
		Apply:  applyDirect,
	}
	// Substring parses the outermost object or array embedded in the text.
	Substring = Strategy{
		Name:   "substring",
		Shapes: []Shape{ShapeQuestionList, ShapeAnalysis},
		Apply:  applySubstring,
	}
	// HeuristicSplit splits quote-comma-quote separated questions.
	HeuristicSplit = Strategy{
		Name:   "heuristic-split",
		Shapes: []Shape{ShapeQuestionList},
		Apply:  applyHeuristicSplit,
	}
	// WrapSingle treats the entire text as one question.
	WrapSingle = Strategy{
		Name:   "wrap-single",
		Shapes: []Shape{ShapeQuestionList},
		Apply:  applyWrapSingle,
	}

	Strategies = []Strategy{Direct, Substring, HeuristicSplit, WrapSingle}
)

var (
	splitPattern        = regexp.MustCompile(`",\s*"`)
	segmentNoisePattern = regexp.MustCompile(`^\s*\[?\s*"|"\s*\]?\s*,?\s*$`)
)

func applyDirect(raw string, shape Shape) (gjson.Result, bool) {
	for _, text := range candidates(raw) {
		if value, ok := parseShape(text, shape); ok {
			return value, true
		}
	}
	return gjson.Result{}, false
}

func applySubstring(raw string, shape Shape) (gjson.Result, bool) {
	for _, text := range candidates(raw) {
		if value, ok := embedded(text, shape); ok {
			return value, true
		}
	}
	return gjson.Result{}, false
}

func embedded(cleaned string, shape Shape) (gjson.Result, bool) {
	open, closing := "{", "}"
	if shape == ShapeQuestionList {
		open, closing = "[", "]"
	}
	start := strings.Index(cleaned, open)
	if start < 0 {
		return gjson.Result{}, false
	}
	// Greedy first: the last closing delimiter, then walk back.
	for end := strings.LastIndex(cleaned, closing); end > start; end = strings.LastIndex(cleaned[:end], closing) {
		if value, ok := parseShape(cleaned[start:end+1], shape); ok {
			return value, true
		}
	}
	return gjson.Result{}, false
}

func applyHeuristicSplit(raw string, _ Shape) (gjson.Result, bool) {
	text := fencePattern.ReplaceAllString(raw, "")
	var items []string
	for _, segment := range splitPattern.Split(text, -1) {
		segment = strings.TrimSpace(segmentNoisePattern.ReplaceAllString(segment, ""))
		if strings.Trim(segment, "[]\"', \t\r\n") != "" {
			items = append(items, segment)
		}
	}
	if len(items) == 0 {
		return gjson.Result{}, false
	}
	return listResult(items)
}

func applyWrapSingle(raw string, _ Shape) (gjson.Result, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return gjson.Result{}, false
	}
	return listResult([]string{text})
}

func parseShape(text string, shape Shape) (gjson.Result, bool) {
	if text == "" || !gjson.Valid(text) {
		return gjson.Result{}, false
	}
	value := gjson.Parse(text)
	switch shape {
	case ShapeAnalysis:
		return value, value.IsObject()
	case ShapeQuestionList:
		return value, value.IsArray() && len(QuestionItems(value)) > 0
	}
	return gjson.Result{}, false
}

func listResult(items []string) (gjson.Result, bool) {
	data, err := json.Marshal(items)
	if err != nil {
		return gjson.Result{}, false
	}
	return gjson.ParseBytes(data), true
}

// QuestionItems extracts non-empty question strings from a parsed array.
// Object elements contribute their "question" or "text" field.
func QuestionItems(value gjson.Result) []string {
	items := []string{}
	value.ForEach(func(_, item gjson.Result) bool {
		var text string
		switch {
		case item.Type == gjson.String:
			text = item.String()
		case item.IsObject():
			text = item.Get("question").String()
			if strings.TrimSpace(text) == "" {
				text = item.Get("text").String()
			}
		}
		if text = strings.TrimSpace(text); text != "" {
			items = append(items, text)
		}
		return true
	})
	return items
}
