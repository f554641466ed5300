package normalize

import (
	"github.com/loqalabs/interview-buddy/internal/model"
	"github.com/tidwall/gjson"
)

// Parsed is a recovered value together with the strategy that produced it.
type Parsed struct {
	Strategy string
	Value    gjson.Result
}

// ParseStructured runs the recovery strategies for shape in order and returns
// the first value that fits. When none does it returns a
// *model.NormalizationError carrying raw.
func ParseStructured(raw string, shape Shape) (Parsed, error) {
	for _, strategy := range Strategies {
		if !strategy.handles(shape) {
			continue
		}
		if value, ok := strategy.Apply(raw, shape); ok {
			return Parsed{Strategy: strategy.Name, Value: value}, nil
		}
	}
	return Parsed{}, &model.NormalizationError{
		Kind:  model.KindParseFailed,
		Shape: string(shape),
		Text:  raw,
	}
}

// ParseQuestions never fails: blank input yields an empty list.
func ParseQuestions(raw string) ([]string, string) {
	parsed, err := ParseStructured(raw, ShapeQuestionList)
	if err != nil {
		return []string{}, ""
	}
	return QuestionItems(parsed.Value), parsed.Strategy
}
