package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/loqalabs/interview-buddy/internal/model"
	"github.com/tidwall/gjson"
)

// FillDefaults coerces a parsed analysis object into a fully shaped
// AnalysisResult. Missing or mistyped fields take their zero value and bad
// questionAnalysis entries are defaulted one field at a time. Applying it to
// its own JSON output returns the same result.
func FillDefaults(value gjson.Result) model.AnalysisResult {
	result := model.AnalysisResult{
		OverallScore:     score(value.Get("overallScore")),
		Strengths:        stringList(value.Get("strengths")),
		Weaknesses:       stringList(value.Get("weaknesses")),
		QuestionAnalysis: []model.QuestionAnalysis{},
		Fallback:         value.Get("fallback").Type == gjson.True,
	}
	entries := value.Get("questionAnalysis")
	if entries.IsArray() {
		entries.ForEach(func(_, entry gjson.Result) bool {
			result.QuestionAnalysis = append(result.QuestionAnalysis, questionAnalysis(entry))
			return true
		})
	}
	return result
}

// FillQuestionDefaults coerces a single-answer analysis object.
func FillQuestionDefaults(value gjson.Result) model.QuestionAnalysis {
	return questionAnalysis(value)
}

func questionAnalysis(entry gjson.Result) model.QuestionAnalysis {
	if !entry.IsObject() {
		return model.QuestionAnalysis{}
	}
	index, _ := number(entry.Get("questionIndex"))
	return model.QuestionAnalysis{
		QuestionIndex:   int(min(max(index, 0), math.MaxInt32)),
		Question:        text(entry.Get("question")),
		Score:           score(entry.Get("score")),
		Feedback:        text(entry.Get("feedback")),
		ImprovementTips: text(entry.Get("improvementTips")),
	}
}

func score(value gjson.Result) int {
	n, ok := number(value)
	if !ok {
		return 0
	}
	return int(min(max(n, 0), 100))
}

// number reads a JSON number or numeric string rounded to the nearest
// integer. Callers clamp before converting so huge values cannot overflow.
func number(value gjson.Result) (float64, bool) {
	var parsed float64
	switch value.Type {
	case gjson.Number:
		parsed = value.Float()
	case gjson.String:
		var err error
		parsed, err = strconv.ParseFloat(strings.TrimSpace(value.Str), 64)
		if err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0, false
	}
	return math.Round(parsed), true
}

func text(value gjson.Result) string {
	switch {
	case value.Type == gjson.String:
		return value.Str
	case value.Type == gjson.Number:
		return value.Raw
	case value.IsArray():
		return strings.Join(stringList(value), "\n")
	}
	return ""
}

func stringList(value gjson.Result) []string {
	items := []string{}
	if !value.IsArray() {
		return items
	}
	value.ForEach(func(_, item gjson.Result) bool {
		var s string
		switch item.Type {
		case gjson.String:
			s = item.Str
		case gjson.Number:
			s = item.Raw
		}
		if s = strings.TrimSpace(s); s != "" {
			items = append(items, s)
		}
		return true
	})
	return items
}

// AttachQuestionText forces questionAnalysis to exactly n entries indexed
// 0..n-1 and overwrites each question with the submitted text, or
// "Question {i+1}" when no text is available.
func AttachQuestionText(analysis model.AnalysisResult, questions []model.Question, n int) model.AnalysisResult {
	out := analysis
	if out.Strengths == nil {
		out.Strengths = []string{}
	}
	if out.Weaknesses == nil {
		out.Weaknesses = []string{}
	}
	if n < 0 {
		n = 0
	}
	entries := make([]model.QuestionAnalysis, n)
	for i := range entries {
		if i < len(analysis.QuestionAnalysis) {
			entries[i] = analysis.QuestionAnalysis[i]
		}
		entries[i].QuestionIndex = i
		entries[i].Question = fmt.Sprintf("Question %d", i+1)
		if i < len(questions) && strings.TrimSpace(questions[i].Text) != "" {
			entries[i].Question = questions[i].Text
		}
	}
	out.QuestionAnalysis = entries
	return out
}
