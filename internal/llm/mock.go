package llm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/regexp"
)

// Request purposes understood by the mock backend.
const (
	PurposeQuestions = "questions"
	PurposeAnalysis  = "analysis"
	PurposeAnswer    = "answer"
)

var (
	mockCountPattern  = regexp.MustCompile(`(?i)generate (\d+)`)
	mockAnswerPattern = regexp.MustCompile(`(?m)^Answer \d+:`)
)

var mockQuestions = []string{
	"Walk me through how you would design a rate limiter for a public API.",
	"Describe a production incident you debugged and what you changed afterwards.",
	"How do you decide between a relational database and a document store?",
	"Explain how you would test code that depends on the system clock.",
	"What trade-offs do you weigh when splitting a service into smaller ones?",
}

type mockGenerator struct{}

// NewMockGenerator returns a backend that answers with canned, slightly
// messy model output for local development.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	var content string
	switch req.Purpose {
	case PurposeQuestions:
		content = mockQuestionList(req.Prompt)
	case PurposeAnalysis:
		content = mockAnalysis(len(mockAnswerPattern.FindAllString(req.Prompt, -1)))
	case PurposeAnswer:
		content = `{"score": 72, "feedback": "Clear structure, add a concrete example.", "improvementTips": "1. **Quantify** impact with numbers. 2. **Close** with the outcome."}`
	default:
		content = "[mock completion for " + strings.TrimSpace(req.Prompt) + "]"
	}
	return consumer(Chunk{Content: content, Latency: 20 * time.Millisecond})
}

func mockQuestionList(prompt string) string {
	n := 3
	if m := mockCountPattern.FindStringSubmatch(prompt); m != nil {
		if parsed, err := strconv.Atoi(m[1]); err == nil && parsed > 0 {
			n = parsed
		}
	}
	var sb strings.Builder
	sb.WriteString("```json\n[\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "  %q,\n", mockQuestions[i%len(mockQuestions)])
	}
	sb.WriteString("]\n```")
	return sb.String()
}

func mockAnalysis(answers int) string {
	var sb strings.Builder
	sb.WriteString("Here is the analysis you asked for:\n{\n")
	sb.WriteString(`  "overallScore": 74,` + "\n")
	sb.WriteString(`  "strengths": ["Structured answers", "Good technical vocabulary"],` + "\n")
	sb.WriteString(`  "weaknesses": ["Few measurable results"],` + "\n")
	sb.WriteString(`  "questionAnalysis": [` + "\n")
	for i := 0; i < answers; i++ {
		fmt.Fprintf(&sb, `    {"questionIndex": %d, "score": %d, "feedback": "Reasonable answer.", "improvementTips": "1. **Be specific** about your role."},`+"\n", i, 70+i%10)
	}
	sb.WriteString("  ]\n}\nLet me know if you need more detail.")
	return sb.String()
}
