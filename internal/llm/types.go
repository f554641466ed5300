package llm

import (
	"context"
	"time"

	"github.com/loqalabs/interview-buddy/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	Purpose     string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

var systemInstructions = map[string]string{
	PurposeQuestions: "You are an experienced technical interviewer. Reply with JSON only.",
	PurposeAnalysis:  "You are an interview coach reviewing a candidate's recorded answers. Reply with JSON only.",
	PurposeAnswer:    "You are an interview coach giving feedback on a single answer. Reply with JSON only.",
}

// OptionsFromConfig builds request defaults from config for one purpose.
func OptionsFromConfig(cfg config.LLMConfig, purpose string) Request {
	return Request{
		Purpose:     purpose,
		System:      systemInstructions[purpose],
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}
