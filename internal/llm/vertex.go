package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	vertex "cloud.google.com/go/vertexai/genai"
)

// vertexGenerator reaches Gemini models through Vertex AI with application
// default credentials.
type vertexGenerator struct {
	client *vertex.Client
	model  string
}

func NewVertexGenerator(ctx context.Context, project, location, model string) (Generator, error) {
	if project == "" {
		return nil, errors.New("vertex project empty")
	}
	if location == "" {
		location = "us-central1"
	}
	client, err := vertex.NewClient(ctx, project, location)
	if err != nil {
		return nil, fmt.Errorf("create vertex ai client: %w", err)
	}
	return &vertexGenerator{client: client, model: model}, nil
}

func (g *vertexGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	model := g.client.GenerativeModel(g.model)
	model.SetTemperature(float32(req.Temperature))
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.System != "" {
		model.SystemInstruction = &vertex.Content{Parts: []vertex.Part{vertex.Text(req.System)}}
	}

	start := time.Now()
	resp, err := model.GenerateContent(ctx, vertex.Text(req.Prompt))
	if err != nil {
		return fmt.Errorf("vertex generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return errors.New("vertex returned no candidates")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(vertex.Text); ok {
			sb.WriteString(string(text))
		}
	}
	chunk := Chunk{Content: sb.String(), Latency: time.Since(start)}
	if usage := resp.UsageMetadata; usage != nil {
		chunk.PromptTokens = int(usage.PromptTokenCount)
		chunk.CompletionTokens = int(usage.CandidatesTokenCount)
	}
	return consumer(chunk)
}

func (g *vertexGenerator) Close() error {
	return g.client.Close()
}
