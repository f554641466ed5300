package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

const maxStderrTail = 512

// commandGenerator hands each prompt to a local program, for example a
// llama.cpp wrapper or a hosted-model CLI. The request is written to stdin as
// JSON and the purpose is exported as BUDDY_LLM_PURPOSE. The program may print
// either {"content": "..."} or the bare completion text.
type commandGenerator struct {
	argv []string
	mu   sync.Mutex
}

type commandInput struct {
	Purpose     string  `json:"purpose"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
}

type commandOutput struct {
	Content          *string `json:"content"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	argv, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("llm command empty")
	}
	return &commandGenerator{argv: argv}, nil
}

func (g *commandGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(commandInput{
		Purpose:     req.Purpose,
		Prompt:      req.Prompt,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	// One completion at a time per command.
	g.mu.Lock()
	defer g.mu.Unlock()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Env = append(os.Environ(), "BUDDY_LLM_PURPOSE="+req.Purpose)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if tail := stderrTail(stderr.String()); tail != "" {
			return fmt.Errorf("llm command %s failed: %w: %s", g.argv[0], err, tail)
		}
		return fmt.Errorf("llm command %s failed: %w", g.argv[0], err)
	}

	chunk, err := decodeCommandOutput(stdout.Bytes())
	if err != nil {
		return err
	}
	chunk.Latency = time.Since(start)
	return consumer(chunk)
}

// decodeCommandOutput accepts the JSON envelope or plain text. A JSON value
// without a content field is itself the completion, since models are asked
// for JSON answers.
func decodeCommandOutput(out []byte) (Chunk, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return Chunk{}, errors.New("llm command printed nothing")
	}
	var envelope commandOutput
	if trimmed[0] == '{' && json.Unmarshal(trimmed, &envelope) == nil && envelope.Content != nil {
		return Chunk{
			Content:          *envelope.Content,
			PromptTokens:     envelope.PromptTokens,
			CompletionTokens: envelope.CompletionTokens,
		}, nil
	}
	return Chunk{Content: string(trimmed)}, nil
}

func stderrTail(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if len(stderr) > maxStderrTail {
		stderr = "..." + stderr[len(stderr)-maxStderrTail:]
	}
	return stderr
}
