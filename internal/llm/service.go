package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/interview-buddy/internal/config"
	"github.com/loqalabs/interview-buddy/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrEmptyCompletion is returned when a backend answers with no text.
var ErrEmptyCompletion = errors.New("empty completion")

const instrumentation = "github.com/loqalabs/interview-buddy/internal/llm"

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(ctx context.Context, cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "gemini":
		return NewGeminiGenerator(ctx, cfg.APIKey, cfg.Model)
	case "vertex":
		return NewVertexGenerator(ctx, cfg.Project, cfg.Location, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}

// Service turns a Generator into the prompt -> text completion function the
// interview flow depends on.
type Service struct {
	cfg       config.LLMConfig
	generator Generator
	logger    *slog.Logger
	timeout   time.Duration
	backoff   time.Duration
	tracer    trace.Tracer
	requests  metric.Int64Counter
	latency   metric.Float64Histogram
}

func NewService(cfg config.LLMConfig, generator Generator, logger *slog.Logger) *Service {
	meter := otel.Meter(instrumentation)
	requests, _ := meter.Int64Counter("interview_llm_requests_total",
		metric.WithDescription("Completion requests by purpose and outcome"))
	latency, _ := meter.Float64Histogram("interview_llm_latency_seconds",
		metric.WithDescription("Completion latency including retries"), metric.WithUnit("s"))

	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{
		cfg:       cfg,
		generator: generator,
		logger:    logger.With(slog.String("component", "llm-service"), slog.String("mode", cfg.Mode)),
		timeout:   timeout,
		backoff:   500 * time.Millisecond,
		tracer:    otel.Tracer(instrumentation),
		requests:  requests,
		latency:   latency,
	}
}

// Complete sends one prompt and returns the concatenated completion. Every
// failure is reported as model.ErrUpstream.
func (s *Service) Complete(ctx context.Context, purpose, prompt string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("llm.purpose", purpose),
		attribute.Int("llm.prompt_chars", len(prompt)),
	))
	defer span.End()

	req := OptionsFromConfig(s.cfg, purpose)
	req.Prompt = prompt

	start := time.Now()
	text, err := retry(ctx, s.cfg.MaxRetries+1, s.backoff, func(attempt int) (string, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		text, err := s.generate(attemptCtx, req)
		if err != nil {
			s.logger.Warn("completion attempt failed",
				slog.String("purpose", purpose), slog.Int("attempt", attempt+1), slogError(err))
		}
		return text, err
	})
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	attrs := metric.WithAttributes(attribute.String("purpose", purpose), attribute.String("outcome", outcome))
	s.requests.Add(ctx, 1, attrs)
	s.latency.Record(ctx, elapsed.Seconds(), attrs)

	if err != nil {
		return "", model.Upstream(err)
	}
	s.logger.Info("completion finished",
		slog.String("purpose", purpose),
		slog.Duration("latency", elapsed),
		slog.Int("chars", len(text)))
	return text, nil
}

func (s *Service) generate(ctx context.Context, req Request) (string, error) {
	var sb strings.Builder
	err := s.generator.Generate(ctx, req, func(chunk Chunk) error {
		sb.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", ErrEmptyCompletion
	}
	return sb.String(), nil
}

// Close releases backend clients that hold connections.
func (s *Service) Close() {
	if closer, ok := s.generator.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.logger.Warn("closing llm backend failed", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
