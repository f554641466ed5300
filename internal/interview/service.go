// Package interview is the service boundary of the interview flow: question
// generation, whole-interview analysis and per-answer analysis on top of an
// untrusted completion service, plus the Manager that ties capture sessions
// to storage and notifications.
package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/interview-buddy/internal/capture"
	"github.com/loqalabs/interview-buddy/internal/llm"
	"github.com/loqalabs/interview-buddy/internal/model"
	"github.com/loqalabs/interview-buddy/internal/normalize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/loqalabs/interview-buddy/internal/interview"

const (
	msgDescriptionRequired = "Job description is required"
	msgAnalysisRequired    = "Questions, recordings, and job description are required"
)

// Completer is the prompt -> text completion service.
type Completer interface {
	Complete(ctx context.Context, purpose, prompt string) (string, error)
}

// AnalysisRequest is the input of a whole-interview analysis.
type AnalysisRequest struct {
	Questions      []model.Question  `json:"questions"`
	Recordings     []model.Recording `json:"recordings"`
	JobDescription string            `json:"jobDescription"`
}

// Service generates questions and analyses through a Completer and
// normalizes whatever comes back.
type Service struct {
	completer     Completer
	questionCount int
	logger        *slog.Logger
	tracer        trace.Tracer
	strategies    metric.Int64Counter
	fallbacks     metric.Int64Counter
}

func NewService(completer Completer, questionCount int, logger *slog.Logger) *Service {
	if questionCount <= 0 {
		questionCount = 3
	}
	meter := otel.Meter(instrumentation)
	strategies, _ := meter.Int64Counter("interview_normalize_strategy_total",
		metric.WithDescription("Model outputs recovered, by shape and strategy"))
	fallbacks, _ := meter.Int64Counter("interview_fallback_analyses_total",
		metric.WithDescription("Analyses replaced by the fallback result"))
	return &Service{
		completer:     completer,
		questionCount: questionCount,
		logger:        logger.With(slog.String("component", "interview-service")),
		tracer:        otel.Tracer(instrumentation),
		strategies:    strategies,
		fallbacks:     fallbacks,
	}
}

// GenerateQuestions asks for interview questions matching description. The
// result is never nil.
func (s *Service) GenerateQuestions(ctx context.Context, description string) ([]string, error) {
	if strings.TrimSpace(description) == "" {
		return nil, model.ErrInvalidRequest(msgDescriptionRequired)
	}
	ctx, span := s.tracer.Start(ctx, "interview.generate_questions")
	defer span.End()

	raw, err := s.completer.Complete(ctx, llm.PurposeQuestions, questionPrompt(description, s.questionCount))
	if err != nil {
		span.RecordError(err)
		return nil, model.Upstream(err)
	}
	questions, strategy := normalize.ParseQuestions(raw)
	s.recordStrategy(ctx, normalize.ShapeQuestionList, strategy)
	span.SetAttributes(attribute.String("normalize.strategy", strategy), attribute.Int("questions", len(questions)))
	s.logger.Info("questions generated", slog.Int("count", len(questions)), slog.String("strategy", strategy))
	return questions, nil
}

// Analyze evaluates a full interview. Upstream failures are returned; output
// that cannot be parsed degrades to FallbackAnalysis. The result always has
// one questionAnalysis entry per recording.
func (s *Service) Analyze(ctx context.Context, req AnalysisRequest) (model.AnalysisResult, error) {
	if req.Questions == nil || req.Recordings == nil || strings.TrimSpace(req.JobDescription) == "" {
		return model.AnalysisResult{}, model.ErrInvalidRequest(msgAnalysisRequired)
	}
	ctx, span := s.tracer.Start(ctx, "interview.analyze", trace.WithAttributes(
		attribute.Int("recordings", len(req.Recordings))))
	defer span.End()

	answers := alignAnswers(req.Questions, req.Recordings)
	raw, err := s.completer.Complete(ctx, llm.PurposeAnalysis, analysisPrompt(req.JobDescription, answers))
	if err != nil {
		span.RecordError(err)
		return model.AnalysisResult{}, model.Upstream(err)
	}

	var result model.AnalysisResult
	parsed, err := normalize.ParseStructured(raw, normalize.ShapeAnalysis)
	if err != nil {
		s.logger.Warn("analysis output unparsable, using fallback", slogError(err), slog.Int("raw_chars", len(raw)))
		s.fallbacks.Add(ctx, 1)
		result = FallbackAnalysis(len(answers))
	} else {
		s.recordStrategy(ctx, normalize.ShapeAnalysis, parsed.Strategy)
		result = normalize.FillDefaults(parsed.Value)
	}

	questions := make([]model.Question, len(answers))
	for i, a := range answers {
		questions[i] = a.question
	}
	result = normalize.AttachQuestionText(result, questions, len(answers))
	span.SetAttributes(attribute.Bool("analysis.fallback", result.Fallback), attribute.Int("analysis.score", result.OverallScore))
	return result, nil
}

// AnalyzeAnswer evaluates one finished answer. A reply that cannot be parsed
// is reported as model.ErrParseFailed instead of a fallback so callers can
// complete without analysis.
func (s *Service) AnalyzeAnswer(ctx context.Context, jobDescription string, question model.Question, transcript string) (model.QuestionAnalysis, error) {
	if strings.TrimSpace(transcript) == "" {
		return model.QuestionAnalysis{}, model.ErrInvalidRequest("transcript is required")
	}
	ctx, span := s.tracer.Start(ctx, "interview.analyze_answer", trace.WithAttributes(
		attribute.Int("question_index", question.Index)))
	defer span.End()

	raw, err := s.completer.Complete(ctx, llm.PurposeAnswer, answerPrompt(jobDescription, question, transcript))
	if err != nil {
		span.RecordError(err)
		return model.QuestionAnalysis{}, model.Upstream(err)
	}
	parsed, err := normalize.ParseStructured(raw, normalize.ShapeAnalysis)
	if err != nil {
		return model.QuestionAnalysis{}, fmt.Errorf("answer analysis: %w", err)
	}
	s.recordStrategy(ctx, normalize.ShapeAnalysis, parsed.Strategy)

	analysis := normalize.FillQuestionDefaults(parsed.Value)
	analysis.QuestionIndex = question.Index
	analysis.Question = question.Text
	return analysis, nil
}

// Analyzer binds AnalyzeAnswer to one job description for capture sessions.
func (s *Service) Analyzer(jobDescription string) capture.Analyzer {
	return capture.AnalyzerFunc(func(ctx context.Context, question model.Question, transcript string) (model.QuestionAnalysis, error) {
		return s.AnalyzeAnswer(ctx, jobDescription, question, transcript)
	})
}

func (s *Service) recordStrategy(ctx context.Context, shape normalize.Shape, strategy string) {
	if strategy == "" {
		strategy = "none"
	}
	s.strategies.Add(ctx, 1, metric.WithAttributes(
		attribute.String("shape", string(shape)),
		attribute.String("strategy", strategy)))
}

// alignAnswers pairs each recording with its question, by index when the
// question list has it and by position otherwise.
func alignAnswers(questions []model.Question, recordings []model.Recording) []answered {
	byIndex := make(map[int]model.Question, len(questions))
	for _, q := range questions {
		byIndex[q.Index] = q
	}
	answers := make([]answered, len(recordings))
	for i, rec := range recordings {
		q, ok := byIndex[rec.QuestionIndex]
		if !ok && i < len(questions) {
			q = questions[i]
		}
		answers[i] = answered{question: q, transcript: rec.Transcript, placeholder: rec.Placeholder}
	}
	return answers
}

// IsClientError reports whether err should be answered with 400.
func IsClientError(err error) bool {
	var invalid *model.InvalidRequestError
	return errors.As(err, &invalid)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
