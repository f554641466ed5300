package capture

import (
	"context"

	"github.com/loqalabs/interview-buddy/internal/model"
)

// Devices grants access to the camera and microphone of the answering user.
// Acquire returns model.ErrPermissionDenied (possibly wrapped) on refusal.
type Devices interface {
	Acquire(ctx context.Context, req DeviceRequest) (Stream, error)
}

type DeviceRequest struct {
	SessionID     string
	InterviewID   string
	QuestionIndex int
}

// Stream is an acquired set of media tracks. Stop releases all of them and
// must be safe to call more than once.
type Stream interface {
	Stop()
}

// Engine is a continuous speech-to-text engine. Start returns
// model.ErrEngineUnsupported when no engine is available.
type Engine interface {
	Start(ctx context.Context, sessionID string, sink Sink) (EngineHandle, error)
}

// EngineHandle stops one running engine instance. Stop is idempotent.
type EngineHandle interface {
	Stop()
}

// Sink receives engine callbacks. Calls may arrive from any goroutine and
// after the handle was stopped.
type Sink interface {
	Interim(text string)
	Final(text string, confidence float64)
	Error(err error)
	End()
}

// Analyzer evaluates one finalized answer.
type Analyzer interface {
	AnalyzeAnswer(ctx context.Context, question model.Question, transcript string) (model.QuestionAnalysis, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, question model.Question, transcript string) (model.QuestionAnalysis, error)

func (f AnalyzerFunc) AnalyzeAnswer(ctx context.Context, question model.Question, transcript string) (model.QuestionAnalysis, error) {
	return f(ctx, question, transcript)
}
