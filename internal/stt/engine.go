package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/interview-buddy/internal/bus"
	"github.com/loqalabs/interview-buddy/internal/capture"
	"github.com/loqalabs/interview-buddy/internal/config"
	"github.com/loqalabs/interview-buddy/internal/model"
	"github.com/loqalabs/interview-buddy/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusEngine is a capture.Engine backed by the speech service on the bus.
type BusEngine struct {
	bus      *bus.Client
	language string
	interim  bool
	log      *slog.Logger
}

func NewBusEngine(client *bus.Client, cfg config.STTConfig) *BusEngine {
	return &BusEngine{
		bus:      client,
		language: cfg.Language,
		interim:  cfg.PublishInterim,
		log:      client.Logger().With(slog.String("component", "stt_engine")),
	}
}

// Start subscribes to the session's transcript subjects and asks the speech
// service to begin listening. A bus without a speech service yields
// model.ErrEngineUnsupported.
func (e *BusEngine) Start(ctx context.Context, sessionID string, sink capture.Sink) (capture.EngineHandle, error) {
	h := &busHandle{engine: e, sessionID: sessionID, sink: sink}
	sub, err := e.bus.Conn().Subscribe(transcriptWildcard(sessionID), h.dispatch)
	if err != nil {
		return nil, fmt.Errorf("subscribe transcripts: %w", err)
	}
	h.sub = sub

	var reply protocol.STTStartReply
	err = e.bus.RequestJSON(ctx, protocol.SubjectSTTStart, protocol.STTStart{
		SessionID: sessionID,
		Language:  e.language,
		Interim:   e.interim,
	}, &reply)
	switch {
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: no speech service answered", model.ErrEngineUnsupported)
	case err != nil:
		_ = sub.Unsubscribe()
		return nil, err
	case !reply.Accepted:
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: %s", model.ErrEngineUnsupported, reply.Error)
	}
	return h, nil
}

func transcriptWildcard(sessionID string) string {
	return "interview.transcript.*." + sessionID
}

type busHandle struct {
	engine    *BusEngine
	sessionID string
	sink      capture.Sink
	sub       *nats.Subscription
	stopped   atomic.Bool
	once      sync.Once
}

func (h *busHandle) dispatch(msg *nats.Msg) {
	if h.stopped.Load() {
		return
	}
	switch {
	case strings.HasPrefix(msg.Subject, protocol.SubjectTranscriptPartialPrefix+"."):
		var t protocol.Transcript
		if h.decode(msg, &t) {
			h.sink.Interim(t.Text)
		}
	case strings.HasPrefix(msg.Subject, protocol.SubjectTranscriptFinalPrefix+"."):
		var t protocol.Transcript
		if h.decode(msg, &t) {
			h.sink.Final(t.Text, t.Confidence)
		}
	case strings.HasPrefix(msg.Subject, protocol.SubjectTranscriptErrorPrefix+"."):
		var te protocol.TranscriptError
		if h.decode(msg, &te) {
			h.sink.Error(classify(te))
		}
	case strings.HasPrefix(msg.Subject, protocol.SubjectTranscriptEndPrefix+"."):
		h.sink.End()
	}
}

func (h *busHandle) decode(msg *nats.Msg, v any) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		h.engine.log.Warn("failed to decode transcript message", slogError(err), slog.String("subject", msg.Subject))
		return false
	}
	return true
}

// Stop is idempotent.
func (h *busHandle) Stop() {
	h.once.Do(func() {
		h.stopped.Store(true)
		if h.sub != nil {
			_ = h.sub.Unsubscribe()
		}
		if err := h.engine.bus.PublishJSON(protocol.SubjectSTTStop, protocol.STTStop{SessionID: h.sessionID}); err != nil {
			h.engine.log.Warn("failed to stop stt session", slogError(err))
		}
	})
}

func classify(te protocol.TranscriptError) error {
	switch {
	case te.Code == protocol.ErrorCodeUnsupported:
		return fmt.Errorf("%w: %s", model.ErrEngineUnsupported, te.Message)
	case te.Transient:
		return fmt.Errorf("%w: %s: %s", model.ErrEngineTransient, te.Code, te.Message)
	default:
		return fmt.Errorf("speech engine %s: %s", te.Code, te.Message)
	}
}
