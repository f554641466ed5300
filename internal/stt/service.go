// Package stt transcribes candidate audio published on the bus and provides
// the bus-backed speech engine used by capture sessions.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/interview-buddy/internal/bus"
	"github.com/loqalabs/interview-buddy/internal/config"
	"github.com/loqalabs/interview-buddy/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Service buffers audio frames per started session and emits partial, final,
// end and error messages the way a continuous browser recognizer does. An
// utterance ends on a final frame or after IdleTimeoutMS without audio.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	log        *slog.Logger
	sessions   map[string]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	subs       []*nats.Subscription
	wg         sync.WaitGroup
	ready      atomic.Bool
	results    metric.Int64Counter
}

type sessionState struct {
	id           string
	interim      bool
	buffer       []byte
	sampleRate   int
	channels     int
	lastFrame    time.Time
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
	finishing    bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer) *Service {
	ctx, cancel := context.WithCancel(parent)
	meter := otel.Meter("github.com/loqalabs/interview-buddy/internal/stt")
	results, _ := meter.Int64Counter("interview_stt_results_total",
		metric.WithDescription("Speech recognition results by kind"))
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		log:        busClient.Logger().With(slog.String("component", "stt")),
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
		results:    results,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	control, err := s.bus.Conn().Subscribe(protocol.SubjectSTTControl, s.handleControl)
	if err != nil {
		return fmt.Errorf("subscribe stt control: %w", err)
	}
	frames, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".*", s.handleFrame)
	if err != nil {
		_ = control.Unsubscribe()
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subs = []*nats.Subscription{control, frames}

	s.wg.Add(1)
	go s.sweep()
	s.ready.Store(true)
	s.log.Info("speech service listening", slog.String("mode", s.cfg.Mode))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

// handleControl serves start and stop on one subscription so that a stop
// followed by a restart is handled in order.
func (s *Service) handleControl(msg *nats.Msg) {
	switch msg.Subject {
	case protocol.SubjectSTTStart:
		s.handleStart(msg)
	case protocol.SubjectSTTStop:
		var req protocol.STTStop
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.log.Warn("failed to decode stt stop", slogError(err))
			return
		}
		s.mu.Lock()
		delete(s.sessions, req.SessionID)
		s.mu.Unlock()
		s.log.Debug("stt session stopped", slog.String("session_id", req.SessionID))
	}
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.STTStart
	reply := protocol.STTStartReply{}
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.SessionID == "" {
		reply.Error = "invalid start request"
		s.respond(msg, reply)
		return
	}
	reply.SessionID = req.SessionID
	if req.Language != "" && s.cfg.Language != "" && !strings.EqualFold(req.Language, s.cfg.Language) {
		reply.Error = fmt.Sprintf("language %s not available", req.Language)
		s.respond(msg, reply)
		return
	}

	s.mu.Lock()
	s.sessions[req.SessionID] = &sessionState{
		id:         req.SessionID,
		interim:    req.Interim && s.cfg.PublishInterim,
		sampleRate: s.cfg.SampleRate,
		channels:   s.cfg.Channels,
		lastFrame:  time.Now(),
	}
	s.mu.Unlock()

	reply.Accepted = true
	s.respond(msg, reply)
	s.log.Debug("stt session started", slog.String("session_id", req.SessionID))
}

func (s *Service) respond(msg *nats.Msg, reply protocol.STTStartReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to encode stt reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to respond to stt start", slogError(err))
	}
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+".")
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil || state.finishing {
		s.mu.Unlock()
		return
	}
	state.buffer = append(state.buffer, frame.PCM...)
	state.lastFrame = time.Now()
	if frame.SampleRate > 0 {
		state.sampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		state.channels = frame.Channels
	}
	partial := !frame.Final && state.interim && s.partialDue(state)
	s.mu.Unlock()

	switch {
	case frame.Final:
		s.schedule(frame.SessionID, true)
	case partial:
		s.schedule(frame.SessionID, false)
	}
}

// partialDue must be called with s.mu held.
func (s *Service) partialDue(state *sessionState) bool {
	if state.inflight {
		return false
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if !state.lastPartial.IsZero() && (interval <= 0 || time.Since(state.lastPartial) < interval) {
		return false
	}
	state.lastPartial = time.Now()
	return true
}

func (s *Service) sweep() {
	defer s.wg.Done()
	idle := time.Duration(s.cfg.IdleTimeoutMS) * time.Millisecond
	if idle <= 0 {
		return
	}
	interval := idle / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			var expired []string
			s.mu.Lock()
			for id, state := range s.sessions {
				if !state.inflight && !state.finishing && now.Sub(state.lastFrame) >= idle {
					expired = append(expired, id)
				}
			}
			s.mu.Unlock()
			for _, id := range expired {
				s.schedule(id, true)
			}
		}
	}
}

func (s *Service) schedule(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil || state.finishing {
		s.mu.Unlock()
		return
	}
	if state.inflight {
		if final {
			state.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	if final {
		state.finishing = true
	}
	pcm := append([]byte(nil), state.buffer...)
	sampleRate, channels := state.sampleRate, state.channels
	state.inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := s.transcribe(pcm, sampleRate, channels, final)

		s.mu.Lock()
		current := s.sessions[sessionID]
		stale := current != state
		state.inflight = false
		pendingFinal := state.pendingFinal
		if final && !stale {
			delete(s.sessions, sessionID)
		}
		s.mu.Unlock()

		if stale {
			return
		}
		if final {
			s.finish(sessionID, result, err)
			return
		}
		if err != nil {
			s.log.Warn("partial transcription failed", slogError(err))
		} else if result.Text != "" {
			s.publishTranscript(protocol.SubjectTranscriptPartialPrefix, sessionID, result, true)
		}
		if pendingFinal {
			s.schedule(sessionID, true)
		}
	}()
}

func (s *Service) transcribe(pcm []byte, sampleRate, channels int, final bool) (TranscriptResult, error) {
	if len(pcm) == 0 {
		return TranscriptResult{}, nil
	}
	ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
	defer cancel()
	return s.recognizer.Transcribe(ctx, pcm, sampleRate, channels, final)
}

// finish reports the outcome of an utterance and always ends it.
func (s *Service) finish(sessionID string, result TranscriptResult, err error) {
	switch {
	case err != nil:
		s.log.Warn("stt transcription failed", slogError(err), slog.String("session_id", sessionID))
		s.publishError(sessionID, protocol.ErrorCodeRecognizer, err.Error(), false)
	case result.Text == "":
		s.publishError(sessionID, protocol.ErrorCodeNoSpeech, "no speech detected", true)
	default:
		s.publishTranscript(protocol.SubjectTranscriptFinalPrefix, sessionID, result, false)
	}
	s.count("end")
	s.publish(protocol.Subject(protocol.SubjectTranscriptEndPrefix, sessionID), protocol.TranscriptEnd{
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publishTranscript(prefix, sessionID string, result TranscriptResult, partial bool) {
	kind := "final"
	if partial {
		kind = "partial"
	}
	s.count(kind)
	s.publish(protocol.Subject(prefix, sessionID), protocol.Transcript{
		SessionID:  sessionID,
		Text:       result.Text,
		Partial:    partial,
		Timestamp:  time.Now().UTC(),
		Confidence: result.Confidence,
	})
}

func (s *Service) publishError(sessionID, code, message string, transient bool) {
	s.count(code)
	s.publish(protocol.Subject(protocol.SubjectTranscriptErrorPrefix, sessionID), protocol.TranscriptError{
		SessionID: sessionID,
		Code:      code,
		Message:   message,
		Transient: transient,
	})
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.log.Warn("failed to publish stt message", slogError(err), slog.String("subject", subject))
	}
}

func (s *Service) count(kind string) {
	if s.results == nil {
		return
	}
	s.results.Add(s.ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
