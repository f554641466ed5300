// Package capture runs the per-question answer capture lifecycle: device
// permission, countdown, continuous transcription and hand-off of the
// finished recording.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/interview-buddy/internal/model"
)

// ErrSessionClosed is returned by commands sent to a closed session.
var ErrSessionClosed = errors.New("capture session closed")

// Config tunes session timing and limits.
type Config struct {
	Countdown       int
	Tick            time.Duration
	MaxRestarts     int
	AnalysisTimeout time.Duration
	Placeholders    []string
}

// DefaultConfig returns a three second countdown and five engine restarts.
func DefaultConfig() Config {
	return Config{
		Countdown:       3,
		Tick:            time.Second,
		MaxRestarts:     5,
		AnalysisTimeout: 60 * time.Second,
		Placeholders:    DefaultPlaceholders,
	}
}

// Options wires one session to its collaborators.
type Options struct {
	SessionID   string
	InterviewID string
	Question    model.Question
	Config      Config
	Devices     Devices
	Engine      Engine
	Analyzer    Analyzer
	Logger      *slog.Logger
	Clock       func() time.Time

	OnChange   func(Snapshot)
	OnComplete func(Result)
	OnReset    func(questionIndex int)
}

// Result is what a completed session hands to its owner.
type Result struct {
	Recording model.Recording         `json:"recording"`
	Analysis  *model.QuestionAnalysis `json:"analysis,omitempty"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	SessionID     string  `json:"sessionId"`
	InterviewID   string  `json:"interviewId"`
	QuestionIndex int     `json:"questionIndex"`
	State         State   `json:"state"`
	Countdown     int     `json:"countdown,omitempty"`
	Interim       string  `json:"interim,omitempty"`
	Final         string  `json:"final,omitempty"`
	Restarts      int     `json:"restarts"`
	Error         string  `json:"error,omitempty"`
	Result        *Result `json:"result,omitempty"`
}

type command struct {
	event Event
	reply chan error
}

type permissionResult struct {
	attempt int
	stream  Stream
	err     error
}

type tick struct{ gen int }

type engineInterim struct {
	run  int
	text string
}

type engineFinal struct {
	run        int
	text       string
	confidence float64
}

type engineError struct {
	run int
	err error
}

type engineEnd struct{ run int }

type analysisDone struct {
	gen      int
	analysis model.QuestionAnalysis
	err      error
}

// Session is a single capture attempt for one question. All state changes
// happen on one goroutine fed by a mailbox; blocking work runs elsewhere and
// posts its outcome back.
type Session struct {
	id       string
	opts     Options
	cfg      Config
	logger   *slog.Logger
	clock    func() time.Time
	devices  Devices
	engine   Engine
	analyzer Analyzer
	metrics  *metrics

	ctx    context.Context
	cancel context.CancelFunc
	inbox  *mailbox
	done   chan struct{}
	once   sync.Once

	// owned by the loop goroutine
	state        State
	remaining    int
	stream       Stream
	engineHandle EngineHandle
	timer        *time.Timer
	attempt      int
	tickGen      int
	run          int
	analysisGen  int
	final        string
	interim      string
	confidences  []float64
	policy       RestartPolicy
	lastErr      error
	pending      model.Recording
	result       *Result

	mu   sync.RWMutex
	snap Snapshot
}

// NewSession creates an idle session and starts its loop.
func NewSession(opts Options) *Session {
	cfg := opts.Config
	defaults := DefaultConfig()
	if cfg.Countdown <= 0 {
		cfg.Countdown = defaults.Countdown
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaults.Tick
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = defaults.AnalysisTimeout
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	devices := opts.Devices
	if devices == nil {
		devices = GrantAll{}
	}
	engine := opts.Engine
	if engine == nil {
		engine = unsupportedEngine{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       opts.SessionID,
		opts:     opts,
		cfg:      cfg,
		clock:    clock,
		devices:  devices,
		engine:   engine,
		analyzer: opts.Analyzer,
		metrics:  newMetrics(),
		logger: logger.With(
			slog.String("component", "capture"),
			slog.String("session_id", opts.SessionID),
			slog.Int("question_index", opts.Question.Index),
		),
		ctx:    ctx,
		cancel: cancel,
		inbox:  newMailbox(),
		done:   make(chan struct{}),
		state:  StateIdle,
		policy: RestartPolicy{MaxRestarts: cfg.MaxRestarts},
	}
	s.snap = s.snapshot()
	go s.loop()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) QuestionIndex() int { return s.opts.Question.Index }

// Snapshot returns the latest published view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Done is closed once the session released every resource.
func (s *Session) Done() <-chan struct{} { return s.done }

// Initiate requests device access and starts the countdown.
func (s *Session) Initiate() error { return s.command(EventInitiate) }

// Stop ends the recording and starts processing.
func (s *Session) Stop() error { return s.command(EventStop) }

// Reset discards a completed recording ("record again").
func (s *Session) Reset() error { return s.command(EventReset) }

// Abort forces the session back to idle from any state.
func (s *Session) Abort() error { return s.command(EventAbort) }

// Close tears the session down and waits until tracks, timer and engine are
// released. Safe to call repeatedly.
func (s *Session) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *Session) command(event Event) error {
	reply := make(chan error, 1)
	if !s.inbox.post(command{event: event, reply: reply}) {
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.teardown()
			return
		case <-s.inbox.notify:
			for _, ev := range s.inbox.drain() {
				s.handle(ev)
			}
			s.publish()
		}
	}
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case command:
		err := s.handleCommand(ev.event)
		s.publish()
		ev.reply <- err
	case permissionResult:
		s.handlePermission(ev)
	case tick:
		s.handleTick(ev)
	case engineInterim:
		if s.live(ev.run) {
			s.interim = ev.text
			s.policy.Progress()
		}
	case engineFinal:
		if s.live(ev.run) {
			s.final += ev.text + " "
			s.interim = ""
			s.confidences = append(s.confidences, ev.confidence)
			s.policy.Progress()
		}
	case engineError:
		s.handleEngineError(ev)
	case engineEnd:
		s.handleEngineEnd(ev)
	case analysisDone:
		s.handleAnalysis(ev)
	}
}

func (s *Session) handleCommand(event Event) error {
	next, err := Transition(s.state, event)
	if err != nil {
		return err
	}
	switch event {
	case EventInitiate:
		s.clearBuffers()
		s.lastErr = nil
		s.result = nil
		s.state = next
		s.remaining = s.cfg.Countdown
		s.attempt++
		go s.acquire(s.attempt)
	case EventStop:
		s.finishRecording()
	case EventReset:
		hadResult := s.result != nil
		s.clearBuffers()
		s.result = nil
		s.lastErr = nil
		s.state = next
		if hadResult && s.opts.OnReset != nil {
			s.opts.OnReset(s.opts.Question.Index)
		}
	case EventAbort:
		s.abort(nil)
	}
	return nil
}

func (s *Session) acquire(attempt int) {
	stream, err := s.devices.Acquire(s.ctx, DeviceRequest{
		SessionID:     s.id,
		InterviewID:   s.opts.InterviewID,
		QuestionIndex: s.opts.Question.Index,
	})
	if !s.inbox.post(permissionResult{attempt: attempt, stream: stream, err: err}) && stream != nil {
		stream.Stop()
	}
}

func (s *Session) handlePermission(ev permissionResult) {
	if ev.attempt != s.attempt || s.state != StateCountdown {
		if ev.stream != nil {
			ev.stream.Stop()
		}
		return
	}
	if ev.err != nil {
		s.state, _ = Transition(s.state, EventDenied)
		if !errors.Is(ev.err, model.ErrPermissionDenied) {
			ev.err = fmt.Errorf("%w: %w", model.ErrPermissionDenied, ev.err)
		}
		s.lastErr = ev.err
		s.metrics.outcome(s.ctx, "denied")
		s.logger.Warn("device access refused", slogError(ev.err))
		return
	}
	if ev.stream == nil {
		ev.stream = noopStream{}
	}
	s.stream = ev.stream
	s.scheduleTick()
}

func (s *Session) scheduleTick() {
	s.tickGen++
	gen := s.tickGen
	s.timer = time.AfterFunc(s.cfg.Tick, func() {
		s.inbox.post(tick{gen: gen})
	})
}

func (s *Session) handleTick(ev tick) {
	if ev.gen != s.tickGen || s.state != StateCountdown {
		return
	}
	s.timer = nil
	s.remaining--
	if s.remaining > 0 {
		s.scheduleTick()
		return
	}
	s.state, _ = Transition(s.state, EventCountdownDone)
	s.policy.reset()
	if err := s.startEngine(); err != nil {
		s.logger.Warn("speech engine start failed", slogError(err))
		s.metrics.outcome(s.ctx, "engine_unavailable")
		s.abort(err)
		return
	}
	s.logger.Info("recording started")
}

func (s *Session) startEngine() error {
	s.run++
	handle, err := s.engine.Start(s.ctx, s.id, &runSink{inbox: s.inbox, run: s.run})
	if err != nil {
		return err
	}
	s.engineHandle = handle
	return nil
}

// live reports whether an engine callback belongs to the current run of a
// recording session.
func (s *Session) live(run int) bool {
	return run == s.run && s.state == StateRecording
}

func (s *Session) handleEngineError(ev engineError) {
	if !s.live(ev.run) {
		return
	}
	switch {
	case errors.Is(ev.err, model.ErrEngineUnsupported):
		s.logger.Warn("speech engine unsupported", slogError(ev.err))
		s.metrics.outcome(s.ctx, "engine_unavailable")
		s.abort(ev.err)
	case errors.Is(ev.err, model.ErrEngineTransient):
		s.logger.Debug("transient speech engine error ignored", slogError(ev.err))
	default:
		s.logger.Warn("speech engine error", slogError(ev.err))
	}
}

func (s *Session) handleEngineEnd(ev engineEnd) {
	if !s.live(ev.run) {
		return
	}
	s.stopEngine()
	if !s.policy.Allow() {
		s.logger.Warn("speech engine restart budget exhausted, stopping recording",
			slog.Int("max_restarts", s.cfg.MaxRestarts))
		s.finishRecording()
		return
	}
	s.metrics.restarted(s.ctx)
	if err := s.startEngine(); err != nil {
		s.logger.Warn("speech engine restart failed, stopping recording", slogError(err))
		s.finishRecording()
	}
}

func (s *Session) finishRecording() {
	s.state, _ = Transition(s.state, EventStop)
	s.stopEngine()
	s.releaseStream()

	transcript := strings.TrimSpace(s.final + s.interim)
	rec := model.Recording{
		QuestionIndex: s.opts.Question.Index,
		Transcript:    transcript,
		Timestamp:     s.clock().UTC(),
		Confidence:    mean(s.confidences),
	}
	if transcript == "" {
		rec.Transcript = Placeholder(s.cfg.Placeholders, s.opts.Question.Index)
		rec.Placeholder = true
		rec.Confidence = 0
		s.complete(rec, nil, "placeholder")
		return
	}
	if s.analyzer == nil {
		s.complete(rec, nil, "completed")
		return
	}

	s.pending = rec
	s.analysisGen++
	gen := s.analysisGen
	question := s.opts.Question
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AnalysisTimeout)
		defer cancel()
		analysis, err := s.analyzer.AnalyzeAnswer(ctx, question, transcript)
		s.inbox.post(analysisDone{gen: gen, analysis: analysis, err: err})
	}()
}

func (s *Session) handleAnalysis(ev analysisDone) {
	if ev.gen != s.analysisGen || s.state != StateProcessing {
		return
	}
	if ev.err != nil {
		s.logger.Warn("answer analysis failed, completing without analysis", slogError(ev.err))
		s.complete(s.pending, nil, "completed")
		return
	}
	analysis := ev.analysis
	analysis.QuestionIndex = s.opts.Question.Index
	s.complete(s.pending, &analysis, "completed")
}

func (s *Session) complete(rec model.Recording, analysis *model.QuestionAnalysis, outcome string) {
	s.state, _ = Transition(s.state, EventProcessed)
	s.result = &Result{Recording: rec, Analysis: analysis}
	s.pending = model.Recording{}
	s.metrics.outcome(s.ctx, outcome)
	s.logger.Info("capture complete",
		slog.Bool("placeholder", rec.Placeholder),
		slog.Bool("analyzed", analysis != nil),
		slog.Int("restarts", s.policy.Total()))
	if s.opts.OnComplete != nil {
		s.opts.OnComplete(*s.result)
	}
}

// abort releases everything held by the current attempt and returns to idle.
// Outstanding permission, tick and analysis callbacks become stale.
func (s *Session) abort(err error) {
	s.stopTimer()
	s.stopEngine()
	s.releaseStream()
	s.attempt++
	s.tickGen++
	s.analysisGen++
	s.clearBuffers()
	s.pending = model.Recording{}
	s.result = nil
	s.lastErr = err
	s.state, _ = Transition(s.state, EventAbort)
}

func (s *Session) teardown() {
	s.abort(nil)
	for _, ev := range s.inbox.close() {
		switch ev := ev.(type) {
		case permissionResult:
			if ev.stream != nil {
				ev.stream.Stop()
			}
		case command:
			ev.reply <- ErrSessionClosed
		}
	}
	s.publish()
	s.logger.Debug("capture session closed")
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) stopEngine() {
	s.run++
	if s.engineHandle != nil {
		s.engineHandle.Stop()
		s.engineHandle = nil
	}
}

func (s *Session) releaseStream() {
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
}

func (s *Session) clearBuffers() {
	s.final = ""
	s.interim = ""
	s.confidences = nil
	s.remaining = 0
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		SessionID:     s.id,
		InterviewID:   s.opts.InterviewID,
		QuestionIndex: s.opts.Question.Index,
		State:         s.state,
		Interim:       s.interim,
		Final:         strings.TrimSpace(s.final),
		Restarts:      s.policy.Total(),
		Result:        s.result,
	}
	if s.state == StateCountdown {
		snap.Countdown = s.remaining
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	return snap
}

func (s *Session) publish() {
	snap := s.snapshot()
	s.mu.Lock()
	changed := snap != s.snap
	s.snap = snap
	s.mu.Unlock()
	if changed && s.opts.OnChange != nil {
		s.opts.OnChange(snap)
	}
}

type runSink struct {
	inbox *mailbox
	run   int
}

func (k *runSink) Interim(text string) { k.inbox.post(engineInterim{run: k.run, text: text}) }

func (k *runSink) Final(text string, confidence float64) {
	k.inbox.post(engineFinal{run: k.run, text: text, confidence: confidence})
}

func (k *runSink) Error(err error) { k.inbox.post(engineError{run: k.run, err: err}) }

func (k *runSink) End() { k.inbox.post(engineEnd{run: k.run}) }

// GrantAll is a Devices implementation for hosts without a permission
// prompt, such as local development.
type GrantAll struct{}

func (GrantAll) Acquire(context.Context, DeviceRequest) (Stream, error) { return noopStream{}, nil }

type noopStream struct{}

func (noopStream) Stop() {}

type unsupportedEngine struct{}

func (unsupportedEngine) Start(context.Context, string, Sink) (EngineHandle, error) {
	return nil, model.ErrEngineUnsupported
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
