package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/interview-buddy/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeDevices struct {
	deny     bool
	gate     chan struct{}
	acquired atomic.Int32
	released atomic.Int32
}

type fakeStream struct {
	owner *fakeDevices
	once  sync.Once
}

func (s *fakeStream) Stop() {
	s.once.Do(func() { s.owner.released.Add(1) })
}

func (d *fakeDevices) Acquire(ctx context.Context, _ DeviceRequest) (Stream, error) {
	if d.gate != nil {
		<-d.gate
	}
	if d.deny {
		return nil, model.ErrPermissionDenied
	}
	d.acquired.Add(1)
	return &fakeStream{owner: d}, nil
}

func (d *fakeDevices) active() int32 { return d.acquired.Load() - d.released.Load() }

type fakeEngine struct {
	mu      sync.Mutex
	sinks   []Sink
	started atomic.Int32
	stopped atomic.Int32
	fail    error
}

type fakeHandle struct {
	owner *fakeEngine
	once  sync.Once
}

func (h *fakeHandle) Stop() {
	h.once.Do(func() { h.owner.stopped.Add(1) })
}

func (e *fakeEngine) Start(_ context.Context, _ string, sink Sink) (EngineHandle, error) {
	if e.fail != nil {
		return nil, e.fail
	}
	e.mu.Lock()
	e.sinks = append(e.sinks, sink)
	e.mu.Unlock()
	e.started.Add(1)
	return &fakeHandle{owner: e}, nil
}

func (e *fakeEngine) sink(i int) Sink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sinks[i]
}

func (e *fakeEngine) latest() Sink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sinks[len(e.sinks)-1]
}

func (e *fakeEngine) active() int32 { return e.started.Load() - e.stopped.Load() }

type fakeAnalyzer struct {
	calls      atomic.Int32
	err        error
	transcript atomic.Value
}

func (a *fakeAnalyzer) AnalyzeAnswer(_ context.Context, q model.Question, transcript string) (model.QuestionAnalysis, error) {
	a.calls.Add(1)
	a.transcript.Store(transcript)
	if a.err != nil {
		return model.QuestionAnalysis{}, a.err
	}
	return model.QuestionAnalysis{QuestionIndex: 99, Question: q.Text, Score: 77, Feedback: "solid"}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Tick = time.Millisecond
	return cfg
}

func newTestSession(t *testing.T, devices *fakeDevices, engine *fakeEngine, analyzer Analyzer, index int) *Session {
	t.Helper()
	s := NewSession(Options{
		InterviewID: "iv-1",
		Question:    model.Question{Index: index, Text: "Explain goroutines"},
		Config:      fastConfig(),
		Devices:     devices,
		Engine:      engine,
		Analyzer:    analyzer,
		Logger:      testLogger(),
		Clock:       func() time.Time { return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(s.Close)
	return s
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Snapshot().State == want }, 2*time.Second, time.Millisecond,
		"want state %s, have %s", want, s.Snapshot().State)
}

func TestSessionRecordsAndAnalyzes(t *testing.T) {
	devices := &fakeDevices{}
	engine := &fakeEngine{}
	analyzer := &fakeAnalyzer{}
	s := newTestSession(t, devices, engine, analyzer, 2)

	require.NoError(t, s.Initiate())
	waitForState(t, s, StateRecording)
	require.Equal(t, int32(1), devices.active())
	require.Equal(t, int32(1), engine.active())

	sink := engine.latest()
	sink.Interim("goroutines are")
	sink.Final("goroutines are lightweight threads", 0.8)
	sink.Interim("scheduled by")
	sink.Interim("scheduled by the runtime")
	require.Eventually(t, func() bool { return s.Snapshot().Interim == "scheduled by the runtime" }, time.Second, time.Millisecond)
	require.Equal(t, "goroutines are lightweight threads", s.Snapshot().Final)

	require.NoError(t, s.Stop())
	waitForState(t, s, StateComplete)

	snap := s.Snapshot()
	require.NotNil(t, snap.Result)
	rec := snap.Result.Recording
	require.Equal(t, "goroutines are lightweight threads scheduled by the runtime", rec.Transcript)
	require.Equal(t, 2, rec.QuestionIndex)
	require.InDelta(t, 0.8, rec.Confidence, 1e-9)
	require.False(t, rec.Placeholder)
	require.Equal(t, time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC), rec.Timestamp)

	require.NotNil(t, snap.Result.Analysis)
	require.Equal(t, 2, snap.Result.Analysis.QuestionIndex)
	require.Equal(t, 77, snap.Result.Analysis.Score)
	require.Equal(t, rec.Transcript, analyzer.transcript.Load())

	require.Equal(t, int32(0), devices.active())
	require.Equal(t, int32(0), engine.active())
}

func TestSessionCountdownTakesThreeTicks(t *testing.T) {
	engine := &fakeEngine{}
	s := NewSession(Options{
		Question: model.Question{Index: 0, Text: "q"},
		Config:   Config{Countdown: 3, Tick: 30 * time.Millisecond},
		Devices:  &fakeDevices{},
		Engine:   engine,
		Logger:   testLogger(),
	})
	t.Cleanup(s.Close)

	start := time.Now()
	require.NoError(t, s.Initiate())
	require.Equal(t, StateCountdown, s.Snapshot().State)
	waitForState(t, s, StateRecording)
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	require.Equal(t, int32(1), engine.started.Load())
}

func TestSessionPermissionDeniedReturnsToIdle(t *testing.T) {
	devices := &fakeDevices{deny: true}
	engine := &fakeEngine{}
	s := newTestSession(t, devices, engine, nil, 0)

	require.NoError(t, s.Initiate())
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.State == StateIdle && snap.Error != ""
	}, time.Second, time.Millisecond)
	require.Contains(t, s.Snapshot().Error, "permission denied")
	require.Equal(t, int32(0), engine.started.Load())

	// No automatic retry; a fresh initiate is accepted.
	devices.deny = false
	require.NoError(t, s.Initiate())
	waitForState(t, s, StateRecording)
}

func TestSessionEmptyTranscriptUsesPlaceholder(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	s := newTestSession(t, &fakeDevices{}, &fakeEngine{}, analyzer, 5)

	require.NoError(t, s.Initiate())
	waitForState(t, s, StateRecording)
	require.NoError(t, s.Stop())
	waitForState(t, s, StateComplete)

	rec := s.Snapshot().Result.Recording
	require.True(t, rec.Placeholder)
	require.NotEmpty(t, rec.Transcript)
	require.Equal(t, Placeholder(DefaultPlaceholders, 5), rec.Transcript)
	require.Zero(t, rec.Confidence)
	require.Nil(t, s.Snapshot().Result.Analysis)
	require.Equal(t, int32(0), analyzer.calls.Load())
}

func TestSessionAnalysisFailureStillCompletes(t *testing.T) {
	analyzer := &fakeAnalyzer{err: errors.New("upstream down")}
	engine := &fakeEngine{}
	s := newTestSession(t, &fakeDevices{}, engine, analyzer, 0)

	require.NoError(t, s.Initiate())
	waitForState(t, s, StateRecording)
	engine.latest().Final("an answer", 0.5)
	require.Eventually(t, func() bool { return s.Snapshot().Final == "an answer" }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop())
	waitForState(t, s, StateComplete)

	res := s.Snapshot().Result
	require.Equal(t, "an answer", res.Recording.Transcript)
	require.Nil(t, res.Analysis)
	require.Equal(t, int32(1), analyzer.calls.Load())
}

func TestSessionRestartsEngineOnEnd(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestSession(t, &fakeDevices{}, engine, nil, 0)

	require.NoError(t, s.Initiate())
	waitForState(t, s, StateRecording)

	first := engine.latest()
	first.Final("part one", 1)
	first.End()
	require.Eventually(t, func() bool { return engine.started.Load() == 2 }, time.Second, time.Millisecond)
	require.Equal(t, int32(1), engine.active())
	require.Equal(t, StateRecording, s.Snapshot().State)

	// Callbacks from the ended run are ignored.
	first.Final("stale", 1)
	first.End()
	engine.latest().Final("part two", 1)
	require.Eventually(t, func() bool { return s.Snapshot().Final == "part one part two" }, time.Second, time.Millisecond)
	require.Equal(t, int32(2), engine.started.Load())
	require.Equal(t, 1, s.Snapshot().Restarts)
}

func TestSessionRestartBudgetStopsRecording(t *testing.T) {
	engine := &fakeEngine{}
	s := NewSession(Options{
		Question: model.Question{Index: 1, Text: "q"},
		Config:   Config{Countdown: 1, Tick: time.Millisecond, MaxRestarts: 2},
		Devices:  &fakeDevices{},
		Engine:   engine,
		Logger:   testLogger(),
	})
	t.Cleanup(s.Close)

	require.NoError(t, s.Initiate())
	waitForState(t, s, StateRecording)
	for i := 0; i < 3; i++ {
		want := int32(i + 1)
		require.Eventually(t, func() bool { return engine.started.Load() == want }, time.Second, time.Millisecond)
		engine.sink(i).End()
	}
	waitForState(t, s, StateComplete)
	require.Equal(t, int32(3), engine.started.Load())
	require.Equal(t, int32(0), engine.active())
	require.True(t, s.Snapshot().Result.Recording.Placeholder)
}

func TestSessionTransientEngineErrorIsIgnored(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestSession(t, &fakeDevices{}, engine, nil, 0)

	require.NoError(t, s.Initiate())
	waitForState(t, s, StateRecording)
	engine.latest().Error(model.ErrEngineTransient)
	engine.latest().Final("still here", 1)
	require.Eventually(t, func() bool { return s.Snapshot().Final == "still here" }, time.Second, time.Millisecond)
	require.Equal(t, StateRecording, s.Snapshot().State)
}

func TestSessionUnsupportedEngineReturnsToIdle(t *testing.T) {
	devices := &fakeDevices{}
	engine := &fakeEngine{fail: model.ErrEngineUnsupported}
	s := newTestSession(t, devices, engine, nil, 0)

	require.NoError(t, s.Initiate())
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.State == StateIdle && snap.Error != ""
	}, time.Second, time.Millisecond)
	require.Contains(t, s.Snapshot().Error, "unsupported")
	require.Equal(t, int32(0), devices.active())
}

func TestSessionResetNotifiesOwner(t *testing.T) {
	var resets, resetIndex, completions atomic.Int32
	engine := &fakeEngine{}
	s := NewSession(Options{
		Question:   model.Question{Index: 3, Text: "q"},
		Config:     fastConfig(),
		Devices:    &fakeDevices{},
		Engine:     engine,
		Logger:     testLogger(),
		OnComplete: func(Result) { completions.Add(1) },
		OnReset: func(idx int) {
			resetIndex.Store(int32(idx))
			resets.Add(1)
		},
	})
	t.Cleanup(s.Close)

	require.ErrorIs(t, s.Stop(), ErrInvalidTransition)

	require.NoError(t, s.Initiate())
	waitForState(t, s, StateRecording)
	engine.latest().Final("answer", 1)
	require.NoError(t, s.Stop())
	waitForState(t, s, StateComplete)
	require.Equal(t, int32(1), completions.Load())

	require.NoError(t, s.Reset())
	snap := s.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.Nil(t, snap.Result)
	require.Empty(t, snap.Final)
	require.Equal(t, int32(1), resets.Load())
	require.Equal(t, int32(3), resetIndex.Load())
}

func TestSessionCloseDuringPermissionReleasesLateStream(t *testing.T) {
	devices := &fakeDevices{gate: make(chan struct{})}
	engine := &fakeEngine{}
	s := newTestSession(t, devices, engine, nil, 0)

	require.NoError(t, s.Initiate())
	s.Close()
	close(devices.gate)

	require.Eventually(t, func() bool { return devices.acquired.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return devices.active() == 0 }, time.Second, time.Millisecond)
	require.Equal(t, int32(0), engine.started.Load())
	require.ErrorIs(t, s.Initiate(), ErrSessionClosed)
}

func TestSessionCloseWhileRecordingReleasesEverything(t *testing.T) {
	devices := &fakeDevices{}
	engine := &fakeEngine{}
	s := newTestSession(t, devices, engine, nil, 0)

	require.NoError(t, s.Initiate())
	waitForState(t, s, StateRecording)
	sink := engine.latest()
	s.Close()

	require.Equal(t, int32(0), devices.active())
	require.Equal(t, int32(0), engine.active())
	require.Equal(t, StateIdle, s.Snapshot().State)

	sink.Final("too late", 1)
	sink.End()
	require.Equal(t, int32(1), engine.started.Load())
}

func TestSessionCloseDuringCountdownStartsNoEngine(t *testing.T) {
	devices := &fakeDevices{}
	engine := &fakeEngine{}
	cfg := DefaultConfig()
	cfg.Tick = time.Hour
	s := NewSession(Options{
		InterviewID: "iv-1",
		Question:    model.Question{Index: 0, Text: "Explain goroutines"},
		Config:      cfg,
		Devices:     devices,
		Engine:      engine,
		Logger:      testLogger(),
	})
	t.Cleanup(s.Close)

	require.NoError(t, s.Initiate())
	waitForState(t, s, StateCountdown)
	s.Close()

	require.Equal(t, int32(1), devices.acquired.Load())
	require.Equal(t, int32(0), devices.active())
	require.Equal(t, int32(0), engine.started.Load())
	require.Equal(t, StateIdle, s.Snapshot().State)
}
