package interview

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/interview-buddy/internal/capture"
	"github.com/loqalabs/interview-buddy/internal/config"
	"github.com/loqalabs/interview-buddy/internal/llm"
	"github.com/loqalabs/interview-buddy/internal/model"
	"github.com/loqalabs/interview-buddy/internal/protocol"
	"github.com/loqalabs/interview-buddy/internal/store"
	"github.com/stretchr/testify/require"
)

type scriptedEngine struct {
	mu    sync.Mutex
	sinks []capture.Sink
}

type noopHandle struct{}

func (noopHandle) Stop() {}

func (e *scriptedEngine) Start(_ context.Context, _ string, sink capture.Sink) (capture.EngineHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
	return noopHandle{}, nil
}

func (e *scriptedEngine) latest() capture.Sink {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sinks) == 0 {
		return nil
	}
	return e.sinks[len(e.sinks)-1]
}

type memoryPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *memoryPublisher) PublishJSON(subject string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *memoryPublisher) has(subject string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.subjects {
		if s == subject {
			return true
		}
	}
	return false
}

type memoryArchiver struct {
	reports map[string][]byte
}

func (a *memoryArchiver) Archive(_ context.Context, id string, _ model.AnalysisResult, report []byte) (string, error) {
	a.reports[id] = report
	return "interviews/" + id + "/report.xlsx", nil
}

type memoryNotifier struct {
	updates []protocol.AnalysisReady
}

func (n *memoryNotifier) NotifyAnalysis(_ context.Context, update protocol.AnalysisReady) error {
	n.updates = append(n.updates, update)
	return nil
}

type managerFixture struct {
	manager   *Manager
	store     *store.Store
	engine    *scriptedEngine
	publisher *memoryPublisher
	archiver  *memoryArchiver
	notifier  *memoryNotifier
	completer *fakeCompleter
}

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), config.StoreConfig{
		Driver:        "sqlite",
		Path:          path,
		RetentionMode: "persistent",
		RetentionDays: 90,
		MaxInterviews: 100,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newManagerFixture(t *testing.T, st *store.Store, maxActive int) *managerFixture {
	t.Helper()
	f := &managerFixture{
		store:     st,
		engine:    &scriptedEngine{},
		publisher: &memoryPublisher{},
		archiver:  &memoryArchiver{reports: make(map[string][]byte)},
		notifier:  &memoryNotifier{},
		completer: newFakeCompleter(map[string]string{
			llm.PurposeQuestions: `["How would you shard a queue?", "What is backpressure?"]`,
			llm.PurposeAnalysis:  `{"overallScore": 81, "strengths": ["depth"], "weaknesses": ["brevity"], "questionAnalysis": [{"score": 81, "feedback": "ok", "improvementTips": "1. **Quantify** impact"}]}`,
		}),
	}
	f.manager = NewManager(ManagerOptions{
		Service:   NewService(f.completer, 2, testLogger()),
		Store:     st,
		Publisher: f.publisher,
		Archiver:  f.archiver,
		Notifier:  f.notifier,
		Capture:   capture.Config{Countdown: 1, Tick: 5 * time.Millisecond, MaxRestarts: 2, AnalysisTimeout: time.Second},
		Devices:   capture.GrantAll{},
		Engine:    f.engine,
		MaxActive: maxActive,
		Logger:    testLogger(),
	})
	t.Cleanup(f.manager.Close)
	return f
}

func waitForCapture(t *testing.T, m *Manager, id string, state capture.State) capture.Snapshot {
	t.Helper()
	var snap capture.Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = m.CaptureState(context.Background(), id)
		return err == nil && snap.State == state
	}, 2*time.Second, 5*time.Millisecond, "capture never reached %s", state)
	return snap
}

func TestManagerCaptureAnalyzeAndReport(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "buddy.db"))
	f := newManagerFixture(t, st, 10)
	ctx := context.Background()

	iv, err := f.manager.Create(ctx, "Platform engineer")
	require.NoError(t, err)
	require.Len(t, iv.Questions, 2)

	snap, err := f.manager.StartCapture(ctx, iv.ID, 0)
	require.NoError(t, err)
	require.Equal(t, 0, snap.QuestionIndex)
	waitForCapture(t, f.manager, iv.ID, capture.StateRecording)

	f.engine.latest().Final("I would partition by tenant id", 0.8)
	require.Eventually(t, func() bool {
		snap, _ := f.manager.CaptureState(ctx, iv.ID)
		return snap.Final != ""
	}, 2*time.Second, 5*time.Millisecond)

	_, err = f.manager.StopCapture(ctx, iv.ID)
	require.NoError(t, err)
	done := waitForCapture(t, f.manager, iv.ID, capture.StateComplete)
	require.Equal(t, "I would partition by tenant id", done.Result.Recording.Transcript)
	require.True(t, f.publisher.has(protocol.Subject(protocol.SubjectCaptureStatePrefix, iv.ID)))

	require.Eventually(t, func() bool {
		recs, err := st.Recordings(ctx, iv.ID)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	result, err := f.manager.Finalize(ctx, iv.ID)
	require.NoError(t, err)
	require.Equal(t, 81, result.OverallScore)
	require.Len(t, result.QuestionAnalysis, 1)
	require.Equal(t, "How would you shard a queue?", result.QuestionAnalysis[0].Question)

	require.NotEmpty(t, f.archiver.reports[iv.ID])
	require.Len(t, f.notifier.updates, 1)
	require.Equal(t, "interviews/"+iv.ID+"/report.xlsx", f.notifier.updates[0].ReportKey)
	require.True(t, f.publisher.has(protocol.Subject(protocol.SubjectAnalysisReadyPrefix, iv.ID)))

	report, err := f.manager.Report(ctx, iv.ID)
	require.NoError(t, err)
	require.NotEmpty(t, report)

	events, err := st.ListEvents(ctx, iv.ID, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	require.Contains(t, types, EventCreated)
	require.Contains(t, types, EventRecordingSaved)
	require.Contains(t, types, EventAnalysisComplete)

	// A fresh manager revives the interview from storage.
	revived := newManagerFixture(t, st, 10)
	stored, err := revived.manager.Get(ctx, iv.ID)
	require.NoError(t, err)
	require.Len(t, stored.Recordings, 1)
	require.NotNil(t, stored.Analysis)
	require.Equal(t, 81, stored.Analysis.OverallScore)
}

func TestManagerResetRemovesRecording(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "buddy.db"))
	f := newManagerFixture(t, st, 10)
	ctx := context.Background()

	iv, err := f.manager.Create(ctx, "Platform engineer")
	require.NoError(t, err)
	_, err = f.manager.StartCapture(ctx, iv.ID, 1)
	require.NoError(t, err)
	waitForCapture(t, f.manager, iv.ID, capture.StateRecording)

	_, err = f.manager.StopCapture(ctx, iv.ID)
	require.NoError(t, err)
	done := waitForCapture(t, f.manager, iv.ID, capture.StateComplete)
	require.True(t, done.Result.Recording.Placeholder)

	_, err = f.manager.ResetCapture(ctx, iv.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := f.manager.Get(ctx, iv.ID)
		return err == nil && len(got.Recordings) == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		recs, err := st.Recordings(ctx, iv.ID)
		return err == nil && len(recs) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManagerErrors(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "buddy.db"))
	f := newManagerFixture(t, st, 10)
	ctx := context.Background()

	_, err := f.manager.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.manager.StartCapture(ctx, "missing", 0)
	require.ErrorIs(t, err, ErrNotFound)

	iv, err := f.manager.Create(ctx, "Platform engineer")
	require.NoError(t, err)
	_, err = f.manager.StopCapture(ctx, iv.ID)
	require.ErrorIs(t, err, ErrNoActiveSession)
	_, err = f.manager.StartCapture(ctx, iv.ID, 9)
	require.ErrorIs(t, err, capture.ErrUnknownQuestion)
	_, err = f.manager.Finalize(ctx, iv.ID)
	require.True(t, IsClientError(err))
	_, err = f.manager.Report(ctx, iv.ID)
	require.Error(t, err)

	_, err = f.manager.Create(ctx, "")
	require.True(t, IsClientError(err))
}

func TestManagerUnloadsLeastRecentlyUsed(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "buddy.db"))
	f := newManagerFixture(t, st, 1)
	ctx := context.Background()

	first, err := f.manager.Create(ctx, "Platform engineer")
	require.NoError(t, err)
	second, err := f.manager.Create(ctx, "Data engineer")
	require.NoError(t, err)

	require.Nil(t, f.manager.lookup(first.ID))
	require.NotNil(t, f.manager.lookup(second.ID))

	got, err := f.manager.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, "Platform engineer", got.JobDescription)
}

func TestManagerEphemeralStoreKeepsLiveInterviews(t *testing.T) {
	st, err := store.Open(context.Background(), config.StoreConfig{RetentionMode: "ephemeral"}, testLogger())
	require.NoError(t, err)
	f := newManagerFixture(t, st, 10)

	iv, err := f.manager.Create(context.Background(), "Platform engineer")
	require.NoError(t, err)
	got, err := f.manager.Get(context.Background(), iv.ID)
	require.NoError(t, err)
	require.Equal(t, iv.Questions, got.Questions)
}
