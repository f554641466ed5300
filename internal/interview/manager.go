package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/interview-buddy/internal/capture"
	"github.com/loqalabs/interview-buddy/internal/export"
	"github.com/loqalabs/interview-buddy/internal/model"
	"github.com/loqalabs/interview-buddy/internal/protocol"
	"github.com/loqalabs/interview-buddy/internal/store"
)

var (
	// ErrNotFound is returned for interviews neither live nor stored.
	ErrNotFound = errors.New("interview not found")
	// ErrNoActiveSession is returned when a capture command has no session
	// to act on.
	ErrNoActiveSession = errors.New("no active capture session")
)

// Event types written to the interview timeline.
const (
	EventCreated          = "interview.created"
	EventRecordingSaved   = "recording.saved"
	EventRecordingRemoved = "recording.removed"
	EventAnalysisComplete = "analysis.completed"
)

// Publisher sends bus messages.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Archiver uploads a finished analysis and returns the report key.
type Archiver interface {
	Archive(ctx context.Context, interviewID string, analysis model.AnalysisResult, report []byte) (string, error)
}

// Notifier fans analysis updates out to other systems.
type Notifier interface {
	NotifyAnalysis(ctx context.Context, update protocol.AnalysisReady) error
}

// ManagerOptions wires a Manager. Publisher, Archiver and Notifier are
// optional.
type ManagerOptions struct {
	Service        *Service
	Store          *store.Store
	Publisher      Publisher
	Archiver       Archiver
	Notifier       Notifier
	Capture        capture.Config
	Devices        capture.Devices
	Engine         capture.Engine
	AnalyzeAnswers bool
	MaxActive      int
	Logger         *slog.Logger
	Clock          func() time.Time
}

// Manager keeps live interviews, each with its capture Coordinator, and
// persists everything they produce. The least recently used interview is
// unloaded once MaxActive is exceeded.
type Manager struct {
	opts  ManagerOptions
	log   *slog.Logger
	clock func() time.Time

	mu   sync.Mutex
	live map[string]*liveInterview
}

type liveInterview struct {
	mu        sync.Mutex
	interview model.Interview
	coord     *capture.Coordinator
	touched   time.Time
}

func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = 100
	}
	return &Manager{
		opts:  opts,
		log:   logger.With(slog.String("component", "interview-manager")),
		clock: clock,
		live:  make(map[string]*liveInterview),
	}
}

// Create generates questions for description and starts a new interview.
func (m *Manager) Create(ctx context.Context, description string) (model.Interview, error) {
	texts, err := m.opts.Service.GenerateQuestions(ctx, description)
	if err != nil {
		return model.Interview{}, err
	}
	iv := model.Interview{
		ID:             uuid.NewString(),
		JobDescription: description,
		Questions:      model.QuestionsFromText(texts),
		Recordings:     []model.Recording{},
		CreatedAt:      m.clock().UTC(),
	}
	if err := m.opts.Store.SaveInterview(ctx, iv); err != nil {
		return model.Interview{}, fmt.Errorf("save interview: %w", err)
	}
	m.appendEvent(ctx, iv.ID, EventCreated, map[string]any{"questions": len(iv.Questions)})
	m.admit(iv)
	m.log.Info("interview created", slog.String("interview_id", iv.ID), slog.Int("questions", len(iv.Questions)))
	return iv, nil
}

// Get returns the current view of an interview.
func (m *Manager) Get(ctx context.Context, id string) (model.Interview, error) {
	if l := m.lookup(id); l != nil {
		return l.view(), nil
	}
	iv, err := m.opts.Store.GetInterview(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Interview{}, ErrNotFound
	}
	return iv, err
}

// StartCapture makes index the active question and starts its countdown.
// Any previous session of the interview is torn down first.
func (m *Manager) StartCapture(ctx context.Context, id string, index int) (capture.Snapshot, error) {
	l, err := m.load(ctx, id)
	if err != nil {
		return capture.Snapshot{}, err
	}
	session, err := l.coord.Select(index)
	if err != nil {
		return capture.Snapshot{}, err
	}
	if err := session.Initiate(); err != nil {
		return capture.Snapshot{}, err
	}
	return session.Snapshot(), nil
}

// StopCapture ends the active recording.
func (m *Manager) StopCapture(ctx context.Context, id string) (capture.Snapshot, error) {
	return m.command(ctx, id, (*capture.Session).Stop)
}

// ResetCapture discards the active question's answer so it can be retaken.
func (m *Manager) ResetCapture(ctx context.Context, id string) (capture.Snapshot, error) {
	return m.command(ctx, id, (*capture.Session).Reset)
}

// CaptureState returns the active session's snapshot.
func (m *Manager) CaptureState(ctx context.Context, id string) (capture.Snapshot, error) {
	return m.command(ctx, id, nil)
}

// ReleaseCapture tears down the active session, as when the capture view
// goes away.
func (m *Manager) ReleaseCapture(ctx context.Context, id string) error {
	l, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	l.coord.Release()
	return nil
}

func (m *Manager) command(ctx context.Context, id string, fn func(*capture.Session) error) (capture.Snapshot, error) {
	l, err := m.load(ctx, id)
	if err != nil {
		return capture.Snapshot{}, err
	}
	session := l.coord.Active()
	if session == nil {
		return capture.Snapshot{}, ErrNoActiveSession
	}
	if fn != nil {
		if err := fn(session); err != nil {
			return capture.Snapshot{}, err
		}
	}
	return session.Snapshot(), nil
}

// Finalize analyzes the collected recordings, stores the result and
// publishes it. Archive and notification failures are logged, not returned.
func (m *Manager) Finalize(ctx context.Context, id string) (model.AnalysisResult, error) {
	l, err := m.load(ctx, id)
	if err != nil {
		return model.AnalysisResult{}, err
	}
	iv := l.view()
	if len(iv.Recordings) == 0 {
		return model.AnalysisResult{}, model.ErrInvalidRequest("Interview has no recordings to analyze")
	}

	result, err := m.opts.Service.Analyze(ctx, AnalysisRequest{
		Questions:      iv.Questions,
		Recordings:     iv.Recordings,
		JobDescription: iv.JobDescription,
	})
	if err != nil {
		return model.AnalysisResult{}, err
	}
	if err := m.opts.Store.SaveAnalysis(ctx, id, result); err != nil {
		return model.AnalysisResult{}, fmt.Errorf("save analysis: %w", err)
	}
	l.mu.Lock()
	l.interview.Analysis = &result
	l.mu.Unlock()
	iv.Analysis = &result

	update := protocol.AnalysisReady{
		InterviewID:  id,
		OverallScore: result.OverallScore,
		Fallback:     result.Fallback,
		Timestamp:    m.clock().UTC(),
	}
	if m.opts.Archiver != nil {
		update.ReportKey = m.archive(ctx, iv)
	}
	if m.opts.Notifier != nil {
		if err := m.opts.Notifier.NotifyAnalysis(ctx, update); err != nil {
			m.log.Warn("analysis notification failed", slogError(err), slog.String("interview_id", id))
		}
	}
	m.publish(protocol.Subject(protocol.SubjectAnalysisReadyPrefix, id), update)
	m.appendEvent(ctx, id, EventAnalysisComplete, update)
	m.log.Info("interview analyzed",
		slog.String("interview_id", id),
		slog.Int("overall_score", result.OverallScore),
		slog.Bool("fallback", result.Fallback))
	return result, nil
}

func (m *Manager) archive(ctx context.Context, iv model.Interview) string {
	report, err := export.WriteAnalysis(iv)
	if err != nil {
		m.log.Warn("report export failed", slogError(err), slog.String("interview_id", iv.ID))
		return ""
	}
	key, err := m.opts.Archiver.Archive(ctx, iv.ID, *iv.Analysis, report)
	if err != nil {
		m.log.Warn("analysis archive failed", slogError(err), slog.String("interview_id", iv.ID))
		return ""
	}
	return key
}

// Report renders the interview's analysis as an XLSX workbook.
func (m *Manager) Report(ctx context.Context, id string) ([]byte, error) {
	iv, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return export.WriteAnalysis(iv)
}

// Close tears down every live capture session.
func (m *Manager) Close() {
	m.mu.Lock()
	live := m.live
	m.live = make(map[string]*liveInterview)
	m.mu.Unlock()
	for _, l := range live {
		l.coord.Close()
	}
}

// RecordingSaved persists a completed capture.
func (m *Manager) RecordingSaved(interviewID string, result capture.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.opts.Store.SaveRecording(ctx, interviewID, result.Recording); err != nil {
		m.log.Warn("failed to save recording", slogError(err), slog.String("interview_id", interviewID))
	}
	m.appendEvent(ctx, interviewID, EventRecordingSaved, result)
}

// RecordingRemoved forgets the stored answer of a reset question.
func (m *Manager) RecordingRemoved(interviewID string, questionIndex int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.opts.Store.DeleteRecording(ctx, interviewID, questionIndex); err != nil {
		m.log.Warn("failed to delete recording", slogError(err), slog.String("interview_id", interviewID))
	}
	m.appendEvent(ctx, interviewID, EventRecordingRemoved, map[string]int{"questionIndex": questionIndex})
}

// StateChanged mirrors a capture state change onto the bus.
func (m *Manager) StateChanged(snap capture.Snapshot) {
	m.publish(protocol.Subject(protocol.SubjectCaptureStatePrefix, snap.InterviewID), protocol.CaptureUpdate{
		InterviewID:   snap.InterviewID,
		SessionID:     snap.SessionID,
		QuestionIndex: snap.QuestionIndex,
		State:         string(snap.State),
		Countdown:     snap.Countdown,
		Interim:       snap.Interim,
		Final:         snap.Final,
		Error:         snap.Error,
		Timestamp:     m.clock().UTC(),
	})
}

func (m *Manager) lookup(id string) *liveInterview {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.live[id]
	if l != nil {
		l.touched = m.clock()
	}
	return l
}

// load returns the live interview, reviving it from the store if needed.
func (m *Manager) load(ctx context.Context, id string) (*liveInterview, error) {
	if l := m.lookup(id); l != nil {
		return l, nil
	}
	iv, err := m.opts.Store.GetInterview(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.admit(iv), nil
}

func (m *Manager) admit(iv model.Interview) *liveInterview {
	var analyzer capture.Analyzer
	if m.opts.AnalyzeAnswers {
		analyzer = m.opts.Service.Analyzer(iv.JobDescription)
	}
	coord := capture.NewCoordinator(capture.CoordinatorOptions{
		InterviewID: iv.ID,
		Questions:   iv.Questions,
		Config:      m.opts.Capture,
		Devices:     m.opts.Devices,
		Engine:      m.opts.Engine,
		Analyzer:    analyzer,
		Listener:    m,
		Logger:      m.log,
		Clock:       m.opts.Clock,
	})
	coord.Seed(iv.Recordings)
	l := &liveInterview{interview: iv, coord: coord, touched: m.clock()}

	m.mu.Lock()
	if existing := m.live[iv.ID]; existing != nil {
		m.mu.Unlock()
		coord.Close()
		return existing
	}
	m.live[iv.ID] = l
	evicted := m.evictLocked()
	m.mu.Unlock()

	for _, old := range evicted {
		old.coord.Close()
		m.log.Debug("interview unloaded", slog.String("interview_id", old.interview.ID))
	}
	return l
}

// evictLocked must be called with m.mu held.
func (m *Manager) evictLocked() []*liveInterview {
	var evicted []*liveInterview
	for len(m.live) > m.opts.MaxActive {
		var oldest *liveInterview
		for _, l := range m.live {
			if oldest == nil || l.touched.Before(oldest.touched) {
				oldest = l
			}
		}
		delete(m.live, oldest.interview.ID)
		evicted = append(evicted, oldest)
	}
	return evicted
}

func (l *liveInterview) view() model.Interview {
	l.mu.Lock()
	iv := l.interview
	l.mu.Unlock()
	iv.Recordings = l.coord.Recordings()
	return iv
}

func (m *Manager) publish(subject string, v any) {
	if m.opts.Publisher == nil {
		return
	}
	if err := m.opts.Publisher.PublishJSON(subject, v); err != nil {
		m.log.Warn("failed to publish", slogError(err), slog.String("subject", subject))
	}
}

func (m *Manager) appendEvent(ctx context.Context, interviewID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.log.Warn("failed to encode event", slogError(err), slog.String("type", eventType))
		return
	}
	if err := m.opts.Store.AppendEvent(ctx, store.Event{
		InterviewID: interviewID,
		Type:        eventType,
		Payload:     data,
	}); err != nil {
		m.log.Warn("failed to append event", slogError(err), slog.String("type", eventType))
	}
}
