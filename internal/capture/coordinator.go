package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/interview-buddy/internal/model"
)

// ErrUnknownQuestion is returned when selecting an index the interview lacks.
var ErrUnknownQuestion = errors.New("unknown question")

// Listener observes recordings entering and leaving the aggregate.
type Listener interface {
	RecordingSaved(interviewID string, result Result)
	RecordingRemoved(interviewID string, questionIndex int)
	StateChanged(snapshot Snapshot)
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	InterviewID string
	Questions   []model.Question
	Config      Config
	Devices     Devices
	Engine      Engine
	Analyzer    Analyzer
	Listener    Listener
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Coordinator aggregates the recordings of one interview and keeps at most
// one capture session alive. Switching questions closes the previous session
// before the next one exists, so device and engine handles never overlap.
type Coordinator struct {
	opts   CoordinatorOptions
	logger *slog.Logger

	switchMu sync.Mutex

	mu      sync.Mutex
	active  *Session
	results map[int]Result
	closed  bool
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		opts:    opts,
		logger:  logger.With(slog.String("component", "capture-coordinator"), slog.String("interview_id", opts.InterviewID)),
		results: make(map[int]Result),
	}
}

// Select tears down the active session and creates an idle one for index.
func (c *Coordinator) Select(index int) (*Session, error) {
	question, ok := c.question(index)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownQuestion, index)
	}

	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	previous := c.active
	c.active = nil
	c.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	id := uuid.NewString()
	session := NewSession(Options{
		SessionID:   id,
		InterviewID: c.opts.InterviewID,
		Question:    question,
		Config:      c.opts.Config,
		Devices:     c.opts.Devices,
		Engine:      c.opts.Engine,
		Analyzer:    c.opts.Analyzer,
		Logger:      c.opts.Logger,
		Clock:       c.opts.Clock,
		OnChange:    func(snap Snapshot) { c.changed(snap) },
		OnComplete:  func(res Result) { c.completed(id, res) },
		OnReset:     func(idx int) { c.removed(id, idx) },
	})

	c.mu.Lock()
	c.active = session
	c.mu.Unlock()
	return session, nil
}

// Active returns the current session, or nil.
func (c *Coordinator) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Release closes the active session without starting another one.
func (c *Coordinator) Release() {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	active := c.active
	c.active = nil
	c.mu.Unlock()

	if active != nil {
		active.Close()
	}
}

// Close releases the active session and rejects further selections.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Release()
}

// Seed installs recordings loaded from storage.
func (c *Coordinator) Seed(recordings []model.Recording) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range recordings {
		c.results[rec.QuestionIndex] = Result{Recording: rec}
	}
}

// Recordings returns the collected recordings in question order.
func (c *Coordinator) Recordings() []model.Recording {
	c.mu.Lock()
	defer c.mu.Unlock()
	recordings := make([]model.Recording, 0, len(c.results))
	for _, res := range c.results {
		recordings = append(recordings, res.Recording)
	}
	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].QuestionIndex < recordings[j].QuestionIndex
	})
	return recordings
}

// Result returns the stored outcome for a question.
func (c *Coordinator) Result(index int) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.results[index]
	return res, ok
}

func (c *Coordinator) question(index int) (model.Question, bool) {
	for _, q := range c.opts.Questions {
		if q.Index == index {
			return q, true
		}
	}
	return model.Question{}, false
}

// current reports whether id is the active session. Callbacks from a
// superseded session are dropped.
func (c *Coordinator) current(id string) bool {
	return c.active != nil && c.active.ID() == id
}

func (c *Coordinator) completed(id string, res Result) {
	c.mu.Lock()
	if !c.current(id) {
		c.mu.Unlock()
		c.logger.Debug("dropping result from superseded session", slog.String("session_id", id))
		return
	}
	c.results[res.Recording.QuestionIndex] = res
	c.mu.Unlock()

	if c.opts.Listener != nil {
		c.opts.Listener.RecordingSaved(c.opts.InterviewID, res)
	}
}

func (c *Coordinator) removed(id string, index int) {
	c.mu.Lock()
	if !c.current(id) {
		c.mu.Unlock()
		return
	}
	delete(c.results, index)
	c.mu.Unlock()

	if c.opts.Listener != nil {
		c.opts.Listener.RecordingRemoved(c.opts.InterviewID, index)
	}
}

func (c *Coordinator) changed(snap Snapshot) {
	if c.opts.Listener != nil {
		c.opts.Listener.StateChanged(snap)
	}
}
