// Package store persists interviews, their recordings and analyses, and an
// event timeline per interview.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/interview-buddy/internal/config"
	"github.com/loqalabs/interview-buddy/internal/model"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an interview does not exist.
var ErrNotFound = errors.New("interview not found")

// timestamps are stored as fixed-width UTC text so they compare correctly as
// strings on every driver.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Event represents a recorded timeline entry.
type Event struct {
	ID          int64
	InterviewID string
	Type        string
	Payload     []byte
	CreatedAt   time.Time
}

// Store wraps a SQL-backed interview store.
type Store struct {
	db       *sql.DB
	postgres bool
	cfg      config.StoreConfig
	log      *slog.Logger
	clock    func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = sql.Open("postgres", cfg.DSN)
	default:
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
		db, err = sql.Open("sqlite", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	s := &Store{db: db, postgres: cfg.Driver == "postgres", cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart && !s.postgres {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	eventID := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.postgres {
		eventID = "BIGSERIAL PRIMARY KEY"
	}
	ddl := `
CREATE TABLE IF NOT EXISTS interviews (
    id TEXT PRIMARY KEY,
    job_description TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS questions (
    interview_id TEXT NOT NULL REFERENCES interviews(id) ON DELETE CASCADE,
    idx INTEGER NOT NULL,
    text TEXT NOT NULL,
    PRIMARY KEY (interview_id, idx)
);
CREATE TABLE IF NOT EXISTS recordings (
    interview_id TEXT NOT NULL REFERENCES interviews(id) ON DELETE CASCADE,
    question_index INTEGER NOT NULL,
    transcript TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    placeholder INTEGER NOT NULL,
    recorded_at TEXT NOT NULL,
    PRIMARY KEY (interview_id, question_index)
);
CREATE TABLE IF NOT EXISTS analyses (
    interview_id TEXT PRIMARY KEY REFERENCES interviews(id) ON DELETE CASCADE,
    overall_score INTEGER NOT NULL,
    fallback INTEGER NOT NULL,
    payload TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id ` + eventID + `,
    interview_id TEXT NOT NULL REFERENCES interviews(id) ON DELETE CASCADE,
    event_type TEXT NOT NULL,
    payload TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_interview_created ON events(interview_id, created_at);
CREATE INDEX IF NOT EXISTS idx_interviews_created ON interviews(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	return s.db.PingContext(ctx)
}

// SaveInterview upserts an interview and replaces its questions.
func (s *Store) SaveInterview(ctx context.Context, iv model.Interview) (err error) {
	if s.disabled() {
		return nil
	}
	created := iv.CreatedAt
	if created.IsZero() {
		created = s.clock()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO interviews(id, job_description, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET job_description=excluded.job_description`),
		iv.ID, iv.JobDescription, formatTime(created)); err != nil {
		return fmt.Errorf("save interview: %w", err)
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM questions WHERE interview_id = ?`), iv.ID); err != nil {
		return fmt.Errorf("clear questions: %w", err)
	}
	for _, q := range iv.Questions {
		if _, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO questions(interview_id, idx, text) VALUES(?, ?, ?)`),
			iv.ID, q.Index, q.Text); err != nil {
			return fmt.Errorf("save question %d: %w", q.Index, err)
		}
	}
	err = tx.Commit()
	return err
}

// GetInterview loads an interview with its questions, recordings and
// analysis.
func (s *Store) GetInterview(ctx context.Context, id string) (model.Interview, error) {
	if s.disabled() {
		return model.Interview{}, ErrNotFound
	}
	iv := model.Interview{ID: id, Questions: []model.Question{}, Recordings: []model.Recording{}}
	var created string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT job_description, created_at FROM interviews WHERE id = ?`), id).
		Scan(&iv.JobDescription, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Interview{}, ErrNotFound
	}
	if err != nil {
		return model.Interview{}, fmt.Errorf("load interview: %w", err)
	}
	iv.CreatedAt = parseTime(created)

	if iv.Questions, err = s.questions(ctx, id); err != nil {
		return model.Interview{}, err
	}
	if iv.Recordings, err = s.Recordings(ctx, id); err != nil {
		return model.Interview{}, err
	}

	var payload string
	err = s.db.QueryRowContext(ctx, s.rebind(
		`SELECT payload FROM analyses WHERE interview_id = ?`), id).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return model.Interview{}, fmt.Errorf("load analysis: %w", err)
	default:
		var analysis model.AnalysisResult
		if err := json.Unmarshal([]byte(payload), &analysis); err != nil {
			return model.Interview{}, fmt.Errorf("decode analysis: %w", err)
		}
		iv.Analysis = &analysis
	}
	return iv, nil
}

func (s *Store) questions(ctx context.Context, id string) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT idx, text FROM questions WHERE interview_id = ? ORDER BY idx ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	defer rows.Close()

	questions := []model.Question{}
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.Index, &q.Text); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// Recordings returns the stored answers of an interview in question order.
func (s *Store) Recordings(ctx context.Context, id string) ([]model.Recording, error) {
	if s.disabled() {
		return []model.Recording{}, nil
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT question_index, transcript, confidence, placeholder, recorded_at
		 FROM recordings WHERE interview_id = ? ORDER BY question_index ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("load recordings: %w", err)
	}
	defer rows.Close()

	recordings := []model.Recording{}
	for rows.Next() {
		var (
			rec         model.Recording
			placeholder int
			recorded    string
		)
		if err := rows.Scan(&rec.QuestionIndex, &rec.Transcript, &rec.Confidence, &placeholder, &recorded); err != nil {
			return nil, err
		}
		rec.Placeholder = placeholder != 0
		rec.Timestamp = parseTime(recorded)
		recordings = append(recordings, rec)
	}
	return recordings, rows.Err()
}

// SaveRecording upserts the answer to one question.
func (s *Store) SaveRecording(ctx context.Context, interviewID string, rec model.Recording) error {
	if s.disabled() {
		return nil
	}
	recorded := rec.Timestamp
	if recorded.IsZero() {
		recorded = s.clock()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO recordings(interview_id, question_index, transcript, confidence, placeholder, recorded_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(interview_id, question_index) DO UPDATE SET
		   transcript=excluded.transcript, confidence=excluded.confidence,
		   placeholder=excluded.placeholder, recorded_at=excluded.recorded_at`),
		interviewID, rec.QuestionIndex, rec.Transcript, rec.Confidence, boolInt(rec.Placeholder), formatTime(recorded))
	if err != nil {
		return fmt.Errorf("save recording: %w", err)
	}
	return nil
}

// DeleteRecording removes the answer to one question.
func (s *Store) DeleteRecording(ctx context.Context, interviewID string, questionIndex int) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM recordings WHERE interview_id = ? AND question_index = ?`), interviewID, questionIndex)
	if err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	return nil
}

// SaveAnalysis upserts the analysis of an interview.
func (s *Store) SaveAnalysis(ctx context.Context, interviewID string, analysis model.AnalysisResult) error {
	if s.disabled() {
		return nil
	}
	payload, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO analyses(interview_id, overall_score, fallback, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(interview_id) DO UPDATE SET
		   overall_score=excluded.overall_score, fallback=excluded.fallback,
		   payload=excluded.payload, created_at=excluded.created_at`),
		interviewID, analysis.OverallScore, boolInt(analysis.Fallback), string(payload), formatTime(s.clock()))
	if err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}
	return nil
}

// AppendEvent writes an event into the interview timeline.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO events(interview_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`),
		evt.InterviewID, evt.Type, string(evt.Payload), formatTime(evt.CreatedAt))
	return err
}

// ListEvents retrieves up to limit events for an interview ordered ascending by time.
func (s *Store) ListEvents(ctx context.Context, interviewID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, interview_id, event_type, payload, created_at
		 FROM events WHERE interview_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`), interviewID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			payload sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.InterviewID, &e.Type, &payload, &created); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload.String)
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
// Children of a removed interview go with it.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM interviews WHERE created_at < ?`), formatTime(cutoff)); err != nil {
			return err
		}
	}
	if s.cfg.MaxInterviews > 0 {
		_, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM interviews WHERE id NOT IN (
			SELECT id FROM interviews ORDER BY created_at DESC LIMIT ?
		)`), s.cfg.MaxInterviews)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	ts, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
