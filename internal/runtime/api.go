package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/interview-buddy/internal/capture"
	"github.com/loqalabs/interview-buddy/internal/export"
	"github.com/loqalabs/interview-buddy/internal/interview"
	"github.com/loqalabs/interview-buddy/internal/jobdesc"
	"github.com/loqalabs/interview-buddy/internal/model"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// API serves the interview HTTP surface.
type API struct {
	service     *interview.Service
	manager     *interview.Manager
	environment string
	maxUpload   int64
	log         *slog.Logger
}

func NewAPI(service *interview.Service, manager *interview.Manager, environment string, maxUploadMB int, log *slog.Logger) *API {
	if maxUploadMB <= 0 {
		maxUploadMB = 10
	}
	return &API{
		service:     service,
		manager:     manager,
		environment: environment,
		maxUpload:   int64(maxUploadMB) << 20,
		log:         log.With(slog.String("component", "api")),
	}
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("POST /api/services/questionGenerator", a.handleGenerateQuestions)
	mux.HandleFunc("POST /api/services/analyzeInterview", a.handleAnalyzeInterview)
	mux.HandleFunc("POST /api/services/jobDescription", a.handleJobDescription)

	mux.HandleFunc("POST /api/interviews", a.handleCreateInterview)
	mux.HandleFunc("GET /api/interviews/{id}", a.handleGetInterview)
	mux.HandleFunc("POST /api/interviews/{id}/questions/{index}/capture", a.handleStartCapture)
	mux.HandleFunc("POST /api/interviews/{id}/capture/stop", a.handleStopCapture)
	mux.HandleFunc("POST /api/interviews/{id}/capture/reset", a.handleResetCapture)
	mux.HandleFunc("GET /api/interviews/{id}/capture", a.handleCaptureState)
	mux.HandleFunc("DELETE /api/interviews/{id}/capture", a.handleReleaseCapture)
	mux.HandleFunc("POST /api/interviews/{id}/analysis", a.handleFinalize)
	mux.HandleFunc("GET /api/interviews/{id}/report.xlsx", a.handleReport)
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]string{"status": "API running", "env": a.environment})
}

type descriptionRequest struct {
	Description string `json:"description"`
}

func (a *API) handleGenerateQuestions(w http.ResponseWriter, r *http.Request) {
	var req descriptionRequest
	if !a.decode(w, r, &req) {
		return
	}
	questions, err := a.service.GenerateQuestions(r.Context(), req.Description)
	if err != nil {
		a.fail(w, err, "Failed to generate questions")
		return
	}
	a.respondJSON(w, http.StatusOK, map[string][]string{"questions": questions})
}

func (a *API) handleAnalyzeInterview(w http.ResponseWriter, r *http.Request) {
	var req interview.AnalysisRequest
	if !a.decode(w, r, &req) {
		return
	}
	result, err := a.service.Analyze(r.Context(), req)
	if err != nil {
		a.fail(w, err, "Failed to analyze interview")
		return
	}
	a.respondJSON(w, http.StatusOK, result)
}

func (a *API) handleJobDescription(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload)
	if err := r.ParseMultipartForm(a.maxUpload); err != nil {
		a.respondError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse form: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "Failed to read file")
		return
	}
	text, err := jobdesc.Extract(header.Filename, header.Header.Get("Content-Type"), data)
	switch {
	case errors.Is(err, jobdesc.ErrUnsupportedType):
		a.respondError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	case errors.Is(err, jobdesc.ErrEmpty):
		a.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		a.log.Warn("job description extraction failed", slog.String("error", err.Error()), slog.String("file", header.Filename))
		a.respondError(w, http.StatusBadRequest, "Failed to read job description")
		return
	}
	a.respondJSON(w, http.StatusOK, descriptionRequest{Description: text})
}

func (a *API) handleCreateInterview(w http.ResponseWriter, r *http.Request) {
	var req descriptionRequest
	if !a.decode(w, r, &req) {
		return
	}
	iv, err := a.manager.Create(r.Context(), req.Description)
	if err != nil {
		a.fail(w, err, "Failed to generate questions")
		return
	}
	a.respondJSON(w, http.StatusCreated, iv)
}

func (a *API) handleGetInterview(w http.ResponseWriter, r *http.Request) {
	iv, err := a.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, err, "")
		return
	}
	a.respondJSON(w, http.StatusOK, iv)
}

func (a *API) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		a.respondError(w, http.StatusBadRequest, "question index must be a non-negative integer")
		return
	}
	snap, err := a.manager.StartCapture(r.Context(), r.PathValue("id"), index)
	if err != nil {
		a.fail(w, err, "")
		return
	}
	a.respondJSON(w, http.StatusAccepted, snap)
}

func (a *API) handleStopCapture(w http.ResponseWriter, r *http.Request) {
	a.respondSnapshot(w, r, a.manager.StopCapture)
}

func (a *API) handleResetCapture(w http.ResponseWriter, r *http.Request) {
	a.respondSnapshot(w, r, a.manager.ResetCapture)
}

func (a *API) handleCaptureState(w http.ResponseWriter, r *http.Request) {
	a.respondSnapshot(w, r, a.manager.CaptureState)
}

func (a *API) handleReleaseCapture(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.ReleaseCapture(r.Context(), r.PathValue("id")); err != nil {
		a.fail(w, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleFinalize(w http.ResponseWriter, r *http.Request) {
	result, err := a.manager.Finalize(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, err, "Failed to analyze interview")
		return
	}
	a.respondJSON(w, http.StatusOK, result)
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, err := a.manager.Report(r.Context(), id)
	if err != nil {
		a.fail(w, err, "")
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="interview-%s.xlsx"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report)
}

func (a *API) respondSnapshot(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) (capture.Snapshot, error)) {
	snap, err := fn(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, err, "")
		return
	}
	a.respondJSON(w, http.StatusOK, snap)
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

// fail maps service errors onto status codes. upstreamMessage is shown when
// the completion service failed.
func (a *API) fail(w http.ResponseWriter, err error, upstreamMessage string) {
	var invalid *model.InvalidRequestError
	switch {
	case errors.As(err, &invalid):
		a.respondError(w, http.StatusBadRequest, invalid.Message)
	case errors.Is(err, interview.ErrNotFound):
		a.respondError(w, http.StatusNotFound, "Interview not found")
	case errors.Is(err, capture.ErrUnknownQuestion):
		a.respondError(w, http.StatusNotFound, "Question not found")
	case errors.Is(err, interview.ErrNoActiveSession),
		errors.Is(err, capture.ErrInvalidTransition),
		errors.Is(err, capture.ErrSessionClosed):
		a.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, export.ErrNoAnalysis):
		a.respondError(w, http.StatusConflict, "Interview has not been analyzed yet")
	case errors.Is(err, model.ErrUpstream):
		a.log.Error("completion service failed", slog.String("error", err.Error()))
		if upstreamMessage == "" {
			upstreamMessage = "Completion service unavailable"
		}
		a.respondError(w, http.StatusBadGateway, upstreamMessage)
	default:
		a.log.Error("request failed", slog.String("error", err.Error()))
		a.respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (a *API) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Warn("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, message string) {
	a.respondJSON(w, status, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// withMiddleware logs each request and answers CORS preflights for browser
// clients.
func withMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)))
	})
}
