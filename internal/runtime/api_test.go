package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/interview-buddy/internal/capture"
	"github.com/loqalabs/interview-buddy/internal/config"
	"github.com/loqalabs/interview-buddy/internal/interview"
	"github.com/loqalabs/interview-buddy/internal/llm"
	"github.com/loqalabs/interview-buddy/internal/model"
	"github.com/loqalabs/interview-buddy/internal/store"
	"github.com/stretchr/testify/require"
)

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, llm.Request, func(llm.Chunk) error) error {
	return errors.New("model overloaded")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, generator llm.Generator) *httptest.Server {
	t.Helper()
	logger := testLogger()
	st, err := store.Open(context.Background(), config.StoreConfig{
		Driver:        "sqlite",
		Path:          filepath.Join(t.TempDir(), "buddy.db"),
		RetentionMode: "persistent",
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	completions := llm.NewService(config.LLMConfig{Mode: "test"}, generator, logger)
	service := interview.NewService(completions, 3, logger)
	manager := interview.NewManager(interview.ManagerOptions{
		Service: service,
		Store:   st,
		Capture: capture.Config{Countdown: 1, Tick: 5 * time.Millisecond},
		Devices: capture.GrantAll{},
		Logger:  logger,
	})
	t.Cleanup(manager.Close)

	mux := http.NewServeMux()
	NewAPI(service, manager, "test", 1, logger).Register(mux)
	srv := httptest.NewServer(withMiddleware(mux, logger))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t, llm.NewMockGenerator())
	var body map[string]string
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/status", nil, &body))
	require.Equal(t, map[string]string{"status": "API running", "env": "test"}, body)
}

func TestQuestionGenerator(t *testing.T) {
	srv := newTestServer(t, llm.NewMockGenerator())

	var failure map[string]string
	status := doJSON(t, http.MethodPost, srv.URL+"/api/services/questionGenerator", map[string]string{"description": ""}, &failure)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "Job description is required", failure["error"])

	var ok struct {
		Questions []string `json:"questions"`
	}
	status = doJSON(t, http.MethodPost, srv.URL+"/api/services/questionGenerator", map[string]string{"description": "Go developer"}, &ok)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, ok.Questions, 3)
}

func TestQuestionGeneratorRejectsBadJSON(t *testing.T) {
	srv := newTestServer(t, llm.NewMockGenerator())
	resp, err := http.Post(srv.URL+"/api/services/questionGenerator", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnalyzeInterview(t *testing.T) {
	srv := newTestServer(t, llm.NewMockGenerator())

	var failure map[string]string
	status := doJSON(t, http.MethodPost, srv.URL+"/api/services/analyzeInterview", map[string]any{"jobDescription": "SRE"}, &failure)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "Questions, recordings, and job description are required", failure["error"])

	req := interview.AnalysisRequest{
		Questions: model.QuestionsFromText([]string{"What is an SLO?", "How do you page?"}),
		Recordings: []model.Recording{
			{QuestionIndex: 0, Transcript: "A target for a service level indicator."},
			{QuestionIndex: 1, Transcript: "Only on symptoms users feel."},
		},
		JobDescription: "SRE",
	}
	var result model.AnalysisResult
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/api/services/analyzeInterview", req, &result))
	require.Equal(t, 74, result.OverallScore)
	require.Len(t, result.QuestionAnalysis, 2)
	require.Equal(t, "How do you page?", result.QuestionAnalysis[1].Question)
}

func TestAnalyzeInterviewUpstreamFailure(t *testing.T) {
	srv := newTestServer(t, failingGenerator{})
	req := interview.AnalysisRequest{
		Questions:      model.QuestionsFromText([]string{"What is an SLO?"}),
		Recordings:     []model.Recording{{QuestionIndex: 0, Transcript: "A target."}},
		JobDescription: "SRE",
	}
	var failure map[string]string
	require.Equal(t, http.StatusBadGateway, doJSON(t, http.MethodPost, srv.URL+"/api/services/analyzeInterview", req, &failure))
	require.Equal(t, "Failed to analyze interview", failure["error"])
}

func upload(t *testing.T, url, filename, content string) (*http.Response, map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestJobDescriptionUpload(t *testing.T) {
	srv := newTestServer(t, llm.NewMockGenerator())

	resp, body := upload(t, srv.URL+"/api/services/jobDescription", "role.txt", "  Staff engineer\n\nOwn the platform.  ")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Staff engineer\n\nOwn the platform.", body["description"])

	resp, _ = upload(t, srv.URL+"/api/services/jobDescription", "role.rtf", "{\\rtf1}")
	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	resp, _ = upload(t, srv.URL+"/api/services/jobDescription", "role.txt", "   ")
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestInterviewLifecycleErrors(t *testing.T) {
	srv := newTestServer(t, llm.NewMockGenerator())

	var iv model.Interview
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, srv.URL+"/api/interviews", map[string]string{"description": "Go developer"}, &iv))
	require.Len(t, iv.Questions, 3)
	base := srv.URL + "/api/interviews/" + iv.ID

	var fetched model.Interview
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base, nil, &fetched))
	require.Equal(t, iv.Questions, fetched.Questions)

	var failure map[string]string
	require.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, srv.URL+"/api/interviews/nope", nil, &failure))
	require.Equal(t, http.StatusConflict, doJSON(t, http.MethodPost, base+"/capture/stop", nil, &failure))
	require.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, base+"/questions/x/capture", nil, &failure))
	require.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, base+"/questions/9/capture", nil, &failure))
	require.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, base+"/analysis", nil, &failure))
	require.Equal(t, http.StatusConflict, doJSON(t, http.MethodGet, base+"/report.xlsx", nil, &failure))
}

func TestCaptureWithoutSpeechEngine(t *testing.T) {
	srv := newTestServer(t, llm.NewMockGenerator())

	var iv model.Interview
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, srv.URL+"/api/interviews", map[string]string{"description": "Go developer"}, &iv))
	base := srv.URL + "/api/interviews/" + iv.ID

	var snap capture.Snapshot
	require.Equal(t, http.StatusAccepted, doJSON(t, http.MethodPost, base+"/questions/1/capture", nil, &snap))
	require.Equal(t, 1, snap.QuestionIndex)

	require.Eventually(t, func() bool {
		var current capture.Snapshot
		status := doJSON(t, http.MethodGet, base+"/capture", nil, &current)
		return status == http.StatusOK && current.State == capture.StateIdle && current.Error != ""
	}, 2*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodDelete, base+"/capture", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var failure map[string]string
	require.Equal(t, http.StatusConflict, doJSON(t, http.MethodGet, base+"/capture", nil, &failure))
}

func TestPreflight(t *testing.T) {
	srv := newTestServer(t, llm.NewMockGenerator())
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/interviews", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCaptureConfig(t *testing.T) {
	cfg := captureConfig(config.Default().Capture)
	require.Equal(t, 3, cfg.Countdown)
	require.Equal(t, time.Second, cfg.Tick)
	require.Equal(t, 5, cfg.MaxRestarts)
	require.Equal(t, time.Minute, cfg.AnalysisTimeout)
	require.Len(t, cfg.Placeholders, 4)
}
