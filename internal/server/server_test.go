package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaramelBytes/edaloom/internal/ai"
	"github.com/KaramelBytes/edaloom/internal/analysis"
	"github.com/KaramelBytes/edaloom/internal/dataset"
	"github.com/KaramelBytes/edaloom/internal/pipeline"
	"github.com/KaramelBytes/edaloom/internal/session"
)

const structureReply = `---COLUMNS_START---
Столбец: Age
Тип: numerical (float)
Описание: Возраст

Столбец: Sex
Тип: categorical (object)
---COLUMNS_END---`

const planReply = `---METRICS_START---
Столбец: Age
Метрики: count, mean, std

Столбец: Sex
Метрики: mode
---METRICS_END---`

const titanicCSV = "Age,Sex\n22,male\n38,female\n,male\n26,female\n"

// queue answers completions from a fixed list of replies.
type queue struct {
	mu      sync.Mutex
	replies []string
	err     error
}

func (q *queue) CompleteStream(_ context.Context, _ ai.Role, _ string, _ func(string)) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	if len(q.replies) == 0 {
		return "", errors.New("no reply queued")
	}
	r := q.replies[0]
	q.replies = q.replies[1:]
	return r, nil
}

func init() { gin.SetMode(gin.TestMode) }

func newTestServer(t *testing.T, q *queue) (*Server, *session.Store) {
	t.Helper()
	store, err := session.Open(t.TempDir(), nil)
	require.NoError(t, err)
	p := pipeline.New(q, nil)
	p.MaxRetries = 0
	srv, err := New(Options{
		Store:      store,
		Pipeline:   p,
		Load:       dataset.LoadOptions{MaxBytes: 1 << 10, Formats: []string{".csv", ".json"}},
		Summary:    analysis.DefaultOptions(),
		SessionTTL: time.Hour,
	})
	require.NoError(t, err)
	return srv, store
}

func do(t *testing.T, srv *Server, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func upload(t *testing.T, srv *Server, name, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return do(t, srv, http.MethodPost, "/api/v1/sessions", buf.Bytes(), mw.FormDataContentType())
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &queue{})
	w := do(t, srv, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestParseStructureEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &queue{})

	w := do(t, srv, http.MethodPost, "/api/v1/parse/structure", []byte(structureReply), "text/plain")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(ParsedHeader))
	assert.JSONEq(t, `{
		"columns": [
			{"name": "Age", "type": "numerical (float)", "description": "Возраст"},
			{"name": "Sex", "type": "categorical (object)"}
		],
		"datetime_candidates": []
	}`, w.Body.String())

	w = do(t, srv, http.MethodPost, "/api/v1/parse/structure", []byte("I could not do it"), "text/plain")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "false", w.Header().Get(ParsedHeader))
	assert.JSONEq(t, `{}`, w.Body.String())
}

func TestParseMetricsPlanEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &queue{})

	w := do(t, srv, http.MethodPost, "/api/v1/parse/metrics-plan", []byte(planReply), "text/plain")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(ParsedHeader))
	assert.JSONEq(t, `{"Age":["count","mean","std"],"Sex":["mode"]}`, w.Body.String())

	w = do(t, srv, http.MethodPost, "/api/v1/parse/metrics-plan", nil, "text/plain")
	assert.Equal(t, "false", w.Header().Get(ParsedHeader))
	assert.JSONEq(t, `{}`, w.Body.String())
}

func TestNormalizeEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &queue{})

	w := do(t, srv, http.MethodPost, "/api/v1/normalize",
		[]byte(`{"big": 9007199254740993, "f": 1.5, "list": [1, "a", null], "nested": {"b": true}}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"big":9007199254740993`)
	assert.JSONEq(t, `{"big": 9007199254740993, "f": 1.5, "list": [1, "a", null], "nested": {"b": true}}`, w.Body.String())

	w = do(t, srv, http.MethodPost, "/api/v1/normalize", []byte(`{"broken":`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorCodeInvalidJSON, decode(t, w)["code"])
}

func TestSessionLifecycle(t *testing.T) {
	q := &queue{replies: []string{structureReply, planReply, "Passengers are young.", "Summary."}}
	srv, _ := newTestServer(t, q)

	w := upload(t, srv, "titanic.csv", titanicCSV)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "titanic.csv", created["file_name"])
	assert.Contains(t, created["report_text"], "[DATASET SUMMARY]")
	report, ok := created["report"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 4, report["rows"])

	base := "/api/v1/sessions/" + id

	w = do(t, srv, http.MethodPost, base+"/metrics", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ErrorCodeConflict, decode(t, w)["code"])

	w = do(t, srv, http.MethodPost, base+"/structure", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["structure_ok"])

	w = do(t, srv, http.MethodPost, base+"/metrics-plan", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["metrics_plan_ok"])

	w = do(t, srv, http.MethodPost, base+"/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	m, ok := decode(t, w)["metrics"].(map[string]any)
	require.True(t, ok)
	age := m["Age"].(map[string]any)
	assert.EqualValues(t, 3, age["count"])
	assert.InDelta(t, 28.666666, age["mean"], 1e-5)
	assert.Equal(t, "female", m["Sex"].(map[string]any)["mode"])

	w = do(t, srv, http.MethodPost, base+"/analysis", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Passengers are young.", decode(t, w)["analysis"])

	w = do(t, srv, http.MethodPost, base+"/report", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Summary.", decode(t, w)["final_report"])

	w = do(t, srv, http.MethodGet, "/api/v1/sessions", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)["sessions"].([]any)
	require.Len(t, list, 1)
	steps := list[0].(map[string]any)["steps"]
	assert.Equal(t, []any{"structure", "metrics-plan", "metrics", "analysis", "report"}, steps)

	w = do(t, srv, http.MethodDelete, base, nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, srv, http.MethodGet, base, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStructureProtocolFailureIsRecorded(t *testing.T) {
	srv, store := newTestServer(t, &queue{replies: []string{"no blocks here"}})
	w := upload(t, srv, "titanic.csv", titanicCSV)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["id"].(string)

	w = do(t, srv, http.MethodPost, "/api/v1/sessions/"+id+"/structure", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["structure_ok"])

	sess, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ErrProtocol.Error(), sess.StepErrors["structure"])
}

func TestUnreachableRuntimeReturns503(t *testing.T) {
	q := &queue{err: &ai.UnreachableError{Host: "http://localhost:11434", Err: errors.New("connection refused")}}
	srv, store := newTestServer(t, q)
	w := upload(t, srv, "titanic.csv", titanicCSV)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["id"].(string)

	w = do(t, srv, http.MethodPost, "/api/v1/sessions/"+id+"/structure", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, ErrorCodeServiceUnavailable, decode(t, w)["code"])

	sess, err := store.Get(id)
	require.NoError(t, err)
	assert.Contains(t, sess.StepErrors["structure"], "connection refused")
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	q := &queue{err: &ai.RateLimitError{APIError: &ai.APIError{StatusCode: 429}, RetryAfter: 7 * time.Second}}
	srv, _ := newTestServer(t, q)
	w := upload(t, srv, "titanic.csv", titanicCSV)
	id := decode(t, w)["id"].(string)

	w = do(t, srv, http.MethodPost, "/api/v1/sessions/"+id+"/structure", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "7", w.Header().Get("Retry-After"))
}

func TestUploadRejections(t *testing.T) {
	srv, _ := newTestServer(t, &queue{})

	w := upload(t, srv, "legacy.xls", "whatever")
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.Equal(t, ErrorCodeUnsupportedFormat, decode(t, w)["code"])

	w = upload(t, srv, "huge.csv", "a\n"+strings.Repeat("1\n", 1<<10))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = do(t, srv, http.MethodPost, "/api/v1/sessions", []byte("a,b"), "text/csv")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorCodeValidation, decode(t, w)["code"])
}

func TestPurgeRemovesExpiredSessions(t *testing.T) {
	srv, store := newTestServer(t, &queue{})
	_, err := store.Create("a.csv", nil)
	require.NoError(t, err)

	srv.opt.SessionTTL = -time.Minute
	srv.purge()
	assert.Empty(t, store.List())
}

func TestRunShutsDownOnCancel(t *testing.T) {
	srv, _ := newTestServer(t, &queue{})
	srv.opt.Addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
