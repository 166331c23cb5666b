package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/providentiaww/remote-mcp-server/internal/logsource"
	"github.com/providentiaww/remote-mcp-server/internal/models"
	"github.com/providentiaww/remote-mcp-server/internal/tools"
)

func newMux(t *testing.T, source logsource.Source) *http.ServeMux {
	t.Helper()
	registry := tools.NewRegistry(tools.Options{ServerURL: "https://mcp.example.com", Logs: source})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tools/{name}", NewRestToolHandler(registry, nil).HandleToolRequest)
	NewLogsHandler(source, nil).Register(mux, nil)
	return mux
}

func serve(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestRestToolCall(t *testing.T) {
	mux := newMux(t, logsource.NewMock(1))

	rec := serve(mux, http.MethodPost, "/api/tools/greet", `{"name":"Ada"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":"Hello, Ada!"}`, rec.Body.String())

	rec = serve(mux, http.MethodPost, "/api/tools/logs_get_form", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":"https://mcp.example.com/ui/get-logs"}`, rec.Body.String())
}

func TestRestToolErrors(t *testing.T) {
	mux := newMux(t, logsource.NewMock(1))

	rec := serve(mux, http.MethodPost, "/api/tools/missing", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(mux, http.MethodPost, "/api/tools/greet", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(mux, http.MethodPost, "/api/tools/greet", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "name")

	rec = serve(mux, http.MethodGet, "/api/tools/greet", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLogsRoutes(t *testing.T) {
	mux := newMux(t, logsource.NewMock(7))

	rec := serve(mux, http.MethodGet, "/api/logs/projects", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var projects models.ProjectList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &projects))
	assert.Equal(t, 3, projects.Total)

	rec = serve(mux, http.MethodGet, "/api/logs/projects/dev-logs/logstores", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stores models.LogStoreList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stores))
	assert.Equal(t, []string{"app-logs", "debug-logs", "test-logs"}, stores.Logstores)

	now := time.Now().Unix()
	rec = serve(mux, http.MethodGet, "/api/logs/projects/dev-logs/logstores/app-logs/logs?line=500&reverse=true&from="+
		itoa(now-600)+"&to="+itoa(now), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result models.LogResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "dev-logs", result.Project)
	assert.Equal(t, "app-logs", result.Logstore)
	assert.Len(t, result.Logs, models.MaxLogLines)
	for i := 1; i < len(result.Logs); i++ {
		assert.GreaterOrEqual(t, result.Logs[i-1].Time, result.Logs[i].Time)
	}
}

func TestLogsRouteValidation(t *testing.T) {
	mux := newMux(t, logsource.NewMock(7))

	for _, q := range []string{"line=abc", "reverse=maybe", "from=20&to=10"} {
		rec := serve(mux, http.MethodGet, "/api/logs/projects/dev-logs/logstores/app-logs/logs?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

type failingSource struct{ err error }

func (f failingSource) ListProjects(context.Context) (*models.ProjectList, error) { return nil, f.err }
func (f failingSource) ListLogStores(context.Context, string) (*models.LogStoreList, error) {
	return nil, f.err
}
func (f failingSource) GetLogs(context.Context, models.LogQuery) (*models.LogResult, error) {
	return nil, f.err
}

func TestLogsSourceErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&models.ErrorInfo{Code: models.ErrCodeNotFound, Message: "no such project"}, http.StatusNotFound},
		{&models.ErrorInfo{Code: models.ErrCodeInvalidRequest, Message: "bad"}, http.StatusBadRequest},
		{errors.New("RPC timeout"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		mux := newMux(t, failingSource{err: tc.err})
		rec := serve(mux, http.MethodGet, "/api/logs/projects", "")
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
	}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	h := NewHealthHandler(pinger{}, nil)

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.Contains(t, body, "uptime")
	assert.Contains(t, body, "timestamp")

	rec = httptest.NewRecorder()
	h.HandleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready"`)

	down := NewHealthHandler(pinger{err: errors.New("connection refused")}, nil)
	rec = httptest.NewRecorder()
	down.HandleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
