package logsource

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/providentiaww/remote-mcp-server/internal/models"
)

type failingSource struct{ Source }

func (failingSource) ListProjects(context.Context) (*models.ProjectList, error) {
	return nil, errors.New("backend down")
}

func handle(t *testing.T, w *Worker, req models.LogRequest) []byte {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return w.HandleRequest(context.Background(), body)
}

func TestWorkerListProjectsRoundTrip(t *testing.T) {
	w := NewWorker(newTestMock(), time.Second, nil)
	raw := handle(t, w, models.LogRequest{Action: models.ActionListProjects, RequestID: "r1"})

	var env models.LogResponse
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.True(t, env.Success)
	assert.Equal(t, "r1", env.RequestID)

	var list models.ProjectList
	require.NoError(t, decodeResponse(raw, &list))
	assert.Equal(t, 3, list.Count)
}

func TestWorkerGetLogsRoundTrip(t *testing.T) {
	w := NewWorker(newTestMock(), time.Second, nil)
	q := models.LogQuery{Project: "prod-logs", Logstore: "app-logs", Line: 7}
	raw := handle(t, w, models.LogRequest{Action: models.ActionGetLogs, Query: &q})

	var res models.LogResult
	require.NoError(t, decodeResponse(raw, &res))
	assert.Equal(t, 7, res.Count)
	assert.Equal(t, "app-logs", res.Logstore)
}

func TestWorkerRejectsBadRequests(t *testing.T) {
	w := NewWorker(newTestMock(), time.Second, nil)

	cases := map[string][]byte{
		"malformed":       []byte(`{`),
		"unknown action":  mustJSON(t, models.LogRequest{Action: "drop_tables"}),
		"missing project": mustJSON(t, models.LogRequest{Action: models.ActionListLogStores}),
		"missing query":   mustJSON(t, models.LogRequest{Action: models.ActionGetLogs}),
		"invalid query":   mustJSON(t, models.LogRequest{Action: models.ActionGetLogs, Query: &models.LogQuery{Project: "p"}}),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			err := decodeResponse(w.HandleRequest(context.Background(), body), &struct{}{})
			var info *models.ErrorInfo
			require.ErrorAs(t, err, &info)
			assert.Equal(t, models.ErrCodeInvalidRequest, info.Code)
		})
	}
}

func TestWorkerReportsBackendErrors(t *testing.T) {
	w := NewWorker(failingSource{}, time.Second, nil)
	raw := handle(t, w, models.LogRequest{Action: models.ActionListProjects})

	var info *models.ErrorInfo
	require.ErrorAs(t, decodeResponse(raw, &struct{}{}), &info)
	assert.Equal(t, models.ErrCodeInternal, info.Code)
	assert.Contains(t, info.Message, "backend down")
}

func TestDecodeResponseErrors(t *testing.T) {
	assert.Error(t, decodeResponse([]byte(`nope`), &struct{}{}))
	assert.Error(t, decodeResponse([]byte(`{"success":true}`), &struct{}{}))

	var info *models.ErrorInfo
	require.ErrorAs(t, decodeResponse([]byte(`{"success":false}`), &struct{}{}), &info)
	assert.Equal(t, models.ErrCodeInternal, info.Code)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
