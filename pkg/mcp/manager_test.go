package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const initBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`

const acceptBoth = "application/json, text/event-stream"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServer() *server.MCPServer {
	s := server.NewMCPServer("test-server", "1.0.0", server.WithToolCapabilities(true))
	s.AddTool(mcpgo.NewTool("echo", mcpgo.WithString("text", mcpgo.Required())),
		func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			return mcpgo.NewToolResultText(req.GetString("text", "")), nil
		})
	s.AddTool(mcpgo.NewTool("notify"),
		func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			srv := server.ServerFromContext(ctx)
			if err := srv.SendNotificationToClient(ctx, "notifications/message", map[string]any{"level": "info", "data": "working"}); err != nil {
				return nil, err
			}
			return mcpgo.NewToolResultText("done"), nil
		})
	return s
}

func newTestManager(opts Options) *Manager {
	return NewManager(testServer, testLogger(), opts)
}

func post(h http.Handler, sessionID, body, accept string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if sessionID != "" {
		req.Header.Set(HeaderSessionID, sessionID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func do(h http.Handler, method, sessionID string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/mcp", nil)
	if sessionID != "" {
		req.Header.Set(HeaderSessionID, sessionID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func initSession(t *testing.T, m *Manager) string {
	t.Helper()
	rec := post(m, "", initBody, "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := rec.Header().Get(HeaderSessionID)
	require.NotEmpty(t, id)
	return id
}

type rpcReply struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func decodeReply(t *testing.T, body io.Reader) rpcReply {
	t.Helper()
	var reply rpcReply
	require.NoError(t, json.NewDecoder(body).Decode(&reply))
	return reply
}

type sseEvent struct {
	id   string
	data string
}

func parseSSE(body string) []sseEvent {
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "id: "):
				ev.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.data != "" {
			events = append(events, ev)
		}
	}
	return events
}

func TestInitializeCreatesSession(t *testing.T) {
	m := newTestManager(Options{})

	rec := post(m, "", initBody, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)

	id := rec.Header().Get(HeaderSessionID)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, m.Len())

	reply := decodeReply(t, rec.Body)
	assert.Nil(t, reply.Error)
	assert.Contains(t, string(reply.Result), `"test-server"`)

	tr, ok := m.Get(id)
	require.True(t, ok)
	assert.True(t, tr.Initialized())
}

func TestInitializeOverEventStream(t *testing.T) {
	m := newTestManager(Options{})

	rec := post(m, "", initBody, acceptBoth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Header().Get(HeaderSessionID))

	events := parseSSE(rec.Body.String())
	require.Len(t, events, 1)
	assert.Contains(t, events[0].data, `"protocolVersion"`)
	assert.Equal(t, 1, m.Len())
}

func TestPostReusesSession(t *testing.T) {
	m := newTestManager(Options{})
	id := initSession(t, m)
	before, _ := m.Get(id)

	rec := post(m, id, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	reply := decodeReply(t, rec.Body)
	assert.Nil(t, reply.Error)
	assert.Contains(t, string(reply.Result), `"hi"`)

	after, _ := m.Get(id)
	assert.Same(t, before, after)
	assert.Equal(t, 1, m.Len())
}

func TestPostBatch(t *testing.T) {
	m := newTestManager(Options{})
	id := initSession(t, m)

	body := `[
		{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"a"}}},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":3,"method":"tools/list"}
	]`
	rec := post(m, id, body, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)

	var replies []rpcReply
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&replies))
	assert.Len(t, replies, 2)
}

func TestNotificationsOnlyReturnsAccepted(t *testing.T) {
	m := newTestManager(Options{})
	id := initSession(t, m)

	rec := post(m, id, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, acceptBoth)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestPostWithoutValidSession(t *testing.T) {
	m := newTestManager(Options{})
	_ = initSession(t, m)

	for name, sessionID := range map[string]string{"missing": "", "unknown": "no-such-session"} {
		t.Run(name, func(t *testing.T) {
			rec := post(m, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, "application/json")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			reply := decodeReply(t, rec.Body)
			require.NotNil(t, reply.Error)
			assert.Equal(t, CodeServerError, reply.Error.Code)
			assert.Equal(t, "Bad Request: No valid session ID provided", reply.Error.Message)
		})
	}
	assert.Equal(t, 1, m.Len())
}

func TestSecondInitializeRejected(t *testing.T) {
	m := newTestManager(Options{})
	id := initSession(t, m)

	rec := post(m, id, initBody, "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	reply := decodeReply(t, rec.Body)
	require.NotNil(t, reply.Error)
	assert.Equal(t, CodeInvalidRequest, reply.Error.Code)
	assert.Equal(t, 1, m.Len())
}

func TestBatchedInitializeRejected(t *testing.T) {
	m := newTestManager(Options{})

	rec := post(m, "", "["+initBody+`,{"jsonrpc":"2.0","id":2,"method":"tools/list"}]`, "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, m.Len())
}

func TestPostValidatesHeaders(t *testing.T) {
	m := newTestManager(Options{})

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(initBody))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = post(m, "", initBody, "text/html")
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)

	rec = post(m, "", `{not json`, "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeParseError, decodeReply(t, rec.Body).Error.Code)

	assert.Equal(t, 0, m.Len())
}

func TestUnsupportedMethod(t *testing.T) {
	m := newTestManager(Options{})
	rec := do(m, http.MethodPut, "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, POST, DELETE", rec.Header().Get("Allow"))
}

func TestGetWithoutValidSession(t *testing.T) {
	m := newTestManager(Options{})

	assert.Equal(t, http.StatusBadRequest, do(m, http.MethodGet, "", map[string]string{"Accept": "text/event-stream"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(m, http.MethodGet, "unknown", map[string]string{"Accept": "text/event-stream"}).Code)
}

func openStream(t *testing.T, ctx context.Context, url, sessionID, lastEventID string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(HeaderSessionID, sessionID)
	if lastEventID != "" {
		req.Header.Set(headerLastEventID, lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestGetOpensStreamWithoutBacklog(t *testing.T) {
	m := newTestManager(Options{KeepAlive: 20 * time.Millisecond})
	srv := httptest.NewServer(m)
	defer srv.Close()
	id := initSession(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := openStream(t, ctx, srv.URL, id, "")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// the first thing on an empty stream is a keepalive, not a replayed event
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)
}

func TestStandaloneStreamReceivesServerNotifications(t *testing.T) {
	m := newTestManager(Options{KeepAlive: -1})
	srv := httptest.NewServer(m)
	defer srv.Close()
	id := initSession(t, m)
	tr, _ := m.Get(id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := openStream(t, ctx, srv.URL, id, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tr.server.SendNotificationToAllClients("notifications/tools/list_changed", nil)

	reader := bufio.NewReader(resp.Body)
	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = line
		}
	}
	assert.Contains(t, data, "notifications/tools/list_changed")
}

func TestOnlyOneStandaloneStream(t *testing.T) {
	m := newTestManager(Options{KeepAlive: -1})
	srv := httptest.NewServer(m)
	defer srv.Close()
	id := initSession(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first := openStream(t, ctx, srv.URL, id, "")
	defer first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := do(m, http.MethodGet, id, map[string]string{"Accept": "text/event-stream"})
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestToolNotificationsPrecedeResponseAndResume(t *testing.T) {
	m := newTestManager(Options{})
	id := initSession(t, m)

	rec := post(m, id, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"notify","arguments":{}}}`, acceptBoth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(rec.Body.String())
	require.Len(t, events, 2)
	assert.Contains(t, events[0].data, "notifications/message")
	assert.Contains(t, events[1].data, `"id":7`)
	require.NotEmpty(t, events[0].id)

	// resuming after the notification replays only the response
	resumed := do(m, http.MethodGet, id, map[string]string{"Accept": "text/event-stream", headerLastEventID: events[0].id})
	require.Equal(t, http.StatusOK, resumed.Code)
	replayed := parseSSE(resumed.Body.String())
	require.Len(t, replayed, 1)
	assert.Equal(t, events[1].id, replayed[0].id)
	assert.Equal(t, events[1].data, replayed[0].data)
}

func TestResumeUnknownEventID(t *testing.T) {
	m := newTestManager(Options{})
	id := initSession(t, m)

	rec := do(m, http.MethodGet, id, map[string]string{"Accept": "text/event-stream", headerLastEventID: "nope_5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteSession(t *testing.T) {
	m := newTestManager(Options{})
	id := initSession(t, m)

	assert.Equal(t, http.StatusBadRequest, do(m, http.MethodDelete, "unknown", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(m, http.MethodDelete, "", nil).Code)
	assert.Equal(t, 1, m.Len())

	assert.Equal(t, http.StatusOK, do(m, http.MethodDelete, id, nil).Code)
	assert.Equal(t, 0, m.Len())

	rec := post(m, id, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, m.Len(), "a stale id never recreates a session")
}

func TestDeleteEndsOpenStream(t *testing.T) {
	m := newTestManager(Options{KeepAlive: -1})
	srv := httptest.NewServer(m)
	defer srv.Close()
	id := initSession(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := openStream(t, ctx, srv.URL, id, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusOK, do(m, http.MethodDelete, id, nil).Code)

	_, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
}

func TestConcurrentCloseRemovesOnce(t *testing.T) {
	var removed atomic.Int32
	m := newTestManager(Options{OnSessionRemoved: func(string) { removed.Add(1) }})
	id := initSession(t, m)
	tr, _ := m.Get(id)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.Close())
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		do(m, http.MethodDelete, id, nil)
	}()
	wg.Wait()

	assert.Equal(t, int32(1), removed.Load())
	assert.Equal(t, 0, m.Len())
	select {
	case <-tr.Done():
	default:
		t.Fatal("transport context not cancelled")
	}
}

func TestShutdownClosesAllSessions(t *testing.T) {
	var removed atomic.Int32
	m := newTestManager(Options{ShutdownConcurrency: 2, OnSessionRemoved: func(string) { removed.Add(1) }})
	for i := 0; i < 5; i++ {
		initSession(t, m)
	}
	require.Equal(t, 5, m.Len())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, int32(5), removed.Load())
}

func TestPanicMapsToInternalError(t *testing.T) {
	panicking := func() *server.MCPServer { panic("boom") }

	m := NewManager(panicking, testLogger(), Options{})
	rec := post(m, "", initBody, "application/json")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	reply := decodeReply(t, rec.Body)
	require.NotNil(t, reply.Error)
	assert.Equal(t, CodeInternalError, reply.Error.Code)
	assert.Equal(t, "Internal server error", reply.Error.Message)
	assert.Nil(t, reply.Error.Data)

	dev := NewManager(panicking, testLogger(), Options{Development: true})
	rec = post(dev, "", initBody, "application/json")
	reply = decodeReply(t, rec.Body)
	require.NotNil(t, reply.Error)
	assert.Equal(t, "panic: boom", reply.Error.Data)
}

func TestCustomSessionIDs(t *testing.T) {
	m := newTestManager(Options{SessionIDGenerator: func() string { return "fixed-id" }})
	assert.Equal(t, "fixed-id", initSession(t, m))
}
