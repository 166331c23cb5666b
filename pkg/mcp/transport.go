package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	// HeaderSessionID carries the session id on every request after initialize.
	HeaderSessionID = "Mcp-Session-Id"

	headerLastEventID  = "Last-Event-ID"
	standaloneStream   = "_GET_stream"
	maxBodyBytes       = 4 << 20
	notificationBuffer = 100
)

type transportOptions struct {
	jsonResponse bool
	keepAlive    time.Duration
	development  bool
}

// Transport is the server side of one MCP session. It owns the session's
// protocol server, event log and standalone notification stream.
type Transport struct {
	id     string
	server *server.MCPServer
	events *EventLog
	opts   transportOptions
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	initialized   atomic.Bool
	standalone    atomic.Bool
	notifications chan mcpgo.JSONRPCNotification

	onInitialized func(*Transport) error
	onClose       func(*Transport)
	closeOnce     sync.Once
}

var _ server.ClientSession = (*Transport)(nil)

func newTransport(id string, srv *server.MCPServer, events *EventLog, opts transportOptions, logger *slog.Logger) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		id:            id,
		server:        srv,
		events:        events,
		opts:          opts,
		logger:        logger.With("session_id", id),
		ctx:           ctx,
		cancel:        cancel,
		notifications: make(chan mcpgo.JSONRPCNotification, notificationBuffer),
	}
	go t.pump()
	return t
}

// SessionID implements server.ClientSession.
func (t *Transport) SessionID() string { return t.id }

// NotificationChannel implements server.ClientSession. Notifications sent
// here outside a request land on the standalone GET stream.
func (t *Transport) NotificationChannel() chan<- mcpgo.JSONRPCNotification {
	return t.notifications
}

// Initialize implements server.ClientSession.
func (t *Transport) Initialize() { t.initialized.Store(true) }

// Initialized implements server.ClientSession.
func (t *Transport) Initialized() bool { return t.initialized.Load() }

// Done is closed when the transport closes.
func (t *Transport) Done() <-chan struct{} { return t.ctx.Done() }

// Events returns the session's event log.
func (t *Transport) Events() *EventLog { return t.events }

// Close tears the session down. Only the first call has any effect.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		t.server.UnregisterSession(context.Background(), t.id)
		err = t.events.Close()
		if t.onClose != nil {
			t.onClose(t)
		}
		t.logger.Debug("session transport closed")
	})
	return err
}

// requestSession routes notifications raised while serving one POST onto
// that POST's response stream.
type requestSession struct {
	*Transport
	ch chan mcpgo.JSONRPCNotification
}

func (s *requestSession) NotificationChannel() chan<- mcpgo.JSONRPCNotification {
	return s.ch
}

func (t *Transport) pump() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case n := <-t.notifications:
			data, err := json.Marshal(n)
			if err != nil {
				t.logger.Error("failed to encode notification", "method", n.Method, "error", err)
				continue
			}
			if _, err := t.events.Append(standaloneStream, data); err != nil && !errors.Is(err, ErrLogClosed) {
				t.logger.Error("failed to record notification", "method", n.Method, "error", err)
			}
		}
	}
}

func (t *Transport) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(t.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request, b batch) {
	if b.hasInitialize() {
		if t.Initialized() {
			writeRPCError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid Request: Server already initialized", nil)
			return
		}
		if len(b.messages) > 1 {
			writeRPCError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid Request: Only one initialization request is allowed", nil)
			return
		}
	}

	ctx, cancel := t.requestContext(r.Context())
	defer cancel()

	if !b.hasRequests() {
		sctx := t.server.WithContext(ctx, t)
		for _, m := range b.messages {
			t.server.HandleMessage(sctx, m.raw)
		}
		w.Header().Set(HeaderSessionID, t.id)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if !t.opts.jsonResponse && wantsEventStream(r) {
		t.respondSSE(ctx, w, b)
		return
	}
	t.respondJSON(ctx, w, b)
}

// dispatch hands one message to the protocol server. A successful initialize
// registers the session before the caller writes the response.
func (t *Transport) dispatch(ctx context.Context, m message) (mcpgo.JSONRPCMessage, error) {
	resp := t.server.HandleMessage(ctx, m.raw)
	if m.isInitialize() && resp != nil && !isErrorResponse(resp) {
		if err := t.completeInitialize(ctx); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (t *Transport) completeInitialize(ctx context.Context) error {
	t.Initialize()
	if err := t.server.RegisterSession(ctx, t); err != nil {
		return fmt.Errorf("registering session %s: %w", t.id, err)
	}
	if t.onInitialized != nil {
		if err := t.onInitialized(t); err != nil {
			return err
		}
	}
	t.logger.Info("session initialized")
	return nil
}

func (t *Transport) respondJSON(ctx context.Context, w http.ResponseWriter, b batch) {
	sctx := t.server.WithContext(ctx, t)
	responses := make([]mcpgo.JSONRPCMessage, 0, len(b.messages))
	for _, m := range b.messages {
		resp, err := t.dispatch(sctx, m)
		if err != nil {
			t.internalError(w, err)
			return
		}
		if resp != nil {
			responses = append(responses, resp)
		}
	}

	w.Header().Set(HeaderSessionID, t.id)
	switch {
	case b.array:
		writeJSON(w, http.StatusOK, responses)
	case len(responses) == 0:
		w.WriteHeader(http.StatusAccepted)
	default:
		writeJSON(w, http.StatusOK, responses[0])
	}
}

type dispatchResult struct {
	resp mcpgo.JSONRPCMessage
	err  error
}

func (t *Transport) respondSSE(ctx context.Context, w http.ResponseWriter, b batch) {
	stream := uuid.NewString()
	rs := &requestSession{Transport: t, ch: make(chan mcpgo.JSONRPCNotification, notificationBuffer)}
	sctx := t.server.WithContext(ctx, rs)

	results := make(chan dispatchResult, len(b.messages))
	go func() {
		defer close(results)
		for _, m := range b.messages {
			resp, err := t.dispatch(sctx, m)
			if err != nil {
				results <- dispatchResult{err: err}
				return
			}
			if resp != nil {
				results <- dispatchResult{resp: resp}
			}
		}
	}()

	sse := newSSEWriter(w, t.id)
	defer t.events.EndStream(stream)
	for {
		select {
		case n := <-rs.ch:
			t.emit(sse, stream, n)
		case res, ok := <-results:
			if !ok {
				t.drain(sse, stream, rs.ch)
				return
			}
			if res.err != nil {
				if sse.started {
					t.logger.Error("mcp request failed mid-stream", "error", res.err)
				} else {
					t.internalError(w, res.err)
				}
				return
			}
			// notifications raised by a handler precede its response
			t.drain(sse, stream, rs.ch)
			t.emit(sse, stream, res.resp)
		}
	}
}

func (t *Transport) drain(sse *sseWriter, stream string, ch <-chan mcpgo.JSONRPCNotification) {
	for {
		select {
		case n := <-ch:
			t.emit(sse, stream, n)
		default:
			return
		}
	}
}

func (t *Transport) emit(sse *sseWriter, stream string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		t.logger.Error("failed to encode message", "error", err)
		return
	}
	ev, err := t.events.Append(stream, data)
	if err != nil {
		ev = Event{Stream: stream, Data: data}
	}
	if err := sse.write(ev); err != nil {
		t.logger.Debug("client stopped reading stream", "stream", stream, "error", err)
	}
}

func (t *Transport) handleGet(w http.ResponseWriter, r *http.Request) {
	if !acceptsAny(r, "text/event-stream") {
		writeRPCError(w, http.StatusNotAcceptable, CodeServerError, "Not Acceptable: Client must accept text/event-stream", nil)
		return
	}

	var (
		replay *Replay
		err    error
	)
	lastEventID := r.Header.Get(headerLastEventID)
	if lastEventID != "" {
		replay, err = t.events.Resume(lastEventID)
	} else {
		replay, err = t.events.Subscribe(standaloneStream)
	}
	switch {
	case errors.Is(err, ErrUnknownEvent):
		writeRPCError(w, http.StatusBadRequest, CodeServerError, "Bad Request: Unknown Last-Event-ID", nil)
		return
	case errors.Is(err, ErrLogClosed):
		writeRPCError(w, http.StatusNotFound, CodeServerError, "Session not found", nil)
		return
	case err != nil:
		t.internalError(w, err)
		return
	}
	defer t.events.Unsubscribe(replay.Sub)

	if replay.Stream == standaloneStream {
		if !t.standalone.CompareAndSwap(false, true) {
			writeRPCError(w, http.StatusConflict, CodeServerError, "Conflict: Only one SSE stream is allowed per session", nil)
			return
		}
		defer t.standalone.Store(false)
	}
	if replay.Truncated {
		t.logger.Warn("resume cursor is older than the retained events", "last_event_id", lastEventID, "stream", replay.Stream)
	}

	sse := newSSEWriter(w, t.id)
	sse.start()
	for _, ev := range replay.Backlog {
		if err := sse.write(ev); err != nil {
			return
		}
	}

	var tick <-chan time.Time
	if t.opts.keepAlive > 0 {
		ticker := time.NewTicker(t.opts.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.ctx.Done():
			return
		case ev, ok := <-replay.Sub.Events():
			if !ok {
				if errors.Is(replay.Sub.Err(), ErrSubscriberLagged) {
					t.logger.Warn("stream consumer fell behind, closing stream", "stream", replay.Stream)
				}
				return
			}
			if err := sse.write(ev); err != nil {
				return
			}
		case <-tick:
			if err := sse.ping(); err != nil {
				return
			}
		}
	}
}

func (t *Transport) handleDelete(w http.ResponseWriter, _ *http.Request) {
	if err := t.Close(); err != nil {
		t.internalError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) internalError(w http.ResponseWriter, err error) {
	t.logger.Error("mcp request failed", "error", err)
	writeInternalError(w, err, t.opts.development)
}

func writeInternalError(w http.ResponseWriter, err error, development bool) {
	var data any
	if development {
		data = err.Error()
	}
	writeRPCError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error", data)
}

func isErrorResponse(msg mcpgo.JSONRPCMessage) bool {
	switch msg.(type) {
	case mcpgo.JSONRPCError, *mcpgo.JSONRPCError:
		return true
	}
	return false
}

// readBatch validates the POST headers and parses the body. It writes the
// error response itself and reports false on failure.
func readBatch(w http.ResponseWriter, r *http.Request) (batch, bool) {
	if !acceptsAny(r, "application/json", "text/event-stream") {
		writeRPCError(w, http.StatusNotAcceptable, CodeServerError, "Not Acceptable: Client must accept application/json or text/event-stream", nil)
		return batch{}, false
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		writeRPCError(w, http.StatusUnsupportedMediaType, CodeServerError, "Unsupported Media Type: Content-Type must be application/json", nil)
		return batch{}, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeRPCError(w, http.StatusRequestEntityTooLarge, CodeParseError, "Parse error: request body too large", nil)
		return batch{}, false
	}
	b, err := parseBatch(body)
	if errors.Is(err, errEmptyBatch) {
		writeRPCError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid Request: empty batch", nil)
		return batch{}, false
	}
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, CodeParseError, "Parse error", nil)
		return batch{}, false
	}
	return b, true
}

func acceptsAny(r *http.Request, mimes ...string) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		media := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if media == "*/*" {
			return true
		}
		for _, m := range mimes {
			if media == m || media == m[:strings.Index(m, "/")+1]+"*" {
				return true
			}
		}
	}
	return false
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

type sseWriter struct {
	w         http.ResponseWriter
	sessionID string
	started   bool
	failed    bool
}

func newSSEWriter(w http.ResponseWriter, sessionID string) *sseWriter {
	return &sseWriter{w: w, sessionID: sessionID}
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	if s.sessionID != "" {
		h.Set(HeaderSessionID, s.sessionID)
	}
	s.w.WriteHeader(http.StatusOK)
	s.started = true
	s.flush()
}

func (s *sseWriter) write(ev Event) error {
	if s.failed {
		return nil
	}
	s.start()
	var err error
	if ev.ID != "" {
		_, err = fmt.Fprintf(s.w, "event: message\nid: %s\ndata: %s\n\n", ev.ID, ev.Data)
	} else {
		_, err = fmt.Fprintf(s.w, "event: message\ndata: %s\n\n", ev.Data)
	}
	if err != nil {
		s.failed = true
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) ping() error {
	if _, err := io.WriteString(s.w, ": ping\n\n"); err != nil {
		s.failed = true
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}
