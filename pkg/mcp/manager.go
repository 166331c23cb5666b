package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"
)

// ServerFactory builds a fresh protocol server for a new session.
type ServerFactory func() *server.MCPServer

// Options configures a Manager.
type Options struct {
	// JSONResponse answers POSTs with application/json even when the client
	// accepts text/event-stream.
	JSONResponse bool
	// KeepAlive is the interval between ping comments on idle GET streams.
	// Zero means 30s; negative disables pings.
	KeepAlive time.Duration
	// EventRetention caps each session's event log.
	EventRetention int
	// Development includes error details in 500 responses.
	Development bool
	// ShutdownConcurrency bounds how many sessions close at once on shutdown.
	ShutdownConcurrency int
	// SessionIDGenerator overrides uuid session ids.
	SessionIDGenerator func() string
	// OnSessionRemoved is called once for every session leaving the table.
	OnSessionRemoved func(id string)
}

// Manager is the session table for the streamable HTTP endpoint. It creates
// sessions on initialize and routes every later request by Mcp-Session-Id.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Transport

	newServer ServerFactory
	opts      Options
	logger    *slog.Logger
}

// NewManager creates an empty session table.
func NewManager(factory ServerFactory, logger *slog.Logger, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.EventRetention <= 0 {
		opts.EventRetention = DefaultEventRetention
	}
	if opts.ShutdownConcurrency <= 0 {
		opts.ShutdownConcurrency = 8
	}
	if opts.SessionIDGenerator == nil {
		opts.SessionIDGenerator = uuid.NewString
	}
	return &Manager{
		sessions:  make(map[string]*Transport),
		newServer: factory,
		opts:      opts,
		logger:    logger.With("component", "mcp-sessions"),
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Get looks up a live session.
func (m *Manager) Get(id string) (*Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.sessions[id]
	return t, ok
}

// ServeHTTP implements the POST/GET/DELETE dispatch for /mcp.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sw := newStatusWriter(w)
	defer m.recoverPanic(sw, r)

	id := r.Header.Get(HeaderSessionID)

	switch r.Method {
	case http.MethodPost:
		b, ok := readBatch(sw, r)
		if !ok {
			return
		}
		if id != "" {
			t, found := m.Get(id)
			if !found {
				writeNoSession(sw)
				return
			}
			t.handlePost(sw, r, b)
			return
		}
		if !b.hasInitialize() {
			writeNoSession(sw)
			return
		}
		m.initialize(sw, r, b)

	case http.MethodGet, http.MethodDelete:
		t, found := m.Get(id)
		if id == "" || !found {
			writeNoSession(sw)
			return
		}
		if r.Method == http.MethodGet {
			t.handleGet(sw, r)
		} else {
			t.handleDelete(sw, r)
		}

	default:
		sw.Header().Set("Allow", "GET, POST, DELETE")
		writeRPCError(sw, http.StatusMethodNotAllowed, CodeServerError, "Method not allowed.", nil)
	}
}

func (m *Manager) initialize(w http.ResponseWriter, r *http.Request, b batch) {
	srv := m.newServer()
	t := newTransport(m.opts.SessionIDGenerator(), srv, NewEventLog(m.opts.EventRetention), transportOptions{
		jsonResponse: m.opts.JSONResponse,
		keepAlive:    m.opts.KeepAlive,
		development:  m.opts.Development,
	}, m.logger)
	t.onInitialized = m.register
	t.onClose = m.remove

	t.handlePost(w, r, b)

	// a failed initialize never reaches the table; release its resources
	if !t.Initialized() {
		_ = t.Close()
	}
}

func (m *Manager) register(t *Transport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[t.id]; exists {
		return fmt.Errorf("session %s already registered", t.id)
	}
	m.sessions[t.id] = t
	return nil
}

// remove drops t from the table if it is still the registered owner of its
// id. Repeated calls are no-ops.
func (m *Manager) remove(t *Transport) {
	m.mu.Lock()
	current, ok := m.sessions[t.id]
	removed := ok && current == t
	if removed {
		delete(m.sessions, t.id)
	}
	m.mu.Unlock()

	if removed {
		m.logger.Info("session removed", "session_id", t.id)
		if m.opts.OnSessionRemoved != nil {
			m.opts.OnSessionRemoved(t.id)
		}
	}
}

// Shutdown closes every live session. Individual failures are logged and do
// not stop the sweep.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	open := make([]*Transport, 0, len(m.sessions))
	for _, t := range m.sessions {
		open = append(open, t)
	}
	m.mu.RUnlock()

	if len(open) == 0 {
		return nil
	}
	m.logger.Info("closing sessions", "count", len(open))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.ShutdownConcurrency)
	for _, t := range open {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := t.Close(); err != nil {
				m.logger.Error("failed to close session", "session_id", t.id, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (m *Manager) recoverPanic(w http.ResponseWriter, r *http.Request) {
	rec := recover()
	if rec == nil {
		return
	}
	if rec == http.ErrAbortHandler {
		panic(rec)
	}
	m.logger.Error("panic serving mcp request",
		"method", r.Method,
		"panic", rec,
		"stack", string(debug.Stack()),
	)
	writeInternalError(w, fmt.Errorf("panic: %v", rec), m.opts.Development)
}

func writeNoSession(w http.ResponseWriter) {
	writeRPCError(w, http.StatusBadRequest, CodeServerError, "Bad Request: No valid session ID provided", nil)
}
