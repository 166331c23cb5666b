package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/providentiaww/remote-mcp-server/internal/logsource"
	"github.com/providentiaww/remote-mcp-server/internal/models"
)

// LogsHandler exposes the log source over REST.
type LogsHandler struct {
	source logsource.Source
	logger *slog.Logger
}

// NewLogsHandler creates a new logs handler
func NewLogsHandler(source logsource.Source, logger *slog.Logger) *LogsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogsHandler{
		source: source,
		logger: logger.With("component", "rest-logs"),
	}
}

// Register mounts the /api/logs routes on mux. wrap, when set, guards each route.
func (h *LogsHandler) Register(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	if wrap == nil {
		wrap = func(next http.HandlerFunc) http.HandlerFunc { return next }
	}
	mux.HandleFunc("GET /api/logs/projects", wrap(h.HandleListProjects))
	mux.HandleFunc("GET /api/logs/projects/{project}/logstores", wrap(h.HandleListLogStores))
	mux.HandleFunc("GET /api/logs/projects/{project}/logstores/{logstore}/logs", wrap(h.HandleGetLogs))
}

// HandleListProjects handles GET /api/logs/projects
func (h *LogsHandler) HandleListProjects(w http.ResponseWriter, r *http.Request) {
	list, err := h.source.ListProjects(r.Context())
	if err != nil {
		h.writeSourceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleListLogStores handles GET /api/logs/projects/{project}/logstores
func (h *LogsHandler) HandleListLogStores(w http.ResponseWriter, r *http.Request) {
	list, err := h.source.ListLogStores(r.Context(), r.PathValue("project"))
	if err != nil {
		h.writeSourceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleGetLogs handles GET /api/logs/projects/{project}/logstores/{logstore}/logs
func (h *LogsHandler) HandleGetLogs(w http.ResponseWriter, r *http.Request) {
	query, err := parseLogQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := query.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.source.GetLogs(r.Context(), query)
	if err != nil {
		h.writeSourceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *LogsHandler) writeSourceError(w http.ResponseWriter, err error) {
	var info *models.ErrorInfo
	if errors.As(err, &info) {
		switch info.Code {
		case models.ErrCodeInvalidRequest:
			writeError(w, http.StatusBadRequest, info.Message)
			return
		case models.ErrCodeNotFound:
			writeError(w, http.StatusNotFound, info.Message)
			return
		}
	}
	h.logger.Error("log source failed", "error", err)
	writeError(w, http.StatusBadGateway, "Log service error: "+err.Error())
}

func parseLogQuery(r *http.Request) (models.LogQuery, error) {
	q := r.URL.Query()
	query := models.LogQuery{
		Project:  r.PathValue("project"),
		Logstore: r.PathValue("logstore"),
		Query:    q.Get("query"),
		Topic:    q.Get("topic"),
	}

	var err error
	if query.From, err = int64Param(q.Get("from")); err != nil {
		return query, fmt.Errorf("invalid from: %w", err)
	}
	if query.To, err = int64Param(q.Get("to")); err != nil {
		return query, fmt.Errorf("invalid to: %w", err)
	}
	line, err := int64Param(q.Get("line"))
	if err != nil {
		return query, fmt.Errorf("invalid line: %w", err)
	}
	query.Line = min(int(line), models.MaxLogLines)
	offset, err := int64Param(q.Get("offset"))
	if err != nil {
		return query, fmt.Errorf("invalid offset: %w", err)
	}
	query.Offset = int(offset)
	if raw := q.Get("reverse"); raw != "" {
		if query.Reverse, err = strconv.ParseBool(raw); err != nil {
			return query, fmt.Errorf("invalid reverse: %w", err)
		}
	}
	if raw := q.Get("powerSql"); raw != "" {
		if query.PowerSQL, err = strconv.ParseBool(raw); err != nil {
			return query, fmt.Errorf("invalid powerSql: %w", err)
		}
	}
	return query, nil
}

func int64Param(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
