package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/providentiaww/remote-mcp-server/cmd/mcp-server/auth"
	"github.com/providentiaww/remote-mcp-server/internal/tools"
)

// ToolCaller runs a registered tool by name.
type ToolCaller interface {
	Call(ctx context.Context, name string, args map[string]any) (*mcpgo.CallToolResult, error)
}

// RestToolHandler generic handler for exposing MCP tools via REST
type RestToolHandler struct {
	tools  ToolCaller
	logger *slog.Logger
}

// NewRestToolHandler creates a new REST tool handler
func NewRestToolHandler(caller ToolCaller, logger *slog.Logger) *RestToolHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RestToolHandler{
		tools:  caller,
		logger: logger.With("component", "rest-tools"),
	}
}

// HandleToolRequest handles POST /api/tools/{name}
func (h *RestToolHandler) HandleToolRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	toolName := r.PathValue("name")
	if toolName == "" {
		// Expected format: /api/tools/{tool_name}
		parts := strings.Split(strings.TrimRight(r.URL.Path, "/"), "/")
		toolName = parts[len(parts)-1]
	}
	if toolName == "" || toolName == "tools" {
		writeError(w, http.StatusBadRequest, "Invalid path")
		return
	}

	// An empty body is an empty argument object
	arguments := map[string]any{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&arguments); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	clientID := ""
	if info, ok := auth.AuthInfoFromContext(r.Context()); ok {
		clientID = info.ClientID
	}
	h.logger.Debug("tool call", "tool", toolName, "client_id", clientID)

	result, err := h.tools.Call(r.Context(), toolName, arguments)
	if errors.Is(err, tools.ErrUnknownTool) {
		writeError(w, http.StatusNotFound, "Unknown tool: "+toolName)
		return
	}
	if err != nil {
		h.logger.Error("tool call failed", "tool", toolName, "error", err)
		writeError(w, http.StatusInternalServerError, "Tool execution failed")
		return
	}

	text := firstText(result)
	if result.IsError {
		if text == "" {
			text = "Unknown error"
		}
		writeError(w, http.StatusBadRequest, text)
		return
	}

	// Tools return JSON or plain text; JSON is passed through as is
	if text == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
		return
	}
	var jsonContent any
	if err := json.Unmarshal([]byte(text), &jsonContent); err == nil {
		writeJSON(w, http.StatusOK, jsonContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": text})
}

func firstText(result *mcpgo.CallToolResult) string {
	for _, content := range result.Content {
		switch c := content.(type) {
		case mcpgo.TextContent:
			return c.Text
		case *mcpgo.TextContent:
			return c.Text
		case mcpgo.EmbeddedResource:
			if text, ok := c.Resource.(mcpgo.TextResourceContents); ok {
				return text.Text
			}
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
