// Package tools holds the MCP tools, prompts and resources this server
// exposes, and builds a protocol server around them for each session.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/providentiaww/remote-mcp-server/internal/logsource"
	"github.com/providentiaww/remote-mcp-server/internal/warehouse"
)

const (
	ServerName    = "remote-mcp-server"
	ServerVersion = "1.0.0"
)

// ErrUnknownTool is returned by Call for unregistered tool names.
var ErrUnknownTool = errors.New("unknown tool")

// Options configures a Registry.
type Options struct {
	// ServerURL is the public root URL, used for UI links.
	ServerURL string
	// LogsFormURL is where the log viewer UI is hosted. It defaults to
	// ServerURL + LogsFormPath; this server does not serve the UI itself.
	LogsFormURL string
	// MaxTokens truncates text tool output to this many characters. Zero disables.
	MaxTokens int
	Logs      logsource.Source
	// Warehouse enables the clickhouse_* tools when set.
	Warehouse warehouse.Warehouse
	Logger    *slog.Logger
}

type entry struct {
	tool    mcpgo.Tool
	handler server.ToolHandlerFunc
}

type promptEntry struct {
	prompt  mcpgo.Prompt
	handler server.PromptHandlerFunc
}

type resourceEntry struct {
	resource mcpgo.Resource
	handler  server.ResourceHandlerFunc
}

// Registry is the set of named tools, prompts and resources.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]entry
	prompts   []promptEntry
	resources []resourceEntry
	opts      Options
	logger    *slog.Logger
}

// NewRegistry creates a registry populated with the default tools.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Logs == nil {
		opts.Logs = logsource.NewMock(0)
	}
	r := &Registry{
		tools:  make(map[string]entry),
		opts:   opts,
		logger: opts.Logger.With("component", "tools"),
	}
	r.registerGreeting()
	r.registerLogs()
	if opts.Warehouse != nil {
		r.registerClickHouse()
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool mcpgo.Tool, handler server.ToolHandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = entry{tool: tool, handler: handler}
}

// RegisterPrompt adds a prompt.
func (r *Registry) RegisterPrompt(prompt mcpgo.Prompt, handler server.PromptHandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, promptEntry{prompt: prompt, handler: handler})
}

// RegisterResource adds a static resource.
func (r *Registry) RegisterResource(resource mcpgo.Resource, handler server.ResourceHandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources = append(r.resources, resourceEntry{resource: resource, handler: handler})
}

// Tools lists tool definitions sorted by name.
func (r *Registry) Tools() []mcpgo.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcpgo.Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NewServer builds a protocol server carrying every registered tool, prompt
// and resource. It is called once per session.
func (r *Registry) NewServer() *server.MCPServer {
	s := server.NewMCPServer(ServerName, ServerVersion,
		server.WithToolCapabilities(true),
		server.WithPromptCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithLogging(),
		server.WithToolHandlerMiddleware(r.truncate),
		server.WithRecovery(),
	)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.tools {
		s.AddTool(e.tool, e.handler)
	}
	for _, p := range r.prompts {
		s.AddPrompt(p.prompt, p.handler)
	}
	for _, res := range r.resources {
		s.AddResource(res.resource, res.handler)
	}
	return s
}

// Call runs a tool outside of an MCP session, for the REST API.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (*mcpgo.CallToolResult, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	var req mcpgo.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return r.truncate(e.handler)(ctx, req)
}
