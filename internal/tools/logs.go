package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/providentiaww/remote-mcp-server/internal/models"
)

// LogsFormPath is the default log viewer route, relative to the server root.
const LogsFormPath = "/ui/get-logs"

func (r *Registry) registerLogs() {
	r.Register(
		mcpgo.NewTool("logs_get",
			mcpgo.WithDescription("Get logs from the log service. Call without parameters first to see available projects and logstores."),
			mcpgo.WithString("projectName", mcpgo.Description("Project name. If not provided, lists available projects.")),
			mcpgo.WithString("logstoreName", mcpgo.Description("Logstore to read. Required to fetch logs.")),
			mcpgo.WithNumber("from", mcpgo.Description("Start time (Unix seconds). Defaults to one hour ago.")),
			mcpgo.WithNumber("to", mcpgo.Description("End time (Unix seconds). Defaults to now.")),
			mcpgo.WithString("query", mcpgo.Description("Query or analysis statement. Defaults to *.")),
			mcpgo.WithString("topic", mcpgo.Description("Log topic. Defaults to empty.")),
			mcpgo.WithNumber("line", mcpgo.Description("Maximum entries to return. Min 0, max 100, default 100.")),
			mcpgo.WithNumber("offset", mcpgo.Description("Start line. Default 0.")),
			mcpgo.WithBoolean("reverse", mcpgo.Description("Return newest entries first.")),
			mcpgo.WithBoolean("powerSql", mcpgo.Description("Use the dedicated SQL engine.")),
		),
		r.handleGetLogs,
	)

	r.Register(
		mcpgo.NewTool("logs_get_form",
			mcpgo.WithDescription("Get logs without parameters. Returns a link to the log viewer UI, hosted separately, where project, logstore and other parameters can be selected."),
		),
		r.handleLogsForm,
	)
}

func (r *Registry) handleGetLogs(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	project := req.GetString("projectName", "")
	logstore := req.GetString("logstoreName", "")

	switch {
	case project == "":
		list, err := r.opts.Logs.ListProjects(ctx)
		if err != nil {
			return r.logsError(err), nil
		}
		body, err := indent(list)
		if err != nil {
			return nil, err
		}
		return mcpgo.NewToolResultText(fmt.Sprintf(
			"Available projects to choose from:\n\n%s\n\nPlease call this tool again with a specific projectName to see logstores, or with both projectName and logstoreName to get logs.",
			body)), nil

	case logstore == "":
		list, err := r.opts.Logs.ListLogStores(ctx, project)
		if err != nil {
			return r.logsError(err), nil
		}
		body, err := indent(list)
		if err != nil {
			return nil, err
		}
		return mcpgo.NewToolResultText(fmt.Sprintf(
			"Available logstores in project %q:\n\n%s\n\nPlease call this tool again with both projectName and logstoreName to get logs.",
			project, body)), nil
	}

	query := models.LogQuery{
		Project:  project,
		Logstore: logstore,
		From:     int64(req.GetFloat("from", 0)),
		To:       int64(req.GetFloat("to", 0)),
		Query:    req.GetString("query", ""),
		Topic:    req.GetString("topic", ""),
		Line:     req.GetInt("line", 0),
		Offset:   req.GetInt("offset", 0),
		Reverse:  req.GetBool("reverse", false),
		PowerSQL: req.GetBool("powerSql", false),
	}
	result, err := r.opts.Logs.GetLogs(ctx, query)
	if err != nil {
		return r.logsError(err), nil
	}
	body, err := indent(result)
	if err != nil {
		return nil, err
	}
	return mcpgo.NewToolResultText(fmt.Sprintf(
		"Logs from project %q, logstore %q, total logs length: %d\n\n%s",
		project, logstore, result.Count, body)), nil
}

func (r *Registry) handleLogsForm(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	formURL := r.opts.LogsFormURL
	if formURL == "" {
		formURL = strings.TrimRight(r.opts.ServerURL, "/") + LogsFormPath
	}
	return &mcpgo.CallToolResult{
		Content: []mcpgo.Content{
			mcpgo.NewEmbeddedResource(mcpgo.TextResourceContents{
				URI:      "ui://logs/get-logs-form",
				MIMEType: "text/uri-list",
				Text:     formURL,
			}),
		},
	}, nil
}

func (r *Registry) logsError(err error) *mcpgo.CallToolResult {
	r.logger.Warn("log source call failed", "error", err)
	return mcpgo.NewToolResultError(fmt.Sprintf("Error querying logs: %v", err))
}

func indent(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return string(b), nil
}
