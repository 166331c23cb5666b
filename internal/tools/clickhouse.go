package tools

import (
	"context"
	"fmt"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

func (r *Registry) registerClickHouse() {
	r.Register(
		mcpgo.NewTool("clickhouse_list_tables",
			mcpgo.WithDescription("List available ClickHouse tables in the database, including engine, comment, row count and column count."),
			mcpgo.WithReadOnlyHintAnnotation(true),
		),
		r.handleListTables,
	)

	r.Register(
		mcpgo.NewTool("clickhouse_get_schema",
			mcpgo.WithDescription("Get the schema of a ClickHouse table"),
			mcpgo.WithString("table", mcpgo.Required(), mcpgo.Description("The name of the ClickHouse table to get the schema of")),
			mcpgo.WithReadOnlyHintAnnotation(true),
		),
		r.handleTableSchema,
	)

	r.Register(
		mcpgo.NewTool("clickhouse_run_query",
			mcpgo.WithDescription("Run a read-only query on the ClickHouse database"),
			mcpgo.WithString("query", mcpgo.Required(), mcpgo.Description("The query to run")),
			mcpgo.WithReadOnlyHintAnnotation(true),
		),
		r.handleRunQuery,
	)
}

func (r *Registry) handleListTables(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	tables, err := r.opts.Warehouse.ListTables(ctx)
	if err != nil {
		return r.warehouseError("Error listing ClickHouse tables", err), nil
	}
	if len(tables) == 0 {
		return mcpgo.NewToolResultText("No tables found in the database."), nil
	}

	var b strings.Builder
	b.WriteString("Available ClickHouse Tables:\n\n")
	for _, t := range tables {
		comment := t.Comment
		if comment == "" {
			comment = "No comment"
		}
		fmt.Fprintf(&b, "Database: %s\nTable: %s\nEngine: %s\nComment: %s\nRow Count: %d\nColumn Count: %d\n---\n",
			t.Database, t.Name, t.Engine, comment, t.TotalRows, t.Columns)
	}
	return mcpgo.NewToolResultText(b.String()), nil
}

func (r *Registry) handleTableSchema(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	table, err := req.RequireString("table")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	columns, err := r.opts.Warehouse.TableSchema(ctx, table)
	if err != nil {
		return r.warehouseError("Error reading ClickHouse schema", err), nil
	}
	if len(columns) == 0 {
		return mcpgo.NewToolResultError(fmt.Sprintf("Table %q not found in the current database", table)), nil
	}
	body, err := indent(columns)
	if err != nil {
		return nil, err
	}
	return mcpgo.NewToolResultText(body), nil
}

func (r *Registry) handleRunQuery(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	result, err := r.opts.Warehouse.Query(ctx, query)
	if err != nil {
		return r.warehouseError("Error running ClickHouse query", err), nil
	}
	body, err := indent(result)
	if err != nil {
		return nil, err
	}
	return mcpgo.NewToolResultText(body), nil
}

func (r *Registry) warehouseError(prefix string, err error) *mcpgo.CallToolResult {
	r.logger.Warn("warehouse call failed", "error", err)
	return mcpgo.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}
