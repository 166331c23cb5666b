package tools

import (
	"context"
	"fmt"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// truncate caps text content at MaxTokens characters and prefixes a notice.
func (r *Registry) truncate(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	limit := r.opts.MaxTokens
	if limit <= 0 {
		return next
	}
	return func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		result, err := next(ctx, req)
		if err != nil || result == nil {
			return result, err
		}
		for i, c := range result.Content {
			switch tc := c.(type) {
			case mcpgo.TextContent:
				if text, cut := truncateText(tc.Text, limit); cut {
					tc.Text = text
					result.Content[i] = tc
				}
			case *mcpgo.TextContent:
				tc.Text, _ = truncateText(tc.Text, limit)
			}
		}
		return result, nil
	}
}

func truncateText(text string, limit int) (string, bool) {
	runes := []rune(text)
	if len(runes) <= limit {
		return text, false
	}
	return fmt.Sprintf("[Output truncated to the first %d characters to save tokens]\n\n%s", limit, string(runes[:limit])), true
}
