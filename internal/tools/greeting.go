package tools

import (
	"context"
	"fmt"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

const (
	greetingResourceURI = "https://example.com/greetings/default"
	exampleFileURI      = "file:///example/file1.txt"
)

func (r *Registry) registerGreeting() {
	r.Register(
		mcpgo.NewTool("greet",
			mcpgo.WithDescription("A simple greeting tool"),
			mcpgo.WithString("name", mcpgo.Required(), mcpgo.Description("Name to greet")),
		),
		func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			name, err := req.RequireString("name")
			if err != nil {
				return mcpgo.NewToolResultError(err.Error()), nil
			}
			return mcpgo.NewToolResultText(fmt.Sprintf("Hello, %s!", name)), nil
		},
	)

	r.RegisterPrompt(
		mcpgo.NewPrompt("greeting-template",
			mcpgo.WithPromptDescription("A simple greeting prompt template"),
			mcpgo.WithArgument("name",
				mcpgo.ArgumentDescription("Name to include in greeting"),
				mcpgo.RequiredArgument(),
			),
		),
		func(ctx context.Context, req mcpgo.GetPromptRequest) (*mcpgo.GetPromptResult, error) {
			name := req.Params.Arguments["name"]
			if name == "" {
				return nil, fmt.Errorf("name is required")
			}
			return mcpgo.NewGetPromptResult("Greeting", []mcpgo.PromptMessage{
				mcpgo.NewPromptMessage(mcpgo.RoleUser,
					mcpgo.NewTextContent(fmt.Sprintf("Please greet %s in a friendly manner.", name))),
			}), nil
		},
	)

	r.RegisterResource(
		mcpgo.NewResource(greetingResourceURI, "greeting-resource",
			mcpgo.WithResourceDescription("A simple greeting resource"),
			mcpgo.WithMIMEType("text/plain"),
		),
		staticText(greetingResourceURI, "Hello, world!"),
	)
	r.RegisterResource(
		mcpgo.NewResource(exampleFileURI, "example-file-1",
			mcpgo.WithResourceDescription("First example file for resource link demonstration"),
			mcpgo.WithMIMEType("text/plain"),
		),
		staticText(exampleFileURI, "This is the content of file 1"),
	)
}

func staticText(uri, text string) func(context.Context, mcpgo.ReadResourceRequest) ([]mcpgo.ResourceContents, error) {
	return func(context.Context, mcpgo.ReadResourceRequest) ([]mcpgo.ResourceContents, error) {
		return []mcpgo.ResourceContents{
			mcpgo.TextResourceContents{URI: uri, MIMEType: "text/plain", Text: text},
		}, nil
	}
}
