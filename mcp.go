package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// OpenFileInput is the input for the open_file tool.
type OpenFileInput struct {
	Path string `json:"path" jsonschema:"required,Absolute or workspace-relative file path to open in the editor"`
	Line int    `json:"line,omitempty" jsonschema:"1-based line to jump to"`
	Col  int    `json:"col,omitempty" jsonschema:"1-based column to jump to"`
}

// GetDiagnosticsInput is the input for the get_diagnostics tool.
type GetDiagnosticsInput struct {
	File string `json:"file,omitempty" jsonschema:"File path to fetch diagnostics for; all tracked files when omitted"`
}

// GetHoverInput is the input for the get_hover tool.
type GetHoverInput struct {
	File string `json:"file" jsonschema:"required,File path"`
	Line int    `json:"line" jsonschema:"required,1-based line"`
	Col  int    `json:"col" jsonschema:"required,1-based column"`
}

// ListBuffersInput is the input for the list_buffers tool.
type ListBuffersInput struct{}

// BridgeTraceInput is the input for the bridge_trace tool.
type BridgeTraceInput struct {
	LastN int `json:"last_n,omitempty" jsonschema:"Number of most recent protocol events to return (default 50)"`
}

// RegisterMCPTools registers the editor-capability tools on an MCP
// server, backed by the same handlers the two bridge endpoints use.
func RegisterMCPTools(server *mcp.Server, caps *Capabilities, trace *Trace) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_buffers",
		Description: "List the buffers the editor currently tracks: paths, filetypes, and modified state.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input ListBuffersInput) (*mcp.CallToolResult, any, error) {
		return textResult(map[string]any{"buffers": caps.Store.List()}), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "open_file",
		Description: "Open a file in the editor, optionally jumping to a line and column.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input OpenFileInput) (*mcp.CallToolResult, any, error) {
		if input.Path == "" {
			return errorResult("path is required"), nil, nil
		}
		buf := caps.Store.Open(input.Path, input.Line, input.Col)
		return textResult(map[string]any{"path": buf.Path, "id": buf.ID}), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_diagnostics",
		Description: "Fetch editor diagnostics for one file, or for every tracked file when no file is given. An untracked file yields an empty list.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input GetDiagnosticsInput) (*mcp.CallToolResult, any, error) {
		diags, err := caps.LSP.Diagnostics(ctx, input.File)
		if err != nil {
			return errorResult(err.Error()), nil, nil
		}
		if diags == nil {
			diags = []Diagnostic{}
		}
		return textResult(map[string]any{"diagnostics": diags}), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_hover",
		Description: "Fetch hover documentation at a file position. Empty hover text means the editor has nothing to show there.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input GetHoverInput) (*mcp.CallToolResult, any, error) {
		if input.File == "" {
			return errorResult("file is required"), nil, nil
		}
		text, err := caps.LSP.Hover(ctx, input.File, input.Line, input.Col)
		if err != nil {
			return errorResult(err.Error()), nil, nil
		}
		return textResult(map[string]any{"hover": text}), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "bridge_trace",
		Description: "Return recent bridge protocol events (messages sent, received, and dropped) for debugging the editor connection.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input BridgeTraceInput) (*mcp.CallToolResult, any, error) {
		n := input.LastN
		if n <= 0 {
			n = 50
		}
		return textResult(map[string]any{"events": trace.LastN(n)}), nil, nil
	})
}

// NewMCPServer creates a configured MCP server with tools registered.
func NewMCPServer(caps *Capabilities, trace *Trace) *mcp.Server {
	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    "bridge",
			Version: "0.1.0",
		},
		nil,
	)
	RegisterMCPTools(server, caps, trace)
	return server
}

func textResult(v any) *mcp.CallToolResult {
	data, _ := json.Marshal(v)
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Error: %s", msg)},
		},
		IsError: true,
	}
}
