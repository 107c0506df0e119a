package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// AddTool exposes endpoint as an MCP tool whose arguments decode into a *T.
// Missing arguments decode to the zero T. Each call runs with TransportMCP
// and a fresh request ID in its context.
//
// Bad arguments and endpoint failures are returned as tool results with
// IsError set, so the calling agent reads the message instead of getting a
// protocol error. A successful response is one JSON text content.
func AddTool[T any](srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = WithRequestID(WithTransport(ctx, TransportMCP), "mcp-"+uuid.NewString())

		args := new(T)
		if raw := arguments(req); len(raw) > 0 {
			if err := json.Unmarshal(raw, args); err != nil {
				return failed(fmt.Errorf("%s: invalid arguments: %w", tool.Name, err)), nil
			}
		}

		resp, err := endpoint(ctx, args)
		if err != nil {
			return failed(err), nil
		}
		body, err := json.Marshal(resp)
		if err != nil {
			return failed(fmt.Errorf("%s: encode result: %w", tool.Name, err)), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(body)}}}, nil
	})
}

func arguments(req *mcp.CallToolRequest) json.RawMessage {
	if req == nil || req.Params == nil {
		return nil
	}
	return req.Params.Arguments
}

func failed(err error) *mcp.CallToolResult {
	res := new(mcp.CallToolResult)
	res.SetError(err)
	return res
}
