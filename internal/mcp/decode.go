package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// decode unmarshals MCP request arguments into a typed struct.
// Errors name the tool so clients can tell which call was malformed.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var result T
	args := req.GetArguments()
	if args == nil {
		return result, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return result, fmt.Errorf("%s: marshal args: %w", toolName(req), err)
	}
	if err := json.Unmarshal(b, &result); err != nil {
		return result, fmt.Errorf("%s: invalid arguments: %w", toolName(req), err)
	}
	return result, nil
}

func toolName(req mcp.CallToolRequest) string {
	if req.Params.Name == "" {
		return "tool"
	}
	return req.Params.Name
}
