package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/run-bigpig/llm-guard/pkg/interfaces"
	"github.com/run-bigpig/llm-guard/pkg/logging"
)

// DefaultTool is the tool name an MCP core is expected to serve
const DefaultTool = "respond"

// ErrToolFailed is returned when the MCP tool reports an error
var ErrToolFailed = errors.New("core tool failed")

// ToolArgs is the argument object sent to the core tool
type ToolArgs struct {
	Input        string   `json:"input"`
	Capabilities []string `json:"capabilities,omitempty"`
	Guidance     string   `json:"guidance,omitempty"`
	Attempt      int      `json:"attempt"`
}

// MCPCore runs requests as a tool call on an MCP server
type MCPCore struct {
	server interfaces.MCPServer
	tool   string
	logger logging.Logger
}

// MCPOption configures an MCPCore
type MCPOption func(*MCPCore)

// WithTool sets the tool name
func WithTool(tool string) MCPOption {
	return func(c *MCPCore) {
		c.tool = tool
	}
}

// WithMCPLogger sets the logger for the core
func WithMCPLogger(logger logging.Logger) MCPOption {
	return func(c *MCPCore) {
		c.logger = logger
	}
}

// NewMCPCore creates a core backed by server
func NewMCPCore(server interfaces.MCPServer, options ...MCPOption) *MCPCore {
	c := &MCPCore{
		server: server,
		tool:   DefaultTool,
		logger: logging.NewNop(),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Execute implements interfaces.CoreExecutor
func (c *MCPCore) Execute(ctx context.Context, req interfaces.CoreRequest) (string, error) {
	c.logger.Debug(ctx, "Calling MCP core", map[string]interface{}{
		"tool":    c.tool,
		"attempt": req.Attempt,
	})

	resp, err := c.server.CallTool(ctx, c.tool, ToolArgs{
		Input:        req.Input,
		Capabilities: req.Capabilities,
		Guidance:     req.Guidance,
		Attempt:      req.Attempt,
	})
	if err != nil {
		return "", err
	}

	text, _ := resp.Content.(string)
	if resp.IsError {
		return "", fmt.Errorf("%w: %s", ErrToolFailed, text)
	}
	return text, nil
}
