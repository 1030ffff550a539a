// Package mcp connects to a protected core served over the Model Context
// Protocol and exposes the guard itself as MCP tools.
package mcp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	mcplib "github.com/metoro-io/mcp-golang"
	"github.com/metoro-io/mcp-golang/transport"
	"github.com/metoro-io/mcp-golang/transport/http"
	"github.com/metoro-io/mcp-golang/transport/stdio"

	"github.com/run-bigpig/llm-guard/pkg/interfaces"
)

// Client is an interfaces.MCPServer backed by an mcp-golang client
type Client struct {
	client *mcplib.Client
	cmd    *exec.Cmd
}

// NewClient creates a client over transport and initializes the session
func NewClient(ctx context.Context, t transport.Transport) (*Client, error) {
	client := mcplib.NewClient(t)
	if _, err := client.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize MCP session: %w", err)
	}
	return &Client{client: client}, nil
}

// Initialize re-runs the protocol handshake
func (c *Client) Initialize(ctx context.Context) error {
	_, err := c.client.Initialize(ctx)
	return err
}

// ListTools lists the tools available on the server
func (c *Client) ListTools(ctx context.Context) ([]interfaces.MCPTool, error) {
	resp, err := c.client.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]interfaces.MCPTool, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		description := ""
		if t.Description != nil {
			description = *t.Description
		}
		tools = append(tools, interfaces.MCPTool{
			Name:        t.Name,
			Description: description,
			Schema:      t.InputSchema,
		})
	}
	return tools, nil
}

// CallTool calls a tool. The response content is the concatenated text parts.
func (c *Client) CallTool(ctx context.Context, name string, args interface{}) (*interfaces.MCPToolResponse, error) {
	resp, err := c.client.CallTool(ctx, name, args)
	if err != nil {
		return nil, fmt.Errorf("failed to call tool %s: %w", name, err)
	}
	return &interfaces.MCPToolResponse{Content: Text(resp.Content)}, nil
}

// Close stops the server process if the client started one
func (c *Client) Close() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	if err := c.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to stop MCP server: %w", err)
	}
	_ = c.cmd.Wait()
	return nil
}

// Text joins the text parts of tool content
func Text(content []*mcplib.Content) string {
	var parts []string
	for _, c := range content {
		if c != nil && c.TextContent != nil {
			parts = append(parts, c.TextContent.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// StdioConfig starts an MCP server as a child process
type StdioConfig struct {
	Command string
	Args    []string
	Env     []string
}

// NewStdioClient starts the configured command and talks to it over stdio
func NewStdioClient(ctx context.Context, config StdioConfig) (*Client, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}

	commandPath, err := exec.LookPath(config.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid command %q: %w", config.Command, err)
	}

	// #nosec
	cmd := exec.Command(commandPath, config.Args...)
	if len(config.Env) > 0 {
		cmd.Env = append(os.Environ(), config.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server: %w", err)
	}

	client, err := NewClient(ctx, stdio.NewStdioServerTransportWithIO(stdout, stdin))
	if err != nil {
		if killErr := cmd.Process.Kill(); killErr != nil {
			return nil, fmt.Errorf("%v and failed to kill process: %v", err, killErr)
		}
		return nil, err
	}
	client.cmd = cmd
	return client, nil
}

// HTTPConfig points at an MCP server over HTTP
type HTTPConfig struct {
	BaseURL string
	Path    string
	Token   string
}

// NewHTTPClient connects to an MCP server over HTTP
func NewHTTPClient(ctx context.Context, config HTTPConfig) (*Client, error) {
	t := http.NewHTTPClientTransport(config.BaseURL + config.Path)
	if config.Token != "" {
		t.WithHeader("Authorization", "Bearer "+config.Token)
	}
	return NewClient(ctx, t)
}
