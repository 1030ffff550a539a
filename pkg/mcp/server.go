package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/metoro-io/mcp-golang"
	"github.com/metoro-io/mcp-golang/transport"

	"github.com/run-bigpig/llm-guard/pkg/detection"
	"github.com/run-bigpig/llm-guard/pkg/pipeline"
)

// Detector screens a text
type Detector interface {
	Detect(ctx context.Context, text string) (detection.Verdict, error)
}

// Processor runs a request through the trust pipeline
type Processor interface {
	Process(ctx context.Context, text string, capabilities []string) (*pipeline.Result, error)
}

// DetectArgs are the arguments of the detect tool
type DetectArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to screen for prompt injection and other threats"`
}

// ProcessArgs are the arguments of the process tool
type ProcessArgs struct {
	Text         string   `json:"text" jsonschema:"required,description=Client request to run through the guarded pipeline"`
	Capabilities []string `json:"capabilities,omitempty" jsonschema:"description=Capabilities the request needs"`
}

// Handlers holds the tool implementations so they can be called without a transport
type Handlers struct {
	detector  Detector
	processor Processor
}

// NewHandlers creates the tool handlers. processor may be nil.
func NewHandlers(detector Detector, processor Processor) *Handlers {
	return &Handlers{detector: detector, processor: processor}
}

// Detect handles the detect tool
func (h *Handlers) Detect(args DetectArgs) (*mcplib.ToolResponse, error) {
	verdict, err := h.detector.Detect(context.Background(), args.Text)
	if err != nil {
		return nil, err
	}
	return jsonResponse(verdict)
}

// Process handles the process tool
func (h *Handlers) Process(args ProcessArgs) (*mcplib.ToolResponse, error) {
	result, err := h.processor.Process(context.Background(), args.Text, args.Capabilities)
	if err != nil {
		return nil, err
	}
	return jsonResponse(result)
}

func jsonResponse(v interface{}) (*mcplib.ToolResponse, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool response: %w", err)
	}
	return mcplib.NewToolResponse(mcplib.NewTextContent(string(data))), nil
}

// NewGuardServer registers the detect and process tools on a server over t
func NewGuardServer(t transport.Transport, handlers *Handlers, version string) (*mcplib.Server, error) {
	server := mcplib.NewServer(t,
		mcplib.WithName("llmguard"),
		mcplib.WithVersion(version),
	)

	if err := server.RegisterTool("detect", "Screens text for prompt injection, jailbreaks, data exfiltration and unsafe output", handlers.Detect); err != nil {
		return nil, fmt.Errorf("failed to register detect tool: %w", err)
	}
	if handlers.processor != nil {
		if err := server.RegisterTool("process", "Runs a request through the input guard, the protected core and the output guard", handlers.Process); err != nil {
			return nil, fmt.Errorf("failed to register process tool: %w", err)
		}
	}
	return server, nil
}
