// Command core-stdio is a toy protected core served over MCP. Point
// providers.mcp.command at it and set pipeline.core to "mcp". Setting
// CORE_HTTP_ADDR serves the same tool over HTTP at /mcp instead.
package main

import (
	"fmt"
	"os"
	"strings"

	mcp_golang "github.com/metoro-io/mcp-golang"
	"github.com/metoro-io/mcp-golang/transport"
	"github.com/metoro-io/mcp-golang/transport/http"
	"github.com/metoro-io/mcp-golang/transport/stdio"
)

// RespondArgs mirrors the arguments llmguard sends to the core tool
type RespondArgs struct {
	Input        string   `json:"input" jsonschema:"description=The screened user request" required:"true"`
	Capabilities []string `json:"capabilities,omitempty" jsonschema:"description=Capabilities granted to this request"`
	Guidance     string   `json:"guidance,omitempty" jsonschema:"description=Auditor feedback on the previous attempt"`
	Attempt      int      `json:"attempt" jsonschema:"description=1-based execution attempt"`
}

func respond(args RespondArgs) (*mcp_golang.ToolResponse, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You asked: %s", strings.TrimSpace(args.Input))
	if len(args.Capabilities) > 0 {
		fmt.Fprintf(&b, "\nAvailable capabilities: %s", strings.Join(args.Capabilities, ", "))
	}
	if args.Guidance != "" {
		fmt.Fprintf(&b, "\nRevised (attempt %d) after review: %s", args.Attempt, args.Guidance)
	}
	return mcp_golang.NewToolResponse(mcp_golang.NewTextContent(b.String())), nil
}

func main() {
	var t transport.Transport = stdio.NewStdioServerTransport()
	if addr := os.Getenv("CORE_HTTP_ADDR"); addr != "" {
		t = http.NewHTTPTransport("/mcp").WithAddr(addr)
	}

	server := mcp_golang.NewServer(t,
		mcp_golang.WithName("llmguard-example-core"),
		mcp_golang.WithVersion("0.1.0"),
	)

	if err := server.RegisterTool("respond", "Answers a request that passed the input guard", respond); err != nil {
		panic(err)
	}

	if err := server.Serve(); err != nil {
		panic(err)
	}

	select {}
}
