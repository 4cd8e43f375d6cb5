// Benchmark driver MCP server.
// Exposes the run archive and live status over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/quorum-lab/votebench/internal/mcp"
)

func main() {
	benchURL := os.Getenv("VOTEBENCH_URL")
	if benchURL == "" {
		benchURL = "http://localhost:8090"
	}

	s := server.NewMCPServer(
		"votebench",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(benchURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
