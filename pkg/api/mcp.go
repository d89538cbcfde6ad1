package api

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/monsterxx03/memreader/pkg/inspect"
	"github.com/monsterxx03/memreader/pkg/procmaps"
)

// MCPServer exposes the memory and stack views as MCP tools over stdio.
type MCPServer struct {
	inspector *inspect.Inspector
	srv       *server.MCPServer
	mu        sync.Mutex
}

func NewMCPServer(version string, in *inspect.Inspector) *MCPServer {
	s := &MCPServer{
		inspector: in,
		srv:       server.NewMCPServer("memreader", version, server.WithToolCapabilities(false)),
	}

	s.srv.AddTool(mcp.NewTool("memory_map",
		mcp.WithDescription("List the memory mappings of a process grouped by backing file"),
		mcp.WithNumber("pid", mcp.Required(), mcp.Description("Target process id")),
	), s.handleMemoryMap)

	s.srv.AddTool(mcp.NewTool("stack_trace",
		mcp.WithDescription("Stop a process briefly and return the symbolized stack of every thread"),
		mcp.WithNumber("pid", mcp.Required(), mcp.Description("Target process id")),
	), s.handleStackTrace)
	return s
}

func (s *MCPServer) Serve() error {
	return server.ServeStdio(s.srv)
}

func (s *MCPServer) handleMemoryMap(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pid, err := req.RequireInt("pid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	m, err := s.inspector.MemoryView(pid)
	if err != nil {
		return mcp.NewToolResultError(inspect.Message(err)), nil
	}
	return mcp.NewToolResultText(formatMaps(m)), nil
}

func (s *MCPServer) handleStackTrace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pid, err := req.RequireInt("pid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.mu.Lock()
	stacks, err := s.inspector.StackView(pid)
	s.mu.Unlock()
	if err != nil {
		return mcp.NewToolResultError(inspect.Message(err)), nil
	}
	return mcp.NewToolResultText(formatStacks(stacks)), nil
}

func formatMaps(m procmaps.AggregatedMap) string {
	var sb strings.Builder
	for _, path := range m.Paths() {
		fmt.Fprintf(&sb, "%s (%s)\n", path, inspect.HumanateBytes(m.TotalSize(path)))
		for _, start := range m.Starts(path) {
			fmt.Fprintf(&sb, "  0x%x %s\n", start, inspect.HumanateBytes(m[path][start]))
		}
	}
	return sb.String()
}

func formatStacks(stacks []inspect.ThreadStack) string {
	var sb strings.Builder
	for _, th := range stacks {
		fmt.Fprintf(&sb, "Thread %d (%s)\n", th.TID, th.State)
		for i, f := range th.Frames {
			fmt.Fprintf(&sb, "  #%d %s\n", i, f)
		}
	}
	return sb.String()
}
