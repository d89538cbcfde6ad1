package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monsterxx03/memreader/pkg/inspect"
	"github.com/monsterxx03/memreader/pkg/proc"
	"github.com/monsterxx03/memreader/pkg/procmaps"
)

func testInspector() *inspect.Inspector {
	return inspect.New(inspect.DefaultConfig(),
		inspect.WithMapReader(func(pid int) ([]procmaps.Range, error) {
			if pid != 42 {
				return nil, &procmaps.AccessError{PID: pid, Err: os.ErrNotExist}
			}
			return []procmaps.Range{
				{Start: 0x1000, End: 0x2000, Filename: "/usr/lib/libc.so"},
				{Start: 0x2000, End: 0x4000, Filename: "/usr/lib/libc.so"},
				{Start: 0x9000, End: 0xa000},
			}, nil
		}),
		inspect.WithAttacher(func(pid int, cfg inspect.Config) (inspect.Target, error) {
			return nil, &proc.AttachError{PID: pid, Err: proc.ErrNoSuchProcess}
		}),
	)
}

func TestHandleMaps(t *testing.T) {
	s := NewServer(0, testInspector())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/maps?pid=42", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp mapsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 42, resp.PID)
	assert.Equal(t, map[string][]mapEntry{
		"/usr/lib/libc.so": {{Start: 0x1000, Size: 4096}, {Start: 0x2000, Size: 8192}},
	}, resp.Files)
}

func TestHandleMapsErrors(t *testing.T) {
	s := NewServer(0, testInspector())

	for _, url := range []string{"/maps", "/maps?pid=abc", "/maps?pid=-1", "/stacks"} {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, url)
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/maps?pid=4242", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Cannot read process memory map")
}

func TestHandleStacksAttachFailure(t *testing.T) {
	s := NewServer(0, testInspector())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stacks?pid=4242", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Cannot attach to process")
}

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestMCPMemoryMap(t *testing.T) {
	s := NewMCPServer("test", testInspector())

	res, err := s.handleMemoryMap(context.Background(), callTool("memory_map", map[string]any{"pid": float64(42)}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "/usr/lib/libc.so (12.00KB)\n  0x1000 4.00KB\n  0x2000 8.00KB\n", resultText(t, res))

	res, err = s.handleMemoryMap(context.Background(), callTool("memory_map", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestMCPStackTrace(t *testing.T) {
	s := NewMCPServer("test", testInspector())

	res, err := s.handleStackTrace(context.Background(), callTool("stack_trace", map[string]any{"pid": float64(4242)}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "Cannot attach to process")
}

func TestFormatStacks(t *testing.T) {
	out := formatStacks([]inspect.ThreadStack{
		{TID: 1, State: "Running", Frames: []string{"main.leaf (leaf.go:3)", "main.main (main.go:9)"}},
		{TID: 2, State: "Sleeping"},
	})
	assert.Equal(t, "Thread 1 (Running)\n  #0 main.leaf (leaf.go:3)\n  #1 main.main (main.go:9)\nThread 2 (Sleeping)\n", out)
}
