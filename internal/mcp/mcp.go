// Package mcp provides the conveyor MCP server, exposing pipeline runs and
// run history as tools.
package mcp

import (
	"context"
	_ "embed"
	"net/url"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/conveyor"
	"github.com/deixis/conveyor/internal/config"
	"github.com/deixis/conveyor/internal/pipeline"
	"github.com/deixis/conveyor/internal/report"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for all tool handlers.
type handler struct {
	engine *pipeline.Engine
	store  report.Store

	// running serialises runs; one run per server at a time.
	running sync.Mutex
}

// NewServer creates an MCP server with all conveyor tools registered.
// Runs are recorded through the engine's store; store serves inspection.
func NewServer(engine *pipeline.Engine, store report.Store) *mcp.Server {
	h := &handler{engine: engine, store: store}

	opts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			h.updateConfigFromRoots(ctx, req.Session)
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "conveyor", Version: conveyor.Version}, opts)

	mcp.AddTool(s, &mcp.Tool{
		Name: "conveyor_run",
		Description: `Run the pipeline: fetch the configured branch, build the image, run the tests in a container and publish the JUnit report.

Build resources are always cleaned up. Results are stored for drill-down via conveyor_inspect.
Pass params to supply the image tag parameter when the pipeline is configured with image.tag_param.`,
	}, h.runHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "conveyor_inspect",
		Description: `Drill into the results of a conveyor_run.

Use the run_id from the run output. With no stage or suite, returns the run summary.
stage selects one of clone, build, test, archive, cleanup.
suite selects test failures by suite name, test class, or class.test.`,
	}, h.inspectHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "conveyor_cleanup",
		Description: "Prune dangling images left by earlier runs. Safe to call repeatedly.",
	}, h.cleanupHandler)

	return s
}

// updateConfigFromRoots queries the client for MCP roots and, when the
// first root holds a pipeline file, switches the engine to it.
// This is called during session initialization, before any tool calls.
func (h *handler) updateConfigFromRoots(ctx context.Context, session *mcp.ServerSession) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roots, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil || len(roots.Roots) == 0 {
		return
	}
	u, err := url.Parse(roots.Roots[0].URI)
	if err != nil || u.Scheme != "file" {
		return
	}

	loaded, err := config.Load(u.Path)
	if err != nil || loaded.Path == "" {
		return
	}
	h.running.Lock()
	h.engine.Config = loaded.Config
	h.running.Unlock()
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
