package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type cleanupParams struct {
	Tag string `json:"tag,omitempty" jsonschema:"image tag to remove as well, when cleanup.remove_image is set"`
}

func (h *handler) cleanupHandler(ctx context.Context, req *mcp.CallToolRequest, params cleanupParams) (*mcp.CallToolResult, any, error) {
	if !h.running.TryLock() {
		return errorResult("a run is in progress; its cleanup runs when it finishes")
	}
	defer h.running.Unlock()

	reclaimed, err := h.engine.Cleanup(ctx, params.Tag)
	if err != nil {
		return errorResult(fmt.Sprintf("cleanup failed: %v", err))
	}
	if reclaimed == "" {
		reclaimed = "0B"
	}
	return textResult(fmt.Sprintf("Cleanup complete. Reclaimed: %s\n", reclaimed))
}
