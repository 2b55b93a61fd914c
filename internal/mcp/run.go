package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/conveyor/internal/pipeline"
	"github.com/deixis/conveyor/internal/report"
)

type runParams struct {
	Params map[string]string `json:"params,omitempty" jsonschema:"run parameters, e.g. {\"IMAGE_TAG\": \"estimator:v2\"} when the pipeline reads its image tag from a parameter"`
}

func (h *handler) runHandler(ctx context.Context, req *mcp.CallToolRequest, params runParams) (*mcp.CallToolResult, any, error) {
	if !h.running.TryLock() {
		return errorResult("a run is already in progress; wait for it to finish")
	}
	defer h.running.Unlock()

	result, err := h.engine.Run(ctx, pipeline.Params{Values: params.Params})
	if err != nil {
		return errorResult(fmt.Sprintf("run could not start: %v", err))
	}
	return textResult(formatRun(result))
}

func formatRun(rr *report.RunResult) string {
	var b strings.Builder

	if rr.Status == report.Success {
		fmt.Fprintln(&b, "Status: PASS")
	} else {
		fmt.Fprintln(&b, "Status: FAIL")
	}
	fmt.Fprintf(&b, "Run: %s\n", rr.ID)
	fmt.Fprintf(&b, "Source: %s@%s\n", rr.Source, rr.Branch)
	if rr.Image != "" {
		fmt.Fprintf(&b, "Image: %s\n", rr.Image)
	}
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "Stages:")
	for _, s := range rr.Stages {
		if s.Kind != "" {
			fmt.Fprintf(&b, "  %s: %s (%s)\n", s.Name, s.Status, s.Kind)
		} else {
			fmt.Fprintf(&b, "  %s: %s\n", s.Name, s.Status)
		}
	}
	fmt.Fprintln(&b)

	if t := rr.Tests; t != nil {
		fmt.Fprintf(&b, "Tests: %d total, %d passed, %d failed, %d errored, %d skipped\n",
			t.Total, t.Passed, t.Failed, t.Errored, t.Skipped)
		fmt.Fprintln(&b)
	}

	if len(rr.TestFailures) > 0 {
		fmt.Fprintln(&b, "Failures:")
		for _, f := range rr.TestFailures {
			msg := f.Message
			if msg == "" {
				msg = "test " + f.Kind
			}
			fmt.Fprintf(&b, "  %s: %s\n", f.Test, msg)
		}
		fmt.Fprintln(&b)
	}

	if f := pipeline.Failure(rr); f != nil {
		fmt.Fprintf(&b, "Failed stage: %s (%s)\n", f.Stage, f.Kind)
		fmt.Fprintln(&b, f.Err)
		fmt.Fprintln(&b)
		fmt.Fprintf(&b, "Inspect with conveyor_inspect(run_id=%q, stage=%q).\n", rr.ID, f.Stage)
	} else if len(rr.TestFailures) > 0 {
		fmt.Fprintf(&b, "Inspect with conveyor_inspect(run_id=%q, suite=\"<suite or class.test>\").\n", rr.ID)
	} else {
		fmt.Fprintln(&b, "All stages passed.")
	}

	return b.String()
}
