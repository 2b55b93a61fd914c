package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/conveyor/internal/report"
)

type inspectParams struct {
	RunID string `json:"run_id" jsonschema:"the run ID from a conveyor_run result"`
	Stage string `json:"stage,omitempty" jsonschema:"stage to drill into: clone, build, test, archive or cleanup"`
	Suite string `json:"suite,omitempty" jsonschema:"test suite name, test class, or class.test (e.g. tests.test_model.TestFit.test_shape)"`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		return errorResult("run_id is required")
	}
	if params.Stage != "" && params.Suite != "" {
		return errorResult("pass either stage or suite, not both")
	}

	result, err := h.store.Load(ctx, params.RunID)
	if errors.Is(err, report.ErrNotFound) {
		return errorResult(fmt.Sprintf("No run %s found.", params.RunID))
	}
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to load run %s: %v", params.RunID, err))
	}

	var (
		scope       string
		diagnostics []report.Diagnostic
	)
	switch {
	case params.Stage != "":
		if result.Stage(params.Stage) == nil {
			return errorResult(fmt.Sprintf("unknown stage %q", params.Stage))
		}
		scope = "stage " + params.Stage
		diagnostics = report.ByStage(result, params.Stage)
	case params.Suite != "":
		scope = params.Suite
		diagnostics = report.BySuite(result, params.Suite)
	default:
		return textResult(result.String())
	}

	if len(diagnostics) == 0 {
		return textResult(fmt.Sprintf("No failures found for %s in run %s (%s).", scope, params.RunID, result.Status))
	}
	return textResult(formatInspectOutput(result, scope, diagnostics))
}

func formatInspectOutput(result *report.RunResult, scope string, diagnostics []report.Diagnostic) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run: %s (%s)\n", result.ID, result.Status)
	if len(diagnostics) == 1 && diagnostics[0].Source == "test" {
		fmt.Fprintf(&b, "%s: %s\n", diagnostics[0].Symbol, strings.ToUpper(diagnostics[0].Kind))
	} else {
		sources := make(map[string]int)
		var order []string
		for _, d := range diagnostics {
			if sources[d.Source] == 0 {
				order = append(order, d.Source)
			}
			sources[d.Source]++
		}
		var parts []string
		for _, source := range order {
			parts = append(parts, fmt.Sprintf("%d %s", sources[source], source))
		}
		fmt.Fprintf(&b, "%s: %s\n", scope, strings.Join(parts, ", "))
	}
	fmt.Fprintln(&b)

	for _, d := range diagnostics {
		switch d.Source {
		case "stage":
			fmt.Fprintf(&b, "[stage/%s] %s\n", d.Kind, d.Stage)
			for _, line := range strings.Split(strings.TrimRight(d.Message, "\n"), "\n") {
				fmt.Fprintf(&b, "    %s\n", line)
			}
		default:
			fmt.Fprintf(&b, "%s: [test/%s] %s\n", d.Suite, d.Kind, d.Symbol)
			if d.Message != "" {
				fmt.Fprintf(&b, "    %s\n", d.Message)
			}
		}
	}

	for _, d := range diagnostics {
		if d.Source == "test" && d.Output != "" {
			fmt.Fprintln(&b)
			fmt.Fprintf(&b, "Output (%s):\n", d.Symbol)
			for _, line := range strings.Split(strings.TrimRight(d.Output, "\n"), "\n") {
				fmt.Fprintf(&b, "    %s\n", line)
			}
		}
	}

	return b.String()
}
