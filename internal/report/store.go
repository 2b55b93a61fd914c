// Package report records pipeline runs. Results are stored as typed
// structs and can be queried by stage or by test suite.
package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deixis/conveyor/internal/junit"
)

// ErrNotFound is returned by stores for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Store persists and retrieves run results.
type Store interface {
	Save(ctx context.Context, result *RunResult) error
	Load(ctx context.Context, runID string) (*RunResult, error)
}

// Status is the terminal status of a run.
type Status string

const (
	Success Status = "success"
	Failure Status = "failure"
)

// StageStatus is the outcome of a single stage.
type StageStatus string

const (
	StagePass    StageStatus = "pass"
	StageFail    StageStatus = "fail"
	StageSkipped StageStatus = "skipped"
)

// RunResult holds the record of one pipeline run. Secrets are recorded by
// name only.
type RunResult struct {
	ID     string `json:"id"`
	Status Status `json:"status"`

	Source  string   `json:"source"`
	Branch  string   `json:"branch"`
	Commit  string   `json:"commit,omitempty"`
	Image   string   `json:"image,omitempty"`
	Secrets []string `json:"secrets,omitempty"`

	Stages []StageResult `json:"stages"`

	// Test fields.
	TestExitCode int           `json:"test_exit_code"`
	ReportPath   string        `json:"report_path,omitempty"`
	Archive      string        `json:"archive,omitempty"`
	Tests        *TestSummary  `json:"tests,omitempty"`
	TestFailures []TestFailure `json:"test_failures,omitempty"`

	CleanupCalls int       `json:"cleanup_calls"`
	Reclaimed    string    `json:"reclaimed,omitempty"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Name     string        `json:"name"`
	Status   StageStatus   `json:"status"`
	Kind     string        `json:"kind,omitempty"` // error kind when failed
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TestSummary holds aggregated test counts.
type TestSummary struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Errored  int     `json:"errored"`
	Skipped  int     `json:"skipped"`
	Duration float64 `json:"duration"`
}

// TestFailure represents a failed or errored test case.
type TestFailure struct {
	Suite   string `json:"suite"`
	Test    string `json:"test"` // class.name
	Kind    string `json:"kind"` // fail or error
	Message string `json:"message"`
	Output  string `json:"output,omitempty"`
}

// RecordTests copies the counts and failures of s into r.
func (r *RunResult) RecordTests(s *junit.Summary) {
	r.Tests = &TestSummary{
		Total:    s.Total,
		Passed:   s.Passed,
		Failed:   s.Failed,
		Errored:  s.Errored,
		Skipped:  s.Skipped,
		Duration: s.Duration,
	}
	r.TestFailures = r.TestFailures[:0]
	for _, f := range s.Failures {
		r.TestFailures = append(r.TestFailures, TestFailure{
			Suite:   f.Suite,
			Test:    f.Symbol(),
			Kind:    f.Kind,
			Message: f.Message,
			Output:  f.Output,
		})
	}
}

// Stage returns the named stage result or nil.
func (r *RunResult) Stage(name string) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// Duration returns the wall time of the run.
func (r *RunResult) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

func (r *RunResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s: %s\n", r.ID, r.Status)
	fmt.Fprintf(&b, "Source: %s@%s", r.Source, r.Branch)
	if r.Commit != "" {
		fmt.Fprintf(&b, " (%s)", shortCommit(r.Commit))
	}
	fmt.Fprintln(&b)
	if r.Image != "" {
		fmt.Fprintf(&b, "Image: %s\n", r.Image)
	}
	if len(r.Secrets) > 0 {
		fmt.Fprintf(&b, "Secrets: %s\n", strings.Join(r.Secrets, ", "))
	}
	fmt.Fprintln(&b)
	for _, s := range r.Stages {
		fmt.Fprintf(&b, "  %-8s %-7s %6.1fs", s.Name, s.Status, s.Duration.Seconds())
		if s.Kind != "" {
			fmt.Fprintf(&b, "  %s", s.Kind)
		}
		if s.Detail != "" {
			fmt.Fprintf(&b, ": %s", firstLine(s.Detail))
		}
		fmt.Fprintln(&b)
	}
	if t := r.Tests; t != nil {
		fmt.Fprintln(&b)
		fmt.Fprintf(&b, "Tests: %d total, %d passed, %d failed, %d errored, %d skipped\n",
			t.Total, t.Passed, t.Failed, t.Errored, t.Skipped)
	}
	return b.String()
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Diagnostic is a uniform view over stage errors and test failures.
type Diagnostic struct {
	Source  string // "stage" or "test"
	Stage   string
	Suite   string
	Symbol  string // class.name for test failures
	Kind    string
	Message string
	Output  string // test output (test failures only)
}

// ByStage returns diagnostics raised in the named stage. Test failures
// belong to the test stage.
func ByStage(result *RunResult, stage string) []Diagnostic {
	var out []Diagnostic
	for _, d := range toDiagnostics(result) {
		if d.Stage == stage {
			out = append(out, d)
		}
	}
	return out
}

// BySuite returns test failures matching name, which may be a suite name,
// a fully qualified test (class.name) or a class prefix.
func BySuite(result *RunResult, name string) []Diagnostic {
	var out []Diagnostic
	for _, d := range toDiagnostics(result) {
		if d.Source != "test" {
			continue
		}
		if d.Suite == name || d.Symbol == name || strings.HasPrefix(d.Symbol, name+".") {
			out = append(out, d)
		}
	}
	return out
}

func toDiagnostics(r *RunResult) []Diagnostic {
	var out []Diagnostic
	for _, s := range r.Stages {
		if s.Status != StageFail {
			continue
		}
		out = append(out, Diagnostic{
			Source:  "stage",
			Stage:   s.Name,
			Kind:    s.Kind,
			Message: s.Detail,
		})
	}
	for _, f := range r.TestFailures {
		out = append(out, Diagnostic{
			Source:  "test",
			Stage:   "test",
			Suite:   f.Suite,
			Symbol:  f.Test,
			Kind:    f.Kind,
			Message: f.Message,
			Output:  f.Output,
		})
	}
	return out
}
