package pipeline

import (
	"errors"
	"fmt"

	"github.com/deixis/conveyor/internal/report"
)

// Kind classifies a stage failure.
type Kind string

const (
	SourceUnavailable    Kind = "SourceUnavailable"
	BuildFailure         Kind = "BuildFailure"
	TestExecutionFailure Kind = "TestExecutionFailure"
	TestFailure          Kind = "TestFailure"
	ReportMissing        Kind = "ReportMissing"
)

// Process exit codes.
const (
	ExitSuccess     = 0
	ExitTestFailure = 1
	ExitRuntime     = 2
)

// StageError is a failure attributed to a pipeline stage.
type StageError struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// KindOf returns the kind of the first StageError in err's chain.
func KindOf(err error) (Kind, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// ExitCodeFor maps a kind to a process exit code. Only failing tests
// yield ExitTestFailure; everything else is a runtime failure.
func ExitCodeFor(k Kind) int {
	if k == TestFailure {
		return ExitTestFailure
	}
	return ExitRuntime
}

// Failure returns the first failed forward stage of r as a StageError, or
// nil when the run succeeded. Cleanup failures are never returned.
func Failure(r *report.RunResult) *StageError {
	for _, s := range r.Stages {
		if s.Name == StageCleanup || s.Status != report.StageFail {
			continue
		}
		return &StageError{Stage: s.Name, Kind: Kind(s.Kind), Err: errors.New(s.Detail)}
	}
	return nil
}

// ExitCode returns the process exit code for a finished run.
func ExitCode(r *report.RunResult) int {
	if r.Status == report.Success {
		return ExitSuccess
	}
	if f := Failure(r); f != nil {
		return ExitCodeFor(f.Kind)
	}
	return ExitRuntime
}
