package junit

import (
	"fmt"
	"strings"
)

// Summary holds aggregated counts for a report.
type Summary struct {
	Status   string // PASS or FAIL
	Total    int
	Passed   int
	Failed   int
	Errored  int
	Skipped  int
	Duration float64 // seconds
	Failures []Failure
}

// Failure holds a single failed or errored case.
type Failure struct {
	Suite   string
	Class   string
	Test    string
	Kind    string // fail or error
	Message string
	Output  string
}

// maxFailureLines is the maximum number of output lines shown per failure.
const maxFailureLines = 20

// Summarize counts the cases in r. Suites that carry counts but no
// cases (some runners emit only totals) contribute their attributes.
func Summarize(r *Report) *Summary {
	s := &Summary{Status: "PASS"}
	for _, suite := range r.Suites {
		s.Duration += suite.Time
		s.addSuite(suite)
	}
	if s.Failed > 0 || s.Errored > 0 {
		s.Status = "FAIL"
	}
	return s
}

// addSuite counts cases. Durations come from top-level suites only since
// a parent's time already covers its children.
func (s *Summary) addSuite(suite *Suite) {
	if len(suite.Cases) == 0 && len(suite.Children) == 0 {
		s.Total += suite.Tests
		s.Failed += suite.Failures
		s.Errored += suite.Errors
		s.Skipped += suite.Skipped
		s.Passed += max(suite.Tests-suite.Failures-suite.Errors-suite.Skipped, 0)
		return
	}
	for _, c := range suite.Cases {
		s.Total++
		switch c.Status() {
		case StatusPass:
			s.Passed++
		case StatusSkip:
			s.Skipped++
		case StatusFail:
			s.Failed++
			s.Failures = append(s.Failures, newFailure(suite.Name, c, c.Failure))
		case StatusError:
			s.Errored++
			s.Failures = append(s.Failures, newFailure(suite.Name, c, c.Error))
		}
	}
	for _, child := range suite.Children {
		s.addSuite(child)
	}
}

func newFailure(suite string, c *Case, o *Outcome) Failure {
	return Failure{
		Suite:   suite,
		Class:   c.ClassName,
		Test:    c.Name,
		Kind:    c.Status(),
		Message: o.Message,
		Output:  strings.TrimSpace(o.Text),
	}
}

// Broken returns the number of failed plus errored cases.
func (s *Summary) Broken() int {
	return s.Failed + s.Errored
}

// Symbol returns the qualified name of the failed case, class.test.
func (f Failure) Symbol() string {
	if f.Class == "" {
		return f.Test
	}
	return f.Class + "." + f.Test
}

func (s *Summary) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Status: %s\n", s.Status)
	fmt.Fprintln(&b)

	if s.Status == "PASS" {
		fmt.Fprintf(&b, "All %d tests passed", s.Total-s.Skipped)
		if s.Skipped > 0 {
			fmt.Fprintf(&b, " (%d skipped)", s.Skipped)
		}
		fmt.Fprintf(&b, " in %.3fs.\n", s.Duration)
		return b.String()
	}

	fmt.Fprintf(&b, "Of %d tests executed in %.3fs, %d passed, %d failed, %d errored, %d skipped.\n",
		s.Total, s.Duration, s.Passed, s.Failed, s.Errored, s.Skipped)
	fmt.Fprintln(&b)

	for _, f := range s.Failures {
		fmt.Fprintf(&b, "  - %s (%s)", f.Symbol(), f.Kind)
		if f.Message != "" {
			fmt.Fprintf(&b, ": %s", firstLine(f.Message))
		}
		fmt.Fprintln(&b)
		if f.Output != "" {
			for _, line := range strings.Split(truncateLines(f.Output, maxFailureLines), "\n") {
				fmt.Fprintf(&b, "      %s\n", line)
			}
		}
	}
	return b.String()
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func truncateLines(s string, maxLines int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= maxLines {
		return strings.Join(lines, "\n")
	}
	result := strings.Join(lines[:maxLines], "\n")
	result += fmt.Sprintf("\n... (%d more lines)", len(lines)-maxLines)
	return result
}
