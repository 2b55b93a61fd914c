// Package junit reads JUnit XML test reports, as written by pytest
// --junitxml and most other test frameworks, and summarises them.
package junit

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
)

// Report is a parsed report file. A bare <testsuite> root is wrapped so
// callers always see a list of suites.
type Report struct {
	XMLName xml.Name `xml:"testsuites"`
	Name    string   `xml:"name,attr,omitempty"`
	Suites  []*Suite `xml:"testsuite"`
}

// Suite is a <testsuite> element. Suites may nest.
type Suite struct {
	Name     string   `xml:"name,attr"`
	Tests    int      `xml:"tests,attr"`
	Failures int      `xml:"failures,attr"`
	Errors   int      `xml:"errors,attr"`
	Skipped  int      `xml:"skipped,attr"`
	Time     float64  `xml:"time,attr"`
	Cases    []*Case  `xml:"testcase"`
	Children []*Suite `xml:"testsuite"`
}

// Case is a <testcase> element.
type Case struct {
	Name      string   `xml:"name,attr"`
	ClassName string   `xml:"classname,attr"`
	Time      float64  `xml:"time,attr"`
	Failure   *Outcome `xml:"failure"`
	Error     *Outcome `xml:"error"`
	Skipped   *Outcome `xml:"skipped"`
	SystemOut string   `xml:"system-out"`
	SystemErr string   `xml:"system-err"`
}

// Outcome is the body of a <failure>, <error> or <skipped> element.
type Outcome struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Text    string `xml:",chardata"`
}

// Status of a single case.
const (
	StatusPass  = "pass"
	StatusFail  = "fail"
	StatusError = "error"
	StatusSkip  = "skip"
)

// Status returns the case outcome.
func (c *Case) Status() string {
	switch {
	case c.Error != nil:
		return StatusError
	case c.Failure != nil:
		return StatusFail
	case c.Skipped != nil:
		return StatusSkip
	}
	return StatusPass
}

// ErrEmpty is returned for a report with no content.
var ErrEmpty = errors.New("empty report")

// Parse decodes a report from r.
func Parse(r io.Reader) (*Report, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	return parseBytes(data)
}

// ParseFile decodes the report at path. A missing file yields an error
// satisfying errors.Is(err, os.ErrNotExist).
func ParseFile(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rep, err := parseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return rep, nil
}

func parseBytes(data []byte) (*Report, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmpty
	}
	root, err := rootElement(data)
	if err != nil {
		return nil, err
	}
	switch root {
	case "testsuites":
		var rep Report
		if err := xml.Unmarshal(data, &rep); err != nil {
			return nil, fmt.Errorf("decoding testsuites: %w", err)
		}
		return &rep, nil
	case "testsuite":
		var s Suite
		if err := xml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decoding testsuite: %w", err)
		}
		return &Report{Suites: []*Suite{&s}}, nil
	}
	return nil, fmt.Errorf("unexpected root element <%s>", root)
}

func rootElement(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", ErrEmpty
			}
			return "", fmt.Errorf("decoding report: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

// Walk calls fn for every case in the report, depth first, with the name
// of the innermost enclosing suite.
func (r *Report) Walk(fn func(suite string, c *Case)) {
	for _, s := range r.Suites {
		s.walk(fn)
	}
}

func (s *Suite) walk(fn func(suite string, c *Case)) {
	for _, c := range s.Cases {
		fn(s.Name, c)
	}
	for _, child := range s.Children {
		child.walk(fn)
	}
}
