package publish

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/deixis/conveyor/internal/junit"
)

// maxMessageWidth caps the message column before wrapping.
const maxMessageWidth = 60

// WriteTable renders one row per suite followed by the failed cases, with
// a totals footer.
func WriteTable(w io.Writer, rep *junit.Report) {
	s := junit.Summarize(rep)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Test Results (%.1fs)", s.Duration))
	t.AppendHeader(table.Row{"Type", "Name", "Tests", "Passed", "Failed", "Skipped", "Message"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Message", WidthMax: maxMessageWidth, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, suite := range rep.Suites {
		appendSuite(t, suite)
	}
	if len(s.Failures) > 0 {
		t.AppendSeparator()
		for _, f := range s.Failures {
			t.AppendRow(table.Row{"Failure", f.Symbol(), "", "", "", "", f.Message})
		}
	}

	t.AppendFooter(table.Row{"TOTAL", s.Status, s.Total, s.Passed, s.Broken(), s.Skipped, ""})
	if s.Status == "PASS" {
		t.SetStyle(table.StyleLight)
	} else {
		t.SetStyle(table.StyleDouble)
	}
	t.Render()
}

func appendSuite(t table.Writer, suite *junit.Suite) {
	one := junit.Summarize(&junit.Report{Suites: []*junit.Suite{suite}})
	t.AppendRow(table.Row{"Suite", suite.Name, one.Total, one.Passed, one.Broken(), one.Skipped, ""})
}
