package schema

import (
	"fmt"
	"io"
	"strings"
)

// Report is the outcome of ValidateInstallation
type Report struct {
	ChangeLog ChangeLogReport
	Tables    []TableReport
}

// ChangeLogReport describes the change-log table check
type ChangeLogReport struct {
	Exists   bool
	OK       bool
	Problems []string
}

// TableReport describes the trigger check of one table.
// Excluded tables have no primary key and are not captured.
type TableReport struct {
	Table    string
	OK       bool
	Excluded bool
	Problems []string
}

// AllPassed reports whether the change-log and every captured table are valid
func (r Report) AllPassed() bool {
	if !r.ChangeLog.OK {
		return false
	}
	for _, t := range r.Tables {
		if !t.OK && !t.Excluded {
			return false
		}
	}
	return true
}

// Failed returns the names of tables that are captured but invalid
func (r Report) Failed() []string {
	var out []string
	for _, t := range r.Tables {
		if !t.OK && !t.Excluded {
			out = append(out, t.Table)
		}
	}
	return out
}

// Write prints a human readable summary
func (r Report) Write(w io.Writer) {
	status := func(ok bool) string {
		if ok {
			return "OK"
		}
		return "FAIL"
	}
	fmt.Fprintf(w, "%-40s %s\n", ChangeLogTable, status(r.ChangeLog.OK))
	for _, p := range r.ChangeLog.Problems {
		fmt.Fprintf(w, "  - %s\n", p)
	}
	for _, t := range r.Tables {
		s := status(t.OK)
		if t.Excluded {
			s = "EXCLUDED"
		}
		fmt.Fprintf(w, "%-40s %s\n", t.Table, s)
		if len(t.Problems) > 0 {
			fmt.Fprintf(w, "  - %s\n", strings.Join(t.Problems, "\n  - "))
		}
	}
}
