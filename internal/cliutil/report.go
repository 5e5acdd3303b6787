// Package cliutil implements the CommandReport contract every cmd/moonmem
// subcommand reports through (§7): a uniform ok/details/issues shape,
// printed as pretty JSON under --json or as plain lines otherwise.
package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// CommandReport is the user-visible result of one CLI invocation.
type CommandReport struct {
	Command string   `json:"command"`
	OK      bool     `json:"ok"`
	Details []string `json:"details"`
	Issues  []string `json:"issues"`
}

// New starts a report for command, defaulting to ok=true; call AddIssue to
// flip it.
func New(command string) *CommandReport {
	return &CommandReport{Command: command, OK: true, Details: []string{}, Issues: []string{}}
}

// AddDetail appends a formatted line to Details.
func (r *CommandReport) AddDetail(format string, args ...interface{}) {
	r.Details = append(r.Details, fmt.Sprintf(format, args...))
}

// AddIssue appends a formatted line to Issues and clears OK.
func (r *CommandReport) AddIssue(format string, args ...interface{}) {
	r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
	r.OK = false
}

// Print writes the report to stdout, as pretty JSON when jsonMode is set or
// as plain `command:`/`ok:`/`details:`/`issues:` lines otherwise.
func (r *CommandReport) Print(jsonMode bool) {
	r.FprintTo(os.Stdout, jsonMode)
}

// FprintTo writes the report to w, exposed separately from Print so tests
// can capture output without touching os.Stdout.
func (r *CommandReport) FprintTo(w io.Writer, jsonMode bool) {
	if jsonMode {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r)
		return
	}

	fmt.Fprintf(w, "command: %s\n", r.Command)
	fmt.Fprintf(w, "ok: %t\n", r.OK)
	fmt.Fprintln(w, "details:")
	for _, d := range r.Details {
		fmt.Fprintf(w, "  - %s\n", d)
	}
	fmt.Fprintln(w, "issues:")
	for _, i := range r.Issues {
		fmt.Fprintf(w, "  - %s\n", i)
	}
}

// ExitCode implements §7's exit code rule: 0 when OK, 2 otherwise. Callers
// that hit a hard error before a report even exists use 1 directly.
func (r *CommandReport) ExitCode() int {
	if r.OK {
		return 0
	}
	return 2
}
