package policycompiler

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// PrintReport renders a compilation's diagnostics as an aligned table,
// errors before warnings. Used by the compile CLI command.
func PrintReport(w io.Writer, diags []Diagnostic) {
	if len(diags) == 0 {
		fmt.Fprintln(w, "policy compiled cleanly, no diagnostics")
		return
	}

	errCount, warnCount := 0, 0
	for _, d := range diags {
		if d.Severity == SeverityError {
			errCount++
		} else {
			warnCount++
		}
	}
	fmt.Fprintf(w, "%d error(s), %d warning(s)\n\n", errCount, warnCount)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "SEVERITY\tKIND\tTABLE\tCOLUMN\tROLE\tMESSAGE\n")
	for _, d := range diags {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Severity, d.Kind, d.Table, d.Column, d.Role, d.Message)
	}
	tw.Flush()
}
