package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
)

// problem is one finding printed by validate and lint.
type problem struct {
	Source   string `json:"source"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printProblems(w io.Writer, problems []problem) {
	for _, p := range problems {
		sev := p.Severity
		if sev == "" {
			sev = "error"
		}
		if p.Path != "" {
			fmt.Fprintf(w, "%-7s %s: %s: %s\n", sev, p.Source, p.Path, p.Message)
		} else {
			fmt.Fprintf(w, "%-7s %s: %s\n", sev, p.Source, p.Message)
		}
	}
}

// table writes rows as aligned columns.
func table(w io.Writer, header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	writeRow := func(cols []string) {
		for i, c := range cols {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, c)
		}
		fmt.Fprintln(tw)
	}
	writeRow(header)
	for _, r := range rows {
		writeRow(r)
	}
	return tw.Flush()
}
