package integrity

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// maxListedIDs caps the offenders printed per row; the archived JSON keeps
// the full list.
const maxListedIDs = 5

// WriteTable renders r as a console table, one row per check.
func WriteTable(w io.Writer, r *Report) error {
	table := tablewriter.NewWriter(w)
	table.Header("Check", "Result", "Violations", "Offending IDs")
	for _, c := range r.Checks {
		result := "PASS"
		if !c.Passed() {
			result = "FAIL"
		}
		if err := table.Append(c.Name, result, fmt.Sprintf("%d", len(c.OffendingIDs)), summarizeIDs(c.OffendingIDs)); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	verdict := "ledger consistent"
	if !r.Passed {
		verdict = fmt.Sprintf("%d violation(s)", r.Violations())
	}
	_, err := fmt.Fprintf(w, "%s at %s\n", verdict, r.TakenAt.UTC().Format("2006-01-02 15:04:05Z"))
	return err
}

func summarizeIDs(ids []string) string {
	if len(ids) <= maxListedIDs {
		return strings.Join(ids, ", ")
	}
	return fmt.Sprintf("%s (+%d more)", strings.Join(ids[:maxListedIDs], ", "), len(ids)-maxListedIDs)
}
