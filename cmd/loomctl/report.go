package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/models"
)

var reportJSON bool

var reportCmd = &cobra.Command{
	Use:   "report <request-id>",
	Short: "Fetch the synthesized report for a request",
	Long: `Report prints the synthesized report. Running requests answer with a
version-0 snapshot of what has been accepted so far; completed requests
answer with the final report including any unresolved gaps.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		var report models.Report
		if err := c.do(cmd.Context(), "GET", "/api/v1/requests/"+args[0]+"/report", nil, &report); err != nil {
			return err
		}
		if reportJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		printReport(report)
		return nil
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Print the raw JSON report")
}

func printReport(r models.Report) {
	fmt.Printf("# %s\n", r.Query)
	fmt.Printf("request %s, version %d, %s\n", r.RequestID, r.Version, r.Status)
	if r.PendingTasks > 0 {
		fmt.Printf("%d tasks still in flight\n", r.PendingTasks)
	}

	for _, sec := range r.Sections {
		fmt.Printf("\n## %s\n", sec.Query)
		if sec.Conflicting {
			fmt.Printf("   (conflicts with %s)\n", strings.Join(sec.ConflictsWith, ", "))
		}
		fmt.Println(indent(sec.Content, "   "))
		for _, cit := range sec.Citations {
			switch {
			case cit.Title != "" && cit.URL != "":
				fmt.Printf("   - %s <%s>\n", cit.Title, cit.URL)
			case cit.URL != "":
				fmt.Printf("   - <%s>\n", cit.URL)
			case cit.Title != "":
				fmt.Printf("   - %s\n", cit.Title)
			}
		}
		fmt.Printf("   confidence %.2f\n", sec.Confidence)
	}

	if len(r.UnresolvedGaps) > 0 {
		fmt.Println("\n## Unresolved gaps")
		for _, gap := range r.UnresolvedGaps {
			fmt.Printf("   - %s\n", gap)
		}
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
