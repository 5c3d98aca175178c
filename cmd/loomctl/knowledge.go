package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/models"
)

var (
	knowledgeJSON    bool
	knowledgeHistory bool
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge <key>",
	Short: "Read an entry from the knowledge store",
	Long: `Knowledge prints the latest version stored under a key. The store is
append-only; pass --history to walk the full version chain, newest
first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		var resp struct {
			Latest  models.KnowledgeEntry   `json:"latest"`
			History []models.KnowledgeEntry `json:"history"`
		}
		if err := c.do(cmd.Context(), "GET", "/api/v1/knowledge/"+args[0], nil, &resp); err != nil {
			return err
		}
		if knowledgeJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		}

		printEntry(resp.Latest)
		if knowledgeHistory {
			for _, e := range resp.History {
				if e.Version == resp.Latest.Version {
					continue
				}
				fmt.Println()
				printEntry(e)
			}
		}
		return nil
	},
}

func init() {
	knowledgeCmd.Flags().BoolVar(&knowledgeJSON, "json", false, "Print raw JSON")
	knowledgeCmd.Flags().BoolVar(&knowledgeHistory, "history", false, "Print superseded versions too")
}

func printEntry(e models.KnowledgeEntry) {
	fmt.Printf("%s (version %d", e.Key, e.Version)
	if e.Supersedes > 0 {
		fmt.Printf(", supersedes %d", e.Supersedes)
	}
	fmt.Printf(", %s)\n", e.CreatedAt.Local().Format(time.RFC3339))
	fmt.Println(e.Content)
	if len(e.SourceFindings) > 0 {
		fmt.Printf("sources: %v\n", e.SourceFindings)
	}
}
