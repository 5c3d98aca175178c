package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/models"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List submitted requests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		var resp struct {
			Requests []models.RequestSummary `json:"requests"`
		}
		if err := c.do(cmd.Context(), "GET", "/api/v1/requests", nil, &resp); err != nil {
			return err
		}
		if len(resp.Requests) == 0 {
			fmt.Println("No requests.")
			return nil
		}
		fmt.Printf("%-38s %-11s %6s  %-20s %s\n", "REQUEST", "STATUS", "TASKS", "CREATED", "QUERY")
		for _, r := range resp.Requests {
			fmt.Printf("%-38s %-11s %6d  %-20s %s\n",
				r.RequestID, r.Status, r.TotalTasks,
				r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				truncate(r.Query, 60))
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show one request's progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		var summary models.RequestSummary
		if err := c.do(cmd.Context(), "GET", "/api/v1/requests/"+args[0], nil, &summary); err != nil {
			return err
		}
		fmt.Printf("Request:  %s\n", summary.RequestID)
		fmt.Printf("Query:    %s\n", summary.Query)
		fmt.Printf("Status:   %s\n", summary.Status)
		fmt.Printf("Tasks:    %d\n", summary.TotalTasks)
		fmt.Printf("Created:  %s\n", summary.CreatedAt.Local().Format(time.RFC1123))
		if summary.CompletedAt != nil {
			fmt.Printf("Finished: %s (after %s)\n",
				summary.CompletedAt.Local().Format(time.RFC1123),
				summary.CompletedAt.Sub(summary.CreatedAt).Round(time.Millisecond))
		}
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
