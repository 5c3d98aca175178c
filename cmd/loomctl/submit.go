package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/models"
)

var (
	submitMaxDepth    int
	submitMaxFanout   int
	submitQuality     float64
	submitMaxAttempts int
	submitParallelism map[string]int
	submitWatch       bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <query>",
	Short: "Submit a query to the orchestrator",
	Long: `Submit sends a query through the full pipeline: decomposition,
scheduling, quality gating and synthesis. It prints the assigned
request id immediately; pass --watch to follow the event stream and
print the report once the request completes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		query := strings.Join(args, " ")
		body := map[string]any{
			"query": query,
			"config": models.RequestConfig{
				MaxDepth:                submitMaxDepth,
				MaxFanout:               submitMaxFanout,
				DefaultQualityThreshold: submitQuality,
				MaxAttempts:             submitMaxAttempts,
				Parallelism:             submitParallelism,
			},
		}

		var resp struct {
			RequestID string    `json:"request_id"`
			Status    string    `json:"status"`
			StreamURL string    `json:"stream_url"`
			ReportURL string    `json:"report_url"`
			CreatedAt time.Time `json:"created_at"`
		}
		if err := c.do(cmd.Context(), "POST", "/api/v1/requests", body, &resp); err != nil {
			return err
		}

		fmt.Printf("Request accepted: %s\n", resp.RequestID)
		if !submitWatch {
			fmt.Printf("  follow:  loomctl watch %s\n", resp.RequestID)
			fmt.Printf("  report:  loomctl report %s\n", resp.RequestID)
			return nil
		}

		// Replay from zero so events emitted before the stream opened
		// are not missed.
		from := uint64(0)
		if err := followStream(cmd.Context(), c, resp.RequestID, &from, nil); err != nil {
			return err
		}
		var report models.Report
		if err := c.do(cmd.Context(), "GET", "/api/v1/requests/"+resp.RequestID+"/report", nil, &report); err != nil {
			return err
		}
		fmt.Println()
		printReport(report)
		return nil
	},
}

func init() {
	submitCmd.Flags().IntVar(&submitMaxDepth, "max-depth", 0, "Decomposition depth limit (0 = server default)")
	submitCmd.Flags().IntVar(&submitMaxFanout, "max-fanout", 0, "Subtasks per decomposition (0 = server default)")
	submitCmd.Flags().Float64Var(&submitQuality, "quality", 0, "Quality gate threshold (0 = server default)")
	submitCmd.Flags().IntVar(&submitMaxAttempts, "max-attempts", 0, "Attempts per task before it becomes a gap (0 = server default)")
	submitCmd.Flags().StringToIntVar(&submitParallelism, "parallel", nil, "Per-capability concurrency override, e.g. --parallel web=2")
	submitCmd.Flags().BoolVar(&submitWatch, "watch", false, "Follow events and print the report when done")
}
