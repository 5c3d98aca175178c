package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel a running request",
	Long: `Cancel stops a running request. In-flight tasks are abandoned and the
report is generated from whatever was accepted before cancellation.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		var resp struct {
			RequestID string `json:"request_id"`
			Status    string `json:"status"`
		}
		if err := c.do(cmd.Context(), "POST", "/api/v1/requests/"+args[0]+"/cancel", nil, &resp); err != nil {
			return err
		}
		fmt.Printf("Request %s: %s\n", resp.RequestID, resp.Status)
		return nil
	},
}
