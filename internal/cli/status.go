package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run_id>",
		Short: "Check the status of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get("/api/v1/runs/" + id)
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}

			var data struct {
				Run     map[string]any `json:"run"`
				Summary map[string]any `json:"summary"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			status, _ := data.Run["status"].(string)
			wf, _ := data.Run["workflow_id"].(string)
			event, _ := data.Run["event"].(string)

			fmt.Printf("Run: %s\n", id)
			fmt.Printf("  Workflow: %s\n", wf)
			fmt.Printf("  Event:    %s\n", event)
			fmt.Printf("  Status:   %s\n", status)
			if need, ok := data.Run["need_approval"].(bool); ok && need && status == "BLOCKED" {
				fmt.Println("  Awaiting approval")
			}

			if s := data.Summary; s != nil {
				total, _ := s["total"].(float64)
				fmt.Printf("  Jobs:     %d total", int(total))
				for _, k := range []string{"success", "running", "waiting", "blocked", "failure", "cancelled", "skipped"} {
					if n, _ := s[k].(float64); n > 0 {
						fmt.Printf(", %d %s", int(n), k)
					}
				}
				fmt.Println()
			}

			if jobs, ok := data.Run["jobs"].([]any); ok && len(jobs) > 0 {
				fmt.Println("  Job states:")
				for _, j := range jobs {
					job, ok := j.(map[string]any)
					if !ok {
						continue
					}
					key, _ := job["key"].(string)
					js, _ := job["status"].(string)
					fmt.Printf("    - %s: %s\n", key, js)
				}
			}

			if createdAt, ok := data.Run["created_at"].(string); ok {
				fmt.Printf("  Created:  %s\n", createdAt)
			}
			if stopped, ok := data.Run["stopped"].(string); ok && stopped != "" {
				fmt.Printf("  Stopped:  %s\n", stopped)
			}

			return nil
		},
	}
}
