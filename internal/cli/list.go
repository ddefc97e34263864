package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/v1/runs/?limit=%d", limit)
			if status != "" {
				path += "&status=" + status
			}
			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			var data []map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(data) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			fmt.Printf("%-40s  %-10s  %-24s  %-12s  %s\n", "ID", "STATUS", "WORKFLOW", "EVENT", "CREATED")
			fmt.Printf("%-40s  %-10s  %-24s  %-12s  %s\n", "----", "------", "--------", "-----", "-------")
			for _, run := range data {
				id, _ := run["id"].(string)
				st, _ := run["status"].(string)
				wf, _ := run["workflow_id"].(string)
				event, _ := run["event"].(string)
				createdAt, _ := run["created_at"].(string)
				fmt.Printf("%-40s  %-10s  %-24s  %-12s  %s\n", id, st, wf, event, createdAt)
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Printf("\n(%d of %d shown)\n", len(data), resp.Pagination.Total)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (WAITING, RUNNING, SUCCESS, ...)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	return cmd
}
