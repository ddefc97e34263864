package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <task_id>",
		Short: "View step logs for a task attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]

			resp, err := client.Get("/api/v1/tasks/" + taskID + "/logs")
			if err != nil {
				return fmt.Errorf("get logs: %w", err)
			}

			var data struct {
				TaskID string `json:"task_id"`
				Steps  []struct {
					Index   int    `json:"index"`
					Name    string `json:"name"`
					Status  string `json:"status"`
					Length  int64  `json:"log_length"`
					Excerpt string `json:"log_excerpt"`
				} `json:"steps"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse logs response: %w", err)
			}

			if len(data.Steps) == 0 {
				fmt.Println("No steps found.")
				return nil
			}

			for _, st := range data.Steps {
				fmt.Printf("=== step %d: %s [%s] ===\n", st.Index, st.Name, st.Status)
				if st.Excerpt != "" {
					fmt.Println(st.Excerpt)
					if int64(len(st.Excerpt)) < st.Length {
						fmt.Printf("[%d bytes total, excerpt shown]\n", st.Length)
					}
				}
				fmt.Println()
			}
			return nil
		},
	}
}
