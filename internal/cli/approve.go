package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <run_id>",
		Short: "Release a run held for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Put("/api/v1/runs/"+id+"/approve", nil)
			if err != nil {
				return fmt.Errorf("approve run: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Run %s approved, scheduling resumed\n", id)
			return nil
		},
	}
}
