package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRerunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rerun <run_id> <job_id>",
		Short: "Re-run a finished job and its dependents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, jobID := args[0], args[1]

			if _, err := client.Put("/api/v1/runs/"+runID+"/jobs/"+jobID+"/rerun", nil); err != nil {
				return fmt.Errorf("rerun job: %w", err)
			}

			fmt.Printf("Job %s queued for a new attempt\n", jobID)
			return nil
		},
	}
}
