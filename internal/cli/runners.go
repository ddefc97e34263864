package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newRunnersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runners",
		Short: "Manage runners",
	}
	cmd.AddCommand(newRunnersListCmd(), newRunnersDeleteCmd())
	return cmd
}

func newRunnersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered runners",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/runners/")
			if err != nil {
				return fmt.Errorf("list runners: %w", err)
			}

			var data []map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(data) == 0 {
				fmt.Println("No runners registered.")
				return nil
			}

			fmt.Printf("%-40s  %-16s  %-8s  %-12s  %s\n", "ID", "NAME", "STATE", "SCOPE", "LABELS")
			fmt.Printf("%-40s  %-16s  %-8s  %-12s  %s\n", "----", "----", "-----", "-----", "------")
			for _, rn := range data {
				id, _ := rn["id"].(string)
				name, _ := rn["name"].(string)
				state, _ := rn["state"].(string)

				scope := "global"
				if repo, _ := rn["repo_id"].(string); repo != "" {
					scope = "repository"
				} else if owner, _ := rn["owner_id"].(string); owner != "" {
					scope = "owner"
				}

				var labels []string
				if raw, ok := rn["labels"].([]any); ok {
					for _, l := range raw {
						if s, ok := l.(string); ok {
							labels = append(labels, s)
						}
					}
				}
				fmt.Printf("%-40s  %-16s  %-8s  %-12s  %s\n", id, name, state, scope, strings.Join(labels, ","))
			}
			return nil
		},
	}
}

func newRunnersDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <runner_id>",
		Short: "Delete a runner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if _, err := client.do("DELETE", "/api/v1/runners/"+id, nil); err != nil {
				return fmt.Errorf("delete runner: %w", err)
			}
			fmt.Printf("Runner %s deleted\n", id)
			return nil
		},
	}
}
