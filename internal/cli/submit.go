package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/me/forgeci/pkg/model"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// workflowFile is the YAML shape accepted by `forgeci submit`.
type workflowFile struct {
	RepoID            string            `yaml:"repo_id"`
	OwnerID           string            `yaml:"owner_id"`
	WorkflowID        string            `yaml:"workflow_id"`
	Event             string            `yaml:"event"`
	Ref               string            `yaml:"ref"`
	CommitSHA         string            `yaml:"commit_sha"`
	NeedApproval      bool              `yaml:"need_approval"`
	ConcurrencyGroup  string            `yaml:"concurrency_group"`
	ConcurrencyCancel bool              `yaml:"concurrency_cancel"`
	Jobs              []workflowFileJob `yaml:"jobs"`
}

type workflowFileJob struct {
	Key               string   `yaml:"key"`
	Name              string   `yaml:"name"`
	Needs             []string `yaml:"needs"`
	Labels            []string `yaml:"labels"`
	Steps             []string `yaml:"steps"`
	ConcurrencyGroup  string   `yaml:"concurrency_group"`
	ConcurrencyCancel bool     `yaml:"concurrency_cancel"`
}

func newSubmitCmd() *cobra.Command {
	var event, ref, sha string
	var approval bool

	cmd := &cobra.Command{
		Use:   "submit <workflow.yaml>",
		Short: "Submit a workflow run",
		Long:  "Read a workflow definition and submit it to the forgeci server as one run.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read workflow: %w", err)
			}

			var wf workflowFile
			if err := yaml.Unmarshal(data, &wf); err != nil {
				return fmt.Errorf("parse workflow: %w", err)
			}

			spec := model.RunSpec{
				RepoID:            wf.RepoID,
				OwnerID:           wf.OwnerID,
				WorkflowID:        wf.WorkflowID,
				Event:             wf.Event,
				Ref:               wf.Ref,
				CommitSHA:         wf.CommitSHA,
				NeedApproval:      wf.NeedApproval || approval,
				ConcurrencyGroup:  wf.ConcurrencyGroup,
				ConcurrencyCancel: wf.ConcurrencyCancel,
			}
			if event != "" {
				spec.Event = event
			}
			if ref != "" {
				spec.Ref = ref
			}
			if sha != "" {
				spec.CommitSHA = sha
			}
			for _, j := range wf.Jobs {
				spec.Jobs = append(spec.Jobs, model.JobSpec{
					Key:               j.Key,
					Name:              j.Name,
					Needs:             j.Needs,
					Labels:            j.Labels,
					Steps:             j.Steps,
					ConcurrencyGroup:  j.ConcurrencyGroup,
					ConcurrencyCancel: j.ConcurrencyCancel,
				})
			}

			resp, err := client.Post("/api/v1/runs/", spec)
			if err != nil {
				return fmt.Errorf("submit run: %w", err)
			}

			var run map[string]any
			if err := json.Unmarshal(resp.Data, &run); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			id, _ := run["id"].(string)
			status, _ := run["status"].(string)
			fmt.Printf("Run created: %s\n", id)
			fmt.Printf("  Workflow: %s\n", spec.WorkflowID)
			fmt.Printf("  Status:   %s\n", status)
			fmt.Printf("  Jobs:     %d\n", len(spec.Jobs))
			if status == string(model.StatusBlocked) {
				fmt.Println("  Awaiting approval: forgeci approve " + id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&event, "event", "", "Trigger event (overrides file)")
	cmd.Flags().StringVar(&ref, "ref", "", "Git ref (overrides file)")
	cmd.Flags().StringVar(&sha, "sha", "", "Commit SHA (overrides file)")
	cmd.Flags().BoolVar(&approval, "need-approval", false, "Hold the run until approved")
	return cmd
}
