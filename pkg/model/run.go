package model

import "time"

// Run is one execution of a workflow for one triggering event.
// Runs are never hard-deleted; history is retained.
type Run struct {
	ID                string     `json:"id"`
	RepoID            string     `json:"repo_id"`
	OwnerID           string     `json:"owner_id"`
	WorkflowID        string     `json:"workflow_id"`
	Event             string     `json:"event"`
	Ref               string     `json:"ref"`
	CommitSHA         string     `json:"commit_sha"`
	Status            Status     `json:"status"`
	NeedApproval      bool       `json:"need_approval"`
	ConcurrencyGroup  string     `json:"concurrency_group,omitempty"`
	ConcurrencyCancel bool       `json:"concurrency_cancel,omitempty"`
	Started           *time.Time `json:"started,omitempty"`
	Stopped           *time.Time `json:"stopped,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`

	// Jobs is populated on detail reads, not stored on the run row.
	Jobs []Job `json:"jobs,omitempty"`
}

// JobSummary provides an aggregate count of job statuses within a Run.
type JobSummary struct {
	Total     int `json:"total"`
	Waiting   int `json:"waiting"`
	Blocked   int `json:"blocked"`
	Running   int `json:"running"`
	Success   int `json:"success"`
	Failure   int `json:"failure"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
}

// ComputeJobSummary calculates the JobSummary from a slice of Jobs.
func ComputeJobSummary(jobs []Job) JobSummary {
	s := JobSummary{Total: len(jobs)}
	for _, j := range jobs {
		switch j.Status {
		case StatusWaiting:
			s.Waiting++
		case StatusBlocked:
			s.Blocked++
		case StatusRunning:
			s.Running++
		case StatusSuccess:
			s.Success++
		case StatusFailure:
			s.Failure++
		case StatusCancelled:
			s.Cancelled++
		case StatusSkipped:
			s.Skipped++
		}
	}
	return s
}
