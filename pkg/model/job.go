package model

import "time"

// Job is one node in a Run's dependency DAG, identified within the Run
// by a stable Key from the workflow source. All Jobs of a Run are
// created in one batch before scheduling begins.
type Job struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
	Key   string `json:"key"`
	Name  string `json:"name"`

	// Needs lists the job keys this job depends on. All keys must
	// exist within the same Run.
	Needs []string `json:"needs,omitempty"`

	// Labels are the capability labels a runner must carry to lease
	// this job's tasks.
	Labels []string `json:"labels,omitempty"`

	// Steps is the ordered step-name template copied onto each Task
	// attempt at creation time.
	Steps []string `json:"steps"`

	Status            Status `json:"status"`
	ConcurrencyGroup  string `json:"concurrency_group,omitempty"`
	ConcurrencyCancel bool   `json:"concurrency_cancel,omitempty"`

	// TaskID is a weak reference to the current (latest) task attempt.
	TaskID string `json:"task_id,omitempty"`

	Started   *time.Time `json:"started,omitempty"`
	Stopped   *time.Time `json:"stopped,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// HasNeeds returns true if the job declares dependencies.
func (j *Job) HasNeeds() bool {
	return len(j.Needs) > 0
}
