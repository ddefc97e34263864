package model

import "time"

// Step is one ordered unit of work within a Task. Step count and order
// are fixed once the Task starts; indices are contiguous from 0.
type Step struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Status Status `json:"status"`

	// LogOffset and LogLength locate this step's bytes within the
	// task's log stream. LogExcerpt holds the reported tail inline.
	LogOffset  int64  `json:"log_offset"`
	LogLength  int64  `json:"log_length"`
	LogExcerpt string `json:"log_excerpt,omitempty"`

	Started *time.Time `json:"started,omitempty"`
	Stopped *time.Time `json:"stopped,omitempty"`
}
