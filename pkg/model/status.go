package model

// Status represents the lifecycle state of a Run, Job, Task, or Step.
// The same enum is shared across all four levels; BLOCKED is only
// meaningful for Runs (awaiting approval) and Jobs (awaiting
// dependencies).
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusBlocked   Status = "BLOCKED"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailure   Status = "FAILURE"
	StatusCancelled Status = "CANCELLED"
	StatusSkipped   Status = "SKIPPED"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// IsValid returns true if s is one of the known status values.
func (s Status) IsValid() bool {
	switch s {
	case StatusWaiting, StatusBlocked, StatusRunning,
		StatusSuccess, StatusFailure, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// ValidTaskTransitions defines the allowed state transitions for Tasks.
// Tasks never enter BLOCKED.
var ValidTaskTransitions = map[Status][]Status{
	StatusWaiting: {StatusRunning, StatusCancelled, StatusSkipped},
	StatusRunning: {StatusSuccess, StatusFailure, StatusCancelled},
}

// ValidStepTransitions defines the allowed state transitions for Steps.
// Steps never enter BLOCKED.
var ValidStepTransitions = map[Status][]Status{
	StatusWaiting: {StatusRunning, StatusCancelled, StatusSkipped},
	StatusRunning: {StatusSuccess, StatusFailure, StatusCancelled, StatusSkipped},
}

// CanTransitionTask returns true if moving a Task from cur to next is valid.
func CanTransitionTask(cur, next Status) bool {
	return containsStatus(ValidTaskTransitions[cur], next)
}

// CanTransitionStep returns true if moving a Step from cur to next is valid.
func CanTransitionStep(cur, next Status) bool {
	return containsStatus(ValidStepTransitions[cur], next)
}

func containsStatus(allowed []Status, s Status) bool {
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}
