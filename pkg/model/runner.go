package model

import "time"

// Runner is a registered remote execution agent that leases and
// executes Tasks.
type Runner struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Scope: exactly one of the three. RepoID set means
	// repository-scoped; OwnerID set (RepoID empty) means owner-scoped;
	// both empty means global. Checked narrowest-first when leasing.
	RepoID  string `json:"repo_id,omitempty"`
	OwnerID string `json:"owner_id,omitempty"`

	Labels    []string `json:"labels,omitempty"`
	Ephemeral bool     `json:"ephemeral,omitempty"`

	// Capacity is the number of concurrent leases the runner may hold.
	Capacity int `json:"capacity"`

	State RunnerState `json:"state"`

	// TokenDigest is the SHA-256 digest of the registration auth token.
	TokenDigest string `json:"-"`

	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	RegisteredAt  time.Time  `json:"registered_at"`
}

// RunnerState represents the lifecycle state of a Runner.
type RunnerState string

const (
	RunnerStateOnline  RunnerState = "online"
	RunnerStateOffline RunnerState = "offline"
	// RunnerStateDeleted marks a soft-deleted runner. The row is kept
	// so task history referencing it stays resolvable.
	RunnerStateDeleted RunnerState = "deleted"
)

// Scope identifies the ownership boundary of a runner or a task.
type Scope string

const (
	ScopeRepository Scope = "repository"
	ScopeOwner      Scope = "owner"
	ScopeGlobal     Scope = "global"
)

// Scope returns the runner's scope per the mutually-exclusive
// repo > owner > global rule.
func (r *Runner) Scope() Scope {
	if r.RepoID != "" {
		return ScopeRepository
	}
	if r.OwnerID != "" {
		return ScopeOwner
	}
	return ScopeGlobal
}

// HasLabels returns true if every required label is carried by the runner.
func (r *Runner) HasLabels(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range r.Labels {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Alive returns true if the runner has heartbeat within the window.
func (r *Runner) Alive(window time.Duration, now time.Time) bool {
	if r.State != RunnerStateOnline || r.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*r.LastHeartbeat) <= window
}
