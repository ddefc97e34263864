package model

// RunSpec is the graph-ingestion payload handed to the scheduler by
// the workflow-parsing collaborator: one Run plus its complete job
// batch. The scheduler validates acyclicity and rejects the whole
// batch on violation.
type RunSpec struct {
	RepoID            string    `json:"repo_id"`
	OwnerID           string    `json:"owner_id"`
	WorkflowID        string    `json:"workflow_id"`
	Event             string    `json:"event"`
	Ref               string    `json:"ref"`
	CommitSHA         string    `json:"commit_sha"`
	NeedApproval      bool      `json:"need_approval,omitempty"`
	ConcurrencyGroup  string    `json:"concurrency_group,omitempty"`
	ConcurrencyCancel bool      `json:"concurrency_cancel,omitempty"`
	Jobs              []JobSpec `json:"jobs"`
}

// JobSpec is one job entry in a RunSpec batch.
type JobSpec struct {
	Key               string   `json:"key"`
	Name              string   `json:"name,omitempty"`
	Needs             []string `json:"needs,omitempty"`
	Labels            []string `json:"labels,omitempty"`
	Steps             []string `json:"steps"`
	ConcurrencyGroup  string   `json:"concurrency_group,omitempty"`
	ConcurrencyCancel bool     `json:"concurrency_cancel,omitempty"`
}

// ValidateGraph checks the job batch for duplicate keys, dangling
// dependency references, and cycles (Kahn's algorithm). Returns the
// first violation found as a GraphError.
func ValidateGraph(jobs []JobSpec) error {
	if len(jobs) == 0 {
		return &GraphError{Reason: "run must contain at least one job"}
	}

	byKey := make(map[string]JobSpec, len(jobs))
	for _, j := range jobs {
		if j.Key == "" {
			return &GraphError{Reason: "job key must not be empty"}
		}
		if _, dup := byKey[j.Key]; dup {
			return &GraphError{JobKey: j.Key, Reason: "duplicate job key"}
		}
		byKey[j.Key] = j
	}

	indegree := make(map[string]int, len(jobs))
	dependents := make(map[string][]string)
	for _, j := range jobs {
		for _, need := range j.Needs {
			if need == j.Key {
				return &GraphError{JobKey: j.Key, Reason: "job depends on itself"}
			}
			if _, ok := byKey[need]; !ok {
				return &GraphError{JobKey: j.Key, Reason: "needs unknown job " + need}
			}
			indegree[j.Key]++
			dependents[need] = append(dependents[need], j.Key)
		}
	}

	// Kahn's toposort; any remainder is a cycle.
	var queue []string
	for _, j := range jobs {
		if indegree[j.Key] == 0 {
			queue = append(queue, j.Key)
		}
	}
	visited := 0
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[key] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(jobs) {
		return &GraphError{Reason: "dependency cycle detected"}
	}
	return nil
}
