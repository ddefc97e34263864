package scheduler

import "github.com/me/forgeci/pkg/model"

// Readiness is the verdict for one blocked job.
type Readiness int

const (
	// NotReady means at least one dependency is still in flight.
	NotReady Readiness = iota
	// Ready means every dependency is SUCCESS or SKIPPED.
	Ready
	// Doomed means at least one dependency is FAILURE or CANCELLED;
	// the job must be skipped without execution. Checked strictly
	// before Ready so failure propagation always wins.
	Doomed
)

// EvaluateJob computes the readiness of a single job against the
// statuses of its sibling jobs, keyed by job key.
func EvaluateJob(job *model.Job, statusByKey map[string]model.Status) Readiness {
	if !job.HasNeeds() {
		return Ready
	}

	// Fail-fast pass first: any failed or cancelled dependency dooms
	// the job regardless of the remaining dependencies.
	for _, need := range job.Needs {
		switch statusByKey[need] {
		case model.StatusFailure, model.StatusCancelled:
			return Doomed
		}
	}

	for _, need := range job.Needs {
		switch statusByKey[need] {
		case model.StatusSuccess, model.StatusSkipped:
			continue
		default:
			return NotReady
		}
	}
	return Ready
}

// statusByKey builds a job-key → status lookup for one run's jobs.
func statusByKey(jobs []*model.Job) map[string]model.Status {
	m := make(map[string]model.Status, len(jobs))
	for _, j := range jobs {
		m[j.Key] = j.Status
	}
	return m
}
