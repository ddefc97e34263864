package scheduler

import "github.com/me/forgeci/pkg/model"

// Aggregate folds child statuses into a parent status using a fixed
// precedence order. The first matching rule wins; the order is
// load-bearing and must not be rearranged:
//
//  1. all children SKIPPED            → SKIPPED
//  2. all children SUCCESS or SKIPPED → SUCCESS
//  3. any child CANCELLED             → CANCELLED
//  4. any child RUNNING               → RUNNING
//  5. any child WAITING               → WAITING
//  6. any child FAILURE               → FAILURE
//  7. any child BLOCKED               → BLOCKED
//  8. fallback                        → WAITING
//
// The result depends only on the multiset of inputs, never on their
// ordering.
func Aggregate(children []model.Status) model.Status {
	if len(children) == 0 {
		return model.StatusWaiting
	}

	var skipped, success, cancelled, running, waiting, failure, blocked int
	for _, c := range children {
		switch c {
		case model.StatusSkipped:
			skipped++
		case model.StatusSuccess:
			success++
		case model.StatusCancelled:
			cancelled++
		case model.StatusRunning:
			running++
		case model.StatusWaiting:
			waiting++
		case model.StatusFailure:
			failure++
		case model.StatusBlocked:
			blocked++
		}
	}

	total := len(children)
	switch {
	case skipped == total:
		return model.StatusSkipped
	case success+skipped == total:
		return model.StatusSuccess
	case cancelled > 0:
		return model.StatusCancelled
	case running > 0:
		return model.StatusRunning
	case waiting > 0:
		return model.StatusWaiting
	case failure > 0:
		return model.StatusFailure
	case blocked > 0:
		return model.StatusBlocked
	default:
		return model.StatusWaiting
	}
}

// JobStatusFromAttempt folds a job's current task attempt into a job
// status. A terminal attempt derives its status from the attempt's
// Step statuses via Aggregate (steps are normalized at every terminal
// task transition, so the fold and the task status agree); a live
// attempt maps directly.
func JobStatusFromAttempt(task *model.Task, steps []*model.Step) model.Status {
	if task == nil {
		return model.StatusWaiting
	}
	if !task.Status.IsTerminal() {
		if task.Status == model.StatusRunning {
			return model.StatusRunning
		}
		return model.StatusWaiting
	}

	if len(steps) == 0 {
		return task.Status
	}
	statuses := make([]model.Status, len(steps))
	for i, st := range steps {
		statuses[i] = st.Status
	}
	if agg := Aggregate(statuses); agg.IsTerminal() {
		return agg
	}
	return task.Status
}
