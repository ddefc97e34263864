package scheduler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/me/forgeci/pkg/model"
)

func TestAggregatePrecedence(t *testing.T) {
	tests := []struct {
		name     string
		children []model.Status
		want     model.Status
	}{
		{"empty", nil, model.StatusWaiting},
		{"all skipped", []model.Status{model.StatusSkipped, model.StatusSkipped}, model.StatusSkipped},
		{"all success", []model.Status{model.StatusSuccess, model.StatusSuccess}, model.StatusSuccess},
		{"success plus skipped", []model.Status{model.StatusSuccess, model.StatusSkipped}, model.StatusSuccess},
		{"cancelled beats running", []model.Status{model.StatusCancelled, model.StatusRunning}, model.StatusCancelled},
		{"cancelled beats failure", []model.Status{model.StatusCancelled, model.StatusFailure}, model.StatusCancelled},
		{"running beats waiting", []model.Status{model.StatusRunning, model.StatusWaiting}, model.StatusRunning},
		{"running beats failure", []model.Status{model.StatusRunning, model.StatusFailure}, model.StatusRunning},
		{"waiting beats failure", []model.Status{model.StatusWaiting, model.StatusFailure}, model.StatusWaiting},
		{"failure beats blocked", []model.Status{model.StatusFailure, model.StatusBlocked}, model.StatusFailure},
		{"failure with successes", []model.Status{model.StatusSuccess, model.StatusFailure}, model.StatusFailure},
		{"all blocked", []model.Status{model.StatusBlocked, model.StatusBlocked}, model.StatusBlocked},
		{"blocked with success", []model.Status{model.StatusSuccess, model.StatusBlocked}, model.StatusBlocked},
		{"single failure", []model.Status{model.StatusFailure}, model.StatusFailure},
	}
	for _, tt := range tests {
		if got := Aggregate(tt.children); got != tt.want {
			t.Errorf("%s: Aggregate(%v) = %s, want %s", tt.name, tt.children, got, tt.want)
		}
	}
}

func TestAggregateOrderIndependent(t *testing.T) {
	children := []model.Status{
		model.StatusSuccess, model.StatusFailure, model.StatusRunning,
		model.StatusSkipped, model.StatusWaiting, model.StatusCancelled,
	}
	want := Aggregate(children)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < 50; i++ {
		rng.Shuffle(len(children), func(a, b int) {
			children[a], children[b] = children[b], children[a]
		})
		if got := Aggregate(children); got != want {
			t.Fatalf("aggregate changed with input order: got %s, want %s (%v)", got, want, children)
		}
	}
}

func TestJobStatusFromAttempt(t *testing.T) {
	step := func(s model.Status) *model.Step {
		return &model.Step{Status: s}
	}

	if got := JobStatusFromAttempt(nil, nil); got != model.StatusWaiting {
		t.Errorf("nil task = %s, want WAITING", got)
	}

	running := &model.Task{Status: model.StatusRunning}
	if got := JobStatusFromAttempt(running, nil); got != model.StatusRunning {
		t.Errorf("running task = %s, want RUNNING", got)
	}

	waiting := &model.Task{Status: model.StatusWaiting}
	if got := JobStatusFromAttempt(waiting, nil); got != model.StatusWaiting {
		t.Errorf("waiting task = %s, want WAITING", got)
	}

	// Terminal task with normalized steps: the step fold decides.
	failed := &model.Task{Status: model.StatusFailure}
	steps := []*model.Step{step(model.StatusSuccess), step(model.StatusFailure), step(model.StatusSkipped)}
	if got := JobStatusFromAttempt(failed, steps); got != model.StatusFailure {
		t.Errorf("failed attempt = %s, want FAILURE", got)
	}

	succeeded := &model.Task{Status: model.StatusSuccess}
	steps = []*model.Step{step(model.StatusSuccess), step(model.StatusSkipped)}
	if got := JobStatusFromAttempt(succeeded, steps); got != model.StatusSuccess {
		t.Errorf("succeeded attempt = %s, want SUCCESS", got)
	}

	// Terminal task with no steps falls back to the task status.
	if got := JobStatusFromAttempt(failed, nil); got != model.StatusFailure {
		t.Errorf("stepless attempt = %s, want FAILURE", got)
	}
}
