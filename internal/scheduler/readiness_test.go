package scheduler

import (
	"testing"

	"github.com/me/forgeci/pkg/model"
)

func TestEvaluateJobNoNeeds(t *testing.T) {
	j := &model.Job{Key: "a"}
	if got := EvaluateJob(j, nil); got != Ready {
		t.Errorf("dependency-free job = %v, want Ready", got)
	}
}

func TestEvaluateJob(t *testing.T) {
	tests := []struct {
		name   string
		needs  []string
		status map[string]model.Status
		want   Readiness
	}{
		{
			"all success",
			[]string{"a", "b"},
			map[string]model.Status{"a": model.StatusSuccess, "b": model.StatusSuccess},
			Ready,
		},
		{
			"skipped counts as satisfied",
			[]string{"a", "b"},
			map[string]model.Status{"a": model.StatusSuccess, "b": model.StatusSkipped},
			Ready,
		},
		{
			"one still running",
			[]string{"a", "b"},
			map[string]model.Status{"a": model.StatusSuccess, "b": model.StatusRunning},
			NotReady,
		},
		{
			"one still blocked",
			[]string{"a"},
			map[string]model.Status{"a": model.StatusBlocked},
			NotReady,
		},
		{
			"failed dependency dooms",
			[]string{"a", "b"},
			map[string]model.Status{"a": model.StatusSuccess, "b": model.StatusFailure},
			Doomed,
		},
		{
			"cancelled dependency dooms",
			[]string{"a"},
			map[string]model.Status{"a": model.StatusCancelled},
			Doomed,
		},
		{
			// Doom must win even while another dependency is in flight.
			"doom beats pending",
			[]string{"a", "b"},
			map[string]model.Status{"a": model.StatusRunning, "b": model.StatusFailure},
			Doomed,
		},
	}
	for _, tt := range tests {
		j := &model.Job{Key: "x", Needs: tt.needs}
		if got := EvaluateJob(j, tt.status); got != tt.want {
			t.Errorf("%s: EvaluateJob = %v, want %v", tt.name, got, tt.want)
		}
	}
}
