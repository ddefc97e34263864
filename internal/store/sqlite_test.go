package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/me/forgeci/internal/logging"
	"github.com/me/forgeci/pkg/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(":memory:", logging.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func seedRun(t *testing.T, st *SQLiteStore, id string, jobs ...*model.Job) *model.Run {
	t.Helper()
	run := &model.Run{
		ID:         id,
		RepoID:     "repo_1",
		OwnerID:    "owner_1",
		WorkflowID: "build.yaml",
		Event:      "push",
		Ref:        "refs/heads/main",
		CommitSHA:  "abc123",
		Status:     model.StatusWaiting,
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.CreateRun(context.Background(), run, jobs); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func seedJob(runID, id, key string, labels []string) *model.Job {
	return &model.Job{
		ID:        id,
		RunID:     runID,
		Key:       key,
		Name:      key,
		Labels:    labels,
		Steps:     []string{"echo build", "echo test"},
		Status:    model.StatusWaiting,
		CreatedAt: time.Now().UTC(),
	}
}

func seedTask(t *testing.T, st *SQLiteStore, id, jobID string, createdAt time.Time) *model.Task {
	t.Helper()
	task := &model.Task{
		ID:        id,
		JobID:     jobID,
		Attempt:   1,
		Status:    model.StatusWaiting,
		CreatedAt: createdAt,
	}
	steps := []*model.Step{
		{ID: id + "_s0", TaskID: id, Index: 0, Name: "echo build", Status: model.StatusWaiting},
		{ID: id + "_s1", TaskID: id, Index: 1, Name: "echo test", Status: model.StatusWaiting},
	}
	if err := st.CreateTask(context.Background(), task, steps); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func seedRunner(t *testing.T, st *SQLiteStore, id string, labels []string) *model.Runner {
	t.Helper()
	now := time.Now().UTC()
	r := &model.Runner{
		ID:            id,
		Name:          id,
		Labels:        labels,
		Capacity:      1,
		State:         model.RunnerStateOnline,
		TokenDigest:   "digest-" + id,
		LastHeartbeat: &now,
		RegisteredAt:  now,
	}
	if err := st.CreateRunner(context.Background(), r); err != nil {
		t.Fatalf("create runner: %v", err)
	}
	return r
}

func TestCreateAndGetRun(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := seedJob("run_1", "job_1", "build", []string{"linux"})
	job.Needs = []string{"lint"}
	seedRun(t, st, "run_1", job)

	run, err := st.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run == nil {
		t.Fatal("run not found")
	}
	if run.WorkflowID != "build.yaml" || run.Status != model.StatusWaiting {
		t.Errorf("unexpected run: %+v", run)
	}

	jobs, err := st.ListJobsByRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	if jobs[0].Needs[0] != "lint" || jobs[0].Labels[0] != "linux" {
		t.Errorf("JSON columns did not round-trip: %+v", jobs[0])
	}
}

func TestGetRunMissing(t *testing.T) {
	st := newTestStore(t)
	run, err := st.GetRun(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run != nil {
		t.Errorf("expected nil for missing run, got %+v", run)
	}
}

func TestListRunsFilterAndPaginate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seedRun(t, st, fmt.Sprintf("run_%d", i))
	}
	if ok, err := st.SwapRunStatus(ctx, "run_0", model.StatusWaiting, model.StatusRunning, nil, nil); err != nil || !ok {
		t.Fatalf("swap: ok=%v err=%v", ok, err)
	}

	runs, total, err := st.ListRuns(ctx, model.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(runs) != 2 {
		t.Errorf("got total=%d len=%d, want 5 and 2", total, len(runs))
	}

	runs, total, err = st.ListRuns(ctx, model.ListOptions{Limit: 10, Status: string(model.StatusRunning)})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if total != 1 || len(runs) != 1 || runs[0].ID != "run_0" {
		t.Errorf("status filter failed: total=%d runs=%+v", total, runs)
	}
}

func TestSwapRunStatusGuard(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedRun(t, st, "run_1")

	now := time.Now().UTC()
	ok, err := st.SwapRunStatus(ctx, "run_1", model.StatusWaiting, model.StatusRunning, &now, nil)
	if err != nil || !ok {
		t.Fatalf("first swap: ok=%v err=%v", ok, err)
	}

	// Stale guard: the run is no longer WAITING.
	ok, err = st.SwapRunStatus(ctx, "run_1", model.StatusWaiting, model.StatusCancelled, nil, &now)
	if err != nil {
		t.Fatalf("second swap: %v", err)
	}
	if ok {
		t.Error("swap with stale guard should not apply")
	}

	run, _ := st.GetRun(ctx, "run_1")
	if run.Status != model.StatusRunning {
		t.Errorf("run status = %s, want RUNNING", run.Status)
	}
	if run.Started == nil {
		t.Error("started timestamp should be set")
	}
}

func TestSwapStatusRestartClearsStopped(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedRun(t, st, "run_1", seedJob("run_1", "job_1", "a", nil))

	now := time.Now().UTC()
	if ok, err := st.SwapRunStatus(ctx, "run_1", model.StatusWaiting, model.StatusSuccess, &now, &now); err != nil || !ok {
		t.Fatalf("finish run: ok=%v err=%v", ok, err)
	}
	if ok, err := st.SwapJobStatus(ctx, "job_1", model.StatusWaiting, model.StatusSuccess, &now, &now); err != nil || !ok {
		t.Fatalf("finish job: ok=%v err=%v", ok, err)
	}

	// Leaving the terminal state (rerun) drops the stop time but keeps
	// the original start.
	if ok, err := st.SwapRunStatus(ctx, "run_1", model.StatusSuccess, model.StatusWaiting, nil, nil); err != nil || !ok {
		t.Fatalf("restart run: ok=%v err=%v", ok, err)
	}
	run, _ := st.GetRun(ctx, "run_1")
	if run.Stopped != nil {
		t.Errorf("run stopped = %v after restart, want nil", run.Stopped)
	}
	if run.Started == nil {
		t.Error("run started should survive a restart")
	}

	if ok, err := st.SwapJobStatus(ctx, "job_1", model.StatusSuccess, model.StatusBlocked, nil, nil); err != nil || !ok {
		t.Fatalf("restart job: ok=%v err=%v", ok, err)
	}
	jobs, _ := st.ListJobsByRun(ctx, "run_1")
	if jobs[0].Stopped != nil {
		t.Errorf("job stopped = %v after restart, want nil", jobs[0].Stopped)
	}
}

func TestApproveRun(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run := &model.Run{
		ID: "run_1", RepoID: "repo_1", WorkflowID: "wf", Event: "push",
		Status: model.StatusBlocked, NeedApproval: true, CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateRun(ctx, run, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := st.ApproveRun(ctx, "run_1")
	if err != nil || !ok {
		t.Fatalf("approve: ok=%v err=%v", ok, err)
	}
	got, _ := st.GetRun(ctx, "run_1")
	if got.Status != model.StatusWaiting || got.NeedApproval {
		t.Errorf("after approve: %+v", got)
	}

	// Approving twice is a conflict.
	ok, err = st.ApproveRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if ok {
		t.Error("second approve should not apply")
	}
}

func TestLeaseTaskOldestFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedRun(t, st, "run_1", seedJob("run_1", "job_1", "a", nil), seedJob("run_1", "job_2", "b", nil))
	base := time.Now().UTC()
	seedTask(t, st, "task_new", "job_2", base.Add(time.Second))
	seedTask(t, st, "task_old", "job_1", base)

	runner := seedRunner(t, st, "rnr_1", []string{"linux"})
	expires := base.Add(time.Minute)

	task, err := st.LeaseTask(ctx, runner, "digest_a", expires)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if task == nil || task.ID != "task_old" {
		t.Fatalf("leased %+v, want task_old", task)
	}
	if task.Status != model.StatusRunning || task.RunnerID != "rnr_1" {
		t.Errorf("claimed task not running for runner: %+v", task)
	}
	if task.TokenDigest != "digest_a" || task.LeaseExpiresAt == nil {
		t.Errorf("lease fields missing: %+v", task)
	}
}

func TestLeaseTaskLabelSubset(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedRun(t, st, "run_1", seedJob("run_1", "job_1", "a", []string{"linux", "gpu"}))
	seedTask(t, st, "task_1", "job_1", time.Now().UTC())

	// Runner lacks the gpu label.
	plain := seedRunner(t, st, "rnr_plain", []string{"linux"})
	task, err := st.LeaseTask(ctx, plain, "d1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if task != nil {
		t.Errorf("runner without required labels should not lease, got %+v", task)
	}

	// Superset is fine.
	gpu := seedRunner(t, st, "rnr_gpu", []string{"linux", "gpu", "arm"})
	task, err = st.LeaseTask(ctx, gpu, "d2", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if task == nil {
		t.Error("superset-labelled runner should lease the task")
	}
}

func TestLeaseTaskScope(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedRun(t, st, "run_1", seedJob("run_1", "job_1", "a", nil))
	seedTask(t, st, "task_1", "job_1", time.Now().UTC())

	otherRepo := seedRunner(t, st, "rnr_other", nil)
	otherRepo.RepoID = "repo_other"
	task, err := st.LeaseTask(ctx, otherRepo, "d1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if task != nil {
		t.Errorf("repo-scoped runner of another repo should not lease, got %+v", task)
	}

	owner := seedRunner(t, st, "rnr_owner", nil)
	owner.OwnerID = "owner_1"
	task, err = st.LeaseTask(ctx, owner, "d2", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if task == nil {
		t.Error("owner-scoped runner should lease tasks of its owner's repos")
	}
}

func TestLeaseTaskDeepBacklog(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// A backlog deeper than one scan page, all requiring a label the
	// runner lacks, must not hide the younger task it can take.
	backlog := leaseScanBatch + 10
	jobs := make([]*model.Job, 0, backlog+1)
	for i := 0; i < backlog; i++ {
		jobs = append(jobs, seedJob("run_1", fmt.Sprintf("job_gpu_%03d", i), fmt.Sprintf("gpu_%03d", i), []string{"gpu"}))
	}
	jobs = append(jobs, seedJob("run_1", "job_plain", "plain", nil))
	seedRun(t, st, "run_1", jobs...)

	base := time.Now().UTC()
	for i := 0; i < backlog; i++ {
		seedTask(t, st, fmt.Sprintf("task_gpu_%03d", i), fmt.Sprintf("job_gpu_%03d", i), base.Add(time.Duration(i)*time.Millisecond))
	}
	seedTask(t, st, "task_plain", "job_plain", base.Add(time.Duration(backlog)*time.Millisecond))

	runner := seedRunner(t, st, "rnr_plain", []string{"linux"})
	task, err := st.LeaseTask(ctx, runner, "d1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if task == nil || task.ID != "task_plain" {
		t.Fatalf("leased %+v, want task_plain behind the unmatchable backlog", task)
	}
}

func TestLeaseTaskCapacity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedRun(t, st, "run_1", seedJob("run_1", "job_1", "a", nil), seedJob("run_1", "job_2", "b", nil))
	seedTask(t, st, "task_1", "job_1", time.Now().UTC())
	seedTask(t, st, "task_2", "job_2", time.Now().UTC().Add(time.Second))

	runner := seedRunner(t, st, "rnr_1", nil)

	first, err := st.LeaseTask(ctx, runner, "d1", time.Now().Add(time.Minute))
	if err != nil || first == nil {
		t.Fatalf("first lease: task=%v err=%v", first, err)
	}

	// Capacity 1: the second lease is refused while the first runs.
	second, err := st.LeaseTask(ctx, runner, "d2", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if second != nil {
		t.Errorf("lease beyond capacity should return nil, got %+v", second)
	}

	n, err := st.CountRunnerLeases(ctx, "rnr_1")
	if err != nil || n != 1 {
		t.Errorf("CountRunnerLeases = %d err=%v, want 1", n, err)
	}
}

func TestLeaseTaskSingleWinner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedRun(t, st, "run_1", seedJob("run_1", "job_1", "a", nil))
	seedTask(t, st, "task_1", "job_1", time.Now().UTC())

	const racers = 8
	runners := make([]*model.Runner, racers)
	for i := range runners {
		runners[i] = seedRunner(t, st, fmt.Sprintf("rnr_%d", i), nil)
	}

	var wg sync.WaitGroup
	wins := make(chan string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := st.LeaseTask(ctx, runners[i], fmt.Sprintf("d%d", i), time.Now().Add(time.Minute))
			if err == nil && task != nil {
				wins <- runners[i].ID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("got %d winners (%v), want exactly 1", len(winners), winners)
	}

	task, _ := st.GetTask(ctx, "task_1")
	if task.RunnerID != winners[0] {
		t.Errorf("task held by %s, winner was %s", task.RunnerID, winners[0])
	}
}

func TestSwapTaskStatusClearsLease(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedRun(t, st, "run_1", seedJob("run_1", "job_1", "a", nil))
	seedTask(t, st, "task_1", "job_1", time.Now().UTC())
	runner := seedRunner(t, st, "rnr_1", nil)

	leased, err := st.LeaseTask(ctx, runner, "digest", time.Now().Add(time.Minute))
	if err != nil || leased == nil {
		t.Fatalf("lease: task=%v err=%v", leased, err)
	}

	now := time.Now().UTC()
	ok, err := st.SwapTaskStatus(ctx, "task_1", model.StatusRunning, model.StatusSuccess, "", &now)
	if err != nil || !ok {
		t.Fatalf("swap: ok=%v err=%v", ok, err)
	}

	task, _ := st.GetTask(ctx, "task_1")
	if task.TokenDigest != "" {
		t.Error("terminal transition should clear token digest")
	}
	if task.LeaseExpiresAt != nil {
		t.Error("terminal transition should clear lease expiry")
	}
	if task.Stopped == nil {
		t.Error("stopped timestamp should be set")
	}
}

func TestListExpiredLeases(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedRun(t, st, "run_1", seedJob("run_1", "job_1", "a", nil), seedJob("run_1", "job_2", "b", nil))
	seedTask(t, st, "task_live", "job_1", time.Now().UTC())
	seedTask(t, st, "task_dead", "job_2", time.Now().UTC())

	r1 := seedRunner(t, st, "rnr_1", nil)
	r2 := seedRunner(t, st, "rnr_2", nil)

	if task, err := st.LeaseTask(ctx, r1, "d1", time.Now().Add(time.Hour)); err != nil || task == nil {
		t.Fatalf("lease live: %v %v", task, err)
	}
	if task, err := st.LeaseTask(ctx, r2, "d2", time.Now().Add(-time.Minute)); err != nil || task == nil {
		t.Fatalf("lease dead: %v %v", task, err)
	}

	expired, err := st.ListExpiredLeases(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "task_dead" {
		t.Errorf("expired = %+v, want just task_dead", expired)
	}
}

func TestExtendLease(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedRun(t, st, "run_1", seedJob("run_1", "job_1", "a", nil))
	seedTask(t, st, "task_1", "job_1", time.Now().UTC())
	runner := seedRunner(t, st, "rnr_1", nil)

	if task, err := st.LeaseTask(ctx, runner, "d1", time.Now().Add(-time.Minute)); err != nil || task == nil {
		t.Fatalf("lease: %v %v", task, err)
	}

	future := time.Now().UTC().Add(time.Hour)
	if err := st.ExtendLease(ctx, "task_1", future); err != nil {
		t.Fatalf("extend: %v", err)
	}

	expired, err := st.ListExpiredLeases(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("extended lease should not be expired: %+v", expired)
	}
}

func TestUpdateStepAndOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedRun(t, st, "run_1", seedJob("run_1", "job_1", "a", nil))
	seedTask(t, st, "task_1", "job_1", time.Now().UTC())

	steps, err := st.ListStepsByTask(ctx, "task_1")
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 2 || steps[0].Index != 0 || steps[1].Index != 1 {
		t.Fatalf("steps out of order: %+v", steps)
	}

	now := time.Now().UTC()
	steps[0].Status = model.StatusSuccess
	steps[0].LogLength = 42
	steps[0].LogExcerpt = "hello"
	steps[0].Started = &now
	steps[0].Stopped = &now
	if err := st.UpdateStep(ctx, steps[0]); err != nil {
		t.Fatalf("update step: %v", err)
	}

	steps, _ = st.ListStepsByTask(ctx, "task_1")
	if steps[0].Status != model.StatusSuccess || steps[0].LogLength != 42 || steps[0].LogExcerpt != "hello" {
		t.Errorf("step update lost: %+v", steps[0])
	}
}

func TestRunnerLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedRunner(t, st, "rnr_1", []string{"linux"})

	got, err := st.GetRunner(ctx, "rnr_1")
	if err != nil || got == nil {
		t.Fatalf("get runner: %v %v", got, err)
	}
	if got.State != model.RunnerStateOnline || got.Labels[0] != "linux" {
		t.Errorf("unexpected runner: %+v", got)
	}

	got.State = model.RunnerStateDeleted
	if err := st.UpdateRunner(ctx, got); err != nil {
		t.Fatalf("update runner: %v", err)
	}

	runners, err := st.ListRunners(ctx)
	if err != nil {
		t.Fatalf("list runners: %v", err)
	}
	if len(runners) != 0 {
		t.Errorf("deleted runner should not be listed: %+v", runners)
	}
}
