// Package runner implements the forgeci runner agent: it registers
// with the server, keeps a heartbeat alive, leases tasks, executes
// their steps as shell commands, and reports progress under the lease
// token.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/me/forgeci/internal/config"
	"github.com/me/forgeci/pkg/model"
)

// Runner is the agent work loop.
type Runner struct {
	client  *Client
	cfg     config.RunnerConfig
	workDir string
	logger  *slog.Logger
}

// New creates a Runner from configuration.
func New(cfg config.RunnerConfig, logger *slog.Logger) *Runner {
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "forgeci-runner")
	}
	return &Runner{
		client:  NewClient(cfg.ServerURL),
		cfg:     cfg,
		workDir: workDir,
		logger:  logger.With("component", "runner"),
	}
}

// Run starts the agent: register, heartbeat in the background, then
// lease and execute tasks until the context is cancelled. An ephemeral
// runner exits after its first task.
func (r *Runner) Run(ctx context.Context) error {
	if err := os.MkdirAll(r.workDir, 0o755); err != nil {
		return fmt.Errorf("create workdir %s: %w", r.workDir, err)
	}

	runner, err := r.client.Register(ctx, RegisterRequest{
		Name:      r.cfg.Name,
		RepoID:    r.cfg.RepoID,
		OwnerID:   r.cfg.OwnerID,
		Labels:    r.cfg.Labels,
		Capacity:  r.cfg.Capacity,
		Ephemeral: r.cfg.Ephemeral,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	r.logger.Info("registered with server",
		"runner_id", runner.ID,
		"name", runner.Name,
		"scope", runner.Scope(),
		"labels", runner.Labels,
		"ephemeral", runner.Ephemeral,
	)

	// Heartbeat runs separately so it continues during long steps.
	go r.heartbeatLoop(ctx)

	return r.leaseLoop(ctx)
}

// heartbeatLoop sends heartbeats until the context is cancelled.
func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.client.Heartbeat(ctx); err != nil {
				r.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// leaseLoop polls for tasks and executes them until the context is
// cancelled. The server long-polls, so the ticker only paces retries
// after empty or failed responses.
func (r *Runner) leaseLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("shutting down, deregistering")
			deregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := r.client.Deregister(deregCtx)
			cancel()
			if err != nil {
				r.logger.Error("deregister failed", "error", err)
			}
			return nil
		default:
		}

		task, leaseToken, err := r.client.Lease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Error("lease error", "error", err)
			sleep(ctx, r.cfg.PollInterval)
			continue
		}
		if task == nil {
			sleep(ctx, r.cfg.PollInterval)
			continue
		}

		r.logger.Info("task leased", "task_id", task.ID, "attempt", task.Attempt, "steps", len(task.Steps))
		r.executeTask(ctx, task, leaseToken)

		if r.cfg.Ephemeral {
			r.logger.Info("ephemeral runner done, exiting")
			return nil
		}
	}
}

// executeTask runs each step as a shell command and reports progress.
// A failed step short-circuits the rest; a 409 from any report means
// the lease was revoked and the work is abandoned.
func (r *Runner) executeTask(ctx context.Context, task *model.Task, leaseToken string) {
	taskDir := filepath.Join(r.workDir, task.ID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		r.logger.Error("create task dir", "task_id", task.ID, "error", err)
		r.client.CompleteTask(ctx, task.ID, leaseToken, model.StatusFailure)
		return
	}
	defer os.RemoveAll(taskDir)

	final := model.StatusSuccess
	for _, step := range task.Steps {
		if err := r.client.ReportStep(ctx, task.ID, leaseToken, step.Index, model.StatusRunning, ""); err != nil {
			if errors.Is(err, ErrLeaseRevoked) {
				r.logger.Warn("lease revoked, abandoning task", "task_id", task.ID)
				return
			}
			r.logger.Error("report step start", "task_id", task.ID, "index", step.Index, "error", err)
		}

		output, runErr := r.runStep(ctx, taskDir, step.Name)

		status := model.StatusSuccess
		if runErr != nil {
			status = model.StatusFailure
			output += "\n" + runErr.Error()
		}
		if err := r.client.ReportStep(ctx, task.ID, leaseToken, step.Index, status, output); err != nil {
			if errors.Is(err, ErrLeaseRevoked) {
				r.logger.Warn("lease revoked, abandoning task", "task_id", task.ID)
				return
			}
			r.logger.Error("report step result", "task_id", task.ID, "index", step.Index, "error", err)
		}

		if runErr != nil {
			r.logger.Error("step failed", "task_id", task.ID, "index", step.Index, "step", step.Name, "error", runErr)
			final = model.StatusFailure
			break
		}
		r.logger.Debug("step finished", "task_id", task.ID, "index", step.Index, "step", step.Name)
	}

	if err := r.client.CompleteTask(ctx, task.ID, leaseToken, final); err != nil {
		if errors.Is(err, ErrLeaseRevoked) {
			r.logger.Warn("lease revoked at completion", "task_id", task.ID)
			return
		}
		r.logger.Error("report completion", "task_id", task.ID, "error", err)
		return
	}
	r.logger.Info("task finished", "task_id", task.ID, "status", final)
}

// runStep executes one step command via the shell, capturing combined
// output.
func (r *Runner) runStep(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
