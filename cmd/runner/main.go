package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/me/forgeci/internal/config"
	"github.com/me/forgeci/internal/logging"
	"github.com/me/forgeci/internal/runner"
)

func main() {
	configFile := flag.String("config", "", "Path to runner config YAML file")

	// Flags override the config file.
	server := flag.String("server", "", "forgeci server URL")
	name := flag.String("name", "", "Runner name (default: hostname)")
	labels := flag.String("labels", "", "Comma-separated capability labels")
	repoID := flag.String("repo", "", "Repository scope (optional)")
	ownerID := flag.String("owner", "", "Owner scope (optional)")
	capacity := flag.Int("capacity", 0, "Concurrent task slots")
	ephemeral := flag.Bool("ephemeral", false, "Exit after completing one task")
	workDir := flag.String("workdir", "", "Local working directory (default: $TMPDIR/forgeci-runner)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	cfg, err := config.LoadRunnerConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *server != "" {
		cfg.ServerURL = *server
	}
	if *name != "" {
		cfg.Name = *name
	}
	if *labels != "" {
		cfg.Labels = nil
		for _, l := range strings.Split(*labels, ",") {
			if l = strings.TrimSpace(l); l != "" {
				cfg.Labels = append(cfg.Labels, l)
			}
		}
	}
	if *repoID != "" {
		cfg.RepoID = *repoID
	}
	if *ownerID != "" {
		cfg.OwnerID = *ownerID
	}
	if *capacity > 0 {
		cfg.Capacity = *capacity
	}
	if *ephemeral {
		cfg.Ephemeral = true
	}
	if *workDir != "" {
		cfg.WorkDir = *workDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	if cfg.RepoID != "" && cfg.OwnerID != "" {
		fmt.Fprintln(os.Stderr, "a runner is repo-scoped, owner-scoped, or global; not both")
		os.Exit(1)
	}

	// Default runner name to hostname.
	if cfg.Name == "" {
		h, err := os.Hostname()
		if err != nil {
			cfg.Name = "runner"
		} else {
			cfg.Name = h
		}
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting runner",
		"server", cfg.ServerURL,
		"name", cfg.Name,
		"labels", cfg.Labels,
		"ephemeral", cfg.Ephemeral,
	)

	r := runner.New(cfg, logger)
	if err := r.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "runner error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("runner stopped")
}
