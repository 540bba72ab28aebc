// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ameliahq/orchestrator/internal/config"
	"github.com/ameliahq/orchestrator/internal/log"
	"github.com/ameliahq/orchestrator/internal/orchestrator"
	"github.com/ameliahq/orchestrator/internal/orchestrator/approval"
	"github.com/ameliahq/orchestrator/internal/orchestrator/bus"
	"github.com/ameliahq/orchestrator/internal/orchestrator/health"
	"github.com/ameliahq/orchestrator/internal/orchestrator/lifecycle"
	"github.com/ameliahq/orchestrator/internal/orchestrator/retention"
	"github.com/ameliahq/orchestrator/internal/orchestrator/store/sqlite"
	"github.com/ameliahq/orchestrator/internal/orchestrator/telemetry"
	"github.com/ameliahq/orchestrator/internal/stagerunner"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		metricsAddr = flag.String("metrics-addr", ":9090", "Address to serve /metrics on")
		demo        = flag.Bool("demo", false, "Start a single demo workflow using the reference stage runner")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ameliad %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", log.Error(err))
		os.Exit(1)
	}

	st, err := sqlite.New(sqlite.Config{Path: cfg.StorePath(), WAL: true})
	if err != nil {
		logger.Error("failed to open event store", log.Error(err))
		os.Exit(1)
	}
	defer st.Close()

	eventBus := bus.New(logger)
	approvals := approval.New()

	orc := orchestrator.New(orchestrator.Config{
		Store:         st,
		Bus:           eventBus,
		Approvals:     approvals,
		Logger:        logger,
		MaxConcurrent: cfg.MaxConcurrent,
	})

	provider, err := telemetry.NewProvider("amelia-orchestrator", version, orc)
	if err != nil {
		logger.Error("failed to start telemetry", log.Error(err))
		os.Exit(1)
	}
	defer provider.Shutdown(context.Background())
	orc.SetTelemetry(provider.Collector)
	orc.SetTracer(provider.Tracer("github.com/ameliahq/orchestrator/internal/orchestrator"))

	checker := health.New(orc, cfg.HealthCheckInterval, provider.Collector, logger)
	retainer := retention.New(st, cfg.RetentionDays, provider.Collector, logger)
	lc := lifecycle.New(orc, checker, retainer, cfg.ShutdownTimeout, logger)

	metricsServer := &http.Server{Addr: *metricsAddr, Handler: provider.MetricsHandler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", log.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := lc.Startup(ctx); err != nil {
		logger.Error("startup failed", log.Error(err))
		os.Exit(1)
	}

	if *demo {
		runDemoWorkflow(ctx, orc, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\nreceived signal %v, shutting down...\n", sig)

	lc.Shutdown(context.Background())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}

func runDemoWorkflow(ctx context.Context, orc *orchestrator.Orchestrator, logger *slog.Logger) {
	worktree, err := os.MkdirTemp("", "amelia-demo-*")
	if err != nil {
		logger.Error("demo: failed to create worktree", log.Error(err))
		return
	}
	if err := os.Mkdir(worktree+"/.git", 0o755); err != nil {
		logger.Error("demo: failed to seed .git directory", log.Error(err))
		return
	}

	runner := stagerunner.New(stagerunner.Config{})
	workflowID, err := orc.StartWorkflow(ctx, "demo-issue", worktree, "demo", "default", runner)
	if err != nil {
		logger.Error("demo: failed to start workflow", log.Error(err))
		return
	}
	logger.Info("demo workflow started", "workflow_id", workflowID, "worktree_path", worktree)
}
