package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"triage_server/config"
	"triage_server/internal/bootstrap"
	"triage_server/pkg/logger"

	"github.com/joho/godotenv"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for running jobs on shutdown
)

func main() {
	// Load .env file if exists (for local development)
	envErr := godotenv.Load()

	mode := flag.String("mode", "worker", "Run mode: worker, triage, sweep, rebuild")
	flag.Parse()

	logger.Init(logger.Config{
		Level:   logger.ParseLevel(os.Getenv("LOG_LEVEL")),
		Service: "triage",
		Console: os.Getenv("ENV") == "" || os.Getenv("ENV") == "development",
	})
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	os.Exit(run(cfg, *mode))
}

// run returns the process exit code so deferred cleanups finish first.
func run(cfg *config.Config, mode string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := bootstrap.NewDependencies(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize dependencies: %v", err)
		return 1
	}
	defer cleanup()

	switch mode {
	case "worker":
		return runWorker(ctx, deps)
	case "triage":
		report, err := deps.RunTriage(ctx)
		if err != nil {
			logger.WithField("report", report).Error("Triage batch failed: %v", err)
			return 1
		}
		logger.WithField("report", report).Info("Triage batch complete")
	case "sweep":
		report, err := deps.RunSweep(ctx)
		if err != nil {
			logger.Error("Queue sweep failed: %v", err)
			return 1
		}
		logger.WithField("report", report).Info("Queue sweep complete")
	case "rebuild":
		model, err := deps.RebuildModel(ctx)
		if err != nil {
			logger.Error("Model rebuild failed: %v", err)
			return 1
		}
		logger.Info("Model rebuilt (samples=%d, accuracy=%.2f)", model.SampleCount, model.Accuracy)
	default:
		logger.Error("Unknown mode: %s", mode)
		return 2
	}
	return 0
}

func runWorker(ctx context.Context, deps *bootstrap.Dependencies) int {
	if deps.Scheduler == nil {
		logger.Error("Scheduler disabled (SCHEDULER_ENABLED=false), nothing to run")
		return 1
	}

	logger.Info("Starting worker...")
	deps.Scheduler.Start()
	<-ctx.Done()

	logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	deps.Scheduler.Stop(stopCtx)
	logger.Info("Worker shut down")
	return 0
}
