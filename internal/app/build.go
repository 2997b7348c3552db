package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/antoniostano/deskpilot/internal/capability"
	"github.com/antoniostano/deskpilot/internal/config"
	"github.com/antoniostano/deskpilot/internal/execution"
	"github.com/antoniostano/deskpilot/internal/httpapi"
	"github.com/antoniostano/deskpilot/internal/observability"
	"github.com/antoniostano/deskpilot/internal/taskruntime"
	"github.com/antoniostano/deskpilot/internal/tasks"
	"github.com/antoniostano/deskpilot/internal/telemetry"
)

// stepWindowSamples bounds the per-action latency samples kept for
// /v1/perf/steps.
const stepWindowSamples = 256

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	TaskService *taskruntime.Service
	Registry    *capability.Registry
	Metrics     *observability.Metrics
	StoreMode   string

	// Cleanup should be called on shutdown to release external resources (DB, tracer, etc).
	Cleanup func(context.Context) error
}

// Build wires the ledger, desktop backend, executor and driver behind the
// HTTP API. Callers start TaskService.Run themselves.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	return BuildWith(ctx, cfg, observability.NewMetrics(cfg.MetricsNamespace), nil)
}

// BuildWith is Build with explicit metrics and desktop. A nil desktop is
// chosen from cfg.DesktopBackend.
func BuildWith(ctx context.Context, cfg config.Config, metrics *observability.Metrics, desktop capability.Desktop) (*BuildResult, error) {
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  cfg.ServiceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	store, mode, err := tasks.NewStore(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("task store init failed: %w", err)
	}
	log.Printf("task ledger: %s", mode)

	if desktop == nil {
		desktop = newDesktop(cfg)
	}
	registry, err := capability.NewDefaultRegistry(desktop, cfg.AuditDir)
	if err != nil {
		_ = store.Close()
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("capability registry init failed: %w", err)
	}

	steps := observability.NewStepWindow(stepWindowSamples)
	executor := execution.New(registry, execution.Options{
		AuditDir:       cfg.AuditDir,
		AuditMaxSizeMB: cfg.AuditMaxSizeMB,
		Metrics:        metrics,
		Steps:          steps,
		Tracer:         telemetry.Tracer(),
	})

	queue := tasks.NewQueue(store, cfg.TaskTimeoutSeconds)
	notifier := taskruntime.MultiNotifier{
		taskruntime.EventNotifier{Queue: queue},
		taskruntime.LogNotifier{},
	}
	taskService := taskruntime.New(taskruntime.Config{
		PollInterval: cfg.PollInterval,
		StoreMode:    mode,
	}, queue, executor, notifier, metrics)

	api := httpapi.New(cfg, taskService, registry, metrics, steps)

	cleanup := func(ctx context.Context) error {
		var errs []error
		if err := taskService.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close task service: %w", err))
		}
		if err := shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		TaskService: taskService,
		Registry:    registry,
		Metrics:     metrics,
		StoreMode:   mode,
		Cleanup:     cleanup,
	}, nil
}

func newDesktop(cfg config.Config) capability.Desktop {
	switch cfg.DesktopBackend {
	case config.DesktopBackendExec:
		log.Printf("desktop backend: exec")
		return capability.NewExecDesktop(nil, cfg.DesktopCommands)
	default:
		log.Printf("desktop backend: mock")
		return capability.NewMockDesktop()
	}
}
