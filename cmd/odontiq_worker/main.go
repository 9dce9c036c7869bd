// Command odontiq_worker drains the task queue: it fetches images, runs the
// inference pipelines, delivers terminal callbacks, and reaps expired records.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odontiq/odontiq/callback"
	"github.com/odontiq/odontiq/config"
	"github.com/odontiq/odontiq/dbopen"
	"github.com/odontiq/odontiq/imagefetch"
	"github.com/odontiq/odontiq/observability"
	"github.com/odontiq/odontiq/pipeline"
	"github.com/odontiq/odontiq/task"
	"github.com/odontiq/odontiq/taskqueue"
	"github.com/odontiq/odontiq/taskstore"
	"github.com/odontiq/odontiq/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "odontiq_worker:", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, workerName string
	flag.StringVar(&configPath, "config", "odontiq.yaml", "path to the YAML config file")
	flag.StringVar(&workerName, "name", defaultWorkerName(), "worker name for heartbeats")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Worker.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeDB, err := dbopen.Open(cfg.Store.URL, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer storeDB.Close()

	queueDB, err := dbopen.Open(cfg.Queue.BrokerURL, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open task queue: %w", err)
	}
	defer queueDB.Close()

	store := taskstore.New(storeDB, taskstore.Options{TTL: cfg.StoreTTL(), Logger: logger})
	if err := store.EnsureTable(ctx); err != nil {
		return fmt.Errorf("task store schema: %w", err)
	}
	queue := taskqueue.New(queueDB, taskqueue.Options{
		Visibility:   cfg.Visibility(),
		PollInterval: cfg.PollInterval(),
		Logger:       logger,
	})
	if err := queue.EnsureTable(ctx); err != nil {
		return fmt.Errorf("task queue schema: %w", err)
	}

	var events *observability.EventLogger
	var heartbeat *observability.HeartbeatWriter
	if cfg.Observability.DBPath != "" {
		obsDB, err := dbopen.Open(cfg.Observability.DBPath, dbopen.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("open observability db: %w", err)
		}
		defer obsDB.Close()
		if err := observability.Init(obsDB); err != nil {
			return fmt.Errorf("observability schema: %w", err)
		}
		events = observability.NewEventLogger(obsDB)
		heartbeat = observability.NewHeartbeatWriter(obsDB, workerName, cfg.HeartbeatInterval())
		heartbeat.Start(ctx)
		defer heartbeat.Stop()

		if cfg.Observability.RetentionDays > 0 {
			go func() {
				ticker := time.NewTicker(24 * time.Hour)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if err := observability.Cleanup(ctx, obsDB, cfg.Retention()); err != nil {
							logger.Warn("worker: observability cleanup failed", "error", err)
						}
					}
				}
			}()
		}
	}

	registry, err := pipeline.NewRegistry(
		pipeline.NewPanoramic(pipeline.Config{
			WeightsDir: cfg.WeightsDir,
			Modules:    cfg.PipelineModules("panoramic"),
			Logger:     logger,
		}),
		pipeline.NewCephalometric(pipeline.Config{
			WeightsDir: cfg.WeightsDir,
			Modules:    cfg.PipelineModules("cephalometric"),
			Logger:     logger,
		}),
		pipeline.NewDentalAge(pipeline.Config{
			WeightsDir: cfg.WeightsDir,
			Modules:    cfg.PipelineModules("dental_age"),
			Logger:     logger,
		}),
	)
	if err != nil {
		return err
	}

	fetcher := imagefetch.New(imagefetch.Options{
		MaxBytes: cfg.MaxImageBytes(),
		Timeout:  cfg.ImageTimeout(),
		Logger:   logger,
	})
	callbacks := callback.New(callback.Options{
		Timeout: cfg.CallbackTimeout(),
		Secret:  cfg.Callback.Secret,
		Logger:  logger,
	})

	// Orphaned records die here: reap on TTL and drop their image files.
	go store.RunReaper(ctx, cfg.ReapInterval(), func(rec *task.Record) {
		if rec.ImagePath != "" {
			if err := os.Remove(rec.ImagePath); err != nil && !os.IsNotExist(err) {
				logger.Warn("worker: reaped image cleanup failed", "path", rec.ImagePath, "error", err)
			}
		}
		if events != nil {
			events.LogTaskEvent(ctx, observability.TaskEvent{
				TaskID:   rec.TaskID,
				TaskType: string(rec.TaskType),
				Event:    observability.EventReaped,
			})
		}
	})

	w := worker.New(store, queue, fetcher, pipeline.NewDispatcher(registry, logger), callbacks, worker.Options{
		Concurrency: cfg.Worker.Concurrency,
		Pool:        cfg.Worker.Pool,
		StagingDir:  cfg.API.UploadDir,
		Events:      events,
		Logger:      logger,
	})
	w.Run(ctx)
	return nil
}

func defaultWorkerName() string {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("worker-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
