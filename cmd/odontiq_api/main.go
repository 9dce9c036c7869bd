// Command odontiq_api serves the analysis ingress: it admits submissions,
// persists task records, and enqueues taskIds for the worker fleet.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odontiq/odontiq/admission"
	"github.com/odontiq/odontiq/config"
	"github.com/odontiq/odontiq/dbopen"
	"github.com/odontiq/odontiq/ingress"
	"github.com/odontiq/odontiq/observability"
	"github.com/odontiq/odontiq/taskqueue"
	"github.com/odontiq/odontiq/taskstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "odontiq_api:", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "odontiq.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.API.LogLevel),
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
	}

	server := ingress.New(store, queue, admission.New(cfg.ImageDownload.AllowedExtensions), ingress.Options{
		UploadDir:      cfg.API.UploadDir,
		MaxUploadBytes: cfg.MaxImageBytes(),
		Events:         events,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(cfg.API.RequestTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api: listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("api: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
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
