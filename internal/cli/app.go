package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/evalsearch/internal/config"
	"github.com/ChuLiYu/evalsearch/internal/definition"
	"github.com/ChuLiYu/evalsearch/internal/metrics"
	"github.com/ChuLiYu/evalsearch/internal/runner"
	"github.com/ChuLiYu/evalsearch/internal/scheduler"
	"github.com/ChuLiYu/evalsearch/internal/server"
	"github.com/ChuLiYu/evalsearch/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 10 * time.Second

// app is a fully wired scheduler server.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	history   *store.HistoryStore
	registry  *prometheus.Registry
	scheduler *scheduler.Scheduler
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	defs, err := definition.NewDirRepository(cfg.Storage.DefinitionsDir, logger)
	if err != nil {
		return nil, err
	}
	results, err := store.NewResultStore(cfg.Storage.ResultsDir, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewCollector(a.registry)
	}

	var recorder scheduler.Recorder
	if cfg.Storage.HistoryDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.HistoryDB), 0755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
		a.history, err = store.NewHistoryStore(cfg.Storage.HistoryDB, logger)
		if err != nil {
			return nil, err
		}
		if err := a.history.Migrate(context.Background()); err != nil {
			a.history.Close()
			return nil, err
		}
		recorder = a.history
	}

	exec, err := runner.New(runner.Options{
		Evaluator:           &runner.CommandEvaluator{Timeout: cfg.Evaluator.Timeout, Logger: logger},
		Metrics:             collector,
		StrictResume:        cfg.Search.StrictResume,
		MaxConsecutiveSkips: cfg.Search.MaxConsecutiveSkips,
		Logger:              logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.scheduler, err = scheduler.New(scheduler.Config{
		MaxParallelism: cfg.Scheduler.MaxParallelism,
		PollInterval:   cfg.Scheduler.PollInterval,
		QueueBuffer:    cfg.Scheduler.QueueBuffer,
	}, scheduler.Deps{
		Definitions: defs,
		Results:     results,
		Executor:    exec,
		Metrics:     collector,
		History:     recorder,
		Logger:      logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Serve starts the scheduler and the configured listeners and blocks until
// ctx is done or a listener fails.
func (a *app) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.scheduler.Stop()

	errCh := make(chan error, 2)

	if addr := a.cfg.Server.GRPCAddr; addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		grpcServer := server.NewGRPCServer(a.scheduler, a.logger).NewServer()
		defer grpcServer.GracefulStop()
		go func() {
			a.logger.Info("gRPC server listening", "addr", lis.Addr().String())
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	if addr := a.cfg.Server.HTTPAddr; addr != "" {
		var opts []server.HTTPOption
		if a.registry != nil {
			opts = append(opts, server.WithMetrics(a.registry))
		}
		if a.history != nil {
			opts = append(opts, server.WithHistory(a.history))
		}
		httpServer := &http.Server{
			Addr:              addr,
			Handler:           server.NewHTTPServer(a.scheduler, a.logger, opts...),
			ReadHeaderTimeout: 5 * time.Second,
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}()
		go func() {
			a.logger.Info("HTTP server listening", "addr", addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	a.logger.Info("System started successfully")
	select {
	case <-ctx.Done():
		a.logger.Info("Received shutdown signal, stopping gracefully...")
		return nil
	case err := <-errCh:
		return err
	}
}

// Close releases the history database.
func (a *app) Close() error {
	if a.history != nil {
		return a.history.Close()
	}
	return nil
}
