// Package main provides the long-running showtime reconciler.
//
// It consumes collector batches from Kafka, runs one reconciliation cycle per batch
// against PostgreSQL, and serves probes, Prometheus metrics and the latest run record
// over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "time/tzdata" // catalog time zone without a system zoneinfo

	"github.com/vosemovies/showtime-reconciler/internal/api"
	"github.com/vosemovies/showtime-reconciler/internal/config"
	"github.com/vosemovies/showtime-reconciler/internal/ingestion"
	"github.com/vosemovies/showtime-reconciler/internal/reconcile"
	"github.com/vosemovies/showtime-reconciler/internal/source"
	"github.com/vosemovies/showtime-reconciler/internal/storage"
	"github.com/vosemovies/showtime-reconciler/internal/venues"
)

const (
	version = "1.0.0-dev"
	name    = "reconciler"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		_, _ = fmt.Fprintf(os.Stdout, "%s v%s\n", name, version)

		return
	}

	logger := config.NewLogger()

	logger.Info("Starting showtime reconciler", slog.String("service", name), slog.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx, logger)

	stop()

	if err != nil {
		logger.Error("Reconciler stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Showtime reconciler stopped")
}

func run(ctx context.Context, logger *slog.Logger) error {
	reconcileConfig := reconcile.LoadConfig()
	if err := reconcileConfig.Validate(); err != nil {
		return err
	}

	kafkaConfig := source.LoadKafkaConfig()
	if err := kafkaConfig.Validate(); err != nil {
		return err
	}

	serverConfig := api.LoadServerConfig()
	if err := serverConfig.Validate(); err != nil {
		return err
	}

	storageConfig := storage.LoadConfig()
	if err := storageConfig.Validate(); err != nil {
		return err
	}

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return err
	}

	defer func() {
		_ = conn.Close()
	}()

	logger.Info("Connected to catalog database",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	catalog, err := storage.NewCatalogStore(conn)
	if err != nil {
		return err
	}

	ledger, err := storage.NewRunLedgerStore(conn)
	if err != nil {
		return err
	}

	engine, err := reconcile.NewEngine(catalog, ledger, append(reconcileConfig.Options(),
		reconcile.WithLogger(logger),
		reconcile.WithVenues(venues.LoadFromEnv(logger)),
	)...)
	if err != nil {
		return err
	}

	consumer, err := source.NewConsumer(kafkaConfig, logger)
	if err != nil {
		return err
	}

	defer func() {
		_ = consumer.Close()
	}()

	logger.Info("Consuming collector batches",
		slog.Any("brokers", kafkaConfig.Brokers),
		slog.String("topic", kafkaConfig.Topic),
		slog.String("group_id", kafkaConfig.GroupID),
		slog.Duration("cycle_timeout", reconcileConfig.CycleTimeout),
	)

	// The first of server and consumer to stop takes the other down with it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := api.NewServer(serverConfig, version, ledger, ledger)
	serverDone := make(chan error, 1)

	go func() {
		serverDone <- server.Run(ctx)

		cancel()
	}()

	consumeErr := consumer.Run(ctx, cycleHandler(engine, reconcileConfig, logger))

	cancel()

	return errors.Join(consumeErr, <-serverDone)
}

// cycleHandler runs one cycle per batch. A cycle cut short by an unreachable database
// or by shutdown is reported as an error so the batch stays uncommitted; the consumer
// retries it and, failing that, it is delivered again after restart. Every other
// outcome, timeouts included, is final.
func cycleHandler(engine *reconcile.Engine, cfg *reconcile.Config, logger *slog.Logger) source.Handler {
	return func(ctx context.Context, batch ingestion.Batch) error {
		cycleCtx, cancel := context.WithTimeout(ctx, cfg.CycleTimeout)
		defer cancel()

		run, err := engine.RunCycle(cycleCtx, batch)
		if err == nil {
			return nil
		}

		if errors.Is(err, reconcile.ErrStorageUnavailable) || ctx.Err() != nil {
			return err
		}

		logger.Warn("Cycle ended early, batch will not be retried",
			slog.String("run_id", run.ID.String()),
			slog.String("status", string(run.Status)),
			slog.String("error", err.Error()),
		)

		return nil
	}
}
