// Package main provides the one-shot showtime ingester.
//
// It reads one collector batch from a JSON file and either runs a reconciliation
// cycle against PostgreSQL (or an in-memory catalog with -dry-run) or publishes the
// batch to Kafka with -publish. The run record is printed as JSON on stdout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata" // catalog time zone without a system zoneinfo

	"github.com/vosemovies/showtime-reconciler/internal/config"
	"github.com/vosemovies/showtime-reconciler/internal/ingestion"
	"github.com/vosemovies/showtime-reconciler/internal/reconcile"
	"github.com/vosemovies/showtime-reconciler/internal/source"
	"github.com/vosemovies/showtime-reconciler/internal/storage"
	"github.com/vosemovies/showtime-reconciler/internal/venues"
)

const (
	version = "1.0.0-dev"
	name    = "ingester"
)

var errMissingBatchFile = errors.New("a batch file is required")

type options struct {
	file        string
	collector   string
	dryRun      bool
	publish     bool
	showCatalog bool
}

// report is what the ingester prints.
type report struct {
	Run     *reconcile.RunRecord      `json:"run,omitempty"`
	Catalog []storage.CatalogShowtime `json:"catalog,omitempty"`
}

func main() {
	var opts options

	flag.StringVar(&opts.file, "file", "", "path of the batch file (JSON envelope or array of records)")
	flag.StringVar(&opts.collector, "collector", "", "collector name when the file does not carry one")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "reconcile into an in-memory catalog instead of PostgreSQL")
	flag.BoolVar(&opts.publish, "publish", false, "publish the batch to Kafka instead of reconciling it")
	flag.BoolVar(&opts.showCatalog, "show-catalog", false, "print the upcoming catalog after the cycle")
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		_, _ = fmt.Fprintf(os.Stdout, "%s v%s\n", name, version)

		return
	}

	if opts.file == "" && flag.NArg() > 0 {
		opts.file = flag.Arg(0)
	}

	logger := config.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := execute(ctx, opts, os.Stdout, logger)
	if err != nil {
		logger.Error("Ingestion failed", slog.String("error", err.Error()))
	}

	if exitCode(run, err) != 0 {
		stop()
		os.Exit(1) //nolint:gocritic // stop already called
	}
}

// execute runs one ingestion according to opts and writes the report to out.
func execute(ctx context.Context, opts options, out io.Writer, logger *slog.Logger) (*reconcile.RunRecord, error) {
	if opts.file == "" {
		return nil, errMissingBatchFile
	}

	batch, err := source.ReadBatchFile(opts.file, opts.collector)
	if err != nil {
		return nil, err
	}

	if opts.publish {
		return nil, publish(ctx, batch, logger)
	}

	cfg := reconcile.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	engineOpts := append(cfg.Options(),
		reconcile.WithLogger(logger),
		reconcile.WithVenues(venues.LoadFromEnv(logger)),
	)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", reconcile.ErrInvalidTimezone, err)
	}

	c := cycle{
		batch:       batch,
		engineOpts:  engineOpts,
		timeout:     cfg.CycleTimeout,
		today:       time.Now().In(loc).Format(time.DateOnly),
		showCatalog: opts.showCatalog,
		out:         out,
		logger:      logger,
	}

	if opts.dryRun {
		catalog := storage.NewMemoryCatalog()

		return c.run(ctx, catalog, catalog, catalog)
	}

	storageConfig := storage.LoadConfig()
	if err := storageConfig.Validate(); err != nil {
		return nil, err
	}

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = conn.Close()
	}()

	logger.Info("Connected to catalog database", slog.String("database_url", storageConfig.MaskDatabaseURL()))

	catalog, err := storage.NewCatalogStore(conn)
	if err != nil {
		return nil, err
	}

	ledger, err := storage.NewRunLedgerStore(conn)
	if err != nil {
		return nil, err
	}

	return c.run(ctx, catalog, ledger, catalog)
}

type (
	catalogReader interface {
		ListCatalog(ctx context.Context, filter storage.CatalogFilter) ([]storage.CatalogShowtime, error)
	}

	cycle struct {
		batch       ingestion.Batch
		engineOpts  []reconcile.Option
		timeout     time.Duration
		today       string
		showCatalog bool
		out         io.Writer
		logger      *slog.Logger
	}
)

func (c cycle) run(
	ctx context.Context,
	store reconcile.Store,
	ledger reconcile.Ledger,
	reader catalogReader,
) (*reconcile.RunRecord, error) {
	engine, err := reconcile.NewEngine(store, ledger, c.engineOpts...)
	if err != nil {
		return nil, err
	}

	cycleCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	run, runErr := engine.RunCycle(cycleCtx, c.batch)

	result := report{Run: run}

	if c.showCatalog && runErr == nil {
		rows, err := reader.ListCatalog(ctx, storage.CatalogFilter{Today: c.today})
		if err != nil {
			c.logger.Warn("Failed to read catalog", slog.String("error", err.Error()))
		}

		result.Catalog = rows
	}

	return run, errors.Join(runErr, writeReport(c.out, result))
}

func publish(ctx context.Context, batch ingestion.Batch, logger *slog.Logger) error {
	publisher, err := source.NewPublisher(source.LoadKafkaConfig())
	if err != nil {
		return err
	}

	defer func() {
		_ = publisher.Close()
	}()

	if err := publisher.Publish(ctx, batch); err != nil {
		return err
	}

	logger.Info("Published batch",
		slog.String("collector", batch.Collector),
		slog.Int("records", len(batch.Records)),
	)

	return nil
}

func writeReport(out io.Writer, result report) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(result); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	return nil
}

// exitCode is non-zero when the ingestion could not run, the cycle failed or timed
// out, or its run record could not be written. Partial cycles exit zero.
func exitCode(run *reconcile.RunRecord, err error) int {
	if err != nil {
		return 1
	}

	if run != nil && (run.Status == reconcile.RunStatusFailed || run.Status == reconcile.RunStatusTimeout) {
		return 1
	}

	return 0
}
