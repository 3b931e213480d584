package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vosemovies/showtime-reconciler/internal/config"
	"github.com/vosemovies/showtime-reconciler/internal/ingestion"
	"github.com/vosemovies/showtime-reconciler/internal/metrics"
)

// DefaultCollector names the collector of batches that do not carry one.
const DefaultCollector = "unknown"

var (
	// ErrNilStore is returned by NewEngine when no catalog store is given.
	ErrNilStore = errors.New("catalog store cannot be nil")

	// ErrNilLedger is returned by NewEngine when no run ledger is given.
	ErrNilLedger = errors.New("run ledger cannot be nil")
)

type (
	// Engine runs ingestion cycles. It keeps no mutable state between cycles, so
	// concurrent RunCycle calls (and concurrent processes) are safe.
	Engine struct {
		store         Store
		ledger        Ledger
		resolver      *Resolver
		sweeper       *Sweeper
		validator     *ingestion.Validator
		replayLimiter *rate.Limiter
		logger        *slog.Logger
		now           func() time.Time
		location      *time.Location
		suspicious    int
		venues        VenueDirectory
	}

	// Option configures an Engine.
	Option func(*Engine)
)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock sets the ingestion clock. It drives "today" for the sweep and legacy
// showtimes, and the last_confirmed timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLocation sets the catalog time zone.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.location = loc
		}
	}
}

// WithVenues sets the cinema directory consulted when a cinema is first created.
func WithVenues(venues VenueDirectory) Option {
	return func(e *Engine) {
		e.venues = venues
	}
}

// WithReplayRate throttles the conflict replay path to perSecond single-row
// transactions. Zero means unlimited.
func WithReplayRate(perSecond float64, burst int) Option {
	return func(e *Engine) {
		limit := rate.Inf
		if perSecond > 0 {
			limit = rate.Limit(perSecond)
		}

		if burst <= 0 {
			burst = 1
		}

		e.replayLimiter = rate.NewLimiter(limit, burst)
	}
}

// WithSuspiciousShowtimes sets the per-record showtime count that triggers a warning.
func WithSuspiciousShowtimes(n int) Option {
	return func(e *Engine) {
		e.suspicious = n
	}
}

// NewEngine wires an engine over a catalog store and a run ledger.
func NewEngine(store Store, ledger Ledger, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	if ledger == nil {
		return nil, ErrNilLedger
	}

	e := &Engine{
		store:         store,
		ledger:        ledger,
		replayLimiter: rate.NewLimiter(rate.Inf, 1),
		logger:        config.NewLogger(),
		now:           time.Now,
		location:      time.UTC,
		suspicious:    ingestion.DefaultSuspiciousShowtimes,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.resolver = NewResolver(e.venues)
	e.sweeper = NewSweeper(store, e.now, e.location, e.logger)
	e.validator = ingestion.NewValidator(
		ingestion.WithClock(e.now),
		ingestion.WithLocation(e.location),
		ingestion.WithSuspiciousShowtimes(e.suspicious),
	)

	return e, nil
}

// RunCycle runs one ingestion cycle over batch: validate, sweep, write every accepted
// record in input order, then finalize the run record.
//
// The returned record is always non-nil and final. The error is non-nil only when the
// cycle was cut short (status failed or timeout) or the ledger could not be written.
// Invalid records and skipped conflicts only lower the counts and yield status partial.
func (e *Engine) RunCycle(ctx context.Context, batch ingestion.Batch) (*RunRecord, error) {
	collector := strings.TrimSpace(batch.Collector)
	if collector == "" {
		collector = DefaultCollector
	}

	run := &RunRecord{
		ID:           uuid.New(),
		Collector:    collector,
		Status:       RunStatusRunning,
		RecordsTotal: len(batch.Records),
		StartedAt:    e.now(),
	}

	logger := e.logger.With(
		slog.String("run_id", run.ID.String()),
		slog.String("collector", run.Collector),
	)

	if digest, err := ingestion.BatchDigest(batch.Records); err == nil {
		run.BatchDigest = digest
	} else {
		logger.Warn("Failed to compute batch digest", slog.String("error", err.Error()))
	}

	if err := e.openRun(ctx, run); err != nil {
		finalize(run, newTally(), err, e.now())
		metrics.RecordCycle(string(run.Status), run.Duration)

		return run, err
	}

	logger.Info("Ingestion cycle started", slog.Int("records", run.RecordsTotal))

	t, fatal := e.reconcile(ctx, batch, run, logger)

	finalize(run, t, fatal, e.now())
	metrics.RecordCycle(string(run.Status), run.Duration)

	ledgerCtx, cancel := ledgerContext(ctx)
	defer cancel()

	if err := e.ledger.FinalizeRun(ledgerCtx, run); err != nil {
		logger.Error("Failed to finalize run record", slog.String("error", err.Error()))

		return run, errors.Join(fatal, fmt.Errorf("finalize run %s: %w", run.ID, err))
	}

	logger.Info("Ingestion cycle finished",
		slog.String("status", string(run.Status)),
		slog.Int("records_valid", run.RecordsValid),
		slog.Int("records_invalid", run.RecordsInvalid),
		slog.Int("movies_seen", run.MoviesSeen),
		slog.Int("cinemas_seen", run.CinemasSeen),
		slog.Int("showtimes_added", run.ShowtimesAdded),
		slog.Int("showtimes_confirmed", run.ShowtimesConfirmed),
		slog.Int("conflicts_skipped", run.ConflictsSkipped),
		slog.Int64("stale_deactivated", run.StaleDeactivated),
		slog.Duration("duration", run.Duration),
	)

	return run, fatal
}

func (e *Engine) openRun(ctx context.Context, run *RunRecord) error {
	ledgerCtx, cancel := ledgerContext(ctx)
	defer cancel()

	if err := e.ledger.OpenRun(ledgerCtx, run); err != nil {
		e.logger.Error("Failed to open run record",
			slog.String("run_id", run.ID.String()),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("open run %s: %w", run.ID, err)
	}

	return nil
}

// reconcile performs the validate → sweep → upsert steps. The returned error is the fatal
// condition that stopped the cycle, if any.
func (e *Engine) reconcile(
	ctx context.Context,
	batch ingestion.Batch,
	run *RunRecord,
	logger *slog.Logger,
) (*tally, error) {
	t := newTally()

	accepted, report := e.validator.Validate(batch.Records)
	run.RecordsValid = report.Valid
	run.RecordsInvalid = report.Invalid

	for _, rejected := range report.Errors {
		metrics.RecordRejection(string(rejected.Kind))
	}

	if report.Invalid > 0 || len(report.Warnings) > 0 {
		logger.Warn("Batch validation found problems", slog.String("summary", report.Summary()))
	}

	deactivated, err := e.sweeper.Sweep(ctx)
	if err != nil {
		return t, e.fatalError(ctx, err)
	}

	run.StaleDeactivated = deactivated

	now := e.now()

	for _, rec := range accepted {
		if err := ctx.Err(); err != nil {
			return t, err
		}

		outcome, err := e.writeRecord(ctx, rec, now, logger)
		t.add(outcome)

		if err != nil {
			return t, e.fatalError(ctx, err)
		}
	}

	return t, nil
}

// writeRecord applies one record, falling back to the replay path on a conflict.
// Only fatal errors are returned; other failures are counted in the outcome.
func (e *Engine) writeRecord(
	ctx context.Context,
	rec ingestion.Record,
	now time.Time,
	logger *slog.Logger,
) (recordOutcome, error) {
	slots := ingestion.DedupeSlots(rec.Showtimes)

	outcome, err := e.applyRecord(ctx, rec, slots, now)

	switch {
	case err == nil:
		return outcome, nil
	case isFatal(err) || ctx.Err() != nil:
		return recordOutcome{}, err
	case errors.Is(err, ErrUniquenessConflict):
		metrics.RecordConflict(metrics.StageBatch)

		logger.Warn("Record transaction hit a uniqueness conflict, replaying per showtime",
			slog.String("title", rec.Title),
			slog.String("cinema", rec.Cinema),
			slog.Int("showtimes", len(slots)),
			slog.String("error", err.Error()),
		)

		return e.replayRecord(ctx, rec, slots, now)
	default:
		logger.Error("Record write failed, skipping",
			slog.String("title", rec.Title),
			slog.String("cinema", rec.Cinema),
			slog.String("error", err.Error()),
		)

		return recordOutcome{slots: len(slots), failures: len(slots)}, nil
	}
}

// fatalError prefers the context error, so a deadline surfaces as a timeout even when
// the driver reported it as a generic failure.
func (e *Engine) fatalError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}

	return err
}
