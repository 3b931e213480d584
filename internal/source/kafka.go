package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/vosemovies/showtime-reconciler/internal/config"
	"github.com/vosemovies/showtime-reconciler/internal/ingestion"
	"github.com/vosemovies/showtime-reconciler/internal/metrics"
)

const (
	defaultTopic    = "showtime-batches"
	defaultGroupID  = "showtime-reconciler"
	defaultMaxBytes = 10 << 20
	defaultMaxWait  = 5 * time.Second

	defaultRetryAttempts = 5
	defaultRetryDelay    = time.Second
	maxRetryDelay        = 30 * time.Second

	// CollectorHeader carries the collector name when the payload is a bare array.
	CollectorHeader = "collector"
)

var (
	// ErrNoBrokers is returned when no Kafka broker is configured.
	ErrNoBrokers = errors.New("KAFKA_BROKERS cannot be empty")

	// ErrTopicEmpty is returned when the topic name is empty.
	ErrTopicEmpty = errors.New("KAFKA_TOPIC cannot be empty")

	// ErrGroupIDEmpty is returned when the consumer group is empty.
	ErrGroupIDEmpty = errors.New("KAFKA_GROUP_ID cannot be empty")

	// ErrInvalidMaxBytes is returned when the fetch size is not positive.
	ErrInvalidMaxBytes = errors.New("KAFKA_MAX_BYTES must be positive")

	// ErrInvalidRetryPolicy is returned when the handler retry settings are not positive.
	ErrInvalidRetryPolicy = errors.New("KAFKA_RETRY_ATTEMPTS and KAFKA_RETRY_DELAY must be positive")
)

type (
	// KafkaConfig configures the batch consumer and publisher.
	KafkaConfig struct {
		Brokers  []string
		Topic    string
		GroupID  string
		MaxBytes int
		MaxWait  time.Duration

		// RetryAttempts is how many times a failing batch is handed to the handler
		// before the consumer stops. RetryDelay is the first wait between attempts;
		// it doubles up to 30s.
		RetryAttempts int
		RetryDelay    time.Duration
	}

	// Handler processes one decoded batch. Returning an error leaves the message
	// uncommitted. The consumer retries it with backoff and stops once the attempts
	// are used up, so the batch is delivered again on restart.
	Handler func(ctx context.Context, batch ingestion.Batch) error

	messageReader interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// Consumer reads batch messages from a Kafka topic as part of a consumer group.
	// Offsets are committed only after the handler returns.
	Consumer struct {
		reader        messageReader
		logger        *slog.Logger
		retryAttempts int
		retryDelay    time.Duration
	}

	// Publisher writes batches to a Kafka topic.
	Publisher struct {
		writer *kafka.Writer
	}
)

// LoadKafkaConfig reads the Kafka settings from the environment.
func LoadKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:  config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "")),
		Topic:    config.GetEnvStr("KAFKA_TOPIC", defaultTopic),
		GroupID:  config.GetEnvStr("KAFKA_GROUP_ID", defaultGroupID),
		MaxBytes: config.GetEnvInt("KAFKA_MAX_BYTES", defaultMaxBytes),
		MaxWait:  config.GetEnvDuration("KAFKA_MAX_WAIT", defaultMaxWait),

		RetryAttempts: config.GetEnvInt("KAFKA_RETRY_ATTEMPTS", defaultRetryAttempts),
		RetryDelay:    config.GetEnvDuration("KAFKA_RETRY_DELAY", defaultRetryDelay),
	}
}

// Validate checks the configuration.
func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	if strings.TrimSpace(c.Topic) == "" {
		return ErrTopicEmpty
	}

	if strings.TrimSpace(c.GroupID) == "" {
		return ErrGroupIDEmpty
	}

	if c.MaxBytes <= 0 {
		return ErrInvalidMaxBytes
	}

	if c.RetryAttempts <= 0 || c.RetryDelay <= 0 {
		return ErrInvalidRetryPolicy
	}

	return nil
}

// NewConsumer creates a consumer group reader for cfg.
func NewConsumer(cfg *KafkaConfig, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})

	consumer := newConsumer(reader, logger)
	consumer.retryAttempts = cfg.RetryAttempts
	consumer.retryDelay = cfg.RetryDelay

	return consumer, nil
}

func newConsumer(reader messageReader, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = config.NewLogger()
	}

	return &Consumer{
		reader:        reader,
		logger:        logger,
		retryAttempts: defaultRetryAttempts,
		retryDelay:    defaultRetryDelay,
	}
}

// Run fetches messages until ctx is done or a batch keeps failing.
//
// A handler error is retried on the same message with exponential backoff. When every
// attempt fails, Run returns the last error with the message still uncommitted.
// Malformed payloads are logged, counted and committed, so one bad message does not
// block the partition. A cancelled ctx ends Run with a nil error, including while a
// batch waits for its next attempt.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("failed to fetch batch message: %w", err)
		}

		logger := c.logger.With(
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
		)

		if err := c.handleWithRetry(ctx, msg, handler, logger); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
		}

		logger.Debug("Committed batch message")
	}
}

func (c *Consumer) handleWithRetry(
	ctx context.Context,
	msg kafka.Message,
	handler Handler,
	logger *slog.Logger,
) error {
	delay := c.retryDelay

	var err error

	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		err = c.handle(ctx, msg, handler, logger)
		if err == nil || ctx.Err() != nil || attempt == c.retryAttempts {
			break
		}

		logger.Warn("Batch failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.retryAttempts),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(delay)

		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		}

		delay = min(delay*2, maxRetryDelay)
	}

	if err != nil {
		return fmt.Errorf("giving up after %d attempts: %w", c.retryAttempts, err)
	}

	return nil
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handler Handler, logger *slog.Logger) error {
	batch, err := DecodeBatch(msg.Value, collectorOf(msg))
	if err != nil {
		metrics.RecordBatchConsumed(metrics.BatchMalformed)
		logger.Warn("Discarding malformed batch message", slog.String("error", err.Error()))

		return nil
	}

	if err := handler(ctx, batch); err != nil {
		metrics.RecordBatchConsumed(metrics.BatchFailed)

		return fmt.Errorf("batch at partition %d offset %d: %w", msg.Partition, msg.Offset, err)
	}

	metrics.RecordBatchConsumed(metrics.BatchProcessed)

	return nil
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func collectorOf(msg kafka.Message) string {
	for _, header := range msg.Headers {
		if header.Key == CollectorHeader {
			return string(header.Value)
		}
	}

	return string(msg.Key)
}

// NewPublisher creates a writer for cfg.Topic. Only the brokers and topic are used.
func NewPublisher(cfg *KafkaConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}

	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, ErrTopicEmpty
	}

	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}, nil
}

// Publish writes batch as one message keyed by its collector.
func (p *Publisher) Publish(ctx context.Context, batch ingestion.Batch) error {
	value, err := EncodeBatch(batch)
	if err != nil {
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(batch.Collector),
		Value:   value,
		Headers: []kafka.Header{{Key: CollectorHeader, Value: []byte(batch.Collector)}},
	})
	if err != nil {
		return fmt.Errorf("failed to publish batch: %w", err)
	}

	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
