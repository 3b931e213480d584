// Package source delivers collector batches to the reconciler, from a file or from Kafka.
//
// A batch is either an envelope {"collector": "...", "records": [...]} or a bare JSON
// array of records.
package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/vosemovies/showtime-reconciler/internal/ingestion"
)

var (
	// ErrEmptyPayload is returned for an empty or whitespace-only batch.
	ErrEmptyPayload = errors.New("batch payload is empty")

	// ErrMalformedBatch is returned when the payload is neither an envelope nor an array of objects.
	ErrMalformedBatch = errors.New("malformed batch")
)

type envelope struct {
	Collector string                 `json:"collector"`
	Records   *[]ingestion.RawRecord `json:"records"`
}

// DecodeBatch parses a batch payload. collector is used when the payload does not name one.
func DecodeBatch(data []byte, collector string) (ingestion.Batch, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ingestion.Batch{}, ErrEmptyPayload
	}

	switch data[0] {
	case '[':
		var records []ingestion.RawRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return ingestion.Batch{}, fmt.Errorf("%w: %w", ErrMalformedBatch, err)
		}

		return ingestion.Batch{Collector: collector, Records: records}, nil
	case '{':
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return ingestion.Batch{}, fmt.Errorf("%w: %w", ErrMalformedBatch, err)
		}

		if env.Records == nil {
			return ingestion.Batch{}, fmt.Errorf("%w: envelope has no records", ErrMalformedBatch)
		}

		if env.Collector == "" {
			env.Collector = collector
		}

		return ingestion.Batch{Collector: env.Collector, Records: *env.Records}, nil
	default:
		return ingestion.Batch{}, fmt.Errorf("%w: expected a JSON object or array", ErrMalformedBatch)
	}
}

// ReadBatchFile reads and decodes a batch file.
func ReadBatchFile(path, collector string) (ingestion.Batch, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is an operator-supplied argument
	if err != nil {
		return ingestion.Batch{}, fmt.Errorf("failed to read batch file: %w", err)
	}

	batch, err := DecodeBatch(data, collector)
	if err != nil {
		return ingestion.Batch{}, fmt.Errorf("%s: %w", path, err)
	}

	return batch, nil
}

// EncodeBatch renders batch as an envelope.
func EncodeBatch(batch ingestion.Batch) ([]byte, error) {
	records := batch.Records
	if records == nil {
		records = []ingestion.RawRecord{}
	}

	data, err := json.Marshal(envelope{Collector: batch.Collector, Records: &records})
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}

	return data, nil
}
