package ingestion

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// BatchDigest returns a content fingerprint of a raw batch.
//
// Formula: BLAKE2b-256(json(record_0) + "\n" + json(record_1) + ...)
//
// encoding/json writes map keys in sorted order, so two batches with the same
// records in the same order produce the same digest regardless of how the
// collector ordered keys. Two runs reporting the same digest ingested identical input.
//
// Returns: 64-character lowercase hex string.
func BatchDigest(raw []RawRecord) (string, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create digest: %w", err)
	}

	for i, record := range raw {
		encoded, err := json.Marshal(record)
		if err != nil {
			return "", fmt.Errorf("failed to encode record %d for digest: %w", i, err)
		}

		_, _ = hash.Write(encoded)
		_, _ = hash.Write([]byte{'\n'})
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
