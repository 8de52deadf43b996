// Package metadata merges extracted fields into a per-target record with
// source and confidence provenance, under optimistic concurrency.
package metadata

import (
	"context"
	"errors"

	"github.com/sells-group/listing-evidence/internal/model"
)

// ErrConflict is returned by Save when the stored version no longer matches
// the version the caller read.
var ErrConflict = errors.New("metadata: record changed since read")

// Repository persists metadata records.
type Repository interface {
	// Load returns the record for targetID. A target never saved yields an
	// empty record at version 0.
	Load(ctx context.Context, targetID string) (*model.MetadataRecord, error)
	// Save writes rec if the stored version equals expectedVersion and bumps
	// rec.Version on success.
	Save(ctx context.Context, rec *model.MetadataRecord, expectedVersion int64) error
	// Targets lists every target with a stored record.
	Targets(ctx context.Context) ([]string, error)
	Close() error
}

func emptyRecord(targetID string) *model.MetadataRecord {
	return &model.MetadataRecord{TargetID: targetID, Fields: map[string]model.FieldRecord{}}
}
