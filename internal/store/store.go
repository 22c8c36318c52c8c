// Package store persists records and answers collection reads.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/arkiv/chain-event-relay/internal/record"
)

// Writer appends records. Appending a record whose source id was already stored
// returns the existing record's id and writes nothing.
type Writer interface {
	Append(ctx context.Context, rec record.Record) (uuid.UUID, error)
}

// Reader lists a whole collection ordered by ingestion sequence.
type Reader interface {
	ListAll(ctx context.Context, collection string) ([]record.Record, error)
}

type Store interface {
	Writer
	Reader
	Ping(ctx context.Context) error
	Close() error
}
