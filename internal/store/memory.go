package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arkiv/chain-event-relay/internal/record"
)

// Memory is an in-process store with the same idempotency and ordering rules as
// Postgres. Used for synthetic runs and tests.
type Memory struct {
	mu      sync.RWMutex
	records []record.Record
	byKey   map[string]uuid.UUID
	seq     int64
	closed  bool
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		byKey: make(map[string]uuid.UUID),
		now:   time.Now,
	}
}

var errClosed = errors.New("store closed")

func (m *Memory) Append(ctx context.Context, rec record.Record) (uuid.UUID, error) {
	if err := rec.Validate(); err != nil {
		return uuid.Nil, &StoreError{Kind: ValidationFailed, Op: "append", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return uuid.Nil, writeErr("append", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return uuid.Nil, &StoreError{Kind: ConnectionUnavailable, Op: "append", Err: errClosed}
	}
	key := rec.DedupKey()
	if key != "" {
		if id, ok := m.byKey[key]; ok {
			return id, nil
		}
	}

	m.seq++
	rec.ID = uuid.New()
	rec.IngestionSequence = m.seq
	rec.IngestedAt = m.now().UTC()
	m.records = append(m.records, rec)
	if key != "" {
		m.byKey[key] = rec.ID
	}
	return rec.ID, nil
}

func (m *Memory) ListAll(ctx context.Context, collection string) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, readErr(collection, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, &QueryError{Kind: ConnectionUnavailable, Collection: collection, Err: errClosed}
	}
	out := []record.Record{}
	for _, r := range m.records {
		if r.Collection == collection {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed
	}
	return ctx.Err()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
