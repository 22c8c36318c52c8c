// Package checkpoint remembers the last block the listener finished so a
// resubscription can resume from it.
package checkpoint

import (
	"context"
	"sync"
)

// Store persists the highest fully handled block. Save never moves the
// checkpoint backwards.
type Store interface {
	Load(ctx context.Context) (uint64, error)
	Save(ctx context.Context, block uint64) error
	Close() error
}

// Memory keeps the checkpoint in process. Used when no Redis is configured.
type Memory struct {
	mu    sync.Mutex
	block uint64
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block, nil
}

func (m *Memory) Save(_ context.Context, block uint64) error {
	m.mu.Lock()
	if block > m.block {
		m.block = block
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
