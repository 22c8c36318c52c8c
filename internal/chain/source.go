// Package chain subscribes to contract events and hands them over as raw occurrences.
package chain

import (
	"context"

	"github.com/arkiv/chain-event-relay/internal/record"
)

// Occurrence is one event as the source delivered it. Fields holds source-native
// values (*big.Int, common.Address, ...) keyed by ABI argument name; it is nil when
// the log could not be unpacked.
type Occurrence struct {
	Kind        record.Kind
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	Fields      map[string]any
}

// Source opens subscriptions. fromBlock > 0 asks the source to replay logs starting at
// that block before switching to live delivery.
type Source interface {
	Subscribe(ctx context.Context, kinds []record.Kind, fromBlock uint64) (Subscription, error)
}

// Subscription delivers occurrences in source order. Events is closed when the
// subscription ends; Err then yields the cause, if any.
type Subscription interface {
	Events() <-chan Occurrence
	Err() <-chan error
	Unsubscribe()
}
