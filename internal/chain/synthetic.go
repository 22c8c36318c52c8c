package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/arkiv/chain-event-relay/internal/record"
)

// SyntheticSource generates fake contract events for demo/testing. No external RPC calls.
type SyntheticSource struct {
	chainID  string
	interval time.Duration

	mu        sync.Mutex
	nextBlock uint64
}

func NewSyntheticSource(chainID string, interval time.Duration) *SyntheticSource {
	if interval <= 0 {
		interval = time.Second
	}
	return &SyntheticSource{chainID: chainID, interval: interval, nextBlock: 1}
}

// Next builds the occurrence for the next block, cycling through kinds.
func (s *SyntheticSource) Next(kinds []record.Kind) Occurrence {
	s.mu.Lock()
	block := s.nextBlock
	s.nextBlock++
	s.mu.Unlock()

	kind := kinds[int(block%uint64(len(kinds)))]
	actor := common.BigToAddress(new(big.Int).SetUint64(0xA0 + block))
	ts := big.NewInt(time.Now().Unix())

	fields := map[string]any{"timestamp": ts}
	switch kind {
	case record.KindAmountRecorded:
		fields["burnerAddress"] = actor
		fields["amount"] = new(big.Int).SetUint64(block * 100)
	case record.KindBatchFulfilled:
		fields["requestId"] = new(big.Int).SetUint64(block)
		fields["randomWords"] = []*big.Int{
			new(big.Int).SetUint64(block * 7),
			new(big.Int).SetUint64(block * 13),
		}
	case record.KindEntryRegistered:
		fields["participant"] = actor
	case record.KindRepeatCount:
		fields["buyer"] = actor
		fields["count"] = new(big.Int).SetUint64(block%5 + 1)
	}

	return Occurrence{
		Kind:        kind,
		TxHash:      crypto.Keccak256Hash([]byte(fmt.Sprintf("%s-%d", s.chainID, block))).Hex(),
		LogIndex:    0,
		BlockNumber: block,
		Fields:      fields,
	}
}

func (s *SyntheticSource) Subscribe(ctx context.Context, kinds []record.Kind, fromBlock uint64) (Subscription, error) {
	if len(kinds) == 0 {
		return nil, fmt.Errorf("no event kinds to subscribe to")
	}
	s.mu.Lock()
	if fromBlock > s.nextBlock {
		s.nextBlock = fromBlock
	}
	s.mu.Unlock()

	sub := &syntheticSubscription{
		events: make(chan Occurrence),
		errc:   make(chan error, 1),
		quit:   make(chan struct{}),
	}
	go func() {
		defer close(sub.events)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.quit:
				return
			case <-ticker.C:
				select {
				case sub.events <- s.Next(kinds):
				case <-ctx.Done():
					return
				case <-sub.quit:
					return
				}
			}
		}
	}()
	return sub, nil
}

type syntheticSubscription struct {
	events chan Occurrence
	errc   chan error
	quit   chan struct{}
	once   sync.Once
}

func (s *syntheticSubscription) Events() <-chan Occurrence { return s.events }
func (s *syntheticSubscription) Err() <-chan error         { return s.errc }
func (s *syntheticSubscription) Unsubscribe()              { s.once.Do(func() { close(s.quit) }) }
