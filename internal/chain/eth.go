package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/arkiv/chain-event-relay/internal/record"
)

// logClient is the slice of ethclient.Client the source needs.
type logClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

type dialFunc func(ctx context.Context, rawurl string) (logClient, error)

func dialEth(ctx context.Context, rawurl string) (logClient, error) {
	c, err := ethclient.DialContext(ctx, rawurl)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type EthConfig struct {
	RPCURL       string
	Contract     common.Address
	BufferSize   int
	// PollInterval is how often an http(s) endpoint is asked for new blocks.
	PollInterval time.Duration
	// RangeLimit caps the blocks covered by one eth_getLogs call.
	RangeLimit   uint64
}

// EthSource delivers contract logs from a JSON-RPC endpoint. ws/wss endpoints push logs
// through a subscription; http/https endpoints are polled with eth_getLogs. Every
// Subscribe dials a fresh client so a dropped connection is replaced on resubscribe.
type EthSource struct {
	cfg  EthConfig
	abi  abi.ABI
	log  *slog.Logger
	dial dialFunc
}

func NewEthSource(cfg EthConfig, log *slog.Logger) (*EthSource, error) {
	parsed, err := ContractABI()
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 128
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 4 * time.Second
	}
	if cfg.RangeLimit == 0 {
		cfg.RangeLimit = 2000
	}
	return &EthSource{cfg: cfg, abi: parsed, log: log, dial: dialEth}, nil
}

type boundEvent struct {
	kind    record.Kind
	event   abi.Event
	indexed abi.Arguments
}

func (s *EthSource) bind(kinds []record.Kind) (map[common.Hash]boundEvent, []common.Hash, error) {
	byTopic := make(map[common.Hash]boundEvent, len(kinds))
	topics := make([]common.Hash, 0, len(kinds))
	for _, k := range kinds {
		ks, ok := record.Lookup(k)
		if !ok {
			return nil, nil, fmt.Errorf("unknown event kind %q", k)
		}
		ev, ok := s.abi.Events[ks.Event]
		if !ok {
			return nil, nil, fmt.Errorf("event %s missing from contract abi", ks.Event)
		}
		var indexed abi.Arguments
		for _, in := range ev.Inputs {
			if in.Indexed {
				indexed = append(indexed, in)
			}
		}
		byTopic[ev.ID] = boundEvent{kind: k, event: ev, indexed: indexed}
		topics = append(topics, ev.ID)
	}
	return byTopic, topics, nil
}

func (s *EthSource) Subscribe(ctx context.Context, kinds []record.Kind, fromBlock uint64) (Subscription, error) {
	byTopic, topics, err := s.bind(kinds)
	if err != nil {
		return nil, err
	}

	client, err := s.dial(ctx, s.cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	q := ethereum.FilterQuery{
		Addresses: []common.Address{s.cfg.Contract},
		Topics:    [][]common.Hash{topics},
	}
	sub := &ethSubscription{
		src:     s,
		client:  client,
		byTopic: byTopic,
		q:       q,
		events:  make(chan Occurrence, s.cfg.BufferSize),
		errc:    make(chan error, 1),
		quit:    make(chan struct{}),
	}

	if polled(s.cfg.RPCURL) {
		go sub.poll(ctx, fromBlock)
		return sub, nil
	}

	// Subscribe before replaying so nothing falls between the backlog and live logs;
	// the overlap is absorbed by the idempotent store.
	logs := make(chan types.Log, s.cfg.BufferSize)
	upstream, err := client.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}

	go sub.stream(ctx, upstream, logs, fromBlock)
	return sub, nil
}

// polled reports whether rawurl is an endpoint without push subscriptions.
func polled(rawurl string) bool {
	u, err := url.Parse(rawurl)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return true
	}
	return false
}

// decode turns a raw log into an occurrence. ok is false for logs that are not ours.
func (s *EthSource) decode(l types.Log, byTopic map[common.Hash]boundEvent) (Occurrence, bool) {
	if len(l.Topics) == 0 {
		return Occurrence{}, false
	}
	b, ok := byTopic[l.Topics[0]]
	if !ok {
		return Occurrence{}, false
	}

	occ := Occurrence{
		Kind:        b.kind,
		TxHash:      l.TxHash.Hex(),
		LogIndex:    l.Index,
		BlockNumber: l.BlockNumber,
	}

	fields := make(map[string]any, len(b.event.Inputs))
	if err := abi.ParseTopicsIntoMap(fields, b.indexed, l.Topics[1:]); err != nil {
		s.log.Warn("log_topics_unpack_failed", slog.String("tx", occ.TxHash), slog.String("err", err.Error()))
		return occ, true
	}
	if err := s.abi.UnpackIntoMap(fields, b.event.Name, l.Data); err != nil {
		s.log.Warn("log_data_unpack_failed", slog.String("tx", occ.TxHash), slog.String("err", err.Error()))
		return occ, true
	}
	occ.Fields = fields
	return occ, true
}

type ethSubscription struct {
	src     *EthSource
	client  logClient
	byTopic map[common.Hash]boundEvent
	q       ethereum.FilterQuery

	events chan Occurrence
	errc   chan error
	quit   chan struct{}
	once   sync.Once
}

func (e *ethSubscription) Events() <-chan Occurrence { return e.events }
func (e *ethSubscription) Err() <-chan error         { return e.errc }

func (e *ethSubscription) Unsubscribe() {
	e.once.Do(func() { close(e.quit) })
}

var (
	errSubscriptionClosed = errors.New("log subscription closed")
	// errStopped ends delivery without reporting an error.
	errStopped = errors.New("subscription stopped")
)

func (e *ethSubscription) fail(err error) {
	if !errors.Is(err, errStopped) {
		e.errc <- err
	}
}

// stream replays from fromBlock up to the current head, then forwards pushed logs.
func (e *ethSubscription) stream(ctx context.Context, upstream ethereum.Subscription, logs <-chan types.Log, fromBlock uint64) {
	defer close(e.events)
	defer e.client.Close()
	defer upstream.Unsubscribe()

	if fromBlock > 0 {
		head, err := e.client.BlockNumber(ctx)
		if err != nil {
			e.fail(fmt.Errorf("replay from block %d: head: %w", fromBlock, err))
			return
		}
		if err := e.replay(ctx, fromBlock, head); err != nil {
			e.fail(err)
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case err, ok := <-upstream.Err():
			if !ok || err == nil {
				err = errSubscriptionClosed
			}
			e.errc <- err
			return
		case l := <-logs:
			if !e.forward(ctx, l) {
				return
			}
		}
	}
}

// poll walks the chain in windows, from fromBlock (or the block after the current head
// when fromBlock is 0) onwards, checking for new blocks every PollInterval.
func (e *ethSubscription) poll(ctx context.Context, fromBlock uint64) {
	defer close(e.events)
	defer e.client.Close()

	next := fromBlock
	if next == 0 {
		head, err := e.client.BlockNumber(ctx)
		if err != nil {
			e.fail(fmt.Errorf("head: %w", err))
			return
		}
		next = head + 1
	}

	ticker := time.NewTicker(e.src.cfg.PollInterval)
	defer ticker.Stop()
	for {
		head, err := e.client.BlockNumber(ctx)
		if err != nil {
			e.fail(fmt.Errorf("head: %w", err))
			return
		}
		if head >= next {
			if err := e.replay(ctx, next, head); err != nil {
				e.fail(err)
				return
			}
			next = head + 1
		}

		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case <-ticker.C:
		}
	}
}

// replay fetches logs in [from, to] no more than RangeLimit blocks at a time.
func (e *ethSubscription) replay(ctx context.Context, from, to uint64) error {
	if from > to {
		return nil
	}
	limit := e.src.cfg.RangeLimit
	var total int
	for start := from; ; {
		end := to
		if to-start >= limit {
			end = start + limit - 1
		}
		q := e.q
		q.FromBlock = new(big.Int).SetUint64(start)
		q.ToBlock = new(big.Int).SetUint64(end)
		logs, err := e.client.FilterLogs(ctx, q)
		if err != nil {
			return fmt.Errorf("logs for blocks %d-%d: %w", start, end, err)
		}
		total += len(logs)
		for _, l := range logs {
			if !e.forward(ctx, l) {
				return errStopped
			}
		}
		if end == to {
			break
		}
		start = end + 1
	}
	e.src.log.Debug("log_range_fetched", slog.Uint64("from_block", from), slog.Uint64("to_block", to), slog.Int("logs", total))
	return nil
}

func (e *ethSubscription) forward(ctx context.Context, l types.Log) bool {
	if l.Removed {
		e.src.log.Info("log_removed_skip", slog.String("tx", l.TxHash.Hex()), slog.Uint64("block", l.BlockNumber))
		return true
	}
	occ, ok := e.src.decode(l, e.byTopic)
	if !ok {
		return true
	}
	select {
	case e.events <- occ:
		return true
	case <-ctx.Done():
		return false
	case <-e.quit:
		return false
	}
}
