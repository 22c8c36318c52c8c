// Package ingest subscribes to contract events and writes them to the store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/arkiv/chain-event-relay/internal/chain"
	"github.com/arkiv/chain-event-relay/internal/checkpoint"
	"github.com/arkiv/chain-event-relay/internal/decode"
	"github.com/arkiv/chain-event-relay/internal/record"
	"github.com/arkiv/chain-event-relay/internal/report"
	"github.com/arkiv/chain-event-relay/internal/store"
)

type Config struct {
	Kinds         []record.Kind
	Retry         RetryPolicy
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

type Options struct {
	Source     chain.Source
	Writer     store.Writer
	Checkpoint checkpoint.Store
	Reporter   report.Reporter
	Logger     *slog.Logger
	Metrics    *Metrics
	Tracer     trace.Tracer
	Config     Config
}

// Listener handles one occurrence at a time, in the order the source delivers them.
type Listener struct {
	src     chain.Source
	w       store.Writer
	cp      checkpoint.Store
	rep     report.Reporter
	log     *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	cfg     Config

	lastBlock atomic.Uint64
	now       func() time.Time
}

var errSubscriptionEnded = errors.New("subscription ended")

func New(opts Options) (*Listener, error) {
	if opts.Source == nil {
		return nil, errors.New("ingest: source is required")
	}
	if opts.Writer == nil {
		return nil, errors.New("ingest: store writer is required")
	}
	if len(opts.Config.Kinds) == 0 {
		return nil, errors.New("ingest: no event kinds configured")
	}
	for _, k := range opts.Config.Kinds {
		if _, ok := record.Lookup(k); !ok {
			return nil, fmt.Errorf("ingest: unknown event kind %q", k)
		}
	}
	if opts.Checkpoint == nil {
		opts.Checkpoint = checkpoint.NewMemory()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reporter == nil {
		opts.Reporter = report.NewLog(opts.Logger)
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("ingest")
	}
	cfg := opts.Config
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = 30 * cfg.ReconnectBase
	}

	return &Listener{
		src:     opts.Source,
		w:       opts.Writer,
		cp:      opts.Checkpoint,
		rep:     opts.Reporter,
		log:     opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		cfg:     cfg,
		now:     time.Now,
	}, nil
}

// Run keeps a subscription open until ctx is canceled, resubscribing from the
// checkpointed block whenever the source drops it. It returns once the
// occurrence being handled at cancellation has finished.
func (l *Listener) Run(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		from := l.resumeBlock(ctx)
		sub, err := l.src.Subscribe(ctx, l.cfg.Kinds, from)
		if err == nil {
			l.log.InfoContext(ctx, "subscribed", "from_block", from, "kinds", len(l.cfg.Kinds))
			var handled int
			handled, err = l.consume(ctx, sub)
			sub.Unsubscribe()
			if handled > 0 {
				failures = 0
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := l.reconnectDelay(failures)
		failures++
		l.metrics.reconnect()
		l.log.WarnContext(ctx, "subscription_lost", "error", err, "retry_in", delay.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (l *Listener) consume(ctx context.Context, sub chain.Subscription) (int, error) {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n, nil
		case err := <-sub.Err():
			return n, err
		case occ, ok := <-sub.Events():
			if !ok {
				select {
				case err := <-sub.Err():
					return n, err
				default:
					return n, errSubscriptionEnded
				}
			}
			_ = l.Handle(ctx, occ)
			n++
		}
	}
}

func (l *Listener) resumeBlock(ctx context.Context) uint64 {
	from := l.lastBlock.Load()
	stored, err := l.cp.Load(ctx)
	if err != nil {
		l.log.WarnContext(ctx, "checkpoint_load_failed", "error", err, "fallback_block", from)
		return from
	}
	return max(from, stored)
}

// reconnectDelay is ReconnectBase*2^n capped at ReconnectMax, minus up to a quarter as jitter.
func (l *Listener) reconnectDelay(n int) time.Duration {
	d := RetryPolicy{Base: l.cfg.ReconnectBase, Max: l.cfg.ReconnectMax}.backoff(n)
	if q := int64(d / 4); q > 0 {
		d -= time.Duration(rand.Int63n(q))
	}
	return d
}

// Handle normalizes and stores one occurrence. Failures are reported and
// returned but never stop the listener.
func (l *Listener) Handle(ctx context.Context, occ chain.Occurrence) error {
	ctx, span := l.tracer.Start(ctx, "ingest.handle", trace.WithAttributes(
		attribute.String("event.kind", string(occ.Kind)),
		attribute.Int64("event.block", int64(occ.BlockNumber)),
	))
	defer span.End()

	rec, err := decode.Normalize(occ)
	if err != nil {
		l.metrics.event(string(occ.Kind), "decode_error")
		l.log.WarnContext(ctx, "event_decode_failed",
			"kind", string(occ.Kind), "tx", occ.TxHash, "block", occ.BlockNumber, "error", err)
		l.rep.Report(ctx, report.Failure{
			Stage:    report.StageDecode,
			Kind:     occ.Kind,
			SourceID: decode.SourceID(occ),
			Block:    occ.BlockNumber,
			Err:      err,
			At:       l.now().UTC(),
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode")
		// Malformed events are skipped, not retried.
		l.advance(ctx, occ.BlockNumber)
		return err
	}

	start := time.Now()
	id, attempts, err := AppendWithRetry(ctx, l.w, rec, l.cfg.Retry, l.metrics)
	if err != nil {
		l.metrics.appended("error", time.Since(start))
		l.metrics.event(string(occ.Kind), "failed")
		l.log.ErrorContext(ctx, "event_append_failed",
			"kind", string(occ.Kind), "source_id", rec.SourceID, "attempts", attempts, "error", err)
		l.rep.Report(ctx, report.Failure{
			Stage:    report.StageAppend,
			Kind:     occ.Kind,
			SourceID: rec.SourceID,
			Block:    occ.BlockNumber,
			Record:   &rec,
			Err:      err,
			Attempts: attempts,
			At:       l.now().UTC(),
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, "append")
		return err
	}

	l.metrics.appended("ok", time.Since(start))
	l.metrics.event(string(occ.Kind), "stored")
	l.log.DebugContext(ctx, "event_stored",
		"id", id.String(), "collection", rec.Collection, "source_id", rec.SourceID, "attempts", attempts)
	span.SetAttributes(attribute.String("record.id", id.String()))
	l.advance(ctx, occ.BlockNumber)
	return nil
}

func (l *Listener) advance(ctx context.Context, block uint64) {
	for {
		cur := l.lastBlock.Load()
		if block <= cur {
			return
		}
		if l.lastBlock.CompareAndSwap(cur, block) {
			break
		}
	}
	l.metrics.checkpointed(block)

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.Retry.OpTimeout)
	defer cancel()
	if err := l.cp.Save(saveCtx, block); err != nil {
		l.log.WarnContext(ctx, "checkpoint_save_failed", "block", block, "error", err)
	}
}
