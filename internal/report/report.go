// Package report carries failures the listener gave up on to somewhere an
// operator can see them.
package report

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/arkiv/chain-event-relay/internal/record"
)

type Stage string

const (
	StageDecode Stage = "decode"
	StageAppend Stage = "append"
)

// Failure describes one occurrence that was not persisted.
type Failure struct {
	Stage    Stage
	Kind     record.Kind
	SourceID string
	Block    uint64
	Record   *record.Record
	Err      error
	Attempts int
	At       time.Time
}

func (f Failure) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		Stage    Stage          `json:"stage"`
		Kind     record.Kind    `json:"kind"`
		SourceID string         `json:"sourceId,omitempty"`
		Block    uint64         `json:"blockNumber"`
		Record   *record.Record `json:"record,omitempty"`
		Error    string         `json:"error"`
		Attempts int            `json:"attempts"`
		At       time.Time      `json:"at"`
	}{f.Stage, f.Kind, f.SourceID, f.Block, f.Record, msg, f.Attempts, f.At})
}

// Reporter must not block the caller for long and must not panic.
type Reporter interface {
	Report(ctx context.Context, f Failure)
}

// Log writes failures as structured log lines.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log { return &Log{log: log} }

func (l *Log) Report(ctx context.Context, f Failure) {
	l.log.ErrorContext(ctx, "event_not_persisted",
		"stage", string(f.Stage),
		"kind", string(f.Kind),
		"source_id", f.SourceID,
		"block", f.Block,
		"attempts", f.Attempts,
		"error", f.Err,
	)
}

// Chan hands failures to a consumer goroutine. When the buffer is full the
// failure is dropped and counted.
type Chan struct {
	c       chan Failure
	dropped atomic.Int64
}

func NewChan(size int) *Chan {
	if size <= 0 {
		size = 64
	}
	return &Chan{c: make(chan Failure, size)}
}

func (c *Chan) Report(_ context.Context, f Failure) {
	select {
	case c.c <- f:
	default:
		c.dropped.Add(1)
	}
}

func (c *Chan) C() <-chan Failure { return c.c }

func (c *Chan) Dropped() int64 { return c.dropped.Load() }

// Forward passes each failure on to r until ctx is done, then flushes whatever is
// still buffered and returns.
func (c *Chan) Forward(ctx context.Context, r Reporter) {
	for {
		select {
		case f := <-c.c:
			r.Report(ctx, f)
		case <-ctx.Done():
			flushCtx := context.WithoutCancel(ctx)
			for {
				select {
				case f := <-c.c:
					r.Report(flushCtx, f)
				default:
					return
				}
			}
		}
	}
}

// Multi fans a failure out to every reporter in order.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, f Failure) {
	for _, r := range m {
		if r != nil {
			r.Report(ctx, f)
		}
	}
}
