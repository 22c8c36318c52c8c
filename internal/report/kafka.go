package report

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	ClientID     string
	WriteTimeout time.Duration
}

// Kafka publishes failures to a dead-letter topic keyed by source id, so
// repeated failures of one occurrence land on the same partition.
type Kafka struct {
	w       messageWriter
	log     *slog.Logger
	timeout time.Duration
}

func NewKafka(cfg KafkaConfig, log *slog.Logger) *Kafka {
	if cfg.ClientID == "" {
		cfg.ClientID = "chain-event-relay"
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID:    cfg.ClientID,
			MetadataTTL: 10 * time.Second,
		},
	}
	return newKafka(w, cfg.WriteTimeout, log)
}

func newKafka(w messageWriter, timeout time.Duration, log *slog.Logger) *Kafka {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Kafka{w: w, log: log, timeout: timeout}
}

func (k *Kafka) Report(ctx context.Context, f Failure) {
	value, err := json.Marshal(f)
	if err != nil {
		k.log.ErrorContext(ctx, "dead_letter_encode_failed", "source_id", f.SourceID, "error", err)
		return
	}
	key := f.SourceID
	if key == "" {
		key = string(f.Kind)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()
	err = k.w.WriteMessages(wctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "stage", Value: []byte(f.Stage)},
			{Key: "kind", Value: []byte(f.Kind)},
		},
	})
	if err != nil {
		k.log.ErrorContext(ctx, "dead_letter_publish_failed", "source_id", f.SourceID, "error", err)
	}
}

func (k *Kafka) Close() error { return k.w.Close() }
