package store

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/arkiv/chain-event-relay/internal/record"
)

type traced struct {
	Store
	tracer trace.Tracer
}

// WithTracing wraps s so every append and read runs in its own span.
func WithTracing(s Store, tracer trace.Tracer) Store {
	return &traced{Store: s, tracer: tracer}
}

func (t *traced) Append(ctx context.Context, rec record.Record) (uuid.UUID, error) {
	ctx, span := t.tracer.Start(ctx, "store.append", trace.WithAttributes(
		attribute.String("collection", rec.Collection),
		attribute.String("event.kind", string(rec.SourceEventType)),
		attribute.String("event.source_id", rec.SourceID),
	))
	defer span.End()

	id, err := t.Store.Append(ctx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return id, err
	}
	span.SetAttributes(attribute.String("record.id", id.String()))
	return id, nil
}

func (t *traced) ListAll(ctx context.Context, collection string) ([]record.Record, error) {
	ctx, span := t.tracer.Start(ctx, "store.list_all", trace.WithAttributes(
		attribute.String("collection", collection),
	))
	defer span.End()

	recs, err := t.Store.ListAll(ctx, collection)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("records", len(recs)))
	return recs, nil
}
