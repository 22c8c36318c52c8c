package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/arkiv/chain-event-relay/internal/record"
)

type PostgresConfig struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
	OpTimeout       time.Duration
}

// Postgres stores records as JSONB documents in event_records, one logical
// collection per event domain. Uses ON CONFLICT on (source_event_type, source_id)
// for idempotency.
type Postgres struct {
	db        *sql.DB
	opTimeout time.Duration
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS event_records (
		id UUID PRIMARY KEY,
		ingestion_sequence BIGSERIAL UNIQUE,
		collection TEXT NOT NULL,
		source_event_type TEXT NOT NULL,
		source_id TEXT,
		block_number BIGINT NOT NULL DEFAULT 0,
		event_timestamp BIGINT NOT NULL,
		payload JSONB NOT NULL,
		ingested_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS event_records_source_key
		ON event_records (source_event_type, source_id) WHERE source_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS event_records_collection_seq
		ON event_records (collection, ingestion_sequence)`,
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 3 * time.Second
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	p := NewPostgres(db, cfg.OpTimeout)
	if err := p.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func NewPostgres(db *sql.DB, opTimeout time.Duration) *Postgres {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Postgres{db: db, opTimeout: opTimeout}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Append(ctx context.Context, rec record.Record) (uuid.UUID, error) {
	if err := rec.Validate(); err != nil {
		return uuid.Nil, &StoreError{Kind: ValidationFailed, Op: "append", Err: err}
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return uuid.Nil, &StoreError{Kind: ValidationFailed, Op: "append", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	var sourceID sql.NullString
	if rec.SourceID != "" {
		sourceID = sql.NullString{String: rec.SourceID, Valid: true}
	}

	const q = `
INSERT INTO event_records (id, collection, source_event_type, source_id, block_number, event_timestamp, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (source_event_type, source_id) WHERE source_id IS NOT NULL DO NOTHING
RETURNING id;
`
	var id uuid.UUID
	err = p.db.QueryRowContext(ctx, q,
		uuid.New(), rec.Collection, string(rec.SourceEventType), sourceID,
		int64(rec.BlockNumber), rec.Timestamp, payload,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, writeErr("append", err)
	}

	// Conflict: the source id is already stored.
	const existing = `
SELECT id FROM event_records
WHERE source_event_type = $1 AND source_id = $2;
`
	if err := p.db.QueryRowContext(ctx, existing, string(rec.SourceEventType), rec.SourceID).Scan(&id); err != nil {
		return uuid.Nil, writeErr("append", err)
	}
	return id, nil
}

func (p *Postgres) ListAll(ctx context.Context, collection string) ([]record.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	const q = `
SELECT id, collection, source_event_type, source_id, block_number, event_timestamp,
       payload, ingestion_sequence, ingested_at
FROM event_records
WHERE collection = $1
ORDER BY ingestion_sequence;
`
	rows, err := p.db.QueryContext(ctx, q, collection)
	if err != nil {
		return nil, readErr(collection, err)
	}
	defer func() { _ = rows.Close() }()

	out := []record.Record{}
	for rows.Next() {
		var (
			rec      record.Record
			kind     string
			sourceID sql.NullString
			block    int64
			payload  []byte
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Collection,
			&kind,
			&sourceID,
			&block,
			&rec.Timestamp,
			&payload,
			&rec.IngestionSequence,
			&rec.IngestedAt,
		); err != nil {
			return nil, readErr(collection, err)
		}
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, readErr(collection, fmt.Errorf("decode payload of %s: %w", rec.ID, err))
		}
		rec.SourceEventType = record.Kind(kind)
		rec.SourceID = sourceID.String
		rec.BlockNumber = uint64(block)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr(collection, err)
	}
	return out, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error { return p.db.Close() }
