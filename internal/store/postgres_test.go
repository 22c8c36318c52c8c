package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkiv/chain-event-relay/internal/record"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db, time.Second), mock
}

func TestPostgresAppendInserts(t *testing.T) {
	p, mock := newMockPostgres(t)
	want := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO event_records")).
		WithArgs(sqlmock.AnyArg(), "burns", "amount-recorded", "0x01:0", int64(0), int64(1000), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(want.String()))

	got, err := p.Append(context.Background(), burn("0x01:0", "500"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendConflictReturnsExistingID(t *testing.T) {
	p, mock := newMockPostgres(t)
	existing := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO event_records")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM event_records")).
		WithArgs("amount-recorded", "0x01:0").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(existing.String()))

	got, err := p.Append(context.Background(), burn("0x01:0", "500"))
	require.NoError(t, err)
	assert.Equal(t, existing, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendWithoutSourceIDPassesNull(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO event_records")).
		WithArgs(sqlmock.AnyArg(), "burns", "amount-recorded", nil, int64(0), int64(1000), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New().String()))

	_, err := p.Append(context.Background(), burn("", "1"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendRejectsInvalidRecordWithoutQuerying(t *testing.T) {
	p, mock := newMockPostgres(t)
	rec := burn("0x01:0", "1")
	rec.Payload = nil

	_, err := p.Append(context.Background(), rec)
	assert.ErrorIs(t, err, ErrValidationFailed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendClassifiesBackendErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want *StoreError
	}{
		{"connection refused", errors.New("dial tcp: connection refused"), ErrConnectionUnavailable},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"statement canceled", &pgconn.PgError{Code: "57014"}, ErrTimeout},
		{"numeric out of range", &pgconn.PgError{Code: "22003"}, ErrValidationFailed},
		{"not null violation", &pgconn.PgError{Code: "23502"}, ErrValidationFailed},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, ErrConnectionUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, mock := newMockPostgres(t)
			mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO event_records")).WillReturnError(tt.err)

			_, err := p.Append(context.Background(), burn("0x01:0", "1"))
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestPostgresListAllOrdersBySequence(t *testing.T) {
	p, mock := newMockPostgres(t)
	first, second := uuid.New(), uuid.New()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	cols := []string{"id", "collection", "source_event_type", "source_id", "block_number",
		"event_timestamp", "payload", "ingestion_sequence", "ingested_at"}
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY ingestion_sequence")).
		WithArgs("burns").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(first.String(), "burns", "amount-recorded", "0x01:0", int64(7), int64(1000),
				[]byte(`{"actor":"0x00000000000000000000000000000000000000AA","amount":500}`), int64(1), at).
			AddRow(second.String(), "burns", "amount-recorded", nil, int64(8), int64(1001),
				[]byte(`{"actor":"0x00000000000000000000000000000000000000BB","amount":7}`), int64(2), at))

	recs, err := p.ListAll(context.Background(), "burns")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, first, recs[0].ID)
	assert.Equal(t, record.KindAmountRecorded, recs[0].SourceEventType)
	assert.Equal(t, "0x01:0", recs[0].SourceID)
	assert.Equal(t, uint64(7), recs[0].BlockNumber)
	assert.Equal(t, "amount", recs[0].Payload[1].Name)

	assert.Equal(t, second, recs[1].ID)
	assert.Empty(t, recs[1].SourceID)
	assert.Equal(t, int64(2), recs[1].IngestionSequence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListAllEmpty(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM event_records")).
		WithArgs("tickets").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	recs, err := p.ListAll(context.Background(), "tickets")
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestPostgresListAllFailureIsQueryError(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM event_records")).
		WillReturnError(fmt.Errorf("read tcp: connection reset"))

	_, err := p.ListAll(context.Background(), "burns")
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, ConnectionUnavailable, qe.Kind)
	assert.Equal(t, "burns", qe.Collection)
}

func TestPostgresMigrate(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS event_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE UNIQUE INDEX IF NOT EXISTS event_records_source_key")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS event_records_collection_seq")).
		WillReturnError(errors.New("permission denied"))

	err := p.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	require.NoError(t, mock.ExpectationsWereMet())
}
