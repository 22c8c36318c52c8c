// Package record defines the normalized, immutable unit the relay persists.
package record

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Record is one persisted event occurrence. IngestionSequence and IngestedAt are
// assigned by the store; everything else comes from the decoded event.
type Record struct {
	ID                uuid.UUID `json:"id"`
	Collection        string    `json:"collection"`
	SourceEventType   Kind      `json:"sourceEventType"`
	SourceID          string    `json:"sourceId,omitempty"`
	Payload           Payload   `json:"payload"`
	Timestamp         int64     `json:"timestamp"`
	BlockNumber       uint64    `json:"blockNumber"`
	IngestionSequence int64     `json:"ingestionSequence"`
	IngestedAt        time.Time `json:"ingestedAt"`
}

// ValidationError explains why a record cannot be stored.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

func (r Record) Validate() error {
	ks, ok := Lookup(r.SourceEventType)
	if !ok {
		return ValidationError("unknown source event type " + string(r.SourceEventType))
	}
	if r.Collection == "" {
		return ValidationError("collection is required")
	}
	if r.Collection != ks.Collection {
		return ValidationError("collection " + r.Collection + " does not hold " + string(r.SourceEventType) + " records")
	}
	if r.Timestamp < 0 {
		return ValidationError("timestamp must not be negative")
	}
	if r.BlockNumber > math.MaxInt64 {
		return ValidationError("block number out of range")
	}
	if len(r.Payload) == 0 {
		return ValidationError("payload is empty")
	}
	return nil
}

// DedupKey is the idempotency key, empty when the source gave no unique identifier.
func (r Record) DedupKey() string {
	if r.SourceID == "" {
		return ""
	}
	return string(r.SourceEventType) + "|" + r.SourceID
}
