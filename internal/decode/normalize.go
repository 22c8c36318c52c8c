// Package decode turns raw chain occurrences into records.
package decode

import (
	"fmt"
	"strings"

	"github.com/arkiv/chain-event-relay/internal/chain"
	"github.com/arkiv/chain-event-relay/internal/record"
)

// DecodeError marks an occurrence that cannot become a record. Redelivery would
// reproduce it, so callers skip instead of retrying.
type DecodeError struct {
	Kind   record.Kind
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	var b strings.Builder
	b.WriteString("decode ")
	b.WriteString(string(e.Kind))
	if e.Field != "" {
		b.WriteString(" field ")
		b.WriteString(e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DecodeError) Unwrap() error { return e.Err }

type converter func(any) (any, error)

// rule maps one source argument onto a payload field. The first present name in
// from wins, so both ABI names and payload names are accepted.
type rule struct {
	from []string
	to   string
	conv converter
}

var rules = map[record.Kind][]rule{
	record.KindAmountRecorded: {
		{from: []string{"burnerAddress", "actor"}, to: "actor", conv: Address},
		{from: []string{"amount"}, to: "amount", conv: Number},
	},
	record.KindBatchFulfilled: {
		{from: []string{"requestId"}, to: "requestId", conv: Number},
		{from: []string{"randomWords"}, to: "randomWords", conv: NumberList},
	},
	record.KindEntryRegistered: {
		{from: []string{"participant", "actor"}, to: "actor", conv: Address},
	},
	// One record carrying the count; a purchase of N entries is not N rows.
	record.KindRepeatCount: {
		{from: []string{"buyer", "actor"}, to: "actor", conv: Address},
		{from: []string{"count"}, to: "count", conv: Number},
	},
}

// Normalize converts an occurrence into a record ready for the store.
func Normalize(occ chain.Occurrence) (record.Record, error) {
	ks, ok := record.Lookup(occ.Kind)
	if !ok {
		return record.Record{}, &DecodeError{Kind: occ.Kind, Reason: "unknown event kind"}
	}
	if occ.Fields == nil {
		return record.Record{}, &DecodeError{Kind: occ.Kind, Reason: "event could not be unpacked"}
	}

	payload := make(record.Payload, 0, len(rules[occ.Kind]))
	for _, r := range rules[occ.Kind] {
		raw, name, found := pick(occ.Fields, r.from)
		if !found {
			return record.Record{}, &DecodeError{Kind: occ.Kind, Field: r.from[0], Reason: "missing"}
		}
		v, err := r.conv(raw)
		if err != nil {
			return record.Record{}, &DecodeError{Kind: occ.Kind, Field: name, Reason: "invalid value", Err: err}
		}
		payload = append(payload, record.Field{Name: r.to, Value: v})
	}

	rawTS, _, found := pick(occ.Fields, []string{"timestamp"})
	if !found {
		return record.Record{}, &DecodeError{Kind: occ.Kind, Field: "timestamp", Reason: "missing"}
	}
	ts, err := Timestamp(rawTS)
	if err != nil {
		return record.Record{}, &DecodeError{Kind: occ.Kind, Field: "timestamp", Reason: "invalid value", Err: err}
	}

	return record.Record{
		Collection:      ks.Collection,
		SourceEventType: occ.Kind,
		SourceID:        SourceID(occ),
		Payload:         payload,
		Timestamp:       ts,
		BlockNumber:     occ.BlockNumber,
	}, nil
}

// SourceID is the source-unique identifier "<txhash>:<logindex>", or empty when the
// occurrence carries no transaction hash.
func SourceID(occ chain.Occurrence) string {
	if occ.TxHash == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", strings.ToLower(occ.TxHash), occ.LogIndex)
}

func pick(fields map[string]any, names []string) (any, string, bool) {
	for _, n := range names {
		if v, ok := fields[n]; ok && v != nil {
			return v, n, true
		}
	}
	return nil, "", false
}
