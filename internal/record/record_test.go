package record

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadKeepsFieldOrder(t *testing.T) {
	p := Payload{
		{Name: "zeta", Value: "0xAA"},
		{Name: "amount", Value: json.Number("115792089237316195423570985008687907853269984665640564039457584007913129639935")},
		{Name: "alpha", Value: []json.Number{"1", "2"}},
	}

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"0xAA","amount":115792089237316195423570985008687907853269984665640564039457584007913129639935,"alpha":[1,2]}`, string(b))

	var got Payload
	require.NoError(t, json.Unmarshal(b, &got))
	require.Len(t, got, 3)
	assert.Equal(t, "zeta", got[0].Name)
	assert.Equal(t, "amount", got[1].Name)
	assert.Equal(t, "alpha", got[2].Name)

	amount, ok := got.Get("amount")
	require.True(t, ok)
	assert.Equal(t, json.Number("115792089237316195423570985008687907853269984665640564039457584007913129639935"), amount)
}

func TestPayloadUnmarshalRejectsNonObject(t *testing.T) {
	var p Payload
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &p))
	require.NoError(t, json.Unmarshal([]byte(`null`), &p))
	assert.Nil(t, p)
}

func TestValidate(t *testing.T) {
	valid := Record{
		Collection:      "burns",
		SourceEventType: KindAmountRecorded,
		Payload:         Payload{{Name: "amount", Value: json.Number("1")}},
		Timestamp:       1000,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(r *Record)
	}{
		{"unknown kind", func(r *Record) { r.SourceEventType = "nope" }},
		{"empty collection", func(r *Record) { r.Collection = "" }},
		{"wrong collection", func(r *Record) { r.Collection = "tickets" }},
		{"negative timestamp", func(r *Record) { r.Timestamp = -1 }},
		{"empty payload", func(r *Record) { r.Payload = nil }},
		{"huge block", func(r *Record) { r.BlockNumber = 1 << 63 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			var verr ValidationError
			assert.ErrorAs(t, r.Validate(), &verr)
		})
	}
}

func TestRegistry(t *testing.T) {
	for _, k := range Kinds() {
		ks, ok := Lookup(k)
		require.True(t, ok, k)
		assert.Contains(t, Collections(), ks.Collection)

		byEvent, ok := LookupEvent(ks.Event)
		require.True(t, ok)
		assert.Equal(t, k, byEvent.Kind)
	}
	assert.NotContains(t, Collections(), "x")

	_, err := ParseKind("repeat-count")
	assert.NoError(t, err)
	_, err = ParseKind("burn")
	assert.Error(t, err)
}

func TestDedupKey(t *testing.T) {
	r := Record{SourceEventType: KindRepeatCount}
	assert.Empty(t, r.DedupKey())
	r.SourceID = "0xabc:1"
	assert.Equal(t, "repeat-count|0xabc:1", r.DedupKey())
}
