package chain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkiv/chain-event-relay/internal/record"
)

func TestSyntheticSourceNext(t *testing.T) {
	s := NewSyntheticSource("1", time.Second)
	kinds := record.Kinds()

	a := s.Next(kinds)
	b := s.Next(kinds)

	assert.Equal(t, uint64(1), a.BlockNumber)
	assert.Equal(t, uint64(2), b.BlockNumber)
	assert.NotEqual(t, a.TxHash, b.TxHash, "tx hashes should differ per block")
	assert.NotEqual(t, a.Kind, b.Kind)
	assert.Contains(t, a.Fields, "timestamp")
}

func TestSyntheticSourceSubscribeDeliversInOrder(t *testing.T) {
	s := NewSyntheticSource("1", 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.Subscribe(ctx, []record.Kind{record.KindRepeatCount}, 10)
	require.NoError(t, err)

	var blocks []uint64
	for len(blocks) < 3 {
		select {
		case occ := <-sub.Events():
			assert.Equal(t, record.KindRepeatCount, occ.Kind)
			blocks = append(blocks, occ.BlockNumber)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}
	assert.Equal(t, []uint64{10, 11, 12}, blocks)

	sub.Unsubscribe()
	for range sub.Events() {
	}
}

func TestSyntheticSourceNeedsKinds(t *testing.T) {
	_, err := NewSyntheticSource("1", time.Second).Subscribe(context.Background(), nil, 0)
	assert.Error(t, err)
}
