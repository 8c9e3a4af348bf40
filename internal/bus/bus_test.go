package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotscope/dotscope/internal/types"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	first := b.SubscribeHeadSeen()
	second := b.SubscribeHeadSeen()

	b.PublishHeadSeen(types.HeadSeen{Number: 42, Hash: "0x2a"})

	for _, ch := range []<-chan types.HeadSeen{first, second} {
		select {
		case ev := <-ch:
			assert.EqualValues(t, 42, ev.Number)
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New()
	ch := b.SubscribeTxSeen()

	// Two buffers' worth: the overflow must be dropped, not block.
	for i := 0; i < defaultBuffer*2; i++ {
		b.PublishTxSeen(types.TxSeen{BlockNumber: uint64(i)})
	}
	assert.Len(t, ch, defaultBuffer)

	ev := <-ch
	assert.EqualValues(t, 0, ev.BlockNumber, "oldest events are retained")
}

func TestTopicsAreIndependent(t *testing.T) {
	b := New()
	heads := b.SubscribeHeadSeen()
	finalized := b.SubscribeHeadFinalized()
	details := b.SubscribeBlockDetails()

	b.PublishHeadFinalized(types.HeadFinalized{Number: 9})

	assert.Empty(t, heads)
	assert.Empty(t, details)
	require.Len(t, finalized, 1)
	ev := <-finalized
	assert.EqualValues(t, 9, ev.Number)
}
