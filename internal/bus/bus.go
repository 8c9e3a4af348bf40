// Package bus is the typed in-process event bus between the live subscriber,
// the indexer and the hub. Each topic is a set of buffered channels, one per
// subscriber; publishing never blocks — a full subscriber channel drops the
// event and bumps a counter. Consumers are expected to tolerate gaps: the
// indexer is idempotent and the hub is best-effort by contract.
package bus

import (
	"sync"

	"github.com/dotscope/dotscope/internal/metrics"
	"github.com/dotscope/dotscope/internal/types"
)

const defaultBuffer = 256

// Bus fans typed events out to registered subscriber channels.
type Bus struct {
	mu            sync.RWMutex
	headSeen      []chan types.HeadSeen
	headFinalized []chan types.HeadFinalized
	txSeen        []chan types.TxSeen
	blockDetails  []chan *types.BlockRecord
}

func New() *Bus {
	return &Bus{}
}

// SubscribeHeadSeen registers a new consumer of best-head events.
func (b *Bus) SubscribeHeadSeen() <-chan types.HeadSeen {
	ch := make(chan types.HeadSeen, defaultBuffer)
	b.mu.Lock()
	b.headSeen = append(b.headSeen, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) SubscribeHeadFinalized() <-chan types.HeadFinalized {
	ch := make(chan types.HeadFinalized, defaultBuffer)
	b.mu.Lock()
	b.headFinalized = append(b.headFinalized, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) SubscribeTxSeen() <-chan types.TxSeen {
	ch := make(chan types.TxSeen, defaultBuffer)
	b.mu.Lock()
	b.txSeen = append(b.txSeen, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) SubscribeBlockDetails() <-chan *types.BlockRecord {
	ch := make(chan *types.BlockRecord, defaultBuffer)
	b.mu.Lock()
	b.blockDetails = append(b.blockDetails, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) PublishHeadSeen(ev types.HeadSeen) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.headSeen {
		select {
		case ch <- ev:
		default:
			metrics.HeadsDropped.WithLabelValues("head_seen").Inc()
		}
	}
}

func (b *Bus) PublishHeadFinalized(ev types.HeadFinalized) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.headFinalized {
		select {
		case ch <- ev:
		default:
			metrics.HeadsDropped.WithLabelValues("head_finalized").Inc()
		}
	}
}

func (b *Bus) PublishTxSeen(ev types.TxSeen) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.txSeen {
		select {
		case ch <- ev:
		default:
			metrics.HeadsDropped.WithLabelValues("tx_seen").Inc()
		}
	}
}

func (b *Bus) PublishBlockDetails(rec *types.BlockRecord) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.blockDetails {
		select {
		case ch <- rec:
		default:
			metrics.HeadsDropped.WithLabelValues("block_details").Inc()
		}
	}
}
