package chain

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotscope/dotscope/internal/bus"
	"github.com/dotscope/dotscope/internal/types"
)

const (
	subscriberRetryBase = time.Second
	subscriberRetryCap  = 30 * time.Second
)

// Subscriber keeps new-head and finalized-head subscriptions open on the
// primary session and republishes them as typed bus events. On a session
// error it goes idle and the built-in supervisor loop reopens the
// subscriptions after backoff. No events are buffered across restarts;
// downstream consumers rely on the indexer's idempotence.
type Subscriber struct {
	pool *Pool
	bus  *bus.Bus
	log  zerolog.Logger

	running int32
}

func NewSubscriber(pool *Pool, b *bus.Bus, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		pool: pool,
		bus:  b,
		log:  log.With().Str("component", "chain.subscriber").Logger(),
	}
}

// Running reports whether the subscriber currently holds live subscriptions.
func (s *Subscriber) Running() bool {
	return atomic.LoadInt32(&s.running) == 1
}

// Run blocks until ctx is done, supervising the subscription session.
func (s *Subscriber) Run(ctx context.Context) {
	backoff := subscriberRetryBase
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := s.session(ctx)
		atomic.StoreInt32(&s.running, 0)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Dur("backoff", backoff).Msg("Head subscription ended, restarting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > subscriberRetryCap {
			backoff = subscriberRetryCap
		}
	}
}

func (s *Subscriber) session(ctx context.Context) error {
	client := s.pool.Primary()

	newHeads, err := client.SubscribeHeads(ctx)
	if err != nil {
		return err
	}
	defer newHeads.Unsubscribe()

	finalized, err := client.SubscribeFinalizedHeads(ctx)
	if err != nil {
		return err
	}
	defer finalized.Unsubscribe()

	atomic.StoreInt32(&s.running, 1)
	s.log.Info().Msg("Head subscriptions open")

	for {
		select {
		case <-ctx.Done():
			return nil

		case header, ok := <-newHeads.Heads():
			if !ok {
				return subscriptionErr(newHeads)
			}
			hash, err := client.BlockHash(ctx, header.Number)
			if err != nil {
				s.log.Warn().Err(err).Uint64("number", header.Number).Msg("Hash lookup for new head failed")
				continue
			}
			s.bus.PublishHeadSeen(types.HeadSeen{
				Number: header.Number,
				Hash:   hash,
				SeenAt: time.Now(),
			})

		case header, ok := <-finalized.Heads():
			if !ok {
				return subscriptionErr(finalized)
			}
			hash, err := client.BlockHash(ctx, header.Number)
			if err != nil {
				s.log.Warn().Err(err).Uint64("number", header.Number).Msg("Hash lookup for finalized head failed")
				continue
			}
			s.bus.PublishHeadFinalized(types.HeadFinalized{
				Number:      header.Number,
				Hash:        hash,
				FinalizedAt: time.Now(),
			})
		}
	}
}

func subscriptionErr(sub *headSubscription) error {
	select {
	case err := <-sub.Err():
		return err
	default:
		return nil
	}
}
