package chain

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dotscope/dotscope/internal/errs"
	"github.com/dotscope/dotscope/internal/types"
)

// headSubscription is a live stream of chain headers. The server-side
// subscription is released within unsubscribeTimeout of Unsubscribe.
type headSubscription struct {
	client      *Client
	id          string
	unsubMethod string

	heads chan types.Header
	errCh chan error

	mu   sync.Mutex
	done bool
}

// Heads is the stream of decoded headers. The channel closes when the
// subscription ends, for any reason.
func (s *headSubscription) Heads() <-chan types.Header {
	return s.heads
}

// Err yields the terminal error, if the subscription ended abnormally.
func (s *headSubscription) Err() <-chan error {
	return s.errCh
}

// Unsubscribe releases the server-side subscription. Safe to call more than
// once.
func (s *headSubscription) Unsubscribe() {
	if !s.finish() {
		return
	}
	s.client.mu.Lock()
	delete(s.client.subs, s.id)
	s.client.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if _, err := s.client.call(ctx, s.unsubMethod, s.id); err != nil {
		s.client.log.Debug().Err(err).Str("subscription", s.id).Msg("Unsubscribe failed")
	}
}

// finish marks the subscription done and closes the head stream exactly once.
func (s *headSubscription) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	close(s.heads)
	return true
}

func (s *headSubscription) deliver(raw json.RawMessage) {
	header, err := parseHeader(raw)
	if err != nil {
		s.client.log.Warn().Err(err).Msg("Undecodable head notification")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.heads <- *header:
	default:
		// Consumer lagging; heads are re-derivable from the chain.
	}
}

func (s *headSubscription) fail(err error) {
	if !s.finish() {
		return
	}
	select {
	case s.errCh <- err:
	default:
	}
}

func (c *Client) subscribe(ctx context.Context, subMethod, unsubMethod string) (*headSubscription, error) {
	sub := &headSubscription{
		client:      c,
		unsubMethod: unsubMethod,
		heads:       make(chan types.Header, 64),
		errCh:       make(chan error, 1),
	}

	raw, err := c.call(ctx, subMethod)
	if err != nil {
		return nil, err
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return nil, errs.Decode("subscription id for %s: %v", subMethod, err)
	}

	sub.id = id
	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()
	return sub, nil
}

// SubscribeHeads opens a new-best-head subscription.
func (c *Client) SubscribeHeads(ctx context.Context) (*headSubscription, error) {
	return c.subscribe(ctx, "chain_subscribeNewHeads", "chain_unsubscribeNewHeads")
}

// SubscribeFinalizedHeads opens a finalized-head subscription.
func (c *Client) SubscribeFinalizedHeads(ctx context.Context) (*headSubscription, error) {
	return c.subscribe(ctx, "chain_subscribeFinalizedHeads", "chain_unsubscribeFinalizedHeads")
}
