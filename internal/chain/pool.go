package chain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotscope/dotscope/internal/errs"
)

const (
	// PoolSize caps outbound RPC parallelism.
	PoolSize = 5

	drainTimeout = 30 * time.Second
)

// opSet tracks in-flight operations so an endpoint change can quiesce.
type opSet struct {
	mu sync.Mutex
	n  int64
}

func (s *opSet) begin() {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
}

func (s *opSet) end() {
	s.mu.Lock()
	s.n--
	s.mu.Unlock()
}

func (s *opSet) count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// awaitIdle waits until no operations are in flight, or the timeout passes.
func (s *opSet) awaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.count() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}

// Pool is a fixed-size set of Clients bound to the configured endpoint, plus
// a primary client whose lifetime matches the service. Acquire never blocks.
// ChangeEndpoint swaps the whole set atomically after quiescing in-flight
// operations.
type Pool struct {
	log     zerolog.Logger
	timeout time.Duration
	size    int

	mu      sync.RWMutex
	url     string
	primary *Client
	clients []*Client

	rr uint64

	changeMu sync.Mutex
	ops      opSet
}

// NewPool dials the primary client and up to size pool clients. Partial pool
// connectivity is tolerated; a dead primary is not.
func NewPool(url string, size int, timeout time.Duration, log zerolog.Logger) (*Pool, error) {
	if size <= 0 {
		size = PoolSize
	}
	p := &Pool{
		log:     log.With().Str("component", "chain.pool").Logger(),
		timeout: timeout,
		size:    size,
		url:     url,
	}

	primary, err := NewClient(url, timeout, log)
	if err != nil {
		return nil, err
	}
	p.primary = primary

	clients := make([]*Client, 0, size)
	for i := 0; i < size; i++ {
		c, err := NewClient(url, timeout, log)
		if err != nil {
			p.log.Warn().Err(err).Int("index", i).Msg("Pool client failed to connect")
			continue
		}
		clients = append(clients, c)
	}
	p.clients = clients
	p.log.Info().Int("connected", len(clients)).Int("size", size).Str("endpoint", url).Msg("Connection pool ready")
	return p, nil
}

// Acquire returns a client by round-robin index. It never blocks: when fewer
// than size clients are connected it selects from the connected subset, and
// when none are it falls back to the primary.
func (p *Pool) Acquire(i int) *Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if i < 0 {
		i = -i
	}
	connected := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		if c.Connected() {
			connected = append(connected, c)
		}
	}
	if len(connected) == 0 {
		return p.primary
	}
	return connected[i%len(connected)]
}

// Next returns the next client in round-robin order.
func (p *Pool) Next() *Client {
	return p.Acquire(int(atomic.AddUint64(&p.rr, 1)))
}

// Primary returns the long-lived fallback client.
func (p *Pool) Primary() *Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.primary
}

// Endpoint returns the currently configured endpoint URL.
func (p *Pool) Endpoint() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

// Size returns the configured pool size.
func (p *Pool) Size() int {
	return p.size
}

// BeginOp registers a long-running operation on the drain set and returns
// its release func. Endpoint changes wait for registered operations.
func (p *Pool) BeginOp() func() {
	p.ops.begin()
	var once sync.Once
	return func() { once.Do(p.ops.end) }
}

// ChangeEndpoint swaps every session to a new URL. Overlapping invocations
// serialize: later callers block until the in-progress change finishes.
// In-flight operations get up to drainTimeout to complete; the swap then
// proceeds regardless. Callers never observe a half-swapped pool.
func (p *Pool) ChangeEndpoint(ctx context.Context, url string) error {
	p.changeMu.Lock()
	defer p.changeMu.Unlock()

	if p.Endpoint() == url {
		return nil
	}

	p.log.Info().Str("from", p.Endpoint()).Str("to", url).Msg("Endpoint change requested")
	if !p.ops.awaitIdle(drainTimeout) {
		p.log.Warn().Int64("in_flight", p.ops.count()).Msg("Drain timeout elapsed, swapping anyway")
	}

	primary, err := NewClient(url, p.timeout, p.log)
	if err != nil {
		return errs.Unavailable("endpoint %s unreachable: %v", url, err)
	}
	clients := make([]*Client, 0, p.size)
	for i := 0; i < p.size; i++ {
		c, err := NewClient(url, p.timeout, p.log)
		if err != nil {
			p.log.Warn().Err(err).Int("index", i).Msg("Pool client failed to connect")
			continue
		}
		clients = append(clients, c)
	}

	p.mu.Lock()
	oldPrimary := p.primary
	oldClients := p.clients
	p.primary = primary
	p.clients = clients
	p.url = url
	p.mu.Unlock()

	oldPrimary.Close()
	for _, c := range oldClients {
		c.Close()
	}
	p.log.Info().Str("endpoint", url).Int("connected", len(clients)).Msg("Endpoint change complete")
	return nil
}

// Close tears down every session.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.primary.Close()
	for _, c := range p.clients {
		c.Close()
	}
}
