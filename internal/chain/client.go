// Package chain owns the RPC side of the explorer: WebSocket JSON-RPC
// sessions, the connection pool, SCALE decoding, block assembly and the
// staking era readout.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dotscope/dotscope/internal/errs"
	"github.com/dotscope/dotscope/internal/metrics"
	"github.com/dotscope/dotscope/internal/types"
)

// ConnState is reported on the client's state side channel.
type ConnState int

const (
	StateConnected ConnState = iota
	StateDisconnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "error"
	}
}

const (
	writeWait          = 10 * time.Second
	reconnectBase      = 500 * time.Millisecond
	reconnectCap       = 30 * time.Second
	unsubscribeTimeout = time.Second
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcEnvelope covers both call responses (id set) and subscription
// notifications (method + params set).
type rpcEnvelope struct {
	ID     *uint64         `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
}

// encodedBlock mirrors the chain_getBlock result shape.
type encodedBlock struct {
	Block struct {
		Header     encodedHeader `json:"header"`
		Extrinsics []string      `json:"extrinsics"`
	} `json:"block"`
}

type encodedHeader struct {
	Number         string `json:"number"`
	ParentHash     string `json:"parentHash"`
	StateRoot      string `json:"stateRoot"`
	ExtrinsicsRoot string `json:"extrinsicsRoot"`
}

// Client owns one WebSocket RPC session. Requests multiplex over the session
// by id; subscription notifications route by subscription id. Reconnection is
// automatic with exponential backoff and jitter; requests outstanding at
// disconnect fail and are never silently retried.
type Client struct {
	url     string
	log     zerolog.Logger
	timeout time.Duration

	nextID uint64

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan *rpcEnvelope
	subs    map[string]*headSubscription

	writeMu sync.Mutex

	states chan ConnState
	closed chan struct{}
	once   sync.Once
}

// NewClient dials the endpoint and starts the session loops. The returned
// client keeps itself connected until Close.
func NewClient(url string, timeout time.Duration, log zerolog.Logger) (*Client, error) {
	c := &Client{
		url:     url,
		log:     log.With().Str("component", "chain.client").Str("endpoint", url).Logger(),
		timeout: timeout,
		pending: make(map[uint64]chan *rpcEnvelope),
		subs:    make(map[string]*headSubscription),
		states:  make(chan ConnState, 16),
		closed:  make(chan struct{}),
	}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.reportState(StateConnected)
	go c.readLoop(conn)
	return c, nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.timeout}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return nil, errs.Unavailable("dial %s: %v", c.url, err)
	}
	return conn, nil
}

// States exposes connection state transitions. Slow readers miss updates.
func (c *Client) States() <-chan ConnState {
	return c.states
}

func (c *Client) reportState(s ConnState) {
	select {
	case c.states <- s:
	default:
	}
}

// Endpoint returns the URL this session is bound to.
func (c *Client) Endpoint() string {
	return c.url
}

// Connected reports whether the session currently has a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close tears the session down and stops the reconnect loop.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.failAll(errs.Unavailable("client closed"))
	})
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn().Err(err).Msg("Unparseable RPC frame")
			continue
		}
		switch {
		case env.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*env.ID]
			if ok {
				delete(c.pending, *env.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- &env
			}
		case env.Params != nil:
			c.mu.Lock()
			sub := c.subs[env.Params.Subscription]
			c.mu.Unlock()
			if sub != nil {
				sub.deliver(env.Params.Result)
			}
		}
	}
}

// handleDisconnect fails every outstanding request and subscription, then
// reconnects with backoff unless the client was closed.
func (c *Client) handleDisconnect(cause error) {
	select {
	case <-c.closed:
		return
	default:
	}

	c.log.Warn().Err(cause).Msg("RPC session disconnected")
	c.reportState(StateDisconnected)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.failAll(errs.Unavailable("connection lost: %v", cause))

	backoff := reconnectBase
	for {
		select {
		case <-c.closed:
			return
		case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff/2+1)))):
		}
		conn, err := c.dial()
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			metrics.RPCReconnects.Inc()
			c.reportState(StateConnected)
			c.log.Info().Msg("RPC session reconnected")
			go c.readLoop(conn)
			return
		}
		c.log.Warn().Err(err).Dur("backoff", backoff).Msg("Reconnect failed")
		c.reportState(StateError)
		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	subs := c.subs
	c.pending = make(map[uint64]chan *rpcEnvelope)
	c.subs = make(map[string]*headSubscription)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- &rpcEnvelope{Error: &rpcError{Code: -1, Message: err.Error()}}
	}
	for _, sub := range subs {
		sub.fail(err)
	}
}

// call issues one JSON-RPC request and waits for its response.
func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	id := atomic.AddUint64(&c.nextID, 1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Internal("marshal %s request: %v", method, err)
	}

	respCh := make(chan *rpcEnvelope, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, errs.Unavailable("not connected")
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	start := time.Now()
	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		metrics.RPCRequests.WithLabelValues(method, "error").Inc()
		return nil, errs.Unavailable("write %s: %v", method, err)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		metrics.RPCRequests.WithLabelValues(method, "canceled").Inc()
		return nil, ctx.Err()
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		metrics.RPCRequests.WithLabelValues(method, "timeout").Inc()
		return nil, errs.Timeout("%s timed out after %s", method, timeout)
	case env := <-respCh:
		metrics.RPCLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if env.Error != nil {
			metrics.RPCRequests.WithLabelValues(method, "error").Inc()
			if strings.Contains(env.Error.Message, "unavailable") || env.Error.Code == -1 {
				return nil, errs.Unavailable("%s: %v", method, env.Error)
			}
			return nil, errs.Internal("%s: %v", method, env.Error)
		}
		metrics.RPCRequests.WithLabelValues(method, "ok").Inc()
		return env.Result, nil
	}
}

// Header fetches the header at a hash, or the tip header when at is empty.
func (c *Client) Header(ctx context.Context, at string) (*types.Header, error) {
	var params []any
	if at != "" {
		params = append(params, at)
	}
	raw, err := c.call(ctx, "chain_getHeader", params...)
	if err != nil {
		return nil, err
	}
	if isNullResult(raw) {
		return nil, errs.NotFound("header at %q", at)
	}
	return parseHeader(raw)
}

// BlockHash resolves a block number to its hash.
func (c *Client) BlockHash(ctx context.Context, number uint64) (string, error) {
	raw, err := c.call(ctx, "chain_getBlockHash", number)
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil || hash == "" {
		return "", errs.NotFound("no hash for block %d", number)
	}
	return types.NormalizeHash(hash), nil
}

// FinalizedHead returns the hash of the latest finalized block.
func (c *Client) FinalizedHead(ctx context.Context) (string, error) {
	raw, err := c.call(ctx, "chain_getFinalizedHead")
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", errs.Decode("finalized head: %v", err)
	}
	return types.NormalizeHash(hash), nil
}

// RawBlock fetches the undecoded block at a hash.
func (c *Client) RawBlock(ctx context.Context, hash string) (*encodedBlock, error) {
	raw, err := c.call(ctx, "chain_getBlock", hash)
	if err != nil {
		return nil, err
	}
	if isNullResult(raw) {
		return nil, errs.NotFound("block %s", hash)
	}
	var blk encodedBlock
	if err := json.Unmarshal(raw, &blk); err != nil {
		return nil, errs.Decode("block %s: %v", hash, err)
	}
	return &blk, nil
}

// Storage reads a raw storage value at a hash (tip when at is empty).
// Returns "" when the item is empty at that block.
func (c *Client) Storage(ctx context.Context, key string, at string) (string, error) {
	params := []any{key}
	if at != "" {
		params = append(params, at)
	}
	raw, err := c.call(ctx, "state_getStorage", params...)
	if err != nil {
		return "", err
	}
	if isNullResult(raw) {
		return "", nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", errs.Decode("storage %s: %v", key, err)
	}
	return value, nil
}

// RuntimeVersion returns the spec version at a hash.
func (c *Client) RuntimeVersion(ctx context.Context, at string) (int, error) {
	var params []any
	if at != "" {
		params = append(params, at)
	}
	raw, err := c.call(ctx, "state_getRuntimeVersion", params...)
	if err != nil {
		return 0, err
	}
	var rv struct {
		SpecVersion int `json:"specVersion"`
	}
	if err := json.Unmarshal(raw, &rv); err != nil {
		return 0, errs.Decode("runtime version: %v", err)
	}
	if rv.SpecVersion == 0 {
		return 0, errs.Decode("runtime version with specVersion 0")
	}
	return rv.SpecVersion, nil
}

// Metadata returns the hex-encoded runtime metadata at a hash.
func (c *Client) Metadata(ctx context.Context, at string) (string, error) {
	var params []any
	if at != "" {
		params = append(params, at)
	}
	raw, err := c.call(ctx, "state_getMetadata", params...)
	if err != nil {
		return "", err
	}
	var meta string
	if err := json.Unmarshal(raw, &meta); err != nil || meta == "" {
		return "", errs.Decode("empty metadata at %q", at)
	}
	return meta, nil
}

func isNullResult(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

func parseHeader(raw json.RawMessage) (*types.Header, error) {
	var h encodedHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, errs.Decode("header: %v", err)
	}
	number, err := parseHexNumber(h.Number)
	if err != nil {
		return nil, errs.Decode("header number %q: %v", h.Number, err)
	}
	return &types.Header{
		Number:         number,
		ParentHash:     types.NormalizeHash(h.ParentHash),
		StateRoot:      types.NormalizeHash(h.StateRoot),
		ExtrinsicsRoot: types.NormalizeHash(h.ExtrinsicsRoot),
	}, nil
}

func parseHexNumber(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	return strconv.ParseUint(s, 16, 64)
}
