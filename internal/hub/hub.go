// Package hub fans live chain events out to WebSocket clients. Clients join
// rooms; the hub maps each bus topic onto its rooms and delivers best-effort:
// a slow client drops messages rather than stalling the fanout.
package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dotscope/dotscope/internal/bus"
	"github.com/dotscope/dotscope/internal/metrics"
)

// Room names. Address rooms are "address:<addr>".
const (
	RoomBlocks       = "blocks"
	RoomTransactions = "transactions"
	addressRoomPfx   = "address:"
)

// Server-emitted message types.
const (
	TypeNewBlock       = "blockchain:newBlock"
	TypeBlockFinalized = "blockchain:blockFinalized"
	TypeBlockDetails   = "blockchain:blockDetails"
	TypeNewTransaction = "blockchain:newTransaction"
	TypeAddressTx      = "blockchain:addressTransaction"
	TypeStatus         = "blockchain:status"
	TypePong           = "pong"
	TypeRoomJoined     = "room:joined"
	TypeRoomLeft       = "room:left"
	TypeError          = "error"
)

// envelope is the wire format for every server-emitted message.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Hub tracks connected clients and their room membership.
type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}

	accepts *rate.Limiter
	status  func() any
	nextID  int64
}

func New(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log.With().Str("component", "hub").Logger(),
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		accepts: rate.NewLimiter(rate.Limit(acceptRatePerSec), acceptBurst),
	}
}

// SetStatus installs the payload builder for get:status responses.
func (h *Hub) SetStatus(fn func() any) {
	h.status = fn
}

// AddressRoom is the room name for one address's transaction feed.
func AddressRoom(addr string) string {
	return addressRoomPfx + addr
}

// Run consumes the event bus until ctx is done.
func (h *Hub) Run(ctx context.Context, b *bus.Bus) {
	heads := b.SubscribeHeadSeen()
	finalized := b.SubscribeHeadFinalized()
	txs := b.SubscribeTxSeen()
	details := b.SubscribeBlockDetails()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev := <-heads:
			h.Broadcast(RoomBlocks, TypeNewBlock, ev)
		case ev := <-finalized:
			h.Broadcast(RoomBlocks, TypeBlockFinalized, ev)
		case rec := <-details:
			h.Broadcast(RoomBlocks, TypeBlockDetails, rec)
		case tx := <-txs:
			h.Broadcast(RoomTransactions, TypeNewTransaction, tx)
			if tx.Signer != "" {
				h.Broadcast(AddressRoom(tx.Signer), TypeAddressTx, tx)
			}
		}
	}
}

// Broadcast delivers one message to every client in a room, dropping it for
// clients whose send buffer is full.
func (h *Hub) Broadcast(room, msgType string, data any) {
	payload, err := json.Marshal(envelope{Type: msgType, Data: data})
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("Broadcast marshal failed")
		return
	}

	h.mu.RLock()
	members := h.rooms[room]
	for c := range members {
		select {
		case c.send <- payload:
			metrics.HubDelivered.WithLabelValues(msgType).Inc()
		default:
			metrics.HubDropped.Inc()
		}
	}
	h.mu.RUnlock()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.HubConnections.Inc()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		for room := range c.rooms {
			h.leaveLocked(c, room)
		}
		metrics.HubConnections.Dec()
	}
	h.mu.Unlock()
}

func (h *Hub) join(c *Client, room string) {
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	c.rooms[room] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) leave(c *Client, room string) {
	h.mu.Lock()
	h.leaveLocked(c, room)
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomCount returns the number of active rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// closeAll detaches every client and closes its connection. The send channel
// stays open; the read pump owns its close, so an in-flight sendTo never
// writes to a closed channel.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.unregister(c)
		if c.conn != nil {
			c.conn.Close()
		}
	}
}
