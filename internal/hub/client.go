package hub

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	sendBuffer = 64

	// Accept-side flood protection.
	acceptRatePerSec = 50
	acceptBurst      = 100

	// Per-client command rate: bursts are fine, sustained flooding is not.
	clientRatePerSec = 10
	clientBurst      = 100
)

// Client is one WebSocket connection and its room membership. The rooms set
// is guarded by the hub's lock.
type Client struct {
	id    int64
	conn  net.Conn
	send  chan []byte
	rooms map[string]struct{}

	limiter   *rate.Limiter
	closeOnce sync.Once
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// command is the optional JSON form of a client message; bare text frames
// carry the command string directly.
type command struct {
	Command string `json:"command"`
}

// HandleWS upgrades the request and runs the client until it disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !h.accepts.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Upgrade failed")
		return
	}

	c := &Client{
		id:      atomic.AddInt64(&h.nextID, 1),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		rooms:   make(map[string]struct{}),
		limiter: rate.NewLimiter(rate.Limit(clientRatePerSec), clientBurst),
	}
	h.register(c)
	h.log.Debug().Int64("client_id", c.id).Str("remote", r.RemoteAddr).Msg("Client connected")

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *Client) {
	defer func() {
		h.unregister(c)
		c.close()
		h.log.Debug().Int64("client_id", c.id).Msg("Client disconnected")
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			if !c.limiter.Allow() {
				h.sendTo(c, envelope{Type: TypeError, Data: map[string]string{
					"message": "too many commands, slow down",
				}})
				continue
			}
			h.handleCommand(c, msg)
		case ws.OpClose:
			return
		}
	}
}

// writePump batches queued messages into one flush and keeps the connection
// alive with pings.
func (h *Hub) writePump(c *Client) {
	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				return
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := wsutil.WriteServerMessage(writer, ws.OpText, <-c.send); err != nil {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// handleCommand dispatches one client command: a bare string frame or a JSON
// object with a "command" field.
func (h *Hub) handleCommand(c *Client, msg []byte) {
	text := strings.TrimSpace(string(msg))
	if strings.HasPrefix(text, "{") {
		var cmd command
		if err := json.Unmarshal(msg, &cmd); err != nil || cmd.Command == "" {
			h.sendTo(c, envelope{Type: TypeError, Data: map[string]string{
				"message": "malformed command payload",
			}})
			return
		}
		text = cmd.Command
	}

	switch {
	case text == "ping":
		h.sendTo(c, envelope{Type: TypePong})

	case text == "get:status":
		var data any
		if h.status != nil {
			data = h.status()
		} else {
			data = map[string]any{
				"clients": h.ClientCount(),
				"rooms":   h.RoomCount(),
			}
		}
		h.sendTo(c, envelope{Type: TypeStatus, Data: data})

	case text == "join:blocks", text == "join:transactions":
		room := strings.TrimPrefix(text, "join:")
		h.join(c, room)
		h.sendTo(c, envelope{Type: TypeRoomJoined, Data: map[string]string{"room": room}})

	case text == "leave:blocks", text == "leave:transactions":
		room := strings.TrimPrefix(text, "leave:")
		h.leave(c, room)
		h.sendTo(c, envelope{Type: TypeRoomLeft, Data: map[string]string{"room": room}})

	case strings.HasPrefix(text, "join:address(") && strings.HasSuffix(text, ")"):
		addr := text[len("join:address(") : len(text)-1]
		if addr == "" {
			h.sendTo(c, envelope{Type: TypeError, Data: map[string]string{"message": "empty address"}})
			return
		}
		room := AddressRoom(addr)
		h.join(c, room)
		h.sendTo(c, envelope{Type: TypeRoomJoined, Data: map[string]string{"room": room}})

	case strings.HasPrefix(text, "leave:address(") && strings.HasSuffix(text, ")"):
		addr := text[len("leave:address(") : len(text)-1]
		room := AddressRoom(addr)
		h.leave(c, room)
		h.sendTo(c, envelope{Type: TypeRoomLeft, Data: map[string]string{"room": room}})

	default:
		h.sendTo(c, envelope{Type: TypeError, Data: map[string]string{
			"message": "unknown command " + text,
		}})
	}
}

// sendTo queues one message for a single client, best-effort.
func (h *Hub) sendTo(c *Client, env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}
