// Package ws fans settlement events from the signal bus out to WebSocket
// clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10 // must stay below pongWait

	readLimit = 4096 // client frames are small subscribe messages
	queueLen  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Agents connect from anywhere; the stream carries no secrets.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Config describes the gateway in the status frame sent on connect.
type Config struct {
	Channels      []string // signal bus channels to relay
	Chain         string
	EscrowEnabled bool
	StartedAt     time.Time
}

// Hub relays signal bus messages to connected WebSocket clients. Clients may
// narrow the stream to a set of agent ids.
type Hub struct {
	bus    domain.SignalBus
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	clients  map[*client]struct{}
	shutdown bool
}

// frame is every message the hub writes.
type frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// filterRequest changes a client's agent filter, e.g.
// {"action":"subscribe","agents":["agent-1"]}.
type filterRequest struct {
	Action string   `json:"action"`
	Agents []string `json:"agents"`
}

// NewHub creates a hub relaying cfg.Channels from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	return &Hub{
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "ws")),
		clients: make(map[*client]struct{}),
	}
}

// Run relays every configured channel until ctx is done, then disconnects
// all clients.
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, channel := range h.cfg.Channels {
		wg.Go(func() { h.relay(ctx, channel) })
	}
	<-ctx.Done()
	wg.Wait()

	h.mu.Lock()
	h.shutdown = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	return nil
}

func (h *Hub) relay(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.ErrorContext(ctx, "ws: subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.InfoContext(ctx, "ws: relaying channel", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.WarnContext(ctx, "ws: bus subscription ended", slog.String("channel", channel))
				return
			}
			h.broadcast(data)
		}
	}
}

// broadcast sends one settlement event to every client whose filter matches.
// Slow clients miss events rather than stalling the relay.
func (h *Hub) broadcast(data []byte) {
	var evt domain.SettlementEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		h.logger.Warn("ws: dropping undecodable event", slog.String("error", err.Error()))
		return
	}
	msg, err := json.Marshal(frame{Type: "settlement", Payload: json.RawMessage(data)})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.wants(evt.AgentID) && !c.offer(msg) {
			h.logger.Warn("ws: client queue full, event dropped",
				slog.String("agent_id", evt.AgentID),
				slog.String("state", evt.State),
			)
		}
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Info("ws: client connected", slog.Int("clients", len(h.clients)))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.close()
	h.logger.Info("ws: client disconnected", slog.Int("clients", len(h.clients)))
}

// HandleWS upgrades the request, sends the gateway status and starts the
// client's pumps. A caller that names itself with X-Agent-ID (or ?agent_id=
// for browsers) starts filtered to its own events; others see every agent.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		conn:   conn,
		queue:  make(chan []byte, queueLen),
		agents: make(map[string]struct{}),
	}
	if agent := callerAgent(r); agent != "" {
		c.agents[agent] = struct{}{}
	}
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	c.send(frame{Type: "gateway_status", Payload: map[string]any{
		"chain":          h.cfg.Chain,
		"escrow_enabled": h.cfg.EscrowEnabled,
		"uptime_seconds": max(int64(time.Since(h.cfg.StartedAt).Seconds()), 0),
	}})

	go c.writeLoop()
	go func() {
		c.readLoop(h.logger)
		h.remove(c)
	}()
}

func callerAgent(r *http.Request) string {
	agent := strings.TrimSpace(r.Header.Get("X-Agent-ID"))
	if agent == "" {
		agent = strings.TrimSpace(r.URL.Query().Get("agent_id"))
	}
	if agent == "unknown" {
		return ""
	}
	return agent
}

type client struct {
	conn  *websocket.Conn
	queue chan []byte

	mu     sync.Mutex
	agents map[string]struct{} // empty means every agent
	closed bool
}

func (c *client) wants(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.agents) == 0 {
		return true
	}
	_, ok := c.agents[agentID]
	return ok
}

// offer queues msg without blocking and reports whether it was queued.
func (c *client) offer(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.queue <- msg:
		return true
	default:
		return false
	}
}

func (c *client) send(f frame) {
	if msg, err := json.Marshal(f); err == nil {
		c.offer(msg)
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
}

// applyFilter updates the agent filter and acknowledges the new set.
func (c *client) applyFilter(req filterRequest) {
	c.mu.Lock()
	switch req.Action {
	case "subscribe":
		for _, a := range req.Agents {
			c.agents[a] = struct{}{}
		}
	case "unsubscribe":
		for _, a := range req.Agents {
			delete(c.agents, a)
		}
	default:
		c.mu.Unlock()
		return
	}
	agents := make([]string, 0, len(c.agents))
	for a := range c.agents {
		agents = append(agents, a)
	}
	c.mu.Unlock()

	c.send(frame{Type: "subscribed", Payload: map[string]any{"agents": agents}})
}

func (c *client) readLoop(logger *slog.Logger) {
	defer c.conn.Close()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("ws: connection closed unexpectedly", slog.String("error", err.Error()))
			}
			return
		}
		var req filterRequest
		if json.Unmarshal(data, &req) == nil {
			c.applyFilter(req)
		}
	}
}

func (c *client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
