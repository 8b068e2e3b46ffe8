// Package broadcast fans flow and GEX events out to connected WebSocket
// clients, each of which may narrow its subscription to a ticker set via
// control frames sent after connecting.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"optionsflow/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Event is the envelope sent to every subscribed client.
type Event struct {
	Type      string      `json:"type"`
	Ticker    string      `json:"ticker,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// controlFrame is the shape of client->server subscription messages:
// {type:"subscribe", channel:"options-flow"}, {type:"subscribe-ticker",
// ticker:"<SYMBOL>|*"}, {type:"unsubscribe-ticker", ticker:"<SYMBOL>"}.
// Unknown types are ignored.
type controlFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Ticker  string `json:"ticker"`
}

// Hub manages connected clients and routes events to the ones subscribed
// to the event's ticker (or to every ticker, for clients that never
// narrowed their subscription).
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan Event
	mu         sync.RWMutex
	logger     *slog.Logger
}

// Client is one connected WebSocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	subMu   sync.Mutex
	tickers map[string]bool // empty set means "all tickers"
}

// NewHub creates a broadcast hub. Call Run in a goroutine to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Event, 256),
		logger:     logger.With("component", "broadcast-hub"),
	}
}

// Run is the hub's single-goroutine event loop.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("client connected", "count", len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", "count", len(h.clients))

		case evt := <-h.broadcast:
			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Error("marshal event failed", "error", err)
				continue
			}

			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(evt.Ticker) {
					continue
				}
				select {
				case c.send <- data:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish enqueues an event for fan-out. Non-blocking: if the hub's
// internal queue is full, the event is dropped and logged.
func (h *Hub) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Warn("broadcast queue full, dropping event", "type", evt.Type)
	}
}

// PublishFlow is a convenience wrapper for flow-record events.
func (h *Hub) PublishFlow(flow types.FlowRecord) {
	h.Publish(Event{Type: "options-trade", Ticker: flow.Underlying, Data: flow})
}

// PublishGEX is a convenience wrapper for GEX surface updates.
func (h *Hub) PublishGEX(surface types.GEXSurface) {
	h.Publish(Event{Type: "gex", Ticker: surface.Ticker, Data: surface})
}

func (c *Client) wants(ticker string) bool {
	if ticker == "" {
		return true
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if len(c.tickers) == 0 {
		return true
	}
	return c.tickers[ticker]
}

// applyControl updates the client's subscription set and acks with the
// matching server->client status frame. Unknown types are ignored.
func (c *Client) applyControl(frame controlFrame) {
	var ack string

	c.subMu.Lock()
	switch frame.Type {
	case "subscribe":
		ack = "subscribed"
	case "subscribe-ticker":
		if c.tickers == nil {
			c.tickers = make(map[string]bool)
		}
		if frame.Ticker != "" && frame.Ticker != types.AllTickersSentinel {
			c.tickers[frame.Ticker] = true
		} else if frame.Ticker == types.AllTickersSentinel {
			c.tickers = make(map[string]bool)
		}
		ack = "subscribed-ticker"
	case "unsubscribe-ticker":
		delete(c.tickers, frame.Ticker)
		ack = "unsubscribed-ticker"
	}
	c.subMu.Unlock()

	if ack == "" {
		return
	}
	c.sendStatus(ack, frame.Ticker)
}

func (c *Client) sendStatus(statusType, ticker string) {
	data, err := json.Marshal(Event{Type: statusType, Ticker: ticker, Timestamp: time.Now()})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket read error", "error", err)
			}
			break
		}

		var frame controlFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		c.applyControl(frame)
	}
}

// NewClient registers conn with hub and starts its read/write pumps.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		tickers: make(map[string]bool),
	}

	hub.register <- c

	go c.writePump()
	go c.readPump()

	c.sendStatus("connected", "")

	return c
}
