// Package runfeed streams fetch run audit updates to websocket clients.
package runfeed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"china_stock_proxy/logger"
	"china_stock_proxy/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	MaxClients     = 100
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
	maxReadBytes   = 1024
)

// ErrBacklogFull is returned by RunUpdated when the broadcast queue is full.
var ErrBacklogFull = errors.New("run feed backlog full")

// Message is the envelope written to clients.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time string      `json:"time"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	jobs map[string]bool // empty means every job; only touched by the hub loop
}

type subscription struct {
	c    *client
	jobs []string
}

// Hub fans run updates out to connected clients.
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan models.FetchRun
	register   chan *client
	unregister chan *client
	subscribe  chan subscription
	done       chan struct{}
	count      atomic.Int32

	upgrader   websocket.Upgrader
	maxClients int
	log        *zap.Logger
}

// NewHub creates a hub; call Run to start it.
func NewHub(allowedOrigins []string, log *zap.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan models.FetchRun, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		subscribe:  make(chan subscription),
		done:       make(chan struct{}),
		maxClients: MaxClients,
		log:        logger.Or(log),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Run drives the hub until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			h.log.Info("run feed stopped")
			return

		case c := <-h.register:
			if len(h.clients) >= h.maxClients {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server at capacity"))
				_ = c.conn.Close()
				h.log.Warn("websocket client rejected: max clients reached", zap.Int("max", h.maxClients))
				continue
			}
			h.clients[c] = struct{}{}
			h.count.Store(int32(len(h.clients)))
			h.log.Debug("websocket client connected", zap.Int("clients", len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			h.log.Debug("websocket client disconnected", zap.Int("clients", len(h.clients)))

		case sub := <-h.subscribe:
			if _, ok := h.clients[sub.c]; !ok {
				continue
			}
			sub.c.jobs = make(map[string]bool, len(sub.jobs))
			for _, id := range sub.jobs {
				sub.c.jobs[id] = true
			}
			h.deliver(sub.c, h.encode("subscribed", sub.jobs))

		case run := <-h.broadcast:
			data := h.encode("fetch_run", run)
			if data == nil {
				continue
			}
			for c := range h.clients {
				if len(c.jobs) > 0 && !c.jobs[run.JobID] {
					continue
				}
				h.deliver(c, data)
			}
		}
	}
}

// deliver queues data for c, dropping the client if its buffer is full.
func (h *Hub) deliver(c *client, data []byte) {
	if data == nil {
		return
	}
	select {
	case c.send <- data:
	default:
		h.log.Warn("websocket client too slow, disconnecting")
		h.drop(c)
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int32(len(h.clients)))
}

func (h *Hub) encode(kind string, data interface{}) []byte {
	b, err := json.Marshal(Message{Type: kind, Data: data, Time: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		h.log.Error("marshal run feed message", zap.Error(err))
		return nil
	}
	return b
}

// RunUpdated queues run for broadcast without blocking the caller.
func (h *Hub) RunUpdated(run models.FetchRun) error {
	select {
	case <-h.done:
		return nil
	case h.broadcast <- run:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.Clients() >= h.maxClients {
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump accepts {"action":"subscribe","job_ids":[...]} and
// {"action":"unsubscribe"} commands.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var cmd struct {
			Action string   `json:"action"`
			JobIDs []string `json:"job_ids"`
		}
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		var jobs []string
		switch cmd.Action {
		case "subscribe":
			jobs = cmd.JobIDs
		case "unsubscribe":
			jobs = nil
		default:
			continue
		}
		select {
		case h.subscribe <- subscription{c: c, jobs: jobs}:
		case <-h.done:
			return
		}
	}
}
