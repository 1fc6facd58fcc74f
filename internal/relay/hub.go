// Package relay is the hosted broadcast channel: a websocket hub that delivers
// envelopes to every connection of the envelope's audience, optionally across
// relay instances through Redis.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/convsync/internal/broadcast"
	"github.com/convsync/internal/logger"
)

// Fanout forwards accepted envelopes to the other relay instances.
type Fanout interface {
	Publish(ctx context.Context, env broadcast.Envelope) error
}

const (
	rejectDecode    = "decode"
	rejectKind      = "kind"
	rejectPublisher = "publisher"
	rejectAudience  = "audience"
)

type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	total      int
	maxConns   int
	metrics    *Metrics
	fanout     Fanout
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(maxConns int, metrics *Metrics) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		metrics:    metrics,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

// SetFanout must be called before Run.
func (h *Hub) SetFanout(f Fanout) { h.fanout = f }

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()
	h.metrics.Connections.Set(0)

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("relay connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	h.metrics.Connections.Inc()
	logger.Debugf("relay: connected user=%s conn=%s", c.userID, c.id)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()
	h.metrics.Connections.Dec()

	// Network I/O outside the lock.
	c.Close()
}

// HandleFrame validates one envelope read from c and delivers it. The
// publisher named in the payload must be the connection's participant and the
// audience is always recomputed from the payload.
func (h *Hub) HandleFrame(ctx context.Context, c *Client, raw []byte) {
	var env broadcast.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.reject(c, rejectDecode, "malformed envelope")
		return
	}
	if env.Kind != broadcast.KindNewMessage && env.Kind != broadcast.KindReadReceipt {
		h.reject(c, rejectKind, "unknown kind")
		return
	}
	pub, err := env.Publisher()
	if err != nil || pub != c.userID {
		h.reject(c, rejectPublisher, "publisher mismatch")
		return
	}
	audience, err := env.Audience()
	if err != nil {
		h.reject(c, rejectAudience, "no audience")
		return
	}
	if env.Origin == "" {
		env.Origin = c.id
	}
	h.deliver(env, audience, c, "local")

	if h.fanout != nil {
		fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := h.fanout.Publish(fctx, env); err != nil {
			logger.Errorf("relay fanout publish kind=%s user=%s: %v", env.Kind, c.userID, err)
		}
	}
}

// Deliver hands an envelope from another relay instance to local connections.
func (h *Hub) Deliver(env broadcast.Envelope) {
	audience, err := env.Audience()
	if err != nil {
		h.metrics.Rejections.WithLabelValues(rejectAudience).Inc()
		return
	}
	h.deliver(env, audience, nil, "fanout")
}

func (h *Hub) deliver(env broadcast.Envelope, audience []string, except *Client, source string) {
	data, err := json.Marshal(env)
	if err != nil {
		logger.Errorf("relay encode envelope kind=%s: %v", env.Kind, err)
		return
	}
	h.metrics.Envelopes.WithLabelValues(string(env.Kind), source).Inc()
	for _, uid := range audience {
		h.sendToUser(uid, data, except)
	}
}

func (h *Hub) reject(c *Client, reason, msg string) {
	h.metrics.Rejections.WithLabelValues(reason).Inc()
	logger.Errorf("relay reject user=%s reason=%s", c.userID, reason)
	payload, _ := json.Marshal(msg)
	data, _ := json.Marshal(broadcast.Envelope{Kind: "error", Payload: payload})
	h.sendToClient(c, data)
}

func (h *Hub) sendToUser(userID string, data []byte, except *Client) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, data)
	}
}

// sendToClient never blocks: a full buffer drops the frame, the session
// recovers through its next fetch.
func (h *Hub) sendToClient(c *Client, data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		h.metrics.Drops.Inc()
		logger.Errorf("relay send buffer full, dropping frame user=%s", c.userID)
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Connections returns the number of open connections of userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}
