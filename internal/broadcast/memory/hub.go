// Package memory — in-process реализация broadcast-канала (для -dev и тестов).
// Hub повторяет поведение хостед-сервиса: доставка по участнику, а не по диалогу.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/convsync/internal/broadcast"
	"github.com/convsync/internal/logger"
)

const connBufSize = 256

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Conn]struct{}
	dropped int
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*Conn]struct{})}
}

// Connect открывает соединение участника userID. Каждое соединение — отдельная «вкладка».
func (h *Hub) Connect(userID string) *Conn {
	c := &Conn{
		hub:    h,
		id:     uuid.New().String(),
		userID: userID,
		send:   make(chan broadcast.Envelope, connBufSize),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	if _, ok := h.clients[userID]; !ok {
		h.clients[userID] = make(map[*Conn]struct{})
	}
	h.clients[userID][c] = struct{}{}
	h.mu.Unlock()

	c.wg.Add(1)
	go c.pump()
	return c
}

// Connections возвращает число открытых соединений участника.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Dropped — сколько конвертов потеряно из-за переполненного буфера соединения.
func (h *Hub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.clients[c.userID]
	if !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
}

func (h *Hub) deliver(env broadcast.Envelope) error {
	audience, err := env.Audience()
	if err != nil {
		return err
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, 4)
	for _, uid := range audience {
		for c := range h.clients[uid] {
			if c.id != env.Origin {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- env:
		case <-c.done:
		default:
			// Буфер полон — соединение восстановится через явный fetch
			h.mu.Lock()
			h.dropped++
			h.mu.Unlock()
			logger.Errorf("broadcast memory: buffer full, drop kind=%s user=%s", env.Kind, c.userID)
		}
	}
	return nil
}

// Conn — соединение одного участника; реализует broadcast.Adapter.
type Conn struct {
	broadcast.Registry

	hub    *Hub
	id     string
	userID string
	send   chan broadcast.Envelope
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

var _ broadcast.Adapter = (*Conn)(nil)

func (c *Conn) ID() string { return c.id }

func (c *Conn) UserID() string { return c.userID }

func (c *Conn) Publish(ctx context.Context, kind broadcast.Kind, payload any) error {
	select {
	case <-c.done:
		return broadcast.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := broadcast.NewEnvelope(kind, payload, c.id)
	if err != nil {
		return err
	}
	return c.hub.deliver(env)
}

func (c *Conn) Subscribe(kind broadcast.Kind, h broadcast.Handler) func() {
	return c.Add(kind, h)
}

// Close отключает соединение и дожидается завершения доставки. Повторный вызов безопасен.
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.hub.remove(c)
		close(c.done)
	})
	c.wg.Wait()
	return nil
}

func (c *Conn) pump() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			c.Dispatch(env)
		}
	}
}
