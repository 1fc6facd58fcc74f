// Package eventbus раздаёт сигналы рассылки всем поверхностям одной сессии,
// чтобы поверхности без общего состояния реагировали на них одинаково.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/convsync/internal/apperr"
	"github.com/convsync/internal/broadcast"
	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
)

// subscriberBufferSize — буфер канала каждого подписчика.
const subscriberBufferSize = 64

type Kind string

const (
	KindMessageReceived Kind = "message-received"
	KindReadReceipt     Kind = "read-receipt"
)

// Event несёт ровно одно из Message или Receipt, в зависимости от Kind.
type Event struct {
	Kind    Kind
	Message *model.Message
	Receipt *model.ReadReceipt
}

type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	closed      bool
	dropped     atomic.Int64
}

func New() *Bus {
	return &Bus{subscribers: make(map[string]chan Event)}
}

// Subscribe регистрирует подписчика. Подписка снимается, а канал закрывается
// по отмене ctx или вызову Unsubscribe.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()
	return ch, subID
}

func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)
}

// Publish доставляет ev всем подписчикам без блокировки. Переполненный
// подписчик пропускает событие и догоняет через явный fetch.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			logger.Debugf("eventbus: dropped %s for slow subscriber %s", ev.Kind, id)
		}
	}
}

// Subscribers — число живых подписок.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped — сколько доставок пропущено из-за полных буферов.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close закрывает каналы всех подписчиков; дальнейшие Publish ничего не делают.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Bridge переизлучает в шину new_message и read_receipt из адаптера.
// Битые payload логируются и отбрасываются, прочие типы в шину не попадают.
// Возвращаемая функция останавливает мост.
func (b *Bus) Bridge(adapter broadcast.Adapter) (stop func()) {
	unsubMsg := adapter.Subscribe(broadcast.KindNewMessage, func(p json.RawMessage) {
		msg, err := DecodeMessage(p)
		if err != nil {
			logger.Errorf("eventbus: drop new-message: %v", err)
			return
		}
		b.Publish(Event{Kind: KindMessageReceived, Message: msg})
	})
	unsubRcpt := adapter.Subscribe(broadcast.KindReadReceipt, func(p json.RawMessage) {
		r, err := DecodeReceipt(p)
		if err != nil {
			logger.Errorf("eventbus: drop read-receipt: %v", err)
			return
		}
		b.Publish(Event{Kind: KindReadReceipt, Receipt: r})
	})
	return func() {
		unsubMsg()
		unsubRcpt()
	}
}

// DecodeMessage разбирает и проверяет payload new_message.
func DecodeMessage(p json.RawMessage) (*model.Message, error) {
	var m model.Message
	if err := json.Unmarshal(p, &m); err != nil {
		return nil, apperr.MalformedPayload("new-message", fmt.Errorf("decode: %w", err))
	}
	if err := m.Validate(); err != nil {
		return nil, apperr.MalformedPayload("new-message", err)
	}
	return &m, nil
}

// DecodeReceipt разбирает и проверяет payload read_receipt.
func DecodeReceipt(p json.RawMessage) (*model.ReadReceipt, error) {
	var r model.ReadReceipt
	if err := json.Unmarshal(p, &r); err != nil {
		return nil, apperr.MalformedPayload("read-receipt", fmt.Errorf("decode: %w", err))
	}
	if err := r.Validate(); err != nil {
		return nil, apperr.MalformedPayload("read-receipt", err)
	}
	return &r, nil
}
