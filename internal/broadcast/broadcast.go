// Package broadcast — контракт publish/subscribe в рамках пользователя, по
// которому сессии обмениваются сигналами new_message и read_receipt.
//
// Доставка без подтверждений и повторов, порядок между типами не гарантируется.
// Дубли отсеивает получатель. Соединение не получает собственных публикаций.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/convsync/internal/logger"
)

type Kind string

const (
	KindNewMessage  Kind = "new-message"
	KindReadReceipt Kind = "read-receipt"
)

var (
	ErrClosed      = errors.New("broadcast: adapter closed")
	ErrUnknownKind = errors.New("broadcast: unknown kind")
	ErrNoAudience  = errors.New("broadcast: payload has no audience")
)

// Handler получает сырой payload одного конверта. Транспорт его не проверяет.
type Handler func(payload json.RawMessage)

// Adapter — одно соединение с каналом рассылки от имени аутентифицированного участника.
type Adapter interface {
	Publish(ctx context.Context, kind Kind, payload any) error
	Subscribe(kind Kind, h Handler) (unsubscribe func())
	Close() error
}

// Envelope — формат на проводе, общий для всех транспортов.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Origin  string          `json:"origin,omitempty"`
}

// NewEnvelope кодирует payload для kind. origin — id публикующего соединения.
func NewEnvelope(kind Kind, payload any, origin string) (Envelope, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("broadcast: encode %s payload: %w", kind, err)
		}
		raw = b
	}
	return Envelope{Kind: kind, Payload: raw, Origin: origin}, nil
}

type audienceFields struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	ReaderID   string `json:"reader_id"`
}

// Audience — участники, чьи сессии получают конверт: обе стороны нового
// сообщения, для read receipt только читатель.
func (e Envelope) Audience() ([]string, error) {
	var f audienceFields
	if err := json.Unmarshal(e.Payload, &f); err != nil {
		return nil, fmt.Errorf("broadcast: decode %s payload: %w", e.Kind, err)
	}
	switch e.Kind {
	case KindNewMessage:
		if f.SenderID == "" || f.ReceiverID == "" {
			return nil, ErrNoAudience
		}
		if f.SenderID == f.ReceiverID {
			return []string{f.SenderID}, nil
		}
		return []string{f.SenderID, f.ReceiverID}, nil
	case KindReadReceipt:
		if f.ReaderID == "" {
			return nil, ErrNoAudience
		}
		return []string{f.ReaderID}, nil
	default:
		return nil, ErrUnknownKind
	}
}

// Publisher — участник, который обязан был опубликовать конверт: отправитель
// сообщения или читатель receipt.
func (e Envelope) Publisher() (string, error) {
	var f audienceFields
	if err := json.Unmarshal(e.Payload, &f); err != nil {
		return "", fmt.Errorf("broadcast: decode %s payload: %w", e.Kind, err)
	}
	switch e.Kind {
	case KindNewMessage:
		return f.SenderID, nil
	case KindReadReceipt:
		return f.ReaderID, nil
	default:
		return "", ErrUnknownKind
	}
}

// Registry хранит обработчики по типам для одного соединения; транспорты встраивают его.
type Registry struct {
	mu       sync.RWMutex
	next     int
	handlers map[Kind]map[int]Handler
}

// Add регистрирует h для kind и возвращает идемпотентную функцию удаления.
func (r *Registry) Add(kind Kind, h Handler) func() {
	r.mu.Lock()
	if r.handlers == nil {
		r.handlers = make(map[Kind]map[int]Handler)
	}
	if r.handlers[kind] == nil {
		r.handlers[kind] = make(map[int]Handler)
	}
	id := r.next
	r.next++
	r.handlers[kind][id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.handlers[kind], id)
			r.mu.Unlock()
		})
	}
}

// Dispatch вызывает обработчики env.Kind. Конверты без подписчиков
// игнорируются, паника обработчика не останавливает доставку.
func (r *Registry) Dispatch(env Envelope) {
	r.mu.RLock()
	targets := make([]Handler, 0, len(r.handlers[env.Kind]))
	for _, h := range r.handlers[env.Kind] {
		targets = append(targets, h)
	}
	r.mu.RUnlock()

	for _, h := range targets {
		safeCall(env, h)
	}
}

// DispatchRaw разбирает конверт с провода и раздаёт его, если он не от себя.
func (r *Registry) DispatchRaw(data []byte, self string) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Errorf("broadcast: drop undecodable envelope: %v", err)
		return
	}
	if self != "" && env.Origin == self {
		return
	}
	r.Dispatch(env)
}

func safeCall(env Envelope, h Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("broadcast: handler panic kind=%s: %v", env.Kind, rec)
		}
	}()
	h(env.Payload)
}
