// Package store — каноничный кеш одной сессии в памяти: список диалогов,
// общий счётчик непрочитанных и открытая переписка. Все изменения идут через него.
package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/convsync/internal/apperr"
	"github.com/convsync/internal/broadcast"
	"github.com/convsync/internal/dedupe"
	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/remote"
)

// Messaging — request/response сторона бэкенда, реализуется *remote.Client.
type Messaging interface {
	Conversations(ctx context.Context, page, limit int) (*remote.ConversationPage, error)
	Thread(ctx context.Context, conversationID string, page, limit int) (*remote.ThreadPage, error)
	Send(ctx context.Context, req remote.SendRequest) (*remote.SendResult, error)
	SendToConversation(ctx context.Context, conversationID string, req remote.SendRequest) (*model.Message, error)
	Refresh(ctx context.Context) error
}

// Publisher — публикующая сторона broadcast.Adapter.
type Publisher interface {
	Publish(ctx context.Context, kind broadcast.Kind, payload any) error
}

type Options struct {
	SelfID    string
	Remote    Messaging
	Publisher Publisher
	// OnSessionExpired вызывается один раз на истечение, например для редиректа на логин.
	OnSessionExpired func(error)
	PageLimit        int
	DedupeCapacity   int
	PublishTimeout   time.Duration
	Now              func() time.Time
}

// Thread — открытая переписка, сообщения в хронологическом порядке.
type Thread struct {
	ConversationID string
	OtherUser      model.Participant
	Messages       []model.Message
	Pagination     model.Pagination

	index map[string]int // id -> позиция в Messages
}

func newThread(conversationID string, other model.Participant, msgs []model.Message, p model.Pagination) *Thread {
	t := &Thread{ConversationID: conversationID, OtherUser: other, Messages: msgs, Pagination: p}
	t.reindex()
	return t
}

func (t *Thread) clone() *Thread {
	if t == nil {
		return nil
	}
	c := *t
	c.Messages = append([]model.Message(nil), t.Messages...)
	c.index = nil
	return &c
}

func (t *Thread) reindex() {
	t.index = make(map[string]int, len(t.Messages))
	for i := range t.Messages {
		t.index[t.Messages[i].ID] = i
	}
}

func (t *Thread) has(id string) bool {
	_, ok := t.index[id]
	return ok
}

func (t *Thread) find(id string) *model.Message {
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	return &t.Messages[i]
}

// add дописывает m в конец, если его ещё нет.
func (t *Thread) add(m model.Message) bool {
	if t.has(m.ID) {
		return false
	}
	t.index[m.ID] = len(t.Messages)
	t.Messages = append(t.Messages, m)
	return true
}

// prepend ставит более старую страницу перед текущими сообщениями.
func (t *Thread) prepend(msgs []model.Message) {
	older := make([]model.Message, 0, len(msgs)+len(t.Messages))
	for _, m := range msgs {
		if !t.has(m.ID) {
			older = append(older, m)
		}
	}
	t.Messages = append(older, t.Messages...)
	t.reindex()
}

// mergeRecord — сообщение, применённое локально мимо снимка сервера.
type mergeRecord struct {
	seq     uint64
	msg     model.Message
	counted bool
}

const mergeLogSize = 256

type Reason string

const (
	ReasonConversations Reason = "conversations"
	ReasonThread        Reason = "thread"
	ReasonMerge         Reason = "merge"
	ReasonSend          Reason = "send"
	ReasonRead          Reason = "read"
	ReasonError         Reason = "error"
)

// Change описывает одно изменение для слушателей OnChange.
type Change struct {
	Reason         Reason
	ConversationID string
}

type Store struct {
	self      string
	remote    Messaging
	pub       Publisher
	onExpired func(error)
	limit     int
	pubWait   time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	convs    map[string]*model.Conversation
	order    []string // от новых к старым
	thread   *Thread
	lastErr  error
	lastPage *snapshot

	// created_at последнего сообщения диалога в последнем снимке: всё, что
	// не новее, уже учтено в unread_count сервера
	snapAt   map[string]time.Time
	mergeSeq uint64
	merged   []mergeRecord

	seen    *dedupe.Index
	flights singleflight.Group
	expired atomic.Bool

	lmu       sync.Mutex
	listeners map[int]func(Change)
	nextLn    int
}

func New(opts Options) *Store {
	if opts.PageLimit <= 0 {
		opts.PageLimit = model.DefaultPageLimit
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		self:      opts.SelfID,
		remote:    opts.Remote,
		pub:       opts.Publisher,
		onExpired: opts.OnSessionExpired,
		limit:     opts.PageLimit,
		pubWait:   opts.PublishTimeout,
		now:       opts.Now,
		convs:     make(map[string]*model.Conversation),
		snapAt:    make(map[string]time.Time),
		seen:      dedupe.New(opts.DedupeCapacity, 0),
		listeners: make(map[int]func(Change)),
	}
}

func (s *Store) SelfID() string { return s.self }

// Conversations возвращает копию списка, от новых к старым.
func (s *Store) Conversations() []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.convs[id])
	}
	return out
}

func (s *Store) Conversation(id string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return model.Conversation{}, false
	}
	return *c, true
}

// AggregateUnread всегда равен сумме счётчиков по списку.
func (s *Store) AggregateUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.convs {
		n += c.UnreadCount
	}
	return n
}

// Thread возвращает копию открытой переписки или nil.
func (s *Store) Thread() *Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thread.clone()
}

// Err — последняя ошибка fetch, nil после успешного.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// CloseThread закрывает переписку; новые входящие снова считаются непрочитанными.
func (s *Store) CloseThread() {
	s.mu.Lock()
	id := ""
	if s.thread != nil {
		id = s.thread.ConversationID
	}
	s.thread = nil
	s.mu.Unlock()
	if id != "" {
		s.notify(Change{Reason: ReasonThread, ConversationID: id})
	}
}

// OnChange регистрирует fn, вызываемую после каждого изменения вне блокировки.
func (s *Store) OnChange(fn func(Change)) (cancel func()) {
	s.lmu.Lock()
	id := s.nextLn
	s.nextLn++
	s.listeners[id] = fn
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Store) notify(ch Change) {
	s.lmu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

// fail фиксирует ошибку remote. Истечение сессии вызывает хук один раз до
// следующего успешного вызова.
func (s *Store) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	logger.Errorf("store.%s user=%s: %v", op, s.self, err)
	if errors.Is(err, apperr.ErrSessionExpired) {
		if s.expired.CompareAndSwap(false, true) && s.onExpired != nil {
			s.onExpired(err)
		}
	}
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.notify(Change{Reason: ReasonError})
	return err
}

func (s *Store) succeeded() {
	s.expired.Store(false)
}

// publish не ждёт результата: ошибки только логируются.
func (s *Store) publish(ctx context.Context, kind broadcast.Kind, payload any) {
	if s.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.pubWait)
	defer cancel()
	if err := s.pub.Publish(ctx, kind, payload); err != nil {
		logger.Errorf("store.publish %s user=%s: %v", kind, s.self, err)
	}
}

// recordLocked запоминает локально применённое сообщение, чтобы снимок,
// запрошенный раньше, его не затёр.
func (s *Store) recordLocked(msg model.Message, counted bool) {
	s.mergeSeq++
	s.merged = append(s.merged, mergeRecord{seq: s.mergeSeq, msg: msg, counted: counted})
	if n := len(s.merged); n > mergeLogSize {
		s.merged = append([]mergeRecord(nil), s.merged[n-mergeLogSize:]...)
	}
}

// coveredLocked — учтено ли msg последним снимком.
func (s *Store) coveredLocked(msg *model.Message) bool {
	at, ok := s.snapAt[msg.ConversationID]
	return ok && !msg.CreatedAt.After(at)
}

// moveToFrontLocked ставит id первым в списке.
func (s *Store) moveToFrontLocked(id string) {
	for i, v := range s.order {
		if v == id {
			copy(s.order[1:i+1], s.order[:i])
			s.order[0] = id
			return
		}
	}
	s.order = append([]string{id}, s.order...)
}

// upsertLocked применяет сводку сообщения к диалогу (создавая его) и поднимает
// диалог наверх. Счётчик существующего диалога не трогает.
func (s *Store) upsertLocked(msg *model.Message) (conv *model.Conversation, created bool) {
	conv, ok := s.convs[msg.ConversationID]
	if !ok {
		conv = &model.Conversation{
			ConversationID:   msg.ConversationID,
			OtherParticipant: msg.OtherParticipant(s.self),
		}
		s.convs[msg.ConversationID] = conv
		created = true
	}
	if created || !msg.CreatedAt.Before(conv.LastMessage.CreatedAt) {
		conv.LastMessage = msg.Summary()
		s.moveToFrontLocked(msg.ConversationID)
	}
	return conv, created
}
