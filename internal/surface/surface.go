// Package surface — независимо монтируемые представления сессии: бейдж в шапке,
// всплывающий список и страница диалога. Своего состояния у поверхности нет,
// она применяет события шины к общему хранилищу.
package surface

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/convsync/internal/eventbus"
	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/store"
)

const (
	NameHeader = "header"
	NamePopup  = "popup"
	NamePage   = "page"
)

// Store — часть *store.Store, которой управляет поверхность.
type Store interface {
	SelfID() string
	MergeIncoming(msg model.Message, selfID string) store.MergeResult
	PendingInThread(conversationID, msgID string) bool
	UpdateConversationReadStatus(conversationID, readerID string)
	MarkConversationRead(ctx context.Context, conversationID string) error
	FetchConversations(ctx context.Context, page, limit int) error
	FetchMessages(ctx context.Context, conversationID string, page, limit int) error
	SendMessage(ctx context.Context, in store.SendInput) (*model.Message, error)
	SendMessageToConversation(ctx context.Context, conversationID string, in store.SendInput) (*model.Message, error)
	CloseThread()
}

type Config struct {
	Name   string
	SelfID string
	// AckOpenThread помечает диалог прочитанным, когда в открытой переписке
	// лежит непрочитанное сообщение. Только для page.
	AckOpenThread bool
	// OnEvent, если задан, вызывается после применения каждого события.
	OnEvent func(eventbus.Event, store.MergeResult)
}

// ForName возвращает конфиг по умолчанию для поверхности name.
func ForName(name, selfID string) Config {
	return Config{Name: name, SelfID: selfID, AckOpenThread: name == NamePage}
}

type Surface struct {
	cfg   Config
	store Store
	bus   *eventbus.Bus

	ctx    context.Context
	cancel context.CancelFunc
	subID  string
	wg     sync.WaitGroup

	applied atomic.Int64
	acks    atomic.Int64
}

// Mount подписывает поверхность на шину. Работа, начатая через поверхность,
// идёт в её контексте; он завершается по Unmount или отмене ctx.
func Mount(ctx context.Context, cfg Config, st Store, bus *eventbus.Bus) *Surface {
	if cfg.SelfID == "" {
		cfg.SelfID = st.SelfID()
	}
	s := &Surface{cfg: cfg, store: st, bus: bus}
	s.ctx, s.cancel = context.WithCancel(ctx)
	events, id := bus.Subscribe(s.ctx)
	s.subID = id

	s.wg.Add(1)
	go s.loop(events)
	logger.Debugf("surface %s: mounted user=%s", cfg.Name, cfg.SelfID)
	return s
}

func (s *Surface) loop(events <-chan eventbus.Event) {
	defer s.wg.Done()
	for ev := range events {
		if s.ctx.Err() != nil {
			continue
		}
		res := s.apply(ev)
		s.applied.Add(1)
		if s.cfg.OnEvent != nil {
			s.cfg.OnEvent(ev, res)
		}
	}
}

func (s *Surface) apply(ev eventbus.Event) store.MergeResult {
	switch ev.Kind {
	case eventbus.KindMessageReceived:
		if ev.Message == nil {
			return store.MergeResult{Ignored: true}
		}
		res := s.store.MergeIncoming(*ev.Message, s.cfg.SelfID)
		// другая поверхность сессии могла дописать его раньше
		if s.cfg.AckOpenThread && (res.Appended || res.Duplicate) &&
			s.store.PendingInThread(ev.Message.ConversationID, ev.Message.ID) {
			s.acks.Add(1)
			if err := s.store.MarkConversationRead(s.ctx, ev.Message.ConversationID); err != nil {
				logger.Errorf("surface %s: ack %s: %v", s.cfg.Name, ev.Message.ConversationID, err)
			}
		}
		return res
	case eventbus.KindReadReceipt:
		if ev.Receipt != nil {
			s.store.UpdateConversationReadStatus(ev.Receipt.ConversationID, ev.Receipt.ReaderID)
		}
	}
	return store.MergeResult{}
}

// Unmount останавливает обработку событий и отменяет работу в полёте.
// Повторный вызов безопасен.
func (s *Surface) Unmount() {
	s.cancel()
	s.bus.Unsubscribe(s.subID)
	s.wg.Wait()
}

func (s *Surface) Name() string { return s.cfg.Name }

// Context завершается при размонтировании.
func (s *Surface) Context() context.Context { return s.ctx }

// Applied — число обработанных событий шины.
func (s *Surface) Applied() int64 { return s.applied.Load() }

// Acks — сколько раз поверхность вызвала MarkConversationRead для открытой переписки.
func (s *Surface) Acks() int64 { return s.acks.Load() }

func (s *Surface) Refresh(page, limit int) error {
	return s.store.FetchConversations(s.ctx, page, limit)
}

// Open открывает переписку conversationID на этой поверхности.
func (s *Surface) Open(conversationID string, page, limit int) error {
	return s.store.FetchMessages(s.ctx, conversationID, page, limit)
}

func (s *Surface) Close() { s.store.CloseThread() }

func (s *Surface) MarkRead(conversationID string) error {
	return s.store.MarkConversationRead(s.ctx, conversationID)
}

func (s *Surface) Send(in store.SendInput) (*model.Message, error) {
	return s.store.SendMessage(s.ctx, in)
}

func (s *Surface) Reply(conversationID string, in store.SendInput) (*model.Message, error) {
	return s.store.SendMessageToConversation(s.ctx, conversationID, in)
}
