// Package session собирает одну клиентскую сессию: remote-клиент, адаптер
// рассылки, шину событий, хранилище диалогов и смонтированные поверхности.
// Две сессии одного участника ведут себя как две вкладки браузера.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/convsync/internal/broadcast"
	"github.com/convsync/internal/eventbus"
	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/store"
	"github.com/convsync/internal/surface"
)

type Deps struct {
	SelfID  string
	Remote  store.Messaging
	Adapter broadcast.Adapter
	// Поверхности, которые монтирует Start. По умолчанию header и popup.
	Surfaces         []surface.Config
	OnSessionExpired func(error)
	PageLimit        int
	DedupeCapacity   int
	PublishTimeout   time.Duration
}

type Session struct {
	deps  Deps
	store *store.Store
	bus   *eventbus.Bus

	mu         sync.Mutex
	surfaces   map[string]*surface.Surface
	stopBridge func()
	ctx        context.Context
	started    bool
	closed     bool
}

var (
	ErrClosed         = errors.New("session: closed")
	ErrAlreadyStarted = errors.New("session: already started")
)

func New(d Deps) (*Session, error) {
	if d.SelfID == "" {
		return nil, fmt.Errorf("session.New: self id required")
	}
	if d.Remote == nil || d.Adapter == nil {
		return nil, fmt.Errorf("session.New: remote and adapter required")
	}
	if d.Surfaces == nil {
		d.Surfaces = []surface.Config{
			surface.ForName(surface.NameHeader, d.SelfID),
			surface.ForName(surface.NamePopup, d.SelfID),
		}
	}
	st := store.New(store.Options{
		SelfID:           d.SelfID,
		Remote:           d.Remote,
		Publisher:        d.Adapter,
		OnSessionExpired: d.OnSessionExpired,
		PageLimit:        d.PageLimit,
		DedupeCapacity:   d.DedupeCapacity,
		PublishTimeout:   d.PublishTimeout,
	})
	return &Session{
		deps:     d,
		store:    st,
		bus:      eventbus.New(),
		surfaces: make(map[string]*surface.Surface),
	}, nil
}

// Start подключает адаптер к шине, монтирует поверхности и загружает первую
// страницу диалогов. Ошибка первого fetch возвращается, но сессия продолжает
// работать и восстановится на следующем fetch.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx = ctx
	s.stopBridge = s.bus.Bridge(s.deps.Adapter)
	for _, cfg := range s.deps.Surfaces {
		s.mountLocked(cfg)
	}
	s.mu.Unlock()

	logger.Infof("session: started user=%s surfaces=%d", s.deps.SelfID, len(s.deps.Surfaces))
	if err := s.store.FetchConversations(ctx, 1, s.deps.PageLimit); err != nil {
		return fmt.Errorf("session.Start: %w", err)
	}
	return nil
}

func (s *Session) mountLocked(cfg surface.Config) *surface.Surface {
	if cfg.SelfID == "" {
		cfg.SelfID = s.deps.SelfID
	}
	if old, ok := s.surfaces[cfg.Name]; ok {
		old.Unmount()
	}
	sf := surface.Mount(s.ctx, cfg, s.store, s.bus)
	s.surfaces[cfg.Name] = sf
	return sf
}

// Mount монтирует ещё одну поверхность; одноимённая заменяется.
func (s *Session) Mount(cfg surface.Config) (*surface.Surface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if !s.started {
		return nil, fmt.Errorf("session.Mount: not started")
	}
	return s.mountLocked(cfg), nil
}

func (s *Session) Unmount(name string) {
	s.mu.Lock()
	sf, ok := s.surfaces[name]
	delete(s.surfaces, name)
	s.mu.Unlock()
	if ok {
		sf.Unmount()
	}
}

// Surface возвращает смонтированную поверхность по имени.
func (s *Session) Surface(name string) (*surface.Surface, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, ok := s.surfaces[name]
	return sf, ok
}

func (s *Session) Store() *store.Store { return s.store }

func (s *Session) Bus() *eventbus.Bus { return s.bus }

func (s *Session) SelfID() string { return s.deps.SelfID }

// Close размонтирует поверхности, останавливает мост и закрывает адаптер.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	surfaces := s.surfaces
	s.surfaces = map[string]*surface.Surface{}
	stop := s.stopBridge
	s.mu.Unlock()

	for _, sf := range surfaces {
		sf.Unmount()
	}
	if stop != nil {
		stop()
	}
	s.bus.Close()
	if err := s.deps.Adapter.Close(); err != nil && !errors.Is(err, broadcast.ErrClosed) {
		return fmt.Errorf("session.Close: %w", err)
	}
	logger.Infof("session: closed user=%s", s.deps.SelfID)
	return nil
}
