// Package redis — broadcast-канал поверх Redis Pub/Sub: один канал на участника
// (bcast:user:{id}), публикация идёт во все каналы аудитории конверта.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/convsync/internal/broadcast"
)

const channelPrefix = "bcast:user:"

// Channel возвращает канал участника.
func Channel(userID string) string {
	return channelPrefix + userID
}

// Adapter — соединение участника с broadcast-каналом; реализует broadcast.Adapter.
// Клиент Redis принадлежит вызывающему и не закрывается в Close.
type Adapter struct {
	broadcast.Registry

	cli    *redis.Client
	sub    *redis.PubSub
	id     string
	userID string
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

var _ broadcast.Adapter = (*Adapter)(nil)

// New подписывается на канал userID и дожидается подтверждения подписки.
func New(ctx context.Context, cli *redis.Client, userID string) (*Adapter, error) {
	sub := cli.Subscribe(ctx, Channel(userID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("broadcast redis: subscribe %s: %w", Channel(userID), err)
	}
	a := &Adapter{
		cli:    cli,
		sub:    sub,
		id:     uuid.New().String(),
		userID: userID,
		done:   make(chan struct{}),
	}
	a.wg.Add(1)
	go a.loop()
	return a, nil
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Publish(ctx context.Context, kind broadcast.Kind, payload any) error {
	select {
	case <-a.done:
		return broadcast.ErrClosed
	default:
	}
	env, err := broadcast.NewEnvelope(kind, payload, a.id)
	if err != nil {
		return err
	}
	audience, err := env.Audience()
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broadcast redis: encode envelope: %w", err)
	}
	pipe := a.cli.Pipeline()
	for _, uid := range audience {
		pipe.Publish(ctx, Channel(uid), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broadcast redis: publish %s: %w", kind, err)
	}
	return nil
}

func (a *Adapter) Subscribe(kind broadcast.Kind, h broadcast.Handler) func() {
	return a.Add(kind, h)
}

func (a *Adapter) Close() error {
	var err error
	a.once.Do(func() {
		close(a.done)
		err = a.sub.Close()
	})
	a.wg.Wait()
	return err
}

func (a *Adapter) loop() {
	defer a.wg.Done()
	ch := a.sub.Channel()
	for {
		select {
		case <-a.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			a.DispatchRaw([]byte(msg.Payload), a.id)
		}
	}
}

