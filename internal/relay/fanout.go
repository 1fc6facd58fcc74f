package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/convsync/internal/broadcast"
	"github.com/convsync/internal/logger"
)

// FanoutChannel carries envelopes between relay instances.
const FanoutChannel = "relay:fanout"

type fanoutFrame struct {
	Instance string             `json:"instance"`
	Envelope broadcast.Envelope `json:"envelope"`
}

// RedisFanout publishes accepted envelopes on FanoutChannel and delivers the
// envelopes of other instances to the local hub. Own frames are skipped by
// instance id.
type RedisFanout struct {
	cli      *redis.Client
	sub      *redis.PubSub
	hub      *Hub
	instance string
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func NewRedisFanout(ctx context.Context, cli *redis.Client, hub *Hub) (*RedisFanout, error) {
	sub := cli.Subscribe(ctx, FanoutChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("relay.NewRedisFanout: subscribe: %w", err)
	}
	f := &RedisFanout{
		cli:      cli,
		sub:      sub,
		hub:      hub,
		instance: uuid.New().String(),
		done:     make(chan struct{}),
	}
	f.wg.Add(1)
	go f.loop()
	return f, nil
}

func (f *RedisFanout) Instance() string { return f.instance }

func (f *RedisFanout) Publish(ctx context.Context, env broadcast.Envelope) error {
	data, err := json.Marshal(fanoutFrame{Instance: f.instance, Envelope: env})
	if err != nil {
		return fmt.Errorf("relay.Fanout.Publish: encode: %w", err)
	}
	if err := f.cli.Publish(ctx, FanoutChannel, data).Err(); err != nil {
		return fmt.Errorf("relay.Fanout.Publish: %w", err)
	}
	return nil
}

func (f *RedisFanout) loop() {
	defer f.wg.Done()
	ch := f.sub.Channel()
	for {
		select {
		case <-f.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var fr fanoutFrame
			if err := json.Unmarshal([]byte(msg.Payload), &fr); err != nil {
				logger.Errorf("relay fanout decode: %v", err)
				continue
			}
			if fr.Instance == f.instance {
				continue
			}
			f.hub.Deliver(fr.Envelope)
		}
	}
}

// Close unsubscribes. The Redis client belongs to the caller.
func (f *RedisFanout) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		err = f.sub.Close()
	})
	f.wg.Wait()
	return err
}
