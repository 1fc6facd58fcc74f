// Package wsrelay — websocket-клиент relay. Реализует broadcast.Adapter и
// переподключается с backoff при обрыве.
package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/convsync/internal/broadcast"
	"github.com/convsync/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBufSize    = 64
)

var (
	ErrNotConnected = errors.New("wsrelay: not connected")
	ErrBufferFull   = errors.New("wsrelay: send buffer full")
)

type Options struct {
	URL        string
	Token      string
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client — одно соединение участника с relay.
// Lifecycle: Dial -> [session: readPump, writePump] -> redial ... -> Close.
type Client struct {
	broadcast.Registry

	opts      Options
	id        string
	send      chan []byte
	connected atomic.Bool
	done      chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
}

var _ broadcast.Adapter = (*Client)(nil)

// Dial подключается синхронно один раз, чтобы ошибки конфигурации дошли до
// вызывающего, дальше держит соединение в фоне.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	c := &Client{
		opts: opts,
		id:   uuid.New().String(),
		send: make(chan []byte, sendBufSize),
		done: make(chan struct{}),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.connected.Store(true)
	c.wg.Add(1)
	go c.run(conn)
	return c, nil
}

func (c *Client) ID() string { return c.id }

// Connected — поднято ли сейчас соединение.
func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) Publish(ctx context.Context, kind broadcast.Kind, payload any) error {
	select {
	case <-c.done:
		return broadcast.ErrClosed
	default:
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	env, err := broadcast.NewEnvelope(kind, payload, c.id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wsrelay: encode envelope: %w", err)
	}
	select {
	case c.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBufferFull
	}
}

func (c *Client) Subscribe(kind broadcast.Kind, h broadcast.Handler) func() {
	return c.Add(kind, h)
}

// Close прекращает переподключения и закрывает соединение. Повторный вызов безопасен.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wsrelay: dial %s: %w (status %d)", c.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("wsrelay: dial %s: %w", c.opts.URL, err)
	}
	return conn, nil
}

func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()
	backoff := c.opts.MinBackoff
	for {
		c.serve(conn)
		select {
		case <-c.done:
			return
		default:
		}
		for {
			select {
			case <-c.done:
				return
			case <-time.After(backoff):
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			next, err := c.dial(ctx)
			cancel()
			if err == nil {
				conn = next
				backoff = c.opts.MinBackoff
				logger.Infof("wsrelay: reconnected %s", c.opts.URL)
				break
			}
			logger.Errorf("wsrelay: redial failed, retry in %v: %v", backoff, err)
			if backoff < c.opts.MaxBackoff {
				backoff *= 2
				if backoff > c.opts.MaxBackoff {
					backoff = c.opts.MaxBackoff
				}
			}
		}
	}
}

// serve крутит обе помпы на conn, пока одна не упадёт или клиент не закроется.
func (c *Client) serve(conn *websocket.Conn) {
	c.connected.Store(true)
	defer c.connected.Store(false)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(conn, stop)
	}()
	c.readPump(conn)
	close(stop)
	wg.Wait()
}

func (c *Client) readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("wsrelay: read error: %v", err)
			}
			return
		}
		c.DispatchRaw(raw, c.id)
	}
}

// writePump выходит по stop, закрытию клиента или ошибке записи. При закрытии
// клиента шлёт close frame, и readPump завершается.
func (c *Client) writePump(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			conn.Close()
			return
		case data := <-c.send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Errorf("wsrelay: write error: %v", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
