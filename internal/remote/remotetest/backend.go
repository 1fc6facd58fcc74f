// Package remotetest provides an in-memory messaging backend with the same
// semantics as the HTTP API, for tests of code built on the remote client.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/convsync/internal/apperr"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/remote"
)

// Backend stores messages of every conversation. Each participant talks to it
// through its own Client.
type Backend struct {
	mu           sync.Mutex
	participants map[string]model.Participant
	messages     map[string][]model.Message // conversation id -> chronological
	seq          int
	base         time.Time
}

func NewBackend() *Backend {
	return &Backend{
		participants: make(map[string]model.Participant),
		messages:     make(map[string][]model.Message),
		base:         time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (b *Backend) AddParticipant(p model.Participant) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.participants[p.ID] = p
}

func (b *Backend) participant(id string) model.Participant {
	if p, ok := b.participants[id]; ok {
		return p
	}
	return model.Participant{ID: id}
}

// Deliver stores a message from one participant to another as if it was sent
// by a client that is not under test. Nothing is broadcast.
func (b *Backend) Deliver(from, to, content string) model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.storeLocked(from, remote.SendRequest{ReceiverID: to, Content: content, Kind: model.MessageKindText})
}

// Unread returns the number of messages in conversation unread by userID.
func (b *Backend) Unread(userID, conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.messages[conversationID] {
		if m.ReceiverID == userID && !m.Read {
			n++
		}
	}
	return n
}

func (b *Backend) storeLocked(from string, req remote.SendRequest) model.Message {
	b.seq++
	kind := req.Kind
	if kind == "" {
		kind = model.MessageKindText
	}
	sender := b.participant(from)
	receiver := b.participant(req.ReceiverID)
	m := model.Message{
		ID:             fmt.Sprintf("m%d", b.seq),
		ConversationID: model.ConversationID(from, req.ReceiverID),
		SenderID:       from,
		ReceiverID:     req.ReceiverID,
		Content:        req.Content,
		Kind:           kind,
		Attachments:    req.Attachments,
		Metadata:       req.Metadata,
		CreatedAt:      b.base.Add(time.Duration(b.seq) * time.Second),
		Sender:         &sender,
		Receiver:       &receiver,
	}
	b.messages[m.ConversationID] = append(b.messages[m.ConversationID], m)
	return m
}

// Client is the view of one participant. Failures injected with FailNext are
// returned once.
type Client struct {
	b    *Backend
	user string

	mu       sync.Mutex
	failures map[string]error
	gate     chan struct{}
	hold     *hold

	callsMu sync.Mutex
	calls   map[string]*atomic.Int32
}

// Client returns the messaging client of userID.
func (b *Backend) Client(userID string) *Client {
	return &Client{
		b:        b,
		user:     userID,
		failures: make(map[string]error),
		calls:    make(map[string]*atomic.Int32),
	}
}

// FailNext makes the next call of op ("conversations", "thread", "send",
// "send_to_conversation", "refresh") return err.
func (c *Client) FailNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = err
}

// Gate makes Conversations block until the returned func is called.
func (c *Client) Gate() (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.gate = ch
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.gate = nil
			c.mu.Unlock()
			close(ch)
		})
	}
}

type hold struct {
	taken   chan struct{}
	release chan struct{}
}

// HoldSnapshot makes the next Conversations build its page right away, signal
// taken and return the page only after release is called. The caller sees a
// snapshot older than anything delivered in between.
func (c *Client) HoldSnapshot() (taken <-chan struct{}, release func()) {
	h := &hold{taken: make(chan struct{}), release: make(chan struct{})}
	c.mu.Lock()
	c.hold = h
	c.mu.Unlock()
	var once sync.Once
	return h.taken, func() { once.Do(func() { close(h.release) }) }
}

// Calls returns how many times op was called.
func (c *Client) Calls(op string) int {
	return int(c.counter(op).Load())
}

func (c *Client) counter(op string) *atomic.Int32 {
	c.callsMu.Lock()
	defer c.callsMu.Unlock()
	n, ok := c.calls[op]
	if !ok {
		n = new(atomic.Int32)
		c.calls[op] = n
	}
	return n
}

func (c *Client) begin(op string) error {
	c.counter(op).Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.failures[op]; ok {
		delete(c.failures, op)
		return err
	}
	return nil
}

func (c *Client) Conversations(ctx context.Context, page, limit int) (*remote.ConversationPage, error) {
	if err := c.begin("conversations"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	gate, h := c.gate, c.hold
	c.hold = nil
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, apperr.TransientFetch("запрос отменён", ctx.Err())
		}
	}

	res := c.snapshot(page, limit)
	if h != nil {
		close(h.taken)
		select {
		case <-h.release:
		case <-ctx.Done():
			return nil, apperr.TransientFetch("запрос отменён", ctx.Err())
		}
	}
	return res, nil
}

func (c *Client) snapshot(page, limit int) *remote.ConversationPage {
	page, limit = model.NormalizePage(page, limit)
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	convs := make([]model.Conversation, 0)
	for id, msgs := range c.b.messages {
		a, bID, ok := model.SplitConversationID(id)
		if !ok || (a != c.user && bID != c.user) || len(msgs) == 0 {
			continue
		}
		other := a
		if other == c.user {
			other = bID
		}
		last := msgs[len(msgs)-1]
		unread := 0
		for _, m := range msgs {
			if m.ReceiverID == c.user && !m.Read {
				unread++
			}
		}
		convs = append(convs, model.Conversation{
			ConversationID:   id,
			OtherParticipant: c.b.participant(other),
			LastMessage:      last.Summary(),
			UnreadCount:      unread,
		})
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastMessage.CreatedAt.After(convs[j].LastMessage.CreatedAt)
	})
	pg := model.Pagination{Page: page, Limit: limit, Total: len(convs)}
	total := model.TotalUnread(convs)
	from := pg.Offset()
	if from > len(convs) {
		from = len(convs)
	}
	to := from + limit
	if to > len(convs) {
		to = len(convs)
	}
	return &remote.ConversationPage{
		Conversations: convs[from:to],
		TotalUnread:   total,
		Pagination:    pg,
	}
}

func (c *Client) Thread(ctx context.Context, conversationID string, page, limit int) (*remote.ThreadPage, error) {
	if err := c.begin("thread"); err != nil {
		return nil, err
	}
	a, bID, ok := model.SplitConversationID(conversationID)
	if !ok || (a != c.user && bID != c.user) {
		return nil, apperr.TransientFetch("диалог не найден", nil)
	}
	other := a
	if other == c.user {
		other = bID
	}
	page, limit = model.NormalizePage(page, limit)

	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	msgs := c.b.messages[conversationID]
	for i := range msgs {
		if msgs[i].ReceiverID == c.user {
			msgs[i].Read = true
		}
	}
	newestFirst := make([]model.Message, 0, limit)
	for i := len(msgs) - 1 - (page-1)*limit; i >= 0 && len(newestFirst) < limit; i-- {
		newestFirst = append(newestFirst, msgs[i])
	}
	return &remote.ThreadPage{
		Messages:   newestFirst,
		OtherUser:  c.b.participant(other),
		Pagination: model.Pagination{Page: page, Limit: limit, Total: len(msgs)},
	}, nil
}

func (c *Client) Send(ctx context.Context, req remote.SendRequest) (*remote.SendResult, error) {
	if err := c.begin("send"); err != nil {
		return nil, err
	}
	if req.ReceiverID == "" || req.ReceiverID == c.user {
		return nil, apperr.SendFailure("некорректный получатель", nil)
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	m := c.b.storeLocked(c.user, req)
	return &remote.SendResult{Message: m, ConversationID: m.ConversationID}, nil
}

func (c *Client) SendToConversation(ctx context.Context, conversationID string, req remote.SendRequest) (*model.Message, error) {
	if err := c.begin("send_to_conversation"); err != nil {
		return nil, err
	}
	if model.ConversationID(c.user, req.ReceiverID) != conversationID {
		return nil, apperr.SendFailure("получатель не участвует в диалоге", nil)
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	m := c.b.storeLocked(c.user, req)
	return &m, nil
}

func (c *Client) Refresh(ctx context.Context) error {
	return c.begin("refresh")
}
