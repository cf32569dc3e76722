package engicom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func msgAt(id, convID, sender, content string, at time.Time) Message {
	return Message{ID: id, ConversationID: convID, SenderID: sender, Content: content, CreatedAt: at}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ── Conversations ────────────────────────────────────────

type fakeChats struct {
	mu    sync.Mutex
	convs []Conversation
	err   error
	lists int
	gets  int
}

func (f *fakeChats) List(ctx context.Context) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.err != nil {
		return nil, f.err
	}
	return append([]Conversation(nil), f.convs...), nil
}

func (f *fakeChats) Get(ctx context.Context, chatID string) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.convs {
		if c.ID == chatID {
			cp := c
			return &cp, nil
		}
	}
	return nil, &APIError{Status: 404, Message: "chat not found"}
}

func (f *fakeChats) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

// ── Messages ─────────────────────────────────────────────

type fakeMessages struct {
	mu       sync.Mutex
	byChat   map[string][]Message
	listErr  error
	lists    int
	onList   func(chatID string)
	sendFn   func(ctx context.Context, chatID string, draft Draft) (*Message, error)
	updateFn func(ctx context.Context, messageID, content string) (*Message, error)
	deleteFn func(ctx context.Context, messageID string) error
	readFn   func(ctx context.Context, chatID string) error
	sends    int
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{byChat: make(map[string][]Message)}
}

func (f *fakeMessages) setList(chatID string, msgs ...Message) {
	f.mu.Lock()
	f.byChat[chatID] = msgs
	f.mu.Unlock()
}

func (f *fakeMessages) List(ctx context.Context, chatID string) ([]Message, error) {
	f.mu.Lock()
	f.lists++
	hook := f.onList
	err := f.listErr
	msgs := append([]Message(nil), f.byChat[chatID]...)
	f.mu.Unlock()
	if hook != nil {
		hook(chatID)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (f *fakeMessages) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func (f *fakeMessages) Send(ctx context.Context, chatID string, draft Draft, onProgress func(sent, total int64)) (*Message, error) {
	f.mu.Lock()
	f.sends++
	fn := f.sendFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("send not configured")
	}
	return fn(ctx, chatID, draft)
}

func (f *fakeMessages) sendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func (f *fakeMessages) Update(ctx context.Context, messageID, content string) (*Message, error) {
	if f.updateFn == nil {
		return &Message{ID: messageID, Content: content}, nil
	}
	return f.updateFn(ctx, messageID, content)
}

func (f *fakeMessages) Delete(ctx context.Context, messageID string) error {
	if f.deleteFn == nil {
		return nil
	}
	return f.deleteFn(ctx, messageID)
}

func (f *fakeMessages) MarkRead(ctx context.Context, chatID string) error {
	if f.readFn == nil {
		return nil
	}
	return f.readFn(ctx, chatID)
}

// ── Notifications ────────────────────────────────────────

type fakeNotifications struct {
	mu        sync.Mutex
	items     []Notification
	listErr   error
	markErr   error
	loads     int
	marked    []string
	markedAll []NotificationFilter
}

func (f *fakeNotifications) List(ctx context.Context) ([]Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]Notification(nil), f.items...), nil
}

func (f *fakeNotifications) MarkRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return f.markErr
}

func (f *fakeNotifications) MarkAllRead(ctx context.Context, filter NotificationFilter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedAll = append(f.markedAll, filter)
	return f.markErr
}

func (f *fakeNotifications) loadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

// ── Push ─────────────────────────────────────────────────

type broadcastCall struct {
	kind        EventKind
	recipientID string
	msg         Message
	n           Notification
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (f *fakeBroadcaster) BroadcastMessage(ctx context.Context, msg Message, recipientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, broadcastCall{kind: EventMessageBroadcast, recipientID: recipientID, msg: msg})
	return nil
}

func (f *fakeBroadcaster) BroadcastNotification(ctx context.Context, recipientID string, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, broadcastCall{kind: EventNotificationBroadcast, recipientID: recipientID, n: n})
	return nil
}

func (f *fakeBroadcaster) snapshot() []broadcastCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broadcastCall(nil), f.calls...)
}

type fakeTransport struct {
	mu    sync.Mutex
	state RealtimeState
	cmds  []*Command
	err   error
}

func (f *fakeTransport) Send(ctx context.Context, cmd *Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, cmd)
	return nil
}

func (f *fakeTransport) State() RealtimeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) sent() []*Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Command(nil), f.cmds...)
}
