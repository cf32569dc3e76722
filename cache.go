package engicom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Sources
// ============================================================================

// ConversationFetcher loads conversation summaries. *ChatsClient implements it.
type ConversationFetcher interface {
	List(ctx context.Context) ([]Conversation, error)
	Get(ctx context.Context, chatID string) (*Conversation, error)
}

// MessageFetcher loads the authoritative message list of a conversation.
// *MessagesClient implements it.
type MessageFetcher interface {
	List(ctx context.Context, chatID string) ([]Message, error)
}

// ============================================================================
// Change events
// ============================================================================

// CacheEventKind names a cache mutation.
type CacheEventKind string

const (
	CacheMessageAppended     CacheEventKind = "message.appended"
	CacheMessageReplaced     CacheEventKind = "message.replaced"
	CacheMessageUpdated      CacheEventKind = "message.updated"
	CacheMessageRemoved      CacheEventKind = "message.removed"
	CacheMessagesLoaded      CacheEventKind = "messages.loaded"
	CacheConversationRemoved CacheEventKind = "conversation.removed"
	CacheConversationsLoaded CacheEventKind = "conversations.loaded"
	CacheSummaryInvalidated  CacheEventKind = "summary.invalidated"
)

// CacheEvent tells a UI which part of the cache changed.
type CacheEvent struct {
	Kind           CacheEventKind
	ConversationID string
	MessageID      string
	// PreviousID is the temporary id a replaced message was swapped from.
	PreviousID string
}

// ============================================================================
// Entity Cache
// ============================================================================

// CacheOptions configures a Cache.
type CacheOptions struct {
	// StaleAfter is how long fetched data is served without refetching.
	StaleAfter time.Duration
	// PendingTTL bounds how long an unconfirmed message survives a refetch.
	PendingTTL time.Duration
	Logger     *zap.Logger
	Metrics    *Metrics
	// Now overrides the clock (tests).
	Now func() time.Time
}

func (o *CacheOptions) defaults() {
	if o.StaleAfter == 0 {
		o.StaleAfter = 5 * time.Second
	}
	if o.PendingTTL == 0 {
		o.PendingTTL = 2 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type cachedMessage struct {
	msg        Message
	insertedAt time.Time
}

type messageList struct {
	items     []cachedMessage
	fetchedAt time.Time
	stale     bool
}

// Cache is the single source of truth for conversations and messages.
// Every exported method is one critical section, so readers never observe a
// half-applied update.
type Cache struct {
	emitter[CacheEvent]

	chats ConversationFetcher
	msgs  MessageFetcher
	opts  CacheOptions
	log   *zap.Logger
	group singleflight.Group

	mu           sync.RWMutex
	lists        map[string]*messageList
	convs        map[string]*Conversation
	order        []string
	summaryAt    time.Time
	summaryStale bool
	unreadStale  map[string]struct{}
}

// NewCache creates an empty cache backed by the given fetchers.
func NewCache(chats ConversationFetcher, msgs MessageFetcher, opts *CacheOptions) *Cache {
	var o CacheOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Cache{
		chats:       chats,
		msgs:        msgs,
		opts:        o,
		log:         o.Logger.Named("cache"),
		lists:       make(map[string]*messageList),
		convs:       make(map[string]*Conversation),
		unreadStale: make(map[string]struct{}),
	}
}

// On registers a change handler.
func (c *Cache) On(h func(CacheEvent)) { c.on(h) }

func (c *Cache) fresh(fetchedAt time.Time, stale bool) bool {
	return !stale && !fetchedAt.IsZero() && c.opts.Now().Sub(fetchedAt) < c.opts.StaleAfter
}

// list returns the entry for conversationID, creating it. Caller holds c.mu.
func (c *Cache) list(conversationID string) *messageList {
	l := c.lists[conversationID]
	if l == nil {
		l = &messageList{}
		c.lists[conversationID] = l
	}
	return l
}

func indexOf(items []cachedMessage, id string) int {
	for i := range items {
		if items[i].msg.ID == id {
			return i
		}
	}
	return -1
}

// insertOrdered keeps CreatedAt non-decreasing; equal timestamps keep arrival order.
func insertOrdered(items []cachedMessage, cm cachedMessage) []cachedMessage {
	i := len(items)
	for i > 0 && items[i-1].msg.CreatedAt.After(cm.msg.CreatedAt) {
		i--
	}
	items = append(items, cachedMessage{})
	copy(items[i+1:], items[i:])
	items[i] = cm
	return items
}

func snapshot(l *messageList) []Message {
	if l == nil {
		return nil
	}
	out := make([]Message, len(l.items))
	for i := range l.items {
		out[i] = l.items[i].msg.clone()
	}
	return out
}

// ── Messages ─────────────────────────────────────────────

// Messages returns the ordered messages of a conversation, fetching when the
// cached copy is missing or older than StaleAfter. If the fetch fails the
// last-known-good list is still returned alongside a retryable error.
func (c *Cache) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	c.mu.RLock()
	l := c.lists[conversationID]
	if l != nil && c.fresh(l.fetchedAt, l.stale) {
		out := snapshot(l)
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	err := c.coalesce(ctx, "messages:"+conversationID, func(ctx context.Context) error {
		started := c.opts.Now()
		fetched, err := c.msgs.List(ctx, conversationID)
		if err != nil {
			return err
		}
		c.mergeFetched(conversationID, fetched, started)
		return nil
	})

	out := c.Peek(conversationID)
	if err != nil {
		c.log.Warn("message refresh failed, serving cached copy",
			zap.String("conversation_id", conversationID), zap.Int("cached", len(out)), zap.Error(err))
		return out, fmt.Errorf("fetch messages for %s: %w", conversationID, err)
	}
	return out, nil
}

// coalesce runs fn once per key across concurrent callers. The shared fetch
// is detached from any single caller's cancellation; each caller still
// returns as soon as its own ctx is done.
func (c *Cache) coalesce(ctx context.Context, key string, fn func(context.Context) error) error {
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return nil, fn(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Peek returns the cached messages without fetching.
func (c *Cache) Peek(conversationID string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot(c.lists[conversationID])
}

// Message returns one cached message.
func (c *Cache) Message(conversationID, messageID string) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l := c.lists[conversationID]
	if l == nil {
		return Message{}, false
	}
	if i := indexOf(l.items, messageID); i >= 0 {
		return l.items[i].msg.clone(), true
	}
	return Message{}, false
}

// mergeFetched installs a server list. The server is authoritative for
// everything it returned; local entries it did not return survive only if
// they are young pending sends or arrived after the fetch started.
func (c *Cache) mergeFetched(conversationID string, fetched []Message, started time.Time) {
	now := c.opts.Now()
	swept := 0

	c.mu.Lock()
	l := c.list(conversationID)

	merged := make([]cachedMessage, 0, len(fetched)+len(l.items))
	serverIDs := make(map[string]struct{}, len(fetched))
	for _, m := range fetched {
		if _, dup := serverIDs[m.ID]; dup || m.ID == "" {
			continue
		}
		serverIDs[m.ID] = struct{}{}
		m = m.clone()
		m.Pending = false
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		insertedAt := started
		if i := indexOf(l.items, m.ID); i >= 0 {
			insertedAt = l.items[i].insertedAt
		}
		merged = insertOrdered(merged, cachedMessage{msg: m, insertedAt: insertedAt})
	}

	claimed := make(map[string]struct{})
	for _, cm := range l.items {
		if _, ok := serverIDs[cm.msg.ID]; ok {
			continue
		}
		if cm.msg.Pending {
			if id, ok := counterpart(cm.msg, fetched, claimed, c.opts.PendingTTL); ok {
				claimed[id] = struct{}{}
				swept++
				continue
			}
			if now.Sub(cm.insertedAt) >= c.opts.PendingTTL {
				swept++
				continue
			}
			merged = insertOrdered(merged, cm)
			continue
		}
		if !cm.insertedAt.Before(started) {
			merged = insertOrdered(merged, cm)
		}
	}

	l.items = merged
	l.fetchedAt = now
	l.stale = false
	c.mu.Unlock()

	c.opts.Metrics.PendingSwept.Add(float64(swept))
	if swept > 0 {
		c.log.Debug("pending messages reconciled on refetch",
			zap.String("conversation_id", conversationID), zap.Int("count", swept))
	}
	c.emit(CacheEvent{Kind: CacheMessagesLoaded, ConversationID: conversationID})
}

// counterpart finds the confirmed copy of a pending message in a server list:
// same sender and content, created within window of the provisional timestamp.
func counterpart(pending Message, fetched []Message, claimed map[string]struct{}, window time.Duration) (string, bool) {
	for _, m := range fetched {
		if _, ok := claimed[m.ID]; ok {
			continue
		}
		if m.SenderID != pending.SenderID || m.Content != pending.Content ||
			len(m.Attachments) != len(pending.Attachments) {
			continue
		}
		d := m.CreatedAt.Sub(pending.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return m.ID, true
		}
	}
	return "", false
}

// AppendMessage inserts msg unless an entry with the same id already exists.
// It is the only dedup checkpoint for optimistic echoes, REST responses and
// push deliveries alike. Reports whether the message was inserted.
func (c *Cache) AppendMessage(conversationID string, msg Message) bool {
	if msg.ID == "" {
		c.log.Warn("dropping message without id", zap.String("conversation_id", conversationID))
		return false
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}

	c.mu.Lock()
	l := c.list(conversationID)
	if indexOf(l.items, msg.ID) >= 0 {
		c.mu.Unlock()
		c.opts.Metrics.DuplicatesDropped.Inc()
		return false
	}
	l.items = insertOrdered(l.items, cachedMessage{msg: msg.clone(), insertedAt: c.opts.Now()})
	c.mu.Unlock()

	c.opts.Metrics.MessagesAppended.Inc()
	c.emit(CacheEvent{Kind: CacheMessageAppended, ConversationID: conversationID, MessageID: msg.ID})
	return true
}

// ReplaceMessage swaps the pending entry tempID for its confirmed
// counterpart, keeping its list position. When final.ID is already cached
// (a push copy won the race) the pending entry is dropped instead, so the
// list never shows both. Reports whether tempID was found.
func (c *Cache) ReplaceMessage(conversationID, tempID string, final Message) bool {
	final = final.clone()
	final.Pending = false
	if final.ConversationID == "" {
		final.ConversationID = conversationID
	}

	c.mu.Lock()
	l := c.list(conversationID)
	i := indexOf(l.items, tempID)
	j := indexOf(l.items, final.ID)
	switch {
	case i < 0 && j < 0:
		l.items = insertOrdered(l.items, cachedMessage{msg: final, insertedAt: c.opts.Now()})
	case i < 0:
		l.items[j].msg = final
	case j >= 0 && j != i:
		l.items[j].msg = final
		l.items = append(l.items[:i], l.items[i+1:]...)
	default:
		l.items[i].msg = final
	}
	c.mu.Unlock()

	c.emit(CacheEvent{Kind: CacheMessageReplaced, ConversationID: conversationID, MessageID: final.ID, PreviousID: tempID})
	return i >= 0
}

// UpdateMessage applies fn to a cached message in place and returns the
// value it had before.
func (c *Cache) UpdateMessage(conversationID, messageID string, fn func(*Message)) (Message, bool) {
	c.mu.Lock()
	l := c.lists[conversationID]
	if l == nil {
		c.mu.Unlock()
		return Message{}, false
	}
	i := indexOf(l.items, messageID)
	if i < 0 {
		c.mu.Unlock()
		return Message{}, false
	}
	before := l.items[i].msg.clone()
	fn(&l.items[i].msg)
	l.items[i].msg.ID = messageID
	c.mu.Unlock()

	c.emit(CacheEvent{Kind: CacheMessageUpdated, ConversationID: conversationID, MessageID: messageID})
	return before, true
}

// RemoveMessage deletes a message and returns what was removed.
func (c *Cache) RemoveMessage(conversationID, messageID string) (Message, bool) {
	c.mu.Lock()
	l := c.lists[conversationID]
	if l == nil {
		c.mu.Unlock()
		return Message{}, false
	}
	i := indexOf(l.items, messageID)
	if i < 0 {
		c.mu.Unlock()
		return Message{}, false
	}
	removed := l.items[i].msg
	l.items = append(l.items[:i], l.items[i+1:]...)
	c.mu.Unlock()

	c.emit(CacheEvent{Kind: CacheMessageRemoved, ConversationID: conversationID, MessageID: messageID})
	return removed, true
}

// Sweep drops pending messages older than maxAge whose send never resolved.
// Returns the number removed.
func (c *Cache) Sweep(maxAge time.Duration) int {
	now := c.opts.Now()
	var events []CacheEvent

	c.mu.Lock()
	for convID, l := range c.lists {
		kept := l.items[:0]
		for _, cm := range l.items {
			if cm.msg.Pending && now.Sub(cm.insertedAt) >= maxAge {
				events = append(events, CacheEvent{Kind: CacheMessageRemoved, ConversationID: convID, MessageID: cm.msg.ID})
				continue
			}
			kept = append(kept, cm)
		}
		l.items = kept
	}
	c.mu.Unlock()

	c.opts.Metrics.PendingSwept.Add(float64(len(events)))
	for _, ev := range events {
		c.emit(ev)
	}
	return len(events)
}

// ── Conversations ────────────────────────────────────────

// Conversations returns the conversation list summary (previews, unread
// counts), refetching when invalidated or older than StaleAfter.
func (c *Cache) Conversations(ctx context.Context) ([]Conversation, error) {
	c.mu.RLock()
	if c.fresh(c.summaryAt, c.summaryStale) {
		out := c.summaryLocked()
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	err := c.coalesce(ctx, "conversations", func(ctx context.Context) error {
		fetched, err := c.chats.List(ctx)
		if err != nil {
			return err
		}
		c.installSummary(fetched)
		return nil
	})

	c.mu.RLock()
	out := c.summaryLocked()
	c.mu.RUnlock()
	if err != nil {
		c.log.Warn("conversation refresh failed, serving cached copy", zap.Int("cached", len(out)), zap.Error(err))
		return out, fmt.Errorf("fetch conversations: %w", err)
	}
	return out, nil
}

func (c *Cache) summaryLocked() []Conversation {
	out := make([]Conversation, 0, len(c.order))
	for _, id := range c.order {
		if conv := c.convs[id]; conv != nil {
			out = append(out, conv.clone())
		}
	}
	return out
}

func (c *Cache) installSummary(fetched []Conversation) {
	c.mu.Lock()
	c.convs = make(map[string]*Conversation, len(fetched))
	c.order = c.order[:0]
	for _, conv := range fetched {
		if conv.ID == "" {
			continue
		}
		if _, dup := c.convs[conv.ID]; dup {
			continue
		}
		cv := conv.clone()
		c.convs[conv.ID] = &cv
		c.order = append(c.order, conv.ID)
	}
	c.summaryAt = c.opts.Now()
	c.summaryStale = false
	c.unreadStale = make(map[string]struct{})
	c.mu.Unlock()

	c.emit(CacheEvent{Kind: CacheConversationsLoaded})
}

// Conversation returns one conversation, fetching it when unknown or stale.
func (c *Cache) Conversation(ctx context.Context, conversationID string) (*Conversation, error) {
	c.mu.RLock()
	conv := c.convs[conversationID]
	_, unreadStale := c.unreadStale[conversationID]
	if conv != nil && !unreadStale && c.fresh(c.summaryAt, c.summaryStale) {
		out := conv.clone()
		c.mu.RUnlock()
		return &out, nil
	}
	c.mu.RUnlock()

	fetched, err := c.chats.Get(ctx, conversationID)
	if err != nil {
		if conv != nil {
			out := conv.clone()
			return &out, fmt.Errorf("fetch conversation %s: %w", conversationID, err)
		}
		return nil, fmt.Errorf("fetch conversation %s: %w", conversationID, err)
	}
	c.PutConversation(*fetched)
	c.mu.Lock()
	delete(c.unreadStale, conversationID)
	c.mu.Unlock()
	out := fetched.clone()
	return &out, nil
}

// PutConversation upserts a conversation; new ones go to the top of the list.
func (c *Cache) PutConversation(conv Conversation) {
	if conv.ID == "" {
		return
	}
	cv := conv.clone()
	c.mu.Lock()
	if _, ok := c.convs[conv.ID]; !ok {
		c.order = append([]string{conv.ID}, c.order...)
	}
	c.convs[conv.ID] = &cv
	c.mu.Unlock()
}

// RemoveConversation forgets a conversation and all of its messages.
func (c *Cache) RemoveConversation(conversationID string) {
	c.mu.Lock()
	delete(c.lists, conversationID)
	delete(c.convs, conversationID)
	delete(c.unreadStale, conversationID)
	for i, id := range c.order {
		if id == conversationID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.emit(CacheEvent{Kind: CacheConversationRemoved, ConversationID: conversationID})
}

// InvalidateConversationsSummary makes the next Conversations call refetch.
// Called after every send, receive, delete and read-mark so previews and
// unread counts never need patching by hand.
func (c *Cache) InvalidateConversationsSummary() {
	c.mu.Lock()
	c.summaryStale = true
	c.mu.Unlock()
	c.emit(CacheEvent{Kind: CacheSummaryInvalidated})
}

// MarkUnreadStale records that the unread badge of conversationID is out of
// date and invalidates the summary.
func (c *Cache) MarkUnreadStale(conversationID string) {
	c.mu.Lock()
	c.unreadStale[conversationID] = struct{}{}
	c.summaryStale = true
	c.mu.Unlock()
	c.emit(CacheEvent{Kind: CacheSummaryInvalidated, ConversationID: conversationID})
}

// UnreadStale reports whether conversationID's unread count awaits a refetch.
func (c *Cache) UnreadStale(conversationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.unreadStale[conversationID]
	return ok
}

// MarkConversationRead zeroes the unread count and flags every cached message
// as read. It returns the previous unread count for rollback.
func (c *Cache) MarkConversationRead(conversationID string) int {
	c.mu.Lock()
	prev := 0
	if conv := c.convs[conversationID]; conv != nil {
		prev = conv.UnreadCount
		conv.UnreadCount = 0
	}
	if l := c.lists[conversationID]; l != nil {
		for i := range l.items {
			l.items[i].msg.Read = true
		}
	}
	c.mu.Unlock()
	return prev
}

// InvalidateAll marks every collection stale, e.g. after missed push events.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	for _, l := range c.lists {
		l.stale = true
	}
	c.summaryStale = true
	c.mu.Unlock()
	c.emit(CacheEvent{Kind: CacheSummaryInvalidated})
}

// Clear forgets everything, e.g. on logout.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.lists = make(map[string]*messageList)
	c.convs = make(map[string]*Conversation)
	c.order = nil
	c.summaryAt = time.Time{}
	c.summaryStale = false
	c.unreadStale = make(map[string]struct{})
	c.mu.Unlock()
	c.emit(CacheEvent{Kind: CacheSummaryInvalidated})
}
