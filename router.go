package engicom

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Event kinds & payloads
// ============================================================================

// EventKind is the closed set of push event types.
type EventKind string

const (
	// Inbound
	EventPresenceSnapshot EventKind = "presence.snapshot"
	EventMessageNew       EventKind = "message.new"
	EventNotificationNew  EventKind = "notification.new"

	// Outbound
	EventPresenceRegister      EventKind = "presence.register"
	EventMessageBroadcast      EventKind = "message.broadcast"
	EventNotificationBroadcast EventKind = "notification.broadcast"
)

// Inbound reports whether the server sends k to clients.
func (k EventKind) Inbound() bool {
	switch k {
	case EventPresenceSnapshot, EventMessageNew, EventNotificationNew:
		return true
	}
	return false
}

// Envelope is the wire format of every push frame.
type Envelope struct {
	Type    EventKind       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server frame.
type Command struct {
	Type    EventKind   `json:"type"`
	Payload interface{} `json:"payload"`
}

// MessageNewPayload carries a message pushed to the recipient.
type MessageNewPayload struct {
	ChatID  string  `json:"chatId"`
	Message Message `json:"message"`
}

// NotificationNewPayload carries a notification pushed to the recipient.
type NotificationNewPayload struct {
	Notification Notification `json:"notification"`
}

// PresenceRegisterPayload announces the local user after connecting.
type PresenceRegisterPayload struct {
	UserID string `json:"userId"`
}

// MessageBroadcastPayload asks the server to relay a new message.
type MessageBroadcastPayload struct {
	NewMessage      Message `json:"newMessage"`
	RecipientUserID string  `json:"recipientUserId"`
}

// NotificationBroadcastPayload asks the server to relay a notification.
type NotificationBroadcastPayload struct {
	RecipientID  string       `json:"recipientId"`
	Notification Notification `json:"notification"`
}

// ============================================================================
// Router
// ============================================================================

// Transport is the push connection the router writes to. *RealtimeClient implements it.
type Transport interface {
	Send(ctx context.Context, cmd *Command) error
	State() RealtimeState
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// Self returns the id of the logged-in user.
	Self    func() string
	Logger  *zap.Logger
	Metrics *Metrics
}

// Router demultiplexes inbound push events into the cache, the presence
// tracker and the notification dispatcher, and emits outbound broadcasts.
type Router struct {
	cache         *Cache
	presence      *PresenceTracker
	notifications *NotificationDispatcher
	view          *ViewState
	self          func() string
	log           *zap.Logger
	metrics       *Metrics

	mu        sync.RWMutex
	transport Transport
}

func NewRouter(cache *Cache, presence *PresenceTracker, notifications *NotificationDispatcher, view *ViewState, opts *RouterOptions) *Router {
	var o RouterOptions
	if opts != nil {
		o = *opts
	}
	if o.Self == nil {
		o.Self = func() string { return "" }
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if view == nil {
		view = &ViewState{}
	}
	return &Router{
		cache:         cache,
		presence:      presence,
		notifications: notifications,
		view:          view,
		self:          o.Self,
		log:           o.Logger.Named("router"),
		metrics:       o.Metrics,
	}
}

// Attach sets the transport used for outbound events. nil detaches it.
func (r *Router) Attach(t Transport) {
	r.mu.Lock()
	r.transport = t
	r.mu.Unlock()
}

// Handle dispatches one inbound envelope. Unknown kinds are ignored; a
// payload that does not decode yields ErrMalformedPayload.
func (r *Router) Handle(env Envelope) error {
	switch env.Type {
	case EventPresenceSnapshot:
		var online []string
		if err := decodePayload(env, &online); err != nil {
			return err
		}
		r.presence.Replace(online)
		return nil

	case EventMessageNew:
		var p MessageNewPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		return r.handleMessage(p)

	case EventNotificationNew:
		var p NotificationNewPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		r.notifications.Ingest(p.Notification)
		return nil

	case EventPresenceRegister, EventMessageBroadcast, EventNotificationBroadcast:
		r.log.Debug("ignoring outbound event kind", zap.String("type", string(env.Type)))
		return nil

	default:
		r.log.Debug("ignoring unknown event", zap.String("type", string(env.Type)))
		return nil
	}
}

func decodePayload(env Envelope, v interface{}) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformedPayload, env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedPayload, env.Type, err)
	}
	return nil
}

func (r *Router) handleMessage(p MessageNewPayload) error {
	msg := p.Message
	convID := p.ChatID
	if convID == "" {
		convID = msg.ConversationID
	}
	if convID == "" || msg.ID == "" {
		return fmt.Errorf("%w: message.new without chat or message id", ErrMalformedPayload)
	}
	msg.ConversationID = convID
	msg.Pending = false

	if !r.cache.AppendMessage(convID, msg) {
		return nil
	}

	if msg.SenderID == r.self() {
		// Echo of our own send from another session.
		r.cache.InvalidateConversationsSummary()
		return nil
	}

	r.notifications.Ingest(Notification{
		ID:             messageNotificationID(msg.ID),
		Type:           NotificationMessage,
		Sender:         UserRef{ID: msg.SenderID},
		ConversationID: convID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	})

	if r.view.ActiveConversation() != convID {
		r.cache.MarkUnreadStale(convID)
	}
	r.cache.InvalidateConversationsSummary()
	return nil
}

// HandleConnected runs after every successful connect: it registers the
// local user for presence and, after a reconnect, marks everything stale
// and refetches notifications to cover events missed while offline.
func (r *Router) HandleConnected(ctx context.Context, reconnect bool) {
	if self := r.self(); self != "" {
		if err := r.send(ctx, &Command{Type: EventPresenceRegister, Payload: PresenceRegisterPayload{UserID: self}}); err != nil {
			r.log.Warn("presence registration failed", zap.Error(err))
		}
	}
	if !reconnect {
		return
	}
	r.cache.InvalidateAll()
	if err := r.notifications.Load(ctx); err != nil {
		r.log.Warn("gap fill after reconnect failed", zap.Error(err))
	}
}

// BroadcastMessage relays msg to recipientID's live sessions. Sends to the
// local user are skipped. While disconnected the event is dropped.
func (r *Router) BroadcastMessage(ctx context.Context, msg Message, recipientID string) error {
	if recipientID == "" || recipientID == r.self() {
		return nil
	}
	return r.send(ctx, &Command{
		Type:    EventMessageBroadcast,
		Payload: MessageBroadcastPayload{NewMessage: msg, RecipientUserID: recipientID},
	})
}

// BroadcastNotification relays n to recipientID. No-op when the recipient
// is the acting user.
func (r *Router) BroadcastNotification(ctx context.Context, recipientID string, n Notification) error {
	if recipientID == "" || recipientID == r.self() || recipientID == n.Sender.ID {
		return nil
	}
	if n.ID == "" {
		n.ID = newPushNotificationID()
	}
	return r.send(ctx, &Command{
		Type:    EventNotificationBroadcast,
		Payload: NotificationBroadcastPayload{RecipientID: recipientID, Notification: n},
	})
}

func (r *Router) send(ctx context.Context, cmd *Command) error {
	r.mu.RLock()
	t := r.transport
	r.mu.RUnlock()

	if t == nil || t.State() != StateConnected {
		r.metrics.BroadcastsDropped.Inc()
		return ErrNotConnected
	}
	if err := t.Send(ctx, cmd); err != nil {
		r.metrics.BroadcastsDropped.Inc()
		return fmt.Errorf("send %s: %w", cmd.Type, err)
	}
	return nil
}
