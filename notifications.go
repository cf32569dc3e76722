package engicom

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// NotificationSource is the REST side of the feed. *NotificationsClient implements it.
type NotificationSource interface {
	List(ctx context.Context) ([]Notification, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, filter NotificationFilter) error
}

// DispatcherOptions configures a NotificationDispatcher.
type DispatcherOptions struct {
	Logger  *zap.Logger
	Metrics *Metrics
}

// NotificationDispatcher owns the unified notification feed. Server-fetched
// and push-delivered notifications pass through the same dedup gate, newest
// first, and transient alerts are raised only when the user is not already
// looking at the related conversation or post.
type NotificationDispatcher struct {
	api     NotificationSource
	view    *ViewState
	log     *zap.Logger
	metrics *Metrics

	alerts  emitter[Notification]
	changes emitter[struct{}]

	mu         sync.RWMutex
	feed       []*Notification
	byID       map[string]*Notification
	alertCount int
}

// NewNotificationDispatcher creates an empty feed. view may be nil, in which
// case no alert is ever suppressed.
func NewNotificationDispatcher(api NotificationSource, view *ViewState, opts *DispatcherOptions) *NotificationDispatcher {
	var o DispatcherOptions
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	return &NotificationDispatcher{
		api:     api,
		view:    view,
		log:     o.Logger.Named("notifications"),
		metrics: o.Metrics,
		byID:    make(map[string]*Notification),
	}
}

// OnAlert registers a handler for transient alerts.
func (d *NotificationDispatcher) OnAlert(h func(Notification)) { d.alerts.on(h) }

// OnChange registers a handler called whenever the feed changes.
func (d *NotificationDispatcher) OnChange(h func()) {
	d.changes.on(func(struct{}) { h() })
}

// Ingest inserts n at the head of the feed unless its id is already present.
// Notifications without an id get a namespaced local one. Reports whether
// the feed changed.
func (d *NotificationDispatcher) Ingest(n Notification) bool {
	if n.ID == "" {
		n.ID = newPushNotificationID()
	}
	if !d.insert(n) {
		return false
	}
	if n.Read {
		return true
	}
	if d.suppressed(&n) {
		d.metrics.AlertsSuppressed.Inc()
		d.log.Debug("alert suppressed", zap.String("type", string(n.Type)),
			zap.String("conversation_id", n.ConversationID), zap.String("post_id", n.PostID))
		return true
	}
	d.mu.Lock()
	d.alertCount++
	d.mu.Unlock()
	d.metrics.AlertsRaised.Inc()
	d.alerts.emit(n)
	return true
}

func (d *NotificationDispatcher) insert(n Notification) bool {
	if n.ID == "" {
		n.ID = newPushNotificationID()
	}
	if !n.Type.Valid() {
		d.log.Warn("notification with unknown type", zap.String("id", n.ID), zap.String("type", string(n.Type)))
	}

	d.mu.Lock()
	if _, ok := d.byID[n.ID]; ok {
		d.mu.Unlock()
		return false
	}
	entry := n
	d.feed = append([]*Notification{&entry}, d.feed...)
	d.byID[n.ID] = &entry
	d.mu.Unlock()

	d.metrics.NotificationsIngested.Inc()
	d.changes.emit(struct{}{})
	return true
}

func (d *NotificationDispatcher) suppressed(n *Notification) bool {
	if d.view == nil {
		return false
	}
	if n.Type == NotificationMessage {
		return n.ConversationID != "" && n.ConversationID == d.view.ActiveConversation()
	}
	return n.PostID != "" && n.PostID == d.view.ActivePost()
}

// Load fetches the server feed and merges it through the dedup gate. Fetched
// notifications never raise alerts.
func (d *NotificationDispatcher) Load(ctx context.Context) error {
	fetched, err := d.api.List(ctx)
	if err != nil {
		d.log.Warn("notification fetch failed", zap.Error(err))
		return fmt.Errorf("fetch notifications: %w", err)
	}
	added := 0
	for i := len(fetched) - 1; i >= 0; i-- {
		if d.insert(fetched[i]) {
			added++
		}
	}

	d.mu.Lock()
	sort.SliceStable(d.feed, func(i, j int) bool {
		return d.feed[i].CreatedAt.After(d.feed[j].CreatedAt)
	})
	d.mu.Unlock()

	d.log.Debug("notifications loaded", zap.Int("fetched", len(fetched)), zap.Int("added", added))
	return nil
}

// Feed returns the notifications matching filter, newest first. It is a
// projection over the single underlying feed.
func (d *NotificationDispatcher) Feed(filter NotificationFilter) []Notification {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Notification, 0, len(d.feed))
	for _, n := range d.feed {
		if filter.Match(n) {
			out = append(out, *n)
		}
	}
	return out
}

// UnreadCount counts unread notifications matching filter.
func (d *NotificationDispatcher) UnreadCount(filter NotificationFilter) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, n := range d.feed {
		if !n.Read && filter.Match(n) {
			count++
		}
	}
	return count
}

// AlertCount returns how many alerts were raised since the last AcknowledgeAlerts.
func (d *NotificationDispatcher) AlertCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.alertCount
}

// AcknowledgeAlerts resets the alert counter.
func (d *NotificationDispatcher) AcknowledgeAlerts() {
	d.mu.Lock()
	d.alertCount = 0
	d.mu.Unlock()
}

// MarkRead flips the read flag locally, then tells the server. If the server
// call fails the flag stays set: a stale "read" is preferred over a false
// unread badge. The error is still returned.
func (d *NotificationDispatcher) MarkRead(ctx context.Context, id string) error {
	d.mu.Lock()
	n := d.byID[id]
	if n == nil {
		d.mu.Unlock()
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	already := n.Read
	n.Read = true
	d.mu.Unlock()

	if already {
		return nil
	}
	d.changes.emit(struct{}{})

	// Locally minted ids are unknown to the server.
	if isLocalNotificationID(id) {
		return nil
	}
	if err := d.api.MarkRead(ctx, id); err != nil {
		d.log.Warn("mark read failed, keeping local state", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return nil
}

// MarkAllRead flips every notification matching filter, then tells the server.
func (d *NotificationDispatcher) MarkAllRead(ctx context.Context, filter NotificationFilter) error {
	changed := 0
	d.mu.Lock()
	for _, n := range d.feed {
		if !n.Read && filter.Match(n) {
			n.Read = true
			changed++
		}
	}
	d.mu.Unlock()

	if changed > 0 {
		d.changes.emit(struct{}{})
	}
	if err := d.api.MarkAllRead(ctx, filter); err != nil {
		d.log.Warn("mark all read failed, keeping local state",
			zap.String("filter", string(filter)), zap.Error(err))
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

// Clear empties the feed, e.g. on logout.
func (d *NotificationDispatcher) Clear() {
	d.mu.Lock()
	d.feed = nil
	d.byID = make(map[string]*Notification)
	d.alertCount = 0
	d.mu.Unlock()
	d.changes.emit(struct{}{})
}

func isLocalNotificationID(id string) bool {
	return len(id) > len(PushNotificationPrefix) && id[:len(PushNotificationPrefix)] == PushNotificationPrefix
}
