package engicom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// ============================================================================
// Collaborators
// ============================================================================

// MessageWriter is the REST side of message mutations. *MessagesClient implements it.
type MessageWriter interface {
	Send(ctx context.Context, chatID string, draft Draft, onProgress func(sent, total int64)) (*Message, error)
	Update(ctx context.Context, messageID, content string) (*Message, error)
	Delete(ctx context.Context, messageID string) error
	MarkRead(ctx context.Context, chatID string) error
}

// Broadcaster relays a confirmed mutation to other users over the push
// channel. *Router implements it.
type Broadcaster interface {
	BroadcastMessage(ctx context.Context, msg Message, recipientID string) error
	BroadcastNotification(ctx context.Context, recipientID string, n Notification) error
}

// ============================================================================
// Drafts
// ============================================================================

// Drafts keeps the per-conversation composition. A failed send puts its
// draft back here so the user does not lose what they typed.
type Drafts struct {
	mu     sync.Mutex
	drafts map[string]Draft
}

func newDrafts() *Drafts {
	return &Drafts{drafts: make(map[string]Draft)}
}

// Get returns the draft of a conversation.
func (d *Drafts) Get(conversationID string) (Draft, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dr, ok := d.drafts[conversationID]
	return dr, ok
}

// Set stores the draft of a conversation. An empty draft clears it.
func (d *Drafts) Set(conversationID string, draft Draft) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if draft.Empty() {
		delete(d.drafts, conversationID)
		return
	}
	d.drafts[conversationID] = draft
}

// Clear drops the draft of a conversation.
func (d *Drafts) Clear(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.drafts, conversationID)
}

// restore puts a failed draft back unless the user already started a new one.
func (d *Drafts) restore(conversationID string, draft Draft) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.drafts[conversationID]; ok && !cur.Empty() {
		return
	}
	d.drafts[conversationID] = draft
}

func (d *Drafts) reset() {
	d.mu.Lock()
	d.drafts = make(map[string]Draft)
	d.mu.Unlock()
}

// ============================================================================
// Pipeline
// ============================================================================

// Mutation is the shape every optimistic write follows: Apply changes local
// state synchronously, Commit performs the network call, then either Confirm
// or Rollback runs. Apply returning an error aborts before any network call.
type Mutation struct {
	Name     string
	Apply    func() error
	Commit   func(ctx context.Context) error
	Confirm  func()
	Rollback func(err error)
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// Self returns the id of the logged-in user.
	Self func() string
	// MaxContentLength caps message text in characters. Default 4000.
	MaxContentLength int
	// MaxAttachments caps attachments per message. Default 10.
	MaxAttachments int
	Logger         *zap.Logger
	Metrics        *Metrics
	Now            func() time.Time
}

func (o *PipelineOptions) defaults() {
	if o.Self == nil {
		o.Self = func() string { return "" }
	}
	if o.MaxContentLength == 0 {
		o.MaxContentLength = 4000
	}
	if o.MaxAttachments == 0 {
		o.MaxAttachments = 10
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

// SendRequest describes one outgoing message.
type SendRequest struct {
	ConversationID string
	// RecipientID receives the push broadcast. Empty skips the broadcast.
	RecipientID string
	Draft       Draft
	// OnProgress reports upload progress for drafts with attachments.
	OnProgress func(sent, total int64)
}

// Pipeline applies user mutations to the cache immediately, then reconciles
// them with the server response.
type Pipeline struct {
	cache  *Cache
	api    MessageWriter
	bc     Broadcaster
	opts   PipelineOptions
	log    *zap.Logger
	Drafts *Drafts
}

// NewPipeline creates a pipeline. bc may be nil, in which case confirmed
// mutations are not broadcast.
func NewPipeline(cache *Cache, api MessageWriter, bc Broadcaster, opts *PipelineOptions) *Pipeline {
	var o PipelineOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Pipeline{
		cache:  cache,
		api:    api,
		bc:     bc,
		opts:   o,
		log:    o.Logger.Named("pipeline"),
		Drafts: newDrafts(),
	}
}

// Do runs a mutation. The error returned is the one from Apply or Commit.
func (p *Pipeline) Do(ctx context.Context, m Mutation) error {
	if m.Apply != nil {
		if err := m.Apply(); err != nil {
			return err
		}
	}
	if m.Commit != nil {
		if err := m.Commit(ctx); err != nil {
			p.log.Debug("mutation failed", zap.String("mutation", m.Name), zap.Error(err))
			if m.Rollback != nil {
				m.Rollback(err)
			}
			return err
		}
	}
	if m.Confirm != nil {
		m.Confirm()
	}
	return nil
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func (p *Pipeline) validateDraft(d Draft) error {
	if d.Empty() {
		return validationError("message has no content or attachments")
	}
	if n := utf8.RuneCountInString(d.Content); n > p.opts.MaxContentLength {
		return validationError("message is %d characters, limit is %d", n, p.opts.MaxContentLength)
	}
	if len(d.Attachments) > p.opts.MaxAttachments {
		return validationError("message has %d attachments, limit is %d", len(d.Attachments), p.opts.MaxAttachments)
	}
	return nil
}

// ── Send ─────────────────────────────────────────────────

// Send shows the message immediately under a temporary id, posts it, then
// swaps in the server copy. On failure the provisional entry is removed, the
// draft is restored into Drafts and a *SendError carrying it is returned.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (*Message, error) {
	provisional, err := p.beginSend(req)
	if err != nil {
		return nil, err
	}
	return p.commitSend(ctx, req, provisional)
}

// PendingSend tracks a send whose network step runs in the background.
type PendingSend struct {
	// Message is the provisional entry already visible in the cache.
	Message Message

	done   chan struct{}
	result *Message
	err    error
}

// Done is closed once the send is confirmed or rolled back.
func (s *PendingSend) Done() <-chan struct{} { return s.done }

// Wait blocks until the send resolves or ctx is done.
func (s *PendingSend) Wait(ctx context.Context) (*Message, error) {
	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendAsync is Send with the network step on its own goroutine. It returns
// as soon as the provisional message is in the cache.
func (p *Pipeline) SendAsync(ctx context.Context, req SendRequest) (*PendingSend, error) {
	provisional, err := p.beginSend(req)
	if err != nil {
		return nil, err
	}
	ps := &PendingSend{Message: provisional, done: make(chan struct{})}
	go func() {
		defer close(ps.done)
		ps.result, ps.err = p.commitSend(ctx, req, provisional)
	}()
	return ps, nil
}

func (p *Pipeline) beginSend(req SendRequest) (Message, error) {
	if req.ConversationID == "" {
		return Message{}, validationError("conversation id is required")
	}
	if err := p.validateDraft(req.Draft); err != nil {
		return Message{}, err
	}
	self := p.opts.Self()
	if self == "" {
		return Message{}, validationError("no logged-in user")
	}

	now := p.opts.Now()
	provisional := Message{
		ID:             NewTempMessageID(),
		ConversationID: req.ConversationID,
		SenderID:       self,
		Content:        req.Draft.Content,
		Read:           true,
		CreatedAt:      now,
		UpdatedAt:      now,
		Pending:        true,
	}
	for _, up := range req.Draft.Attachments {
		provisional.Attachments = append(provisional.Attachments, Attachment{
			Name:     up.Name,
			MimeType: up.MimeType,
			Size:     int64(len(up.Data)),
		})
	}
	p.cache.AppendMessage(req.ConversationID, provisional)
	p.Drafts.Clear(req.ConversationID)
	return provisional, nil
}

func (p *Pipeline) commitSend(ctx context.Context, req SendRequest, provisional Message) (*Message, error) {
	convID := req.ConversationID
	var final Message
	err := p.Do(ctx, Mutation{
		Name: "send",
		Commit: func(ctx context.Context) error {
			m, err := p.api.Send(ctx, convID, req.Draft, req.OnProgress)
			if err != nil {
				return err
			}
			if m == nil || m.ID == "" {
				return fmt.Errorf("%w: send response has no message id", ErrMalformedPayload)
			}
			final = *m
			return nil
		},
		Confirm: func() {
			if final.ConversationID == "" {
				final.ConversationID = convID
			}
			if final.SenderID == "" {
				final.SenderID = provisional.SenderID
			}
			p.cache.ReplaceMessage(convID, provisional.ID, final)
			p.cache.InvalidateConversationsSummary()
			p.opts.Metrics.SendsConfirmed.Inc()
			p.broadcastSend(ctx, final, req.RecipientID)
		},
		Rollback: func(err error) {
			if isCanceled(err) {
				// The request may still have reached the server; the
				// next refetch or sweep settles the pending entry.
				p.log.Info("send abandoned, leaving pending entry",
					zap.String("conversation_id", convID), zap.String("temp_id", provisional.ID))
				return
			}
			p.cache.RemoveMessage(convID, provisional.ID)
			p.Drafts.restore(convID, req.Draft)
			p.opts.Metrics.SendsRolledBack.Inc()
			p.log.Warn("message send failed",
				zap.String("conversation_id", convID), zap.String("temp_id", provisional.ID), zap.Error(err))
		},
	})
	if err != nil {
		return nil, &SendError{ConversationID: convID, TempID: provisional.ID, Draft: req.Draft, Err: err}
	}
	out := final.clone()
	return &out, nil
}

func (p *Pipeline) broadcastSend(ctx context.Context, msg Message, recipientID string) {
	if p.bc == nil || recipientID == "" || recipientID == msg.SenderID {
		return
	}
	if err := p.bc.BroadcastMessage(ctx, msg, recipientID); err != nil {
		p.log.Debug("message broadcast skipped", zap.String("recipient_id", recipientID), zap.Error(err))
	}
	n := Notification{
		ID:             messageNotificationID(msg.ID),
		Type:           NotificationMessage,
		Sender:         UserRef{ID: msg.SenderID},
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
	if err := p.bc.BroadcastNotification(ctx, recipientID, n); err != nil {
		p.log.Debug("notification broadcast skipped", zap.String("recipient_id", recipientID), zap.Error(err))
	}
}

// ── Edit / Delete / Read ─────────────────────────────────

// Edit replaces the content of a confirmed message, reverting it if the
// server rejects the change.
func (p *Pipeline) Edit(ctx context.Context, conversationID, messageID, content string) (*Message, error) {
	if IsTempID(messageID) {
		return nil, validationError("message %s is not confirmed yet", messageID)
	}
	if n := utf8.RuneCountInString(content); n > p.opts.MaxContentLength {
		return nil, validationError("message is %d characters, limit is %d", n, p.opts.MaxContentLength)
	}

	var before Message
	var updated *Message
	err := p.Do(ctx, Mutation{
		Name: "edit",
		Apply: func() error {
			cur, ok := p.cache.Message(conversationID, messageID)
			if !ok {
				return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
			}
			if isBlank(content) && len(cur.Attachments) == 0 {
				return validationError("message would be empty")
			}
			before, ok = p.cache.UpdateMessage(conversationID, messageID, func(m *Message) {
				m.Content = content
				m.UpdatedAt = p.opts.Now()
			})
			if !ok {
				return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
			}
			return nil
		},
		Commit: func(ctx context.Context) error {
			var err error
			updated, err = p.api.Update(ctx, messageID, content)
			return err
		},
		Confirm: func() {
			if updated != nil {
				p.cache.UpdateMessage(conversationID, messageID, func(m *Message) {
					m.Content = updated.Content
					if !updated.UpdatedAt.IsZero() {
						m.UpdatedAt = updated.UpdatedAt
					}
				})
			}
			p.cache.InvalidateConversationsSummary()
		},
		Rollback: func(err error) {
			p.cache.UpdateMessage(conversationID, messageID, func(m *Message) {
				m.Content = before.Content
				m.UpdatedAt = before.UpdatedAt
			})
			p.log.Warn("message edit reverted", zap.String("message_id", messageID), zap.Error(err))
		},
	})
	if err != nil {
		return nil, err
	}
	out, _ := p.cache.Message(conversationID, messageID)
	return &out, nil
}

// Delete removes a message at once. A network failure puts it back; if the
// server says it is already gone or refuses the delete, the message stays
// removed locally and the error is returned.
func (p *Pipeline) Delete(ctx context.Context, conversationID, messageID string) error {
	if IsTempID(messageID) {
		return validationError("message %s is not confirmed yet", messageID)
	}

	var removed Message
	return p.Do(ctx, Mutation{
		Name: "delete",
		Apply: func() error {
			var ok bool
			removed, ok = p.cache.RemoveMessage(conversationID, messageID)
			if !ok {
				return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
			}
			return nil
		},
		Commit: func(ctx context.Context) error {
			return p.api.Delete(ctx, messageID)
		},
		Confirm: func() {
			p.cache.InvalidateConversationsSummary()
		},
		Rollback: func(err error) {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
				p.cache.InvalidateConversationsSummary()
				return
			}
			p.cache.AppendMessage(conversationID, removed)
			p.log.Warn("message delete reverted", zap.String("message_id", messageID), zap.Error(err))
		},
	})
}

// MarkRead zeroes the unread state of a conversation locally, then tells the
// server. A failed request keeps the local read state.
func (p *Pipeline) MarkRead(ctx context.Context, conversationID string) error {
	return p.Do(ctx, Mutation{
		Name: "mark-read",
		Apply: func() error {
			p.cache.MarkConversationRead(conversationID)
			return nil
		},
		Commit: func(ctx context.Context) error {
			return p.api.MarkRead(ctx, conversationID)
		},
		Confirm: func() {
			p.cache.InvalidateConversationsSummary()
		},
		Rollback: func(err error) {
			p.log.Warn("mark read failed, keeping local state",
				zap.String("conversation_id", conversationID), zap.Error(err))
		},
	})
}
