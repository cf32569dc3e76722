package engicom

import "time"

// ============================================================================
// Chat Types
// ============================================================================

// UserRef is the minimal author/sender projection the server embeds in payloads.
type UserRef struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Attachment references an uploaded file carried by a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a chat message. While Pending is true the ID is a temporary
// identifier (see IsTempID).
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"chatId"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Read           bool         `json:"read"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt,omitempty"`
	Pending        bool         `json:"-"`
}

func (m Message) clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}

// Conversation is a direct chat between two users.
type Conversation struct {
	ID            string    `json:"id"`
	Participants  []string  `json:"members"`
	LatestMessage *Message  `json:"latestMessage,omitempty"`
	UnreadCount   int       `json:"unreadCount"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
}

func (c Conversation) clone() Conversation {
	c.Participants = append([]string(nil), c.Participants...)
	if c.LatestMessage != nil {
		m := c.LatestMessage.clone()
		c.LatestMessage = &m
	}
	return c
}

// Peer returns the participant that is not self, or "" if none.
func (c Conversation) Peer(self string) string {
	for _, p := range c.Participants {
		if p != self {
			return p
		}
	}
	return ""
}

// Upload is an attachment selected for sending but not yet uploaded.
type Upload struct {
	Name     string
	MimeType string
	Data     []byte
}

// Draft is the user's in-progress composition for a conversation.
type Draft struct {
	Content     string
	Attachments []Upload
}

// Empty reports whether the draft has nothing to send.
func (d Draft) Empty() bool {
	return len(d.Attachments) == 0 && isBlank(d.Content)
}

// ============================================================================
// Notification Types
// ============================================================================

// NotificationType is the closed set of notification kinds.
type NotificationType string

const (
	NotificationFollow  NotificationType = "follow"
	NotificationLike    NotificationType = "like"
	NotificationComment NotificationType = "comment"
	NotificationShare   NotificationType = "share"
	NotificationMention NotificationType = "mention"
	NotificationMessage NotificationType = "message"
)

// Valid reports whether t is one of the known kinds.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationFollow, NotificationLike, NotificationComment,
		NotificationShare, NotificationMention, NotificationMessage:
		return true
	}
	return false
}

// Notification is one entry in the unified notification feed.
type Notification struct {
	ID             string           `json:"id"`
	Type           NotificationType `json:"type"`
	Sender         UserRef          `json:"sender"`
	PostID         string           `json:"postId,omitempty"`
	ConversationID string           `json:"chatId,omitempty"`
	Content        string           `json:"content,omitempty"`
	Read           bool             `json:"read"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// NotificationFilter selects a projection of the feed.
type NotificationFilter string

const (
	FilterAll      NotificationFilter = ""
	FilterMessages NotificationFilter = "message"
	FilterGeneral  NotificationFilter = "general"
)

// Match reports whether n belongs to the projection.
func (f NotificationFilter) Match(n *Notification) bool {
	switch f {
	case FilterMessages:
		return n.Type == NotificationMessage
	case FilterGeneral:
		return n.Type != NotificationMessage
	}
	return true
}
