package engicom

import (
	"strings"

	"github.com/google/uuid"
)

// Client-generated identifiers live in their own namespaces so they can never
// collide with a server-assigned id of a different shape.
const (
	TempMessagePrefix      = "tmp:"
	PushNotificationPrefix = "push:"
)

// NewTempMessageID returns a provisional identifier for a pending message.
func NewTempMessageID() string {
	return TempMessagePrefix + uuid.NewString()
}

// IsTempID reports whether id was generated locally for a pending message.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempMessagePrefix)
}

// newPushNotificationID names a notification built on this client before the
// server has assigned it an id.
func newPushNotificationID() string {
	return PushNotificationPrefix + uuid.NewString()
}

// messageNotificationID derives the feed id of the notification that
// announces messageID. The sender's broadcast and the recipient's own
// message push both map to it, so the feed holds one entry per message.
func messageNotificationID(messageID string) string {
	return PushNotificationPrefix + "message:" + messageID
}
