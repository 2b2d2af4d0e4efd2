package store

import (
	"strings"

	"github.com/google/uuid"
)

// ConversationType distinguishes direct chats from groups.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// ContentType enumerates supported message payloads.
type ContentType string

const (
	ContentText   ContentType = "text"
	ContentImage  ContentType = "image"
	ContentFile   ContentType = "file"
	ContentSystem ContentType = "system"
)

// MessageStatus tracks the delivery state of a message in the local view.
type MessageStatus string

const (
	StatusPending  MessageStatus = "pending"
	StatusSent     MessageStatus = "sent"
	StatusFailed   MessageStatus = "failed"
	StatusReceived MessageStatus = "received"
)

// WriteKind enumerates queueable write operations.
type WriteKind string

const (
	WriteSend     WriteKind = "send"
	WriteMarkRead WriteKind = "mark_read"
)

// TempIDPrefix is the reserved namespace for client-minted message ids.
// Server ids never carry this prefix.
const TempIDPrefix = "local-"

// NewTempID mints a temporary message id.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was minted locally and is still awaiting
// server confirmation.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Conversation represents a synced conversation. The json tags are the wire
// shape used by both the HTTP backend and the realtime channel.
type Conversation struct {
	ID                 string           `json:"id"`
	Type               ConversationType `json:"type"`
	Title              string           `json:"title,omitempty"`
	Participants       []string         `json:"participants"`
	LastActivity       int64            `json:"last_activity"`
	LastMessageID      string           `json:"last_message_id,omitempty"`
	LastMessagePreview string           `json:"last_message_preview,omitempty"`
	UnreadCount        int              `json:"unread_count"`
	Archived           bool             `json:"archived,omitempty"`
	Pinned             bool             `json:"pinned,omitempty"`
	Muted              bool             `json:"muted,omitempty"`
	Encrypted          bool             `json:"encrypted,omitempty"`
}

// Attachment references an uploaded file on a message.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// Message represents a synced message. ID is either a server id or a
// temporary id in the TempIDPrefix namespace; ClientID keeps the original
// temporary id across the resolution so echoes can be matched exactly.
type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"client_id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	ContentType    ContentType   `json:"content_type"`
	Status         MessageStatus `json:"status,omitempty"`
	Edited         bool          `json:"edited,omitempty"`
	EditedAt       int64         `json:"edited_at,omitempty"`
	Deleted        bool          `json:"deleted,omitempty"`
	ReplyTo        string        `json:"reply_to,omitempty"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	Timestamp      int64         `json:"timestamp"`
}

// PendingWrite is a durably queued write awaiting retry. Seq is assigned by
// the store and gives FIFO drain order.
type PendingWrite struct {
	Seq            int64
	ClientID       string
	Kind           WriteKind
	ConversationID string
	Payload        []byte
	Retries        int
	CreatedAt      int64
}
