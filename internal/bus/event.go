package bus

import (
	"time"

	"github.com/loom-chat/loom/internal/store"
)

// Kind identifies an event on the bus. Kinds are namespaced with dots so
// subscribers can listen to a whole family ("write.", "rt.").
type Kind string

const (
	// Engine lifecycle.
	KindStatusChanged Kind = "engine.status_changed"
	KindConnectivity  Kind = "engine.connectivity"
	KindSyncStarted   Kind = "engine.sync_started"
	KindSyncCompleted Kind = "engine.sync_completed"

	// Optimistic write path.
	KindWriteAccepted  Kind = "write.accepted"
	KindWriteConfirmed Kind = "write.confirmed"
	KindWriteFailed    Kind = "write.failed"
	KindWriteDropped   Kind = "write.dropped"

	// Reconciled server-originated mutations.
	KindMessageReceived Kind = "message.received"
	KindMessageEdited   Kind = "message.edited"
	KindMessageDeleted  Kind = "message.deleted"

	// Ephemeral / pass-through.
	KindTypingStarted   Kind = "typing.started"
	KindTypingStopped   Kind = "typing.stopped"
	KindReadReceipt     Kind = "receipt.read"
	KindReactionUpdated Kind = "reaction.updated"
	KindPresenceUpdated Kind = "presence.updated"

	// Raw channel events, published by the realtime adapter and consumed
	// by the engine before being re-emitted in reconciled form.
	KindRTConnected      Kind = "rt.connected"
	KindRTDisconnected   Kind = "rt.disconnected"
	KindRTMessageNew     Kind = "rt.message_new"
	KindRTMessageEdited  Kind = "rt.message_edited"
	KindRTMessageDeleted Kind = "rt.message_deleted"
	KindRTTypingStart    Kind = "rt.typing_start"
	KindRTTypingStop     Kind = "rt.typing_stop"
	KindRTReadReceipt    Kind = "rt.read_receipt"
	KindRTReaction       Kind = "rt.reaction_update"
	KindRTPresence       Kind = "rt.presence_update"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// WriteAccepted is emitted as soon as an optimistic send is visible locally.
type WriteAccepted struct {
	Message store.Message
}

// WriteConfirmed is emitted once the server acknowledged a write. ClientID is
// the temporary id the caller received; Message carries the server id.
type WriteConfirmed struct {
	ClientID string
	Message  store.Message
}

// WriteFailed is emitted when a send attempt fails and is queued for retry.
type WriteFailed struct {
	ClientID       string
	ConversationID string
	Err            string
	Retries        int
}

// WriteDropped is emitted exactly once when a pending write exceeds the retry
// ceiling and is removed from the queue. The cache entry stays visible,
// flagged failed.
type WriteDropped struct {
	ClientID       string
	ConversationID string
	Err            string
}

// MessageReceived carries a server-originated message after reconciliation.
type MessageReceived struct {
	Message store.Message
}

// MessageEdited carries the post-edit state of a message.
type MessageEdited struct {
	Message store.Message
}

// MessageDeleted identifies a removed message.
type MessageDeleted struct {
	ConversationID string
	MessageID      string
}

// Typing identifies a participant typing in a conversation.
type Typing struct {
	ConversationID string
	UserID         string
}

// ReadReceipt reports messages read by a participant.
type ReadReceipt struct {
	ConversationID string
	UserID         string
	MessageIDs     []string
}

// ReactionUpdated reports a reaction change on a message.
type ReactionUpdated struct {
	ConversationID string
	MessageID      string
	UserID         string
	Emoji          string
	Removed        bool
}

// PresenceUpdated reports a participant presence change.
type PresenceUpdated struct {
	UserID string
	Status string
}

// Connectivity reports the realtime channel going up or down.
type Connectivity struct {
	Online bool
}

// SyncCompleted summarizes a full sync pass.
type SyncCompleted struct {
	Conversations int
	Messages      int
}
