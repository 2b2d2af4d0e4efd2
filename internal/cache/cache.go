// Package cache holds the in-process mirror of the persistent store. It is
// the sole synchronous read path; all mutation goes through the sync engine.
package cache

import (
	"sort"
	"sync"

	"github.com/loom-chat/loom/internal/store"
)

// UpdateMode selects how an incoming message batch is applied to a
// conversation's cached list.
type UpdateMode int

const (
	// Replace fully substitutes the list (used after a targeted re-fetch).
	Replace UpdateMode = iota
	// Merge combines incoming messages not already present with the
	// existing list, re-sorts by timestamp descending and truncates to the
	// cap.
	Merge
)

// DefaultMessageCap bounds the per-conversation message list.
const DefaultMessageCap = 100

// Cache is a bounded in-memory mirror of conversations and their most
// recent messages, indexed by conversation id.
type Cache struct {
	mu            sync.RWMutex
	cap           int
	conversations map[string]store.Conversation
	messages      map[string][]store.Message // sorted by timestamp descending
}

// New creates a cache with the given per-conversation message cap.
func New(messageCap int) *Cache {
	if messageCap <= 0 {
		messageCap = DefaultMessageCap
	}
	return &Cache{
		cap:           messageCap,
		conversations: make(map[string]store.Conversation),
		messages:      make(map[string][]store.Message),
	}
}

// Cap returns the per-conversation message cap.
func (c *Cache) Cap() int {
	return c.cap
}

// PutConversation stores or updates a conversation. LastActivity never moves
// backwards.
func (c *Cache) PutConversation(conv store.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.conversations[conv.ID]; ok && prev.LastActivity > conv.LastActivity {
		conv.LastActivity = prev.LastActivity
		conv.LastMessageID = prev.LastMessageID
		conv.LastMessagePreview = prev.LastMessagePreview
	}
	c.conversations[conv.ID] = conv
}

// Conversation returns a conversation by id.
func (c *Cache) Conversation(id string) (store.Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.conversations[id]
	return conv, ok
}

// Conversations returns cached conversations sorted by last activity
// descending.
func (c *Cache) Conversations(limit, offset int) []store.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	convs := make([]store.Conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		convs = append(convs, conv)
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].LastActivity > convs[j].LastActivity })

	if offset >= len(convs) {
		return nil
	}
	convs = convs[offset:]
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	return convs
}

// Len returns the number of cached conversations.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conversations)
}

// SetMessages applies a batch to a conversation's list in the given mode.
func (c *Cache) SetMessages(conversationID string, batch []store.Message, mode UpdateMode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var merged []store.Message
	switch mode {
	case Replace:
		merged = append(merged, batch...)
	case Merge:
		existing := c.messages[conversationID]
		seen := make(map[string]bool, len(existing))
		merged = append(merged, existing...)
		for _, m := range existing {
			seen[m.ID] = true
		}
		for _, m := range batch {
			if !seen[m.ID] {
				merged = append(merged, m)
				seen[m.ID] = true
			}
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Timestamp > merged[j].Timestamp })
	if len(merged) > c.cap {
		merged = merged[:c.cap]
	}
	c.messages[conversationID] = merged
}

// InsertMessage merges a single message into a conversation's list.
func (c *Cache) InsertMessage(m store.Message) {
	c.SetMessages(m.ConversationID, []store.Message{m}, Merge)
}

// Messages returns up to limit cached messages older than before (unix ms,
// 0 for no bound), newest first.
func (c *Cache) Messages(conversationID string, limit int, before int64) []store.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []store.Message
	for _, m := range c.messages[conversationID] {
		if before > 0 && m.Timestamp >= before {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// ReplaceMessage swaps the entry carrying oldID for confirmed, in place.
// Returns false if oldID is not cached. This is the atomic temp-id to
// server-id resolution: the logical message keeps a single record.
func (c *Cache) ReplaceMessage(conversationID, oldID string, confirmed store.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.messages[conversationID]
	for i, m := range list {
		if m.ID == oldID {
			list[i] = confirmed
			sort.SliceStable(list, func(a, b int) bool { return list[a].Timestamp > list[b].Timestamp })
			return true
		}
	}
	return false
}

// FindTemp returns the oldest unconfirmed entry matching sender and content
// in a conversation. Used to match realtime echoes of our own sends.
func (c *Cache) FindTemp(conversationID, senderID, content string) (store.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := c.messages[conversationID]
	for i := len(list) - 1; i >= 0; i-- {
		m := list[i]
		if store.IsTempID(m.ID) && m.SenderID == senderID && m.Content == content {
			return m, true
		}
	}
	return store.Message{}, false
}

// FindByClientID returns the entry whose client id matches, if any.
func (c *Cache) FindByClientID(conversationID, clientID string) (store.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, m := range c.messages[conversationID] {
		if m.ClientID == clientID {
			return m, true
		}
	}
	return store.Message{}, false
}

// Contains reports whether a message id is cached in the conversation.
func (c *Cache) Contains(conversationID, msgID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.messages[conversationID] {
		if m.ID == msgID {
			return true
		}
	}
	return false
}

// MarkStatus updates the delivery status of a cached message.
func (c *Cache) MarkStatus(conversationID, msgID string, status store.MessageStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.messages[conversationID]
	for i := range list {
		if list[i].ID == msgID {
			list[i].Status = status
			return true
		}
	}
	return false
}

// ApplyEdit rewrites the content of a cached message and sets edit markers.
func (c *Cache) ApplyEdit(conversationID, msgID, content string, editedAt int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.messages[conversationID]
	for i := range list {
		if list[i].ID == msgID {
			list[i].Content = content
			list[i].Edited = true
			list[i].EditedAt = editedAt
			return true
		}
	}
	return false
}

// MarkDeleted tombstones a cached message.
func (c *Cache) MarkDeleted(conversationID, msgID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.messages[conversationID]
	for i := range list {
		if list[i].ID == msgID {
			list[i].Deleted = true
			list[i].Content = ""
			return true
		}
	}
	return false
}

// Touch advances a conversation's last-message fields after a new message.
func (c *Cache) Touch(m store.Message, preview string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.conversations[m.ConversationID]
	if !ok {
		conv = store.Conversation{ID: m.ConversationID, Type: store.ConversationDirect}
	}
	if m.Timestamp >= conv.LastActivity {
		conv.LastActivity = m.Timestamp
		conv.LastMessageID = m.ID
		conv.LastMessagePreview = preview
	}
	c.conversations[m.ConversationID] = conv
}

// BumpUnread increments the local unread count for a conversation.
func (c *Cache) BumpUnread(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv, ok := c.conversations[conversationID]; ok {
		conv.UnreadCount++
		c.conversations[conversationID] = conv
	}
}

// ZeroUnread clears the local unread count for a conversation.
func (c *Cache) ZeroUnread(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv, ok := c.conversations[conversationID]; ok {
		conv.UnreadCount = 0
		c.conversations[conversationID] = conv
	}
}
