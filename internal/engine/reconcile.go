package engine

import (
	"context"

	"github.com/loom-chat/loom/internal/bus"
	"github.com/loom-chat/loom/internal/store"
	"go.uber.org/zap"
)

// handleChannelEvent routes one raw channel event through reconciliation.
// The channel delivers at-least-once, so every branch is idempotent.
func (e *Engine) handleChannelEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindRTConnected:
		e.publish(bus.KindConnectivity, evt.Payload)
		// Coming back online: flush the queue, then close the gap the
		// outage opened.
		e.drainPending(ctx)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			sctx, cancel := e.remoteCtx()
			defer cancel()
			if err := e.ForceFullSync(sctx); err != nil {
				e.logger.Warn("post-reconnect sync failed", zap.Error(err))
			}
		}()

	case bus.KindRTDisconnected:
		e.publish(bus.KindConnectivity, evt.Payload)

	case bus.KindRTMessageNew:
		if p, ok := evt.Payload.(bus.MessageReceived); ok {
			e.applyIncoming(p.Message)
		}

	case bus.KindRTMessageEdited:
		if p, ok := evt.Payload.(bus.MessageEdited); ok {
			e.applyIncomingEdit(p.Message)
		}

	case bus.KindRTMessageDeleted:
		if p, ok := evt.Payload.(bus.MessageDeleted); ok {
			e.applyIncomingDelete(p.ConversationID, p.MessageID)
		}

	case bus.KindRTTypingStart:
		if p, ok := evt.Payload.(bus.Typing); ok && p.UserID != e.opts.Identity {
			e.setTyping(p.ConversationID, p.UserID, true)
			e.publish(bus.KindTypingStarted, p)
		}

	case bus.KindRTTypingStop:
		if p, ok := evt.Payload.(bus.Typing); ok && p.UserID != e.opts.Identity {
			e.setTyping(p.ConversationID, p.UserID, false)
			e.publish(bus.KindTypingStopped, p)
		}

	case bus.KindRTReadReceipt:
		if p, ok := evt.Payload.(bus.ReadReceipt); ok {
			e.publish(bus.KindReadReceipt, p)
		}

	case bus.KindRTReaction:
		if p, ok := evt.Payload.(bus.ReactionUpdated); ok {
			e.publish(bus.KindReactionUpdated, p)
		}

	case bus.KindRTPresence:
		if p, ok := evt.Payload.(bus.PresenceUpdated); ok {
			e.mu.Lock()
			e.presence[p.UserID] = p.Status
			e.mu.Unlock()
			e.publish(bus.KindPresenceUpdated, p)
		}
	}
}

// applyIncoming merges one pushed message. A pushed message can be an echo
// of our own optimistic send; matching it to the local pending entry instead
// of inserting a duplicate is the core dedup step.
func (e *Engine) applyIncoming(m store.Message) {
	if m.Status == "" {
		m.Status = store.StatusReceived
	}

	// Echo of our own send: the exact client id match is authoritative.
	// Resolution goes through even when the optimistic entry has been
	// evicted from the cache, so the queue record is retired either way.
	if m.SenderID == e.opts.Identity {
		if m.ClientID != "" {
			confirmed := m
			e.resolveConfirmed(m.ClientID, m.ConversationID, &confirmed)
			return
		}
		// Echo without a client id (older backends). Match the oldest
		// unconfirmed message with the same content, consulting the cache
		// first and then the durable queue.
		if temp, ok := e.cache.FindTemp(m.ConversationID, m.SenderID, m.Content); ok {
			confirmed := m
			e.resolveConfirmed(temp.ID, m.ConversationID, &confirmed)
			return
		}
		if clientID, ok := e.findPendingSend(m.ConversationID, m.Content); ok {
			confirmed := m
			e.resolveConfirmed(clientID, m.ConversationID, &confirmed)
			return
		}
	}

	// Duplicate delivery of a message already applied.
	if e.cache.Contains(m.ConversationID, m.ID) {
		return
	}

	e.mu.Lock()
	e.cache.InsertMessage(m)
	e.cache.Touch(m, m.Content)
	if m.SenderID != e.opts.Identity {
		e.cache.BumpUnread(m.ConversationID)
	}
	if err := e.db.UpsertMessage(&m); err != nil {
		e.logger.Warn("message write-through failed", zap.Error(err))
	}
	if conv, ok := e.cache.Conversation(m.ConversationID); ok {
		if err := e.db.UpsertConversation(&conv); err != nil {
			e.logger.Warn("conversation write-through failed", zap.Error(err))
		}
	}
	e.mu.Unlock()

	e.publish(bus.KindMessageReceived, bus.MessageReceived{Message: m})
}

// applyIncomingEdit rewrites a cached message after a remote edit.
func (e *Engine) applyIncomingEdit(m store.Message) {
	e.mu.Lock()
	changed := e.cache.ApplyEdit(m.ConversationID, m.ID, m.Content, m.EditedAt)
	m.Edited = true
	if err := e.db.UpsertMessage(&m); err != nil {
		e.logger.Warn("edit write-through failed", zap.Error(err))
	}
	e.mu.Unlock()

	if changed {
		e.publish(bus.KindMessageEdited, bus.MessageEdited{Message: m})
	}
}

// applyIncomingDelete tombstones a cached message after a remote delete.
func (e *Engine) applyIncomingDelete(conversationID, msgID string) {
	e.mu.Lock()
	changed := e.cache.MarkDeleted(conversationID, msgID)
	if err := e.db.MarkMessageDeleted(conversationID, msgID); err != nil {
		e.logger.Warn("delete write-through failed", zap.Error(err))
	}
	e.mu.Unlock()

	if changed {
		e.publish(bus.KindMessageDeleted, bus.MessageDeleted{ConversationID: conversationID, MessageID: msgID})
	}
}

// findPendingSend returns the client id of the oldest queued send in a
// conversation whose content matches.
func (e *Engine) findPendingSend(conversationID, content string) (string, bool) {
	writes, err := e.db.PendingWrites()
	if err != nil {
		e.logger.Warn("failed to read pending queue", zap.Error(err))
		return "", false
	}
	for _, pw := range writes {
		if pw.Kind != store.WriteSend || pw.ConversationID != conversationID {
			continue
		}
		p, derr := decodePayload[sendPayload](pw.Payload)
		if derr != nil {
			continue
		}
		if p.Draft.Content == content {
			return pw.ClientID, true
		}
	}
	return "", false
}

func (e *Engine) setTyping(conversationID, userID string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.typing[conversationID]
	if on {
		if set == nil {
			set = make(map[string]bool)
			e.typing[conversationID] = set
		}
		set[userID] = true
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(e.typing, conversationID)
	}
}

// TypingUsers returns the participants currently typing in a conversation.
func (e *Engine) TypingUsers(conversationID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var users []string
	for u := range e.typing[conversationID] {
		users = append(users, u)
	}
	return users
}

// Presence returns the last known presence status for a user, "" if unknown.
func (e *Engine) Presence(userID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.presence[userID]
}
