package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loom-chat/loom/internal/bus"
	"github.com/loom-chat/loom/internal/remote"
	"github.com/loom-chat/loom/internal/store"
	"go.uber.org/zap"
)

// sendPayload is the durable form of a queued message send.
type sendPayload struct {
	Draft     remote.MessageDraft `json:"draft"`
	Timestamp int64               `json:"timestamp"`
}

// markReadPayload is the durable form of a queued read receipt.
type markReadPayload struct {
	MessageIDs []string `json:"message_ids"`
}

// SendMessage applies a message optimistically and returns it immediately
// with a temporary id and pending status. Confirmation or failure arrives
// later as a write.confirmed or write.failed event. The call never blocks on
// the network.
func (e *Engine) SendMessage(ctx context.Context, conversationID string, draft remote.MessageDraft) (*store.Message, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if draft.ClientID == "" {
		draft.ClientID = store.NewTempID()
	}
	if draft.ContentType == "" {
		draft.ContentType = store.ContentText
	}
	now := time.Now().UnixMilli()

	msg := store.Message{
		ID:             draft.ClientID,
		ClientID:       draft.ClientID,
		ConversationID: conversationID,
		SenderID:       e.opts.Identity,
		Content:        draft.Content,
		ContentType:    draft.ContentType,
		ReplyTo:        draft.ReplyTo,
		Attachments:    draft.Attachments,
		Timestamp:      now,
		Status:         store.StatusPending,
	}

	e.mu.Lock()
	e.cache.InsertMessage(msg)
	e.cache.Touch(msg, msg.Content)
	if err := e.db.UpsertMessage(&msg); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if conv, ok := e.cache.Conversation(conversationID); ok {
		if serr := e.db.UpsertConversation(&conv); serr != nil {
			e.logger.Warn("conversation write-through failed", zap.Error(serr))
		}
	}
	pw := store.PendingWrite{
		ClientID:       draft.ClientID,
		Kind:           store.WriteSend,
		ConversationID: conversationID,
		Payload:        marshalPayload(sendPayload{Draft: draft, Timestamp: now}),
		CreatedAt:      now,
	}
	if err := e.db.EnqueuePendingWrite(&pw); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	e.publish(bus.KindWriteAccepted, bus.WriteAccepted{Message: msg})

	// Offline: the queue alone carries the write until reconnect, without
	// burning a retry on a doomed attempt.
	if !e.channel.Connected() {
		return &msg, nil
	}

	// Attempt delivery right away; the queue covers us if it fails.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		rctx, cancel := e.remoteCtx()
		defer cancel()
		e.attemptSend(rctx, pw, draft)
	}()

	return &msg, nil
}

// attemptSend pushes one queued send to the backend and settles its
// outcome: confirm on success, drop on a non-retryable error, leave queued
// otherwise.
func (e *Engine) attemptSend(ctx context.Context, pw store.PendingWrite, draft remote.MessageDraft) {
	confirmed, err := e.backend.CreateMessage(ctx, pw.ConversationID, &draft)
	if err == nil {
		e.resolveConfirmed(pw.ClientID, pw.ConversationID, confirmed)
		return
	}
	if !remote.Retryable(err) {
		e.dropWrite(pw, err)
		return
	}
	retries, berr := e.db.BumpPendingRetries(pw.ClientID)
	if berr != nil {
		e.logger.Error("failed to bump retry count", zap.Error(berr))
		return
	}
	if retries >= e.opts.RetryCeiling {
		e.dropWrite(pw, err)
		return
	}
	e.logger.Debug("send attempt failed, left queued",
		zap.String("client_id", pw.ClientID), zap.Int("retries", retries), zap.Error(err))
	e.publish(bus.KindWriteFailed, bus.WriteFailed{
		ClientID:       pw.ClientID,
		ConversationID: pw.ConversationID,
		Err:            err.Error(),
		Retries:        retries,
	})
}

// resolveConfirmed swaps a temp-id message for its server-confirmed form in
// one step across cache and store, removes the queue entry and emits
// write.confirmed. Safe to call from the send response, the queue drain and
// the realtime echo path; only the first caller for a given client id does
// the swap.
func (e *Engine) resolveConfirmed(clientID, conversationID string, confirmed *store.Message) {
	confirmed.ClientID = clientID
	confirmed.ConversationID = conversationID
	if confirmed.Status == "" || confirmed.Status == store.StatusPending {
		confirmed.Status = store.StatusSent
	}

	e.mu.Lock()
	replaced := e.cache.ReplaceMessage(conversationID, clientID, *confirmed)
	inserted := false
	if !replaced && !e.cache.Contains(conversationID, confirmed.ID) {
		// Echo got here first, or the optimistic entry was evicted. Either
		// way the confirmed record must end up cached exactly once.
		e.cache.InsertMessage(*confirmed)
		inserted = true
	}
	resolved, err := e.db.ResolveMessageID(conversationID, clientID, confirmed)
	if err != nil {
		e.logger.Warn("failed to resolve message id in store", zap.Error(err))
	} else if !resolved {
		if uerr := e.db.UpsertMessage(confirmed); uerr != nil {
			e.logger.Warn("message write-through failed", zap.Error(uerr))
		}
	}
	removed, err := e.db.TakePendingWrite(clientID)
	if err != nil {
		e.logger.Warn("failed to remove queue entry", zap.Error(err))
	}
	e.cache.Touch(*confirmed, confirmed.Content)
	e.mu.Unlock()

	switch {
	case replaced || removed:
		e.publish(bus.KindWriteConfirmed, bus.WriteConfirmed{ClientID: clientID, Message: *confirmed})
	case inserted:
		// Not one of ours in flight (another device of the same identity);
		// surface it like any other incoming message.
		e.publish(bus.KindMessageReceived, bus.MessageReceived{Message: *confirmed})
	}
}

// dropWrite retires a queued write permanently. The optimistic message is
// kept, flagged failed, and exactly one write.dropped event is emitted.
func (e *Engine) dropWrite(pw store.PendingWrite, cause error) {
	e.mu.Lock()
	removed, err := e.db.TakePendingWrite(pw.ClientID)
	if err != nil {
		e.logger.Error("failed to remove queue entry", zap.Error(err))
	}
	if removed {
		e.cache.MarkStatus(pw.ConversationID, pw.ClientID, store.StatusFailed)
		if err := e.db.MarkMessageStatus(pw.ConversationID, pw.ClientID, store.StatusFailed); err != nil {
			e.logger.Warn("failed to flag message as failed", zap.Error(err))
		}
	}
	e.mu.Unlock()

	if removed {
		e.logger.Warn("write permanently dropped",
			zap.String("client_id", pw.ClientID), zap.Error(cause))
		e.publish(bus.KindWriteDropped, bus.WriteDropped{
			ClientID:       pw.ClientID,
			ConversationID: pw.ConversationID,
			Err:            cause.Error(),
		})
	}
}

// EditMessage rewrites a sent message's content. Edits are remote-first:
// the local copy changes only after the backend accepts, and failures
// surface synchronously.
func (e *Engine) EditMessage(ctx context.Context, conversationID, msgID, content string) (*store.Message, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if store.IsTempID(msgID) {
		return nil, &remote.ClientError{Status: 409, Message: "message not yet confirmed"}
	}

	edited, err := e.backend.EditMessage(ctx, conversationID, msgID, content)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache.ApplyEdit(conversationID, msgID, edited.Content, edited.EditedAt)
	if serr := e.db.UpsertMessage(edited); serr != nil {
		e.logger.Warn("edit write-through failed", zap.Error(serr))
	}
	e.mu.Unlock()

	e.publish(bus.KindMessageEdited, bus.MessageEdited{Message: *edited})
	return edited, nil
}

// DeleteMessage tombstones a message. Remote-first, like EditMessage.
func (e *Engine) DeleteMessage(ctx context.Context, conversationID, msgID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if store.IsTempID(msgID) {
		return &remote.ClientError{Status: 409, Message: "message not yet confirmed"}
	}

	if err := e.backend.DeleteMessage(ctx, conversationID, msgID); err != nil {
		return err
	}

	e.mu.Lock()
	e.cache.MarkDeleted(conversationID, msgID)
	if serr := e.db.MarkMessageDeleted(conversationID, msgID); serr != nil {
		e.logger.Warn("delete write-through failed", zap.Error(serr))
	}
	e.mu.Unlock()

	e.publish(bus.KindMessageDeleted, bus.MessageDeleted{ConversationID: conversationID, MessageID: msgID})
	return nil
}

// MarkRead clears the local unread count immediately and reports the
// receipt to the backend. Offline, the receipt queues like any other write.
func (e *Engine) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	if err := e.ready(); err != nil {
		return err
	}

	e.mu.Lock()
	e.cache.ZeroUnread(conversationID)
	if conv, ok := e.cache.Conversation(conversationID); ok {
		if serr := e.db.SetUnreadCount(conv.ID, 0); serr != nil {
			e.logger.Warn("unread write-through failed", zap.Error(serr))
		}
	}
	clientID := store.NewTempID()
	pw := store.PendingWrite{
		ClientID:       clientID,
		Kind:           store.WriteMarkRead,
		ConversationID: conversationID,
		Payload:        marshalPayload(markReadPayload{MessageIDs: messageIDs}),
		CreatedAt:      time.Now().UnixMilli(),
	}
	if err := e.db.EnqueuePendingWrite(&pw); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	if !e.channel.Connected() {
		return nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		rctx, cancel := e.remoteCtx()
		defer cancel()
		e.attemptMarkRead(rctx, pw, messageIDs)
	}()
	return nil
}

func (e *Engine) attemptMarkRead(ctx context.Context, pw store.PendingWrite, messageIDs []string) {
	err := e.backend.MarkRead(ctx, pw.ConversationID, messageIDs)
	if err == nil {
		e.mu.Lock()
		if rerr := e.db.RemovePendingWrite(pw.ClientID); rerr != nil {
			e.logger.Warn("failed to remove queue entry", zap.Error(rerr))
		}
		e.mu.Unlock()
		return
	}
	if !remote.Retryable(err) {
		e.dropWrite(pw, err)
		return
	}
	retries, berr := e.db.BumpPendingRetries(pw.ClientID)
	if berr != nil {
		e.logger.Error("failed to bump retry count", zap.Error(berr))
		return
	}
	if retries >= e.opts.RetryCeiling {
		e.dropWrite(pw, err)
	}
}

// CreateDirectConversation opens (or returns the existing) one-to-one
// conversation with a user.
func (e *Engine) CreateDirectConversation(ctx context.Context, userID string) (*store.Conversation, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	conv, err := e.backend.CreateDirectConversation(ctx, userID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache.PutConversation(*conv)
	if serr := e.db.UpsertConversation(conv); serr != nil {
		e.logger.Warn("conversation write-through failed", zap.Error(serr))
	}
	e.mu.Unlock()
	return conv, nil
}

// CreateGroupConversation creates a group with the given title and members.
func (e *Engine) CreateGroupConversation(ctx context.Context, title string, participants []string) (*store.Conversation, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	conv, err := e.backend.CreateGroupConversation(ctx, title, participants)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache.PutConversation(*conv)
	if serr := e.db.UpsertConversation(conv); serr != nil {
		e.logger.Warn("conversation write-through failed", zap.Error(serr))
	}
	e.mu.Unlock()
	return conv, nil
}

// StartTyping signals the local user is composing. Typing indicators are
// fire-and-forget over the realtime channel and never queue.
func (e *Engine) StartTyping(conversationID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.channel.Send("typing.start", map[string]string{
		"conversation_id": conversationID,
		"user_id":         e.opts.Identity,
	})
}

// StopTyping signals the local user stopped composing.
func (e *Engine) StopTyping(conversationID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.channel.Send("typing.stop", map[string]string{
		"conversation_id": conversationID,
		"user_id":         e.opts.Identity,
	})
}

func decodePayload[T any](raw []byte) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
