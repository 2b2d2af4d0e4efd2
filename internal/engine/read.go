package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/loom-chat/loom/internal/bus"
	"github.com/loom-chat/loom/internal/cache"
	"github.com/loom-chat/loom/internal/store"
	"go.uber.org/zap"
)

// ListConversations returns conversations sorted by last activity. Inside
// the validity window the cached page is served with no remote call; outside
// it the cached page is still served immediately and a single background
// revalidation is triggered. forceRefresh fetches synchronously, falling
// back to the cache on remote failure.
func (e *Engine) ListConversations(ctx context.Context, limit, offset int, forceRefresh bool) ([]store.Conversation, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = e.opts.PageSize
	}

	cached := e.cache.Conversations(limit, offset)
	if !forceRefresh && len(cached) > 0 {
		if !e.cacheValid() {
			e.revalidateConversations()
		}
		return cached, nil
	}

	convs, err := e.backend.ListConversations(ctx, limit, offset)
	if err != nil {
		if len(cached) > 0 {
			e.logger.Warn("conversation list fetch failed, serving cache", zap.Error(err))
			return cached, nil
		}
		return nil, err
	}

	e.mu.Lock()
	for _, conv := range convs {
		e.cache.PutConversation(conv)
		if serr := e.db.UpsertConversation(&conv); serr != nil {
			e.logger.Warn("conversation write-through failed", zap.Error(serr))
		}
	}
	e.mu.Unlock()
	return e.cache.Conversations(limit, offset), nil
}

// GetConversation returns one conversation, cache first.
func (e *Engine) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if conv, ok := e.cache.Conversation(id); ok {
		return &conv, nil
	}

	conv, err := e.backend.GetConversation(ctx, id)
	if err != nil || conv == nil {
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

// GetMessages returns up to limit messages for a conversation, newest
// first, with the same stale-while-revalidate contract as
// ListConversations.
func (e *Engine) GetMessages(ctx context.Context, conversationID string, limit int, before int64) ([]store.Message, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = e.opts.PageSize
	}

	cached := e.cache.Messages(conversationID, limit, before)
	if len(cached) > 0 {
		if !e.cacheValid() {
			e.revalidateMessages(conversationID)
		}
		return cached, nil
	}

	// Older than the cached window: the bound becomes the backend cursor.
	cursor := ""
	if before > 0 {
		cursor = strconv.FormatInt(before, 10)
	}
	msgs, _, err := e.backend.ListMessages(ctx, conversationID, limit, cursor)
	if err != nil {
		// Nothing cached for this page and the remote is down.
		e.logger.Warn("message fetch failed", zap.String("conversation", conversationID), zap.Error(err))
		return nil, err
	}

	if before > 0 {
		// A back-paginated page may fall outside the cap window, so hand it
		// to the caller directly; the merge still writes it through.
		e.applyFetchedMessages(conversationID, msgs, cache.Merge)
		if limit > 0 && len(msgs) > limit {
			msgs = msgs[:limit]
		}
		return msgs, nil
	}

	e.applyFetchedMessages(conversationID, msgs, cache.Replace)
	return e.cache.Messages(conversationID, limit, before), nil
}

// revalidateConversations refreshes the conversation list in the
// background. Concurrent triggers coalesce into one in-flight fetch.
func (e *Engine) revalidateConversations() {
	e.revalidateResource("conversations", func(ctx context.Context) {
		convs, err := e.backend.ListConversations(ctx, e.opts.PageSize, 0)
		if err != nil {
			e.logger.Debug("background conversation revalidation failed", zap.Error(err))
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, conv := range convs {
			e.cache.PutConversation(conv)
			if serr := e.db.UpsertConversation(&conv); serr != nil {
				e.logger.Warn("conversation write-through failed", zap.Error(serr))
			}
		}
	})
}

// revalidateMessages refreshes one conversation's newest page in the
// background. Only one in-flight revalidation per conversation is
// permitted; further triggers are dropped until it finishes.
func (e *Engine) revalidateMessages(conversationID string) {
	e.revalidateResource("conv:"+conversationID, func(ctx context.Context) {
		msgs, _, err := e.backend.ListMessages(ctx, conversationID, e.opts.PageSize, "")
		if err != nil {
			e.logger.Debug("background message revalidation failed",
				zap.String("conversation", conversationID), zap.Error(err))
			return
		}
		e.applyFetchedMessages(conversationID, msgs, cache.Merge)
	})
}

func (e *Engine) revalidateResource(key string, fetch func(ctx context.Context)) {
	e.mu.Lock()
	if e.revalidating[key] {
		e.mu.Unlock()
		return
	}
	e.revalidating[key] = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := e.remoteCtx()
		defer cancel()
		fetch(ctx)

		e.mu.Lock()
		delete(e.revalidating, key)
		e.mu.Unlock()
	}()
}

// applyFetchedMessages merges a remote batch into cache and store.
func (e *Engine) applyFetchedMessages(conversationID string, msgs []store.Message, mode cache.UpdateMode) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range msgs {
		if msgs[i].Status == "" {
			msgs[i].Status = store.StatusReceived
		}
	}
	e.cache.SetMessages(conversationID, msgs, mode)
	for i := range msgs {
		if err := e.db.UpsertMessage(&msgs[i]); err != nil {
			e.logger.Warn("message write-through failed", zap.Error(err))
		}
	}
}

// ForceFullSync pulls the conversation list and each conversation's newest
// page from the backend. Full syncs are mutually exclusive with themselves;
// a call while one is in flight returns immediately.
func (e *Engine) ForceFullSync(ctx context.Context) error {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil
	}
	e.syncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	e.publish(bus.KindSyncStarted, nil)

	totalConvs := 0
	totalMsgs := 0
	offset := 0
	for {
		convs, err := e.backend.ListConversations(ctx, e.opts.PageSize, offset)
		if err != nil {
			return err
		}
		for _, conv := range convs {
			e.mu.Lock()
			e.cache.PutConversation(conv)
			if serr := e.db.UpsertConversation(&conv); serr != nil {
				e.logger.Warn("conversation write-through failed", zap.Error(serr))
			}
			e.mu.Unlock()

			msgs, _, merr := e.backend.ListMessages(ctx, conv.ID, e.opts.PageSize, "")
			if merr != nil {
				e.logger.Warn("full sync: message fetch failed",
					zap.String("conversation", conv.ID), zap.Error(merr))
				continue
			}
			e.applyFetchedMessages(conv.ID, msgs, cache.Merge)
			totalMsgs += len(msgs)
		}
		totalConvs += len(convs)
		if len(convs) < e.opts.PageSize {
			break
		}
		offset += len(convs)
	}

	now := time.Now()
	e.mu.Lock()
	e.lastFullSync = now
	e.mu.Unlock()
	if err := e.db.SetSyncState(lastFullSyncKey, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		e.logger.Warn("failed to persist sync checkpoint", zap.Error(err))
	}

	e.publish(bus.KindSyncCompleted, bus.SyncCompleted{Conversations: totalConvs, Messages: totalMsgs})
	e.logger.Info("full sync completed", zap.Int("conversations", totalConvs), zap.Int("messages", totalMsgs))
	return nil
}
