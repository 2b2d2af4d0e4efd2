package engine

import (
	"context"
	"errors"

	"github.com/loom-chat/loom/internal/bus"
	"github.com/loom-chat/loom/internal/remote"
	"github.com/loom-chat/loom/internal/store"
	"go.uber.org/zap"
)

var (
	errRetryCeiling     = errors.New("retry ceiling reached")
	errUnknownWriteKind = errors.New("unknown write kind")
)

// drainPending replays queued writes in enqueue order. One drain runs at a
// time; a drain stops early when the first retryable failure shows the
// backend is still unreachable, preserving order for the rest.
func (e *Engine) drainPending(ctx context.Context) {
	e.mu.Lock()
	if e.flushing {
		e.mu.Unlock()
		return
	}
	e.flushing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.flushing = false
		e.mu.Unlock()
	}()

	writes, err := e.db.PendingWrites()
	if err != nil {
		e.logger.Error("failed to read pending queue", zap.Error(err))
		return
	}
	if len(writes) == 0 {
		return
	}
	e.logger.Debug("draining pending writes", zap.Int("count", len(writes)))

	for _, pw := range writes {
		if ctx.Err() != nil {
			return
		}
		if pw.Retries >= e.opts.RetryCeiling {
			e.dropWrite(pw, errRetryCeiling)
			continue
		}
		if !e.replayWrite(ctx, pw) {
			return
		}
	}
}

// replayWrite attempts one queued write. Returns false when the drain
// should stop (backend unreachable).
func (e *Engine) replayWrite(ctx context.Context, pw store.PendingWrite) bool {
	switch pw.Kind {
	case store.WriteSend:
		p, err := decodePayload[sendPayload](pw.Payload)
		if err != nil {
			e.logger.Error("corrupt queued send, dropping", zap.String("client_id", pw.ClientID), zap.Error(err))
			e.dropWrite(pw, err)
			return true
		}
		confirmed, err := e.backend.CreateMessage(ctx, pw.ConversationID, &p.Draft)
		if err != nil {
			return e.settleReplayError(pw, err)
		}
		e.resolveConfirmed(pw.ClientID, pw.ConversationID, confirmed)
		return true

	case store.WriteMarkRead:
		p, err := decodePayload[markReadPayload](pw.Payload)
		if err != nil {
			e.logger.Error("corrupt queued receipt, dropping", zap.String("client_id", pw.ClientID), zap.Error(err))
			e.dropWrite(pw, err)
			return true
		}
		if err := e.backend.MarkRead(ctx, pw.ConversationID, p.MessageIDs); err != nil {
			return e.settleReplayError(pw, err)
		}
		e.mu.Lock()
		if rerr := e.db.RemovePendingWrite(pw.ClientID); rerr != nil {
			e.logger.Warn("failed to remove queue entry", zap.Error(rerr))
		}
		e.mu.Unlock()
		return true

	default:
		e.logger.Error("unknown queued write kind, dropping",
			zap.String("client_id", pw.ClientID), zap.String("kind", string(pw.Kind)))
		e.dropWrite(pw, errUnknownWriteKind)
		return true
	}
}

// settleReplayError handles a failed replay attempt. Non-retryable errors
// drop the write; retryable ones bump the counter and stop the drain.
func (e *Engine) settleReplayError(pw store.PendingWrite, cause error) bool {
	if !remote.Retryable(cause) {
		e.dropWrite(pw, cause)
		return true
	}
	retries, err := e.db.BumpPendingRetries(pw.ClientID)
	if err != nil {
		e.logger.Error("failed to bump retry count", zap.Error(err))
		return false
	}
	if retries >= e.opts.RetryCeiling {
		e.dropWrite(pw, cause)
		return true
	}
	e.logger.Debug("replay failed, will retry",
		zap.String("client_id", pw.ClientID), zap.Int("retries", retries), zap.Error(cause))
	e.publish(bus.KindWriteFailed, bus.WriteFailed{
		ClientID:       pw.ClientID,
		ConversationID: pw.ConversationID,
		Err:            cause.Error(),
		Retries:        retries,
	})
	return false
}

// PendingCount returns the durable queue depth.
func (e *Engine) PendingCount() (int, error) {
	return e.db.CountPendingWrites()
}
