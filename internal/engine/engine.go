// Package engine implements the sync coordinator. It owns all reconciliation
// and deduplication between the authoritative backend, the local persistent
// store and the realtime channel, and is the only writer of the memory cache
// and the pending-write queue.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/loom-chat/loom/internal/bus"
	"github.com/loom-chat/loom/internal/cache"
	"github.com/loom-chat/loom/internal/remote"
	"github.com/loom-chat/loom/internal/status"
	"github.com/loom-chat/loom/internal/store"
	"go.uber.org/zap"
)

// Backend is the request/response surface of the authoritative server.
// Implemented by remote.Client.
type Backend interface {
	ListConversations(ctx context.Context, limit, offset int) ([]store.Conversation, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	CreateDirectConversation(ctx context.Context, userID string) (*store.Conversation, error)
	CreateGroupConversation(ctx context.Context, title string, participants []string) (*store.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int, cursor string) ([]store.Message, string, error)
	CreateMessage(ctx context.Context, conversationID string, draft *remote.MessageDraft) (*store.Message, error)
	EditMessage(ctx context.Context, conversationID, msgID, content string) (*store.Message, error)
	DeleteMessage(ctx context.Context, conversationID, msgID string) error
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
}

// Channel is the push connection. Implemented by realtime.Adapter. Server
// events do not arrive through this interface; the adapter publishes them on
// the bus under the "rt." namespace.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	Send(event string, payload any) error
}

// Options tune the engine. Zero values pick defaults.
type Options struct {
	Identity      string // local user id; required
	CacheTTL      time.Duration
	RemoteTimeout time.Duration
	RetryCeiling  int
	FlushInterval time.Duration
	PageSize      int
}

func (o *Options) defaults() {
	if o.CacheTTL == 0 {
		o.CacheTTL = 5 * time.Minute
	}
	if o.RemoteTimeout == 0 {
		o.RemoteTimeout = 30 * time.Second
	}
	if o.RetryCeiling == 0 {
		o.RetryCeiling = 5
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = 15 * time.Second
	}
	if o.PageSize == 0 {
		o.PageSize = 50
	}
}

// ErrNotReady is returned by operations invoked outside the Ready state.
var ErrNotReady = errors.New("engine: not initialized")

const lastFullSyncKey = "last_full_sync"

// Engine is the sync coordinator. One instance exists per authenticated
// identity, with an explicit Initialize/Shutdown lifecycle.
type Engine struct {
	opts    Options
	db      *store.DB
	cache   *cache.Cache
	backend Backend
	channel Channel
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	// mu serializes every cache/store/queue mutation so interleaved merges
	// cannot corrupt a conversation's message order.
	mu sync.Mutex

	initMu       sync.Mutex
	lastFullSync time.Time
	syncing      bool
	flushing     bool
	revalidating map[string]bool

	// Ephemeral, process-local state. Never persisted.
	typing   map[string]map[string]bool
	presence map[string]string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. Call Initialize before using it.
func New(db *store.DB, c *cache.Cache, backend Backend, channel Channel, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		opts:         opts,
		db:           db,
		cache:        c,
		backend:      backend,
		channel:      channel,
		bus:          b,
		machine:      status.NewMachine(b),
		logger:       logger,
		revalidating: make(map[string]bool),
		typing:       make(map[string]map[string]bool),
		presence:     make(map[string]string),
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() status.State {
	return e.machine.Current()
}

// Subscribe returns a bounded channel of events matching the namespace
// prefix ("" for everything) and an unsubscribe handle.
func (e *Engine) Subscribe(namespace string, bufSize int) (<-chan bus.Event, func()) {
	return e.bus.Subscribe(namespace, bufSize)
}

// Initialize seeds the memory cache from the persistent store, connects the
// realtime channel and performs one full sync. Calling it again once Ready
// is a no-op.
func (e *Engine) Initialize(ctx context.Context) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	if e.machine.Current() == status.Ready {
		return nil
	}
	if err := e.machine.Transition(status.Initializing); err != nil {
		return err
	}

	if err := e.seedFromStore(); err != nil {
		_ = e.machine.Transition(status.Uninitialized)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.startLoops(loopCtx)

	// Connectivity is best-effort: an offline start is fine, reads fall
	// back to the cache and writes queue.
	if err := e.channel.Connect(ctx); err != nil {
		e.logger.Warn("realtime channel unavailable at startup", zap.Error(err))
	}

	if err := e.ForceFullSync(ctx); err != nil {
		e.logger.Warn("initial full sync failed", zap.Error(err))
	}

	if err := e.machine.Transition(status.Ready); err != nil {
		cancel()
		return err
	}
	e.logger.Info("engine ready", zap.String("identity", e.opts.Identity))
	return nil
}

// Shutdown releases channel subscriptions, stops background work and closes
// the store handle.
func (e *Engine) Shutdown(_ context.Context) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	if err := e.machine.Transition(status.ShuttingDown); err != nil {
		return err
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.channel.Disconnect()
	e.wg.Wait()

	err := e.db.Close()
	if terr := e.machine.Transition(status.Closed); terr != nil && err == nil {
		err = terr
	}
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) ready() error {
	if e.machine.Current() != status.Ready {
		return ErrNotReady
	}
	return nil
}

// seedFromStore loads the persistent cache into memory.
func (e *Engine) seedFromStore() error {
	convs, err := e.db.ListConversations(0, 0)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		e.cache.PutConversation(conv)
		msgs, err := e.db.ListMessages(conv.ID, 0, e.cache.Cap())
		if err != nil {
			return err
		}
		e.cache.SetMessages(conv.ID, msgs, cache.Replace)
	}

	if raw, err := e.db.GetSyncState(lastFullSyncKey); err == nil && raw != "" {
		if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			e.lastFullSync = time.Unix(0, ms*int64(time.Millisecond))
		}
	}

	e.logger.Info("cache seeded", zap.Int("conversations", len(convs)))
	return nil
}

func (e *Engine) startLoops(ctx context.Context) {
	events, unsub := e.bus.Subscribe("rt.", 256)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-events:
				e.handleChannelEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if e.channel.Connected() {
					e.drainPending(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// remoteCtx derives a detached, timeout-bounded context for a background
// backend call. Confirmation outlives the public call that triggered it.
func (e *Engine) remoteCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.opts.RemoteTimeout)
}

func (e *Engine) publish(kind bus.Kind, payload any) {
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// cacheValid reports whether the global validity window still covers reads.
func (e *Engine) cacheValid() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.lastFullSync.IsZero() && time.Since(e.lastFullSync) < e.opts.CacheTTL
}

func marshalPayload(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
