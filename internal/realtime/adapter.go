// Package realtime wraps the push channel. It decodes server event
// envelopes into typed payloads and publishes them on the bus under the
// "rt." namespace; the sync engine consumes them from there. Delivery from
// the server is at-least-once, so everything published here must be applied
// idempotently downstream.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loom-chat/loom/internal/bus"
	"github.com/loom-chat/loom/internal/remote"
	"github.com/loom-chat/loom/internal/store"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// Max inbound frame size.
	readLimit = 1 << 20

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// ErrNotConnected is returned by Send while the channel is down.
var ErrNotConnected = errors.New("realtime: not connected")

// Envelope is the wire format for all channel events, both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Adapter manages the websocket connection to the backend push channel.
type Adapter struct {
	url    string
	auth   remote.AuthProvider
	bus    *bus.Bus
	logger *zap.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	intentional bool
	attempt     int
	cancel      context.CancelFunc
}

// NewAdapter creates a channel adapter for the given websocket URL.
func NewAdapter(url string, auth remote.AuthProvider, b *bus.Bus, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		url:    url,
		auth:   auth,
		bus:    b,
		logger: logger,
	}
}

// Connected reports whether the channel is currently up.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connect dials the channel and starts the read and ping loops. ctx bounds
// the dial only; the loops and automatic reconnection run on their own
// lifetime until Disconnect is called.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.intentional = false
	a.mu.Unlock()

	header := http.Header{}
	if a.auth != nil {
		headers, err := a.auth.AuthHeaders(ctx)
		if err != nil {
			return err
		}
		for k, v := range headers {
			header.Set(k, v)
		}
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, a.url, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return err
	}
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	loopCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	if a.cancel != nil {
		// Retire the previous connection's loops.
		a.cancel()
	}
	a.conn = conn
	a.connected = true
	a.attempt = 0
	a.cancel = cancel
	a.mu.Unlock()

	a.logger.Info("realtime channel connected", zap.String("url", a.url))
	a.publish(bus.KindRTConnected, bus.Connectivity{Online: true})

	go a.readLoop(loopCtx, conn)
	go a.pingLoop(loopCtx, conn)
	return nil
}

// Disconnect closes the channel and stops reconnection.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	a.intentional = true
	conn := a.conn
	a.conn = nil
	wasConnected := a.connected
	a.connected = false
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.mu.Unlock()

	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	if wasConnected {
		a.logger.Info("realtime channel disconnected")
		a.publish(bus.KindRTDisconnected, bus.Connectivity{Online: false})
	}
}

// Send writes a client event onto the channel.
func (a *Adapter) Send(event string, payload any) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(Envelope{Type: event, Payload: data})
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			intentional := a.intentional
			if a.conn == conn {
				a.conn = nil
				a.connected = false
			}
			a.mu.Unlock()

			if intentional || ctx.Err() != nil {
				return
			}

			a.logger.Warn("realtime channel dropped", zap.Error(err))
			a.publish(bus.KindRTDisconnected, bus.Connectivity{Online: false})
			a.scheduleReconnect(ctx)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.logger.Warn("malformed channel envelope", zap.Error(err))
			continue
		}
		a.dispatch(env)
	}
}

func (a *Adapter) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (a *Adapter) scheduleReconnect(ctx context.Context) {
	a.mu.Lock()
	a.attempt++
	attempt := a.attempt
	a.mu.Unlock()

	delay := reconnectBaseDelay << (attempt - 1)
	if delay > reconnectMaxDelay || delay <= 0 {
		delay = reconnectMaxDelay
	}
	// Jitter to avoid thundering herds after a backend restart.
	delay += time.Duration(rand.Int63n(int64(delay) / 2))

	a.logger.Info("scheduling reconnect", zap.Int("attempt", attempt), zap.Duration("delay", delay))

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := a.Connect(ctx); err != nil {
		a.logger.Warn("reconnect failed", zap.Error(err))
		a.scheduleReconnect(ctx)
	}
}

// Wire payloads that differ from the store types.
type deletedPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type typingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type receiptPayload struct {
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	MessageIDs     []string `json:"message_ids"`
}

type reactionPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id"`
	Emoji          string `json:"emoji"`
	Removed        bool   `json:"removed"`
}

type presencePayload struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

func (a *Adapter) dispatch(env Envelope) {
	switch env.Type {
	case "message.new":
		var m store.Message
		if a.decode(env, &m) {
			a.publish(bus.KindRTMessageNew, bus.MessageReceived{Message: m})
		}
	case "message.edited":
		var m store.Message
		if a.decode(env, &m) {
			a.publish(bus.KindRTMessageEdited, bus.MessageEdited{Message: m})
		}
	case "message.deleted":
		var p deletedPayload
		if a.decode(env, &p) {
			a.publish(bus.KindRTMessageDeleted, bus.MessageDeleted{
				ConversationID: p.ConversationID, MessageID: p.MessageID,
			})
		}
	case "typing.start":
		var p typingPayload
		if a.decode(env, &p) {
			a.publish(bus.KindRTTypingStart, bus.Typing{ConversationID: p.ConversationID, UserID: p.UserID})
		}
	case "typing.stop":
		var p typingPayload
		if a.decode(env, &p) {
			a.publish(bus.KindRTTypingStop, bus.Typing{ConversationID: p.ConversationID, UserID: p.UserID})
		}
	case "read.receipt":
		var p receiptPayload
		if a.decode(env, &p) {
			a.publish(bus.KindRTReadReceipt, bus.ReadReceipt{
				ConversationID: p.ConversationID, UserID: p.UserID, MessageIDs: p.MessageIDs,
			})
		}
	case "reaction.update":
		var p reactionPayload
		if a.decode(env, &p) {
			a.publish(bus.KindRTReaction, bus.ReactionUpdated{
				ConversationID: p.ConversationID, MessageID: p.MessageID,
				UserID: p.UserID, Emoji: p.Emoji, Removed: p.Removed,
			})
		}
	case "presence.update":
		var p presencePayload
		if a.decode(env, &p) {
			a.publish(bus.KindRTPresence, bus.PresenceUpdated{UserID: p.UserID, Status: p.Status})
		}
	default:
		a.logger.Debug("unknown channel event", zap.String("type", env.Type))
	}
}

func (a *Adapter) decode(env Envelope, out any) bool {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		a.logger.Warn("malformed channel payload", zap.String("type", env.Type), zap.Error(err))
		return false
	}
	return true
}

func (a *Adapter) publish(kind bus.Kind, payload any) {
	a.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
