package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loom-chat/loom/internal/bus"
	"github.com/loom-chat/loom/internal/store"
)

var upgrader = websocket.Upgrader{}

// testServer upgrades one connection and hands it to fn.
func testServer(t *testing.T, fn func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectPublishesConnectivity(t *testing.T) {
	url := testServer(t, func(conn *websocket.Conn) {
		// Hold the connection open.
		_, _, _ = conn.ReadMessage()
	})

	b := bus.New()
	ch, unsub := b.Subscribe("rt.", 10)
	defer unsub()

	a := NewAdapter(url, nil, b, nil)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Disconnect()

	if !a.Connected() {
		t.Error("Connected() = false after Connect")
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindRTConnected {
			t.Errorf("kind = %q, want %q", evt.Kind, bus.KindRTConnected)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for rt.connected")
	}
}

func TestDispatchMessageNew(t *testing.T) {
	msg := store.Message{
		ID: "m1", ConversationID: "c1", SenderID: "a", Content: "hello",
		ContentType: store.ContentText, Timestamp: 1000,
	}
	url := testServer(t, func(conn *websocket.Conn) {
		payload, _ := json.Marshal(msg)
		_ = conn.WriteJSON(Envelope{Type: "message.new", Payload: payload})
		_, _, _ = conn.ReadMessage()
	})

	b := bus.New()
	ch, unsub := b.Subscribe(string(bus.KindRTMessageNew), 10)
	defer unsub()

	a := NewAdapter(url, nil, b, nil)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Disconnect()

	select {
	case evt := <-ch:
		got, ok := evt.Payload.(bus.MessageReceived)
		if !ok {
			t.Fatalf("payload type %T", evt.Payload)
		}
		if got.Message.ID != "m1" || got.Message.Content != "hello" {
			t.Errorf("message = %+v", got.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for rt.message_new")
	}
}

func TestDispatchEphemeralEvents(t *testing.T) {
	url := testServer(t, func(conn *websocket.Conn) {
		typing, _ := json.Marshal(typingPayload{ConversationID: "c1", UserID: "u2"})
		_ = conn.WriteJSON(Envelope{Type: "typing.start", Payload: typing})
		receipt, _ := json.Marshal(receiptPayload{ConversationID: "c1", UserID: "u2", MessageIDs: []string{"m1"}})
		_ = conn.WriteJSON(Envelope{Type: "read.receipt", Payload: receipt})
		_, _, _ = conn.ReadMessage()
	})

	b := bus.New()
	ch, unsub := b.Subscribe("rt.", 10)
	defer unsub()

	a := NewAdapter(url, nil, b, nil)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Disconnect()

	var kinds []bus.Kind
	timeout := time.After(time.Second)
	for len(kinds) < 3 {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.Kind)
		case <-timeout:
			t.Fatalf("timed out, got kinds %v", kinds)
		}
	}
	// rt.connected, then the two server events in order.
	if kinds[1] != bus.KindRTTypingStart || kinds[2] != bus.KindRTReadReceipt {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestSendWritesEnvelope(t *testing.T) {
	received := make(chan Envelope, 1)
	url := testServer(t, func(conn *websocket.Conn) {
		var env Envelope
		if err := conn.ReadJSON(&env); err == nil {
			received <- env
		}
		_, _, _ = conn.ReadMessage()
	})

	a := NewAdapter(url, nil, bus.New(), nil)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Disconnect()

	if err := a.Send("typing.start", typingPayload{ConversationID: "c1", UserID: "me"}); err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-received:
		if env.Type != "typing.start" {
			t.Errorf("type = %q", env.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not receive envelope")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	a := NewAdapter("ws://127.0.0.1:1", nil, bus.New(), nil)
	if err := a.Send("typing.start", nil); err != ErrNotConnected {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
}

func TestServerCloseFlagsOffline(t *testing.T) {
	url := testServer(t, func(conn *websocket.Conn) {
		_ = conn.Close()
	})

	b := bus.New()
	ch, unsub := b.Subscribe(string(bus.KindRTDisconnected), 10)
	defer unsub()

	a := NewAdapter(url, nil, b, nil)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Disconnect stops the reconnect loop.
	defer a.Disconnect()

	select {
	case evt := <-ch:
		p, ok := evt.Payload.(bus.Connectivity)
		if !ok || p.Online {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for rt.disconnected")
	}
	if a.Connected() {
		t.Error("Connected() = true after server close")
	}
}

func TestReconnectOutlivesConnectContext(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	url := testServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 1 {
			// Drop the first connection once the client is up.
			_ = conn.Close()
			return
		}
		_, _, _ = conn.ReadMessage()
	})

	b := bus.New()
	ch, unsub := b.Subscribe(string(bus.KindRTDisconnected), 10)
	defer unsub()

	// A short-lived dial context, cancelled right after startup the way a
	// lifecycle hook's context is.
	ctx, cancel := context.WithCancel(context.Background())
	a := NewAdapter(url, nil, b, nil)
	if err := a.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer a.Disconnect()
	cancel()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for rt.disconnected after drop")
	}

	// The adapter redials on its own lifetime despite the dead dial context.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := dials
		mu.Unlock()
		if n >= 2 && a.Connected() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("no reconnect: dials=%d connected=%v", dials, a.Connected())
}
