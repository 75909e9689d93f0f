package dmpsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"nhooyr.io/websocket/wsjson"
)

// backend serves the REST endpoints and the socket from one origin. A POST to
// the conversation pushes the new_message echo before answering, so the push
// usually overtakes the REST confirmation.
type backend struct {
	*httptest.Server
	socket *socketServer
	sends  atomic.Int32
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{socket: &socketServer{frames: make(chan Envelope, 256)}}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.socket.handle)
	mux.HandleFunc("GET /messaging/history/ordonnance/15", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"conversation":{"id":"c-15","contexte_type":"ordonnance","contexte_id":"15"},
			"messages":[{"id":1,"content":"Votre ordonnance est prête","senderId":"7","senderType":"medecin","timestamp":"2026-03-01T09:00:00Z"}]}`)
	})
	mux.HandleFunc("POST /messaging/conversation/c-15/message", func(w http.ResponseWriter, r *http.Request) {
		n := b.sends.Add(1)
		var req SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode send: %v", err)
		}
		msg := map[string]any{
			"id":             fmt.Sprintf("%d", n+1),
			"content":        req.Content,
			"conversationId": "c-15",
			"senderId":       "42",
			"senderType":     "patient",
			"clientId":       req.ClientID,
			"timestamp":      "2026-03-01T09:05:00Z",
		}
		b.socket.mu.Lock()
		conn := b.socket.conns[len(b.socket.conns)-1]
		b.socket.mu.Unlock()
		if err := wsjson.Write(r.Context(), conn, command{Type: EventNewMessage, Payload: msg}); err != nil {
			t.Errorf("push echo: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(201)
		json.NewEncoder(w).Encode(map[string]any{"message": msg})
	})
	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func newTestMessenger(t *testing.T, b *backend, reg prometheus.Registerer) *Messenger {
	t.Helper()
	m, err := NewMessenger(MessengerConfig{
		BaseURL:           b.URL,
		SocketURL:         b.URL + "/ws",
		Identity:          testIdentity,
		Credentials:       StaticCredential("tok"),
		ReconnectDelay:    50 * time.Millisecond,
		HeartbeatInterval: -1,
		Registerer:        reg,
	})
	if err != nil {
		t.Fatalf("NewMessenger: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMessengerEndToEnd(t *testing.T) {
	b := newBackend(t)
	reg := prometheus.NewRegistry()
	m := newTestMessenger(t, b, reg)
	ctx := context.Background()

	if err := m.ConnectWebSocket(ctx, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !m.IsConnected() {
		t.Fatalf("expected authenticated, got %s", m.ConnectionStatus())
	}

	var pushed atomic.Int32
	m.OnNewMessage(func(Message) { pushed.Add(1) })
	presence := make(chan PresenceChange, 1)
	m.OnPresenceChange(func(p PresenceChange) { presence <- p })

	engine, err := m.Open(ctx, ordonnance15)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if engine.ConversationID() != "c-15" || m.Active() != engine {
		t.Fatalf("expected active engine on c-15, got %q", engine.ConversationID())
	}
	if got := ids(m.Messages()); len(got) != 1 || got[0] != "1" {
		t.Fatalf("expected history [1], got %v", got)
	}
	join := b.socket.next(t, EventJoinConversation)
	if string(join.Payload) != `{"conversationId":"c-15"}` {
		t.Fatalf("unexpected join payload %s", join.Payload)
	}

	sent, err := m.SendMessage(ctx, "Merci docteur")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sent.ID != "2" || sent.Content != "Merci docteur" {
		t.Fatalf("unexpected confirmed message %+v", sent)
	}
	waitFor(t, 2*time.Second, "echo push", func() bool { return pushed.Load() == 1 })

	msgs := m.Messages()
	if got := ids(msgs); len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("expected [1 2] with no duplicate, got %v", got)
	}
	if msgs[1].Status != StatusSent || msgs[1].Temporary() {
		t.Fatalf("expected confirmed own message, got %+v", msgs[1])
	}

	b.socket.push(t, EventPresence, map[string]any{"userId": "7", "status": "online"})
	select {
	case p := <-presence:
		if p.UserID != "7" || !p.Online {
			t.Fatalf("unexpected presence %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence")
	}

	if got := testutil.ToFloat64(m.Metrics().Messages.WithLabelValues("send")); got != 1 {
		t.Fatalf("expected 1 send counted, got %v", got)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	b.socket.next(t, EventLeaveConversation)
	if m.Active() != nil || m.IsConnected() {
		t.Fatal("expected messenger torn down")
	}
}

func TestMessengerReopenSwitchesConversation(t *testing.T) {
	b := newBackend(t)
	m := newTestMessenger(t, b, nil)
	ctx := context.Background()
	if err := m.ConnectWebSocket(ctx, ""); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Open(ctx, ordonnance15); err != nil {
		t.Fatal(err)
	}
	b.socket.next(t, EventJoinConversation)

	second, err := m.Open(ctx, Target{ConversationID: "c-99"})
	if err == nil {
		t.Fatal("expected load error for unknown conversation")
	}
	if second == nil || m.Active() != second || second.Err() == nil {
		t.Fatal("expected failing engine to stay active with its error")
	}
	if !errors.Is(m.Error(), second.Err()) {
		t.Fatalf("expected messenger error to mirror the engine, got %v", m.Error())
	}
	leave := b.socket.next(t, EventLeaveConversation)
	if string(leave.Payload) != `{"conversationId":"c-15"}` {
		t.Fatalf("expected previous room left, got %s", leave.Payload)
	}
}

func TestMessengerValidation(t *testing.T) {
	if _, err := NewMessenger(MessengerConfig{SocketURL: "ws://x"}); err == nil {
		t.Fatal("expected error without identity")
	}
	if _, err := NewMessenger(MessengerConfig{Identity: testIdentity}); err == nil {
		t.Fatal("expected error without socket url")
	}

	b := newBackend(t)
	m := newTestMessenger(t, b, nil)
	if _, err := m.SendMessage(context.Background(), "hi"); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}
	var ve *ValidationError
	if _, err := m.Open(context.Background(), Target{}); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if m.Messages() != nil || m.Loading() || m.Error() != nil {
		t.Fatal("expected empty state with no active conversation")
	}
}
