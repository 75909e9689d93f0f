package dmpsync

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeAPI struct {
	mu           sync.Mutex
	history      *HistoryPage
	historyErr   error
	historyCalls int
	sendCalls    int
	sendErr      error
	sendReply    func(req SendMessageRequest) Message
	lastSend     SendMessageRequest

	// When gate is set, SendMessage signals started and blocks until gate is closed.
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeAPI) History(ctx context.Context, ref ContextRef) (*HistoryPage, error) {
	return f.ConversationMessages(ctx, "")
}

func (f *fakeAPI) ConversationMessages(context.Context, string) (*HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return clonePage(f.history), nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (Message, error) {
	f.mu.Lock()
	f.sendCalls++
	f.lastSend = req
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if gate != nil {
		started <- struct{}{}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return Message{}, f.sendErr
	}
	msg := f.sendReply(req)
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	return msg, nil
}

func (f *fakeAPI) calls() (history, send int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyCalls, f.sendCalls
}

type fakeRealtime struct {
	handlers *registry[EventHandler]
	mu       sync.Mutex
	joined   []string
	left     []string
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{handlers: newRegistry[EventHandler]()}
}

func (r *fakeRealtime) Subscribe(kind string, h EventHandler) func() {
	return r.handlers.add(kind, h)
}

func (r *fakeRealtime) JoinRoom(_ context.Context, room string) error {
	r.mu.Lock()
	r.joined = append(r.joined, room)
	r.mu.Unlock()
	return nil
}

func (r *fakeRealtime) LeaveRoom(_ context.Context, room string) error {
	r.mu.Lock()
	r.left = append(r.left, room)
	r.mu.Unlock()
	return nil
}

func (r *fakeRealtime) emit(t *testing.T, kind string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range r.handlers.snapshot(kind) {
		h(raw)
	}
}

func ts(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

var ordonnance15 = Target{Context: ContextRef{Type: "ordonnance", ID: "15"}}

func historyWith(msgs ...Message) *HistoryPage {
	return &HistoryPage{
		Conversation: &Conversation{ID: "c-15", Context: ordonnance15.Context},
		Messages:     msgs,
	}
}

func serverMessage(id, content string, sec int64) Message {
	return Message{
		ID:             id,
		ConversationID: "c-15",
		Content:        content,
		Type:           "text",
		SenderID:       "7",
		SenderType:     SenderMedecin,
		Timestamp:      ts(sec),
		Status:         StatusSent,
	}
}

// replyAs confirms every send as message id at second sec, authored by the test identity.
func replyAs(id string, sec int64) func(SendMessageRequest) Message {
	return func(req SendMessageRequest) Message {
		return Message{
			ID:         id,
			LocalID:    req.ClientID,
			Content:    req.Content,
			Type:       req.Type,
			SenderID:   testIdentity.UserID,
			SenderType: testIdentity.UserType,
			Timestamp:  ts(sec),
			Status:     StatusSent,
		}
	}
}

func newTestSync(t *testing.T, api *fakeAPI, mutate func(*SyncOptions)) *ConversationSync {
	t.Helper()
	opts := SyncOptions{
		Identity: testIdentity,
		Clock:    func() time.Time { return ts(103) },
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := NewConversationSync(ordonnance15, api, opts)
	if _, err := s.LoadHistory(context.Background()); err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	return s
}

func ids(list []Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.Key()
	}
	return out
}

// ============================================================================
// Send
// ============================================================================

func TestSendOptimisticThenConfirmed(t *testing.T) {
	api := &fakeAPI{
		history:   historyWith(serverMessage("1", "hi", 100)),
		sendReply: replyAs("2", 105),
		gate:      make(chan struct{}),
		started:   make(chan struct{}, 1),
	}
	s := newTestSync(t, api, nil)

	type result struct {
		msg Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := s.Send(context.Background(), "thanks")
		done <- result{m, err}
	}()
	<-api.started

	pending := s.Messages()
	if len(pending) != 2 || pending[0].ID != "1" {
		t.Fatalf("expected history plus optimistic entry, got %v", ids(pending))
	}
	temp := pending[1]
	if !temp.Temporary() || !strings.HasPrefix(temp.LocalID, "tmp-") {
		t.Fatalf("expected tmp- local id, got %+v", temp)
	}
	if temp.Status != StatusSending || temp.Content != "thanks" {
		t.Fatalf("expected sending 'thanks', got %+v", temp)
	}
	if api.lastSend.ClientID != temp.LocalID {
		t.Fatalf("expected clientId %q sent, got %q", temp.LocalID, api.lastSend.ClientID)
	}

	close(api.gate)
	res := <-done
	if res.err != nil {
		t.Fatalf("Send: %v", res.err)
	}

	final := s.Messages()
	if len(final) != 2 {
		t.Fatalf("expected 2 messages, got %v", ids(final))
	}
	got := final[1]
	if got.ID != "2" || got.Status != StatusSent || !got.Timestamp.Equal(ts(105)) || got.Content != "thanks" {
		t.Fatalf("expected confirmed message 2, got %+v", got)
	}
	if got.LocalID != temp.LocalID {
		t.Fatalf("expected confirmed message to keep local id")
	}
	for _, m := range final {
		if m.Temporary() {
			t.Fatalf("temporary entry left behind: %+v", m)
		}
	}
	if res.msg.ID != "2" {
		t.Fatalf("expected Send to return confirmed message, got %+v", res.msg)
	}
}

func TestSendValidation(t *testing.T) {
	api := &fakeAPI{history: historyWith(serverMessage("1", "hi", 100)), sendReply: replyAs("2", 105)}
	s := newTestSync(t, api, nil)

	for _, content := range []string{"", "   ", "\n\t"} {
		t.Run("content "+strings.TrimSpace(content), func(t *testing.T) {
			_, err := s.Send(context.Background(), content)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
	if _, sends := api.calls(); sends != 0 {
		t.Fatalf("expected no network call, got %d", sends)
	}
	if n := len(s.Messages()); n != 1 {
		t.Fatalf("expected no optimistic insert, got %d messages", n)
	}
}

func TestSendKeepsContentAsTyped(t *testing.T) {
	api := &fakeAPI{history: historyWith(serverMessage("1", "hi", 100)), sendReply: replyAs("2", 105)}
	s := newTestSync(t, api, nil)

	const typed = "  Posologie :\n  1 comprimé matin et soir\n"
	msg, err := s.Send(context.Background(), typed)
	if err != nil {
		t.Fatal(err)
	}
	if api.lastSend.Content != typed {
		t.Fatalf("expected content posted as typed, got %q", api.lastSend.Content)
	}
	if msg.Content != typed || s.Messages()[1].Content != typed {
		t.Fatalf("expected content kept as typed, got %q", msg.Content)
	}
}

func TestSendFailureAndRetry(t *testing.T) {
	api := &fakeAPI{
		history:   historyWith(serverMessage("1", "hi", 100)),
		sendErr:   &NetworkError{Op: "POST", Err: errBackend},
		sendReply: replyAs("2", 105),
	}
	s := newTestSync(t, api, nil)

	_, err := s.Send(context.Background(), "thanks")
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	list := s.Messages()
	if len(list) != 2 || list[1].Status != StatusError || list[1].Content != "thanks" {
		t.Fatalf("expected failed message kept with error status, got %+v", list)
	}
	if _, sends := api.calls(); sends != 1 {
		t.Fatalf("expected no automatic retry, got %d sends", sends)
	}
	localID := list[1].LocalID

	t.Run("retry unknown", func(t *testing.T) {
		if _, err := s.Retry(context.Background(), "tmp-nope"); !errors.Is(err, ErrUnknownMessage) {
			t.Fatalf("expected ErrUnknownMessage, got %v", err)
		}
	})

	t.Run("retry succeeds in place", func(t *testing.T) {
		api.mu.Lock()
		api.sendErr = nil
		api.mu.Unlock()

		msg, err := s.Retry(context.Background(), localID)
		if err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if msg.ID != "2" || msg.LocalID != localID {
			t.Fatalf("unexpected retry result %+v", msg)
		}
		if got := ids(s.Messages()); !reflect.DeepEqual(got, []string{"1", "2"}) {
			t.Fatalf("expected [1 2], got %v", got)
		}
	})

	t.Run("retry confirmed message", func(t *testing.T) {
		_, err := s.Retry(context.Background(), localID)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})
}

func TestSendResolvesConversation(t *testing.T) {
	t.Run("loads history when conversation unknown", func(t *testing.T) {
		api := &fakeAPI{history: historyWith(), sendReply: replyAs("2", 105)}
		s := NewConversationSync(ordonnance15, api, SyncOptions{Identity: testIdentity})
		if _, err := s.Send(context.Background(), "bonjour"); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if s.ConversationID() != "c-15" {
			t.Fatalf("expected conversation resolved, got %q", s.ConversationID())
		}
	})

	t.Run("history failure", func(t *testing.T) {
		api := &fakeAPI{historyErr: errBackend, sendReply: replyAs("2", 105)}
		s := NewConversationSync(ordonnance15, api, SyncOptions{Identity: testIdentity})
		_, err := s.Send(context.Background(), "bonjour")
		if !errors.Is(err, ErrNoConversation) || !errors.Is(err, errBackend) {
			t.Fatalf("expected ErrNoConversation wrapping cause, got %v", err)
		}
		if _, sends := api.calls(); sends != 0 {
			t.Fatalf("expected no send, got %d", sends)
		}
	})
}

// ============================================================================
// Incoming
// ============================================================================

func TestIncomingEchoOfOwnSend(t *testing.T) {
	t.Run("push before REST reply correlates by clientId", func(t *testing.T) {
		api := &fakeAPI{
			history:   historyWith(serverMessage("1", "hi", 100), serverMessage("3", "later", 200)),
			sendReply: replyAs("2", 105),
			gate:      make(chan struct{}),
			started:   make(chan struct{}, 1),
		}
		s := newTestSync(t, api, nil)

		done := make(chan error, 1)
		go func() {
			_, err := s.Send(context.Background(), "thanks")
			done <- err
		}()
		<-api.started
		temp := s.Messages()[2]
		before := ids(s.Messages())

		echo := replyAs("2", 105)(SendMessageRequest{Content: "thanks", Type: "text", ClientID: temp.LocalID})
		echo.ConversationID = "c-15"
		if !s.OnIncoming(echo) {
			t.Fatal("expected echo to change the list")
		}
		after := s.Messages()
		if len(after) != 3 || after[2].ID != "2" {
			t.Fatalf("expected echo to replace temp in place, got %v", ids(after))
		}
		if before[0] != after[0].Key() || before[1] != after[1].Key() {
			t.Fatal("unrelated messages reflowed")
		}

		close(api.gate)
		if err := <-done; err != nil {
			t.Fatal(err)
		}
		if got := ids(s.Messages()); !reflect.DeepEqual(got, []string{"1", "3", "2"}) {
			t.Fatalf("expected single entry for message 2, got %v", got)
		}
	})

	t.Run("push after REST reply is a no-op", func(t *testing.T) {
		api := &fakeAPI{history: historyWith(serverMessage("1", "hi", 100)), sendReply: replyAs("2", 105)}
		s := newTestSync(t, api, nil)
		confirmed, err := s.Send(context.Background(), "thanks")
		if err != nil {
			t.Fatal(err)
		}
		before := s.Messages()
		if s.OnIncoming(confirmed) {
			t.Fatal("expected duplicate push to be ignored")
		}
		if !reflect.DeepEqual(before, s.Messages()) {
			t.Fatal("list changed after duplicate push")
		}
	})

	t.Run("own sender and content without clientId", func(t *testing.T) {
		api := &fakeAPI{
			history:   historyWith(serverMessage("1", "hi", 100)),
			sendReply: replyAs("2", 105),
			gate:      make(chan struct{}),
			started:   make(chan struct{}, 1),
		}
		s := newTestSync(t, api, nil)

		done := make(chan error, 1)
		go func() {
			_, err := s.Send(context.Background(), "thanks")
			done <- err
		}()
		<-api.started

		echo := replyAs("2", 105)(SendMessageRequest{Content: "thanks", Type: "text"})
		echo.ConversationID = "c-15"
		if !s.OnIncoming(echo) {
			t.Fatal("expected echo to confirm the in-flight temp")
		}
		list := s.Messages()
		if len(list) != 2 || list[1].ID != "2" || list[1].Status != StatusSent {
			t.Fatalf("expected in-flight temp confirmed by echo, got %+v", list)
		}

		close(api.gate)
		if err := <-done; err != nil {
			t.Fatal(err)
		}
		if got := ids(s.Messages()); !reflect.DeepEqual(got, []string{"1", "2"}) {
			t.Fatalf("expected single entry for message 2, got %v", got)
		}
	})

	t.Run("failed temp with same content is left for retry", func(t *testing.T) {
		api := &fakeAPI{
			history:   historyWith(serverMessage("1", "hi", 100)),
			sendErr:   errBackend,
			sendReply: replyAs("m9", 105),
		}
		s := newTestSync(t, api, nil)
		if _, err := s.Send(context.Background(), "ok"); !errors.Is(err, errBackend) {
			t.Fatalf("expected first send to fail, got %v", err)
		}
		failed := s.Messages()[1]

		api.mu.Lock()
		api.sendErr = nil
		api.gate = make(chan struct{})
		api.started = make(chan struct{}, 1)
		gate, started := api.gate, api.started
		api.mu.Unlock()

		done := make(chan error, 1)
		go func() {
			_, err := s.Send(context.Background(), "ok")
			done <- err
		}()
		<-started

		echo := replyAs("m9", 105)(SendMessageRequest{Content: "ok", Type: "text"})
		echo.ConversationID = "c-15"
		s.OnIncoming(echo)

		mid := s.Messages()
		if len(mid) != 3 || mid[1].LocalID != failed.LocalID || mid[1].Status != StatusError || mid[1].ID != "" {
			t.Fatalf("expected failed temp untouched, got %+v", mid)
		}
		if mid[2].ID != "m9" {
			t.Fatalf("expected echo to confirm the in-flight temp, got %+v", mid[2])
		}

		close(gate)
		if err := <-done; err != nil {
			t.Fatal(err)
		}
		final := s.Messages()
		if len(final) != 3 || final[1].Status != StatusError || final[1].Content != "ok" || final[2].ID != "m9" {
			t.Fatalf("expected failed message retained next to the confirmed one, got %+v", final)
		}
		if _, err := s.Retry(context.Background(), failed.LocalID); err != nil {
			t.Fatalf("expected failed message to stay retryable, got %v", err)
		}
	})
}

func TestIncomingIdempotent(t *testing.T) {
	api := &fakeAPI{history: historyWith(serverMessage("1", "hi", 100))}
	s := newTestSync(t, api, nil)

	msg := serverMessage("5", "résultats disponibles", 150)
	if !s.OnIncoming(msg) {
		t.Fatal("expected first delivery to change the list")
	}
	before := s.Messages()
	if s.OnIncoming(msg) {
		t.Fatal("expected second delivery to be a no-op")
	}
	if !reflect.DeepEqual(before, s.Messages()) {
		t.Fatal("list changed after second delivery")
	}
}

func TestIncomingOrdering(t *testing.T) {
	api := &fakeAPI{history: historyWith()}
	s := newTestSync(t, api, nil)

	for _, m := range []Message{
		serverMessage("t3", "three", 300),
		serverMessage("t1", "one", 100),
		serverMessage("t2", "two", 200),
	} {
		s.OnIncoming(m)
	}
	if got := ids(s.Messages()); !reflect.DeepEqual(got, []string{"t1", "t2", "t3"}) {
		t.Fatalf("expected [t1 t2 t3], got %v", got)
	}
}

func TestIncomingFiltering(t *testing.T) {
	api := &fakeAPI{history: historyWith()}
	s := newTestSync(t, api, nil)

	other := serverMessage("9", "ailleurs", 100)
	other.ConversationID = "c-99"
	if s.OnIncoming(other) {
		t.Fatal("expected message for another conversation to be ignored")
	}
	if s.OnIncoming(Message{Content: "no id", ConversationID: "c-15"}) {
		t.Fatal("expected message without id to be ignored")
	}
	if len(s.Messages()) != 0 {
		t.Fatalf("expected empty list, got %v", ids(s.Messages()))
	}
}

// ============================================================================
// History
// ============================================================================

func TestLoadHistoryMerge(t *testing.T) {
	api := &fakeAPI{
		history: historyWith(
			serverMessage("2", "b", 200),
			serverMessage("1", "a", 100),
			serverMessage("1", "a", 100),
		),
		sendErr: errBackend,
	}
	s := newTestSync(t, api, nil)
	if got := ids(s.Messages()); !reflect.DeepEqual(got, []string{"1", "2"}) {
		t.Fatalf("expected sorted, deduplicated history, got %v", got)
	}

	s.OnIncoming(serverMessage("3", "pushed", 150))
	s.Send(context.Background(), "pending")
	failed := s.Messages()[3].LocalID

	api.mu.Lock()
	api.history = historyWith(serverMessage("1", "a", 100), serverMessage("2", "b", 200), serverMessage("4", "d", 250))
	api.mu.Unlock()
	if _, err := s.LoadHistory(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := ids(s.Messages())
	want := []string{"1", "3", "2", "4", failed}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestLoadHistoryFailure(t *testing.T) {
	t.Run("no fallback surfaces error state", func(t *testing.T) {
		api := &fakeAPI{historyErr: &NetworkError{Op: "GET", Err: errBackend}}
		s := NewConversationSync(ordonnance15, api, SyncOptions{Identity: testIdentity})
		_, err := s.LoadHistory(context.Background())
		if !errors.Is(err, errBackend) {
			t.Fatalf("expected backend error, got %v", err)
		}
		if s.Err() == nil || s.Loading() {
			t.Fatalf("expected error state, got err=%v loading=%v", s.Err(), s.Loading())
		}
	})

	t.Run("snapshot fallback", func(t *testing.T) {
		store := NewMemorySnapshotStore()
		good := &fakeAPI{history: historyWith(serverMessage("1", "hi", 100))}
		newTestSync(t, good, func(o *SyncOptions) { o.Snapshots = store })
		if store.Len() != 1 {
			t.Fatalf("expected snapshot saved, got %d", store.Len())
		}

		bad := &fakeAPI{historyErr: errBackend}
		s := NewConversationSync(ordonnance15, bad, SyncOptions{Identity: testIdentity, Snapshots: store})
		list, err := s.LoadHistory(context.Background())
		if err != nil {
			t.Fatalf("expected fallback, got %v", err)
		}
		if len(list) != 1 || list[0].ID != "1" {
			t.Fatalf("expected snapshot messages, got %v", ids(list))
		}
		if s.Stale() == nil || !errors.Is(s.Stale(), errBackend) {
			t.Fatalf("expected stale warning, got %v", s.Stale())
		}
		if s.Err() != nil {
			t.Fatalf("expected no error state, got %v", s.Err())
		}
	})
}

func TestLoadHistoryCached(t *testing.T) {
	api := &fakeAPI{history: historyWith(serverMessage("1", "hi", 100)), sendReply: replyAs("2", 105)}
	cache := NewRequestCache(CacheConfig{DefaultCooldown: -1})
	s := newTestSync(t, api, func(o *SyncOptions) { o.Cache = cache })

	s.LoadHistory(context.Background())
	if hist, _ := api.calls(); hist != 1 {
		t.Fatalf("expected cached history, got %d fetches", hist)
	}

	if _, err := s.Send(context.Background(), "thanks"); err != nil {
		t.Fatal(err)
	}
	s.LoadHistory(context.Background())
	if hist, _ := api.calls(); hist != 2 {
		t.Fatalf("expected send to invalidate history, got %d fetches", hist)
	}
}

// ============================================================================
// Realtime wiring
// ============================================================================

func TestAttachReceivesPushes(t *testing.T) {
	rt := newFakeRealtime()
	api := &fakeAPI{history: historyWith(serverMessage("1", "hi", 100))}
	s := NewConversationSync(ordonnance15, api, SyncOptions{Identity: testIdentity, Realtime: rt})
	ctx := context.Background()

	if err := s.Attach(ctx); err != nil {
		t.Fatal(err)
	}
	if len(rt.joined) != 0 {
		t.Fatal("expected no room joined before the conversation id is known")
	}
	s.LoadHistory(ctx)
	if !reflect.DeepEqual(rt.joined, []string{"c-15"}) {
		t.Fatalf("expected room c-15 joined, got %v", rt.joined)
	}

	var changes int
	s.OnChange(func([]Message) { changes++ })

	rt.emit(t, EventNewMessage, map[string]any{
		"message": map[string]any{
			"id": 2, "conversation_id": "c-15", "contenu": "bonjour",
			"expediteur_id": 7, "expediteur_type": "medecin", "created_at": "2026-03-01T09:00:00Z",
		},
	})
	rt.emit(t, EventNewMessage, map[string]any{"broken": true})

	if got := ids(s.Messages()); !reflect.DeepEqual(got, []string{"1", "2"}) {
		t.Fatalf("expected pushed message merged, got %v", got)
	}
	if changes != 1 {
		t.Fatalf("expected one change notification, got %d", changes)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rt.left, []string{"c-15"}) {
		t.Fatalf("expected room left, got %v", rt.left)
	}
	if rt.handlers.count(EventNewMessage) != 0 {
		t.Fatal("expected subscription removed")
	}
}

func TestIsOwnMessage(t *testing.T) {
	me := Identity{UserID: "42", UserType: SenderPatient}
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"confirmed own", Message{ID: "1", SenderID: "42", SenderType: SenderPatient}, true},
		{"temporary own", Message{LocalID: "tmp-1", SenderID: "42", SenderType: SenderPatient}, true},
		{"same id other side", Message{ID: "1", SenderID: "42", SenderType: SenderMedecin}, false},
		{"other user", Message{ID: "1", SenderID: "7", SenderType: SenderPatient}, false},
		{"unknown sender type", Message{ID: "1", SenderID: "42"}, true},
		{"no sender", Message{ID: "1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsOwnMessage(tt.msg, me); got != tt.want {
				t.Fatalf("IsOwnMessage = %v, want %v", got, tt.want)
			}
		})
	}
}
