package dmpsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Wire format
// ============================================================================

// Event kinds exchanged with the messaging backend.
const (
	EventAuthenticate        = "authenticate"
	EventAuthenticated       = "authenticated"
	EventAuthenticationError = "authentication_error"
	EventNewMessage          = "new_message"
	EventConversationUpdate  = "conversation_update"
	EventPresence            = "presence"
	EventNotification        = "notification"
	EventError               = "error"
	EventJoinConversation    = "join_conversation"
	EventLeaveConversation   = "leave_conversation"
)

// Envelope is the wire format of every socket frame, in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type roomPayload struct {
	ConversationID string `json:"conversationId"`
}

// ============================================================================
// State
// ============================================================================

// Phase is the coarse connection state.
type Phase string

const (
	PhaseDisconnected  Phase = "disconnected"
	PhaseConnecting    Phase = "connecting"
	PhaseConnected     Phase = "connected"
	PhaseAuthenticated Phase = "authenticated"
	PhaseError         Phase = "error"
)

// ConnectionState is a Phase plus, for error and disconnect, the reason.
type ConnectionState struct {
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

func (s ConnectionState) String() string {
	if s.Reason != "" {
		return string(s.Phase) + "(" + s.Reason + ")"
	}
	return string(s.Phase)
}

// Status is the snapshot returned by Transport.Status.
type Status struct {
	Connected    bool   `json:"connected"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// TransportConfig configures a Transport.
type TransportConfig struct {
	URL      string
	Identity Identity
	// Credentials is consulted again on every reconnection attempt.
	Credentials       CredentialProvider
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration // negative disables the heartbeat
	HTTPClient        *http.Client
	Logger            *slog.Logger
	Metrics           *Metrics
}

func (c *TransportConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// Subscription registry
// ============================================================================

// EventHandler receives the raw payload of one event kind.
type EventHandler func(payload json.RawMessage)

// EventSubscriber is the subscription half of Transport.
type EventSubscriber interface {
	Subscribe(kind string, h EventHandler) (unsubscribe func())
}

// RealtimeSubscriber is what a conversation sync engine needs from the transport.
type RealtimeSubscriber interface {
	EventSubscriber
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
}

type subscription[T any] struct {
	id uint64
	fn T
}

// registry keeps handlers per kind in registration order.
type registry[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs map[string][]subscription[T]
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{subs: make(map[string][]subscription[T])}
}

func (r *registry[T]) add(kind string, fn T) func() {
	r.mu.Lock()
	r.next++
	id := r.next
	r.subs[kind] = append(r.subs[kind], subscription[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			list := r.subs[kind]
			for i, s := range list {
				if s.id == id {
					r.subs[kind] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(r.subs[kind]) == 0 {
				delete(r.subs, kind)
			}
		})
	}
}

func (r *registry[T]) snapshot(kind string) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.subs[kind]
	out := make([]T, len(list))
	for i, s := range list {
		out[i] = s.fn
	}
	return out
}

func (r *registry[T]) count(kind string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[kind])
}

func (r *registry[T]) clear() {
	r.mu.Lock()
	r.subs = make(map[string][]subscription[T])
	r.mu.Unlock()
}

func safeInvoke(logger *slog.Logger, kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("subscriber panicked", "kind", kind, "panic", r)
		}
	}()
	fn()
}

// ============================================================================
// Transport
// ============================================================================

const stateKind = "state"

// Transport owns the single socket to the messaging backend. It authenticates
// after connecting, dispatches typed events to subscribers in the order the
// server sent them, and reconnects on a fixed delay until Disconnect.
type Transport struct {
	cfg       TransportConfig
	handlers  *registry[EventHandler]
	stateSubs *registry[func(ConnectionState)]

	mu     sync.Mutex
	state  ConnectionState
	conn   *websocket.Conn
	connID string
	token  string
	armed  bool
	gen    uint64
	cancel context.CancelFunc
	timer  *time.Timer
	rooms  map[string]struct{}
}

// NewTransport creates a disconnected transport.
func NewTransport(cfg TransportConfig) *Transport {
	cfg.defaults()
	return &Transport{
		cfg:       cfg,
		handlers:  newRegistry[EventHandler](),
		stateSubs: newRegistry[func(ConnectionState)](),
		state:     ConnectionState{Phase: PhaseDisconnected},
		rooms:     make(map[string]struct{}),
	}
}

// Subscribe registers h for kind. Several handlers per kind are supported and
// run in registration order.
func (t *Transport) Subscribe(kind string, h EventHandler) func() {
	return t.handlers.add(kind, h)
}

// OnStateChange registers a handler for connection state transitions.
func (t *Transport) OnStateChange(h func(ConnectionState)) func() {
	return t.stateSubs.add(stateKind, h)
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Status reports whether a socket is open and its connection id.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	connected := t.conn != nil &&
		(t.state.Phase == PhaseConnected || t.state.Phase == PhaseAuthenticated)
	if !connected {
		return Status{}
	}
	return Status{Connected: true, ConnectionID: t.connID}
}

// Connect opens the socket with token, or with the configured CredentialProvider
// when token is empty, and arms reconnection. Without a usable credential it
// logs and returns nil. Calling Connect while connecting or connected is a no-op.
func (t *Transport) Connect(ctx context.Context, token string) error {
	token, err := resolveCredential(ctx, token, t.cfg.Credentials)
	if err != nil {
		t.cfg.Logger.Warn("realtime connect skipped", "error", err)
		return nil
	}

	t.mu.Lock()
	switch t.state.Phase {
	case PhaseConnecting, PhaseConnected, PhaseAuthenticated:
		t.mu.Unlock()
		return nil
	}
	t.armed = true
	t.token = token
	t.stopTimerLocked()
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	t.transition(gen, ConnectionState{Phase: PhaseConnecting})
	return t.attempt(ctx, gen, token)
}

// Disconnect closes the socket and disarms reconnection. Subscriptions and
// joined rooms are kept for a later Connect.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.armed = false
	t.gen++
	gen := t.gen
	t.stopTimerLocked()
	conn, cancel := t.conn, t.cancel
	t.conn, t.cancel, t.connID = nil, nil, ""
	already := t.state.Phase == PhaseDisconnected
	t.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	if !already {
		t.transition(gen, ConnectionState{Phase: PhaseDisconnected, Reason: "client disconnect"})
	}
}

// Close disconnects and drops every subscription and room.
func (t *Transport) Close() {
	t.Disconnect()
	t.handlers.clear()
	t.stateSubs.clear()
	t.mu.Lock()
	t.rooms = make(map[string]struct{})
	t.mu.Unlock()
}

// Publish sends an event. It only takes effect while authenticated; otherwise
// the event is dropped without error (there is no send queue).
func (t *Transport) Publish(ctx context.Context, kind string, payload any) error {
	t.mu.Lock()
	conn := t.conn
	ready := conn != nil && t.state.Phase == PhaseAuthenticated
	t.mu.Unlock()

	if !ready {
		t.cfg.Logger.Debug("publish dropped, not authenticated", "kind", kind)
		return nil
	}
	if err := wsjson.Write(ctx, conn, command{Type: kind, Payload: payload}); err != nil {
		return &TransportError{Op: "publish " + kind, Err: err}
	}
	return nil
}

// JoinRoom scopes server pushes for roomID to this connection. The room is
// remembered and joined again after every reconnection.
func (t *Transport) JoinRoom(ctx context.Context, roomID string) error {
	t.mu.Lock()
	t.rooms[roomID] = struct{}{}
	t.mu.Unlock()
	return t.Publish(ctx, EventJoinConversation, roomPayload{ConversationID: roomID})
}

// LeaveRoom undoes JoinRoom.
func (t *Transport) LeaveRoom(ctx context.Context, roomID string) error {
	t.mu.Lock()
	delete(t.rooms, roomID)
	t.mu.Unlock()
	return t.Publish(ctx, EventLeaveConversation, roomPayload{ConversationID: roomID})
}

// ── Connection lifecycle ──────────────────────────────────

func (t *Transport) attempt(ctx context.Context, gen uint64, token string) error {
	err := t.establish(ctx, gen, token)
	if err == nil {
		return nil
	}
	t.cfg.Logger.Warn("realtime connection failed", "error", err, "retry_in", t.cfg.ReconnectDelay)
	t.transition(gen, ConnectionState{Phase: PhaseError, Reason: err.Error()})
	t.scheduleReconnect(gen)
	return err
}

func (t *Transport) establish(ctx context.Context, gen uint64, token string) error {
	hctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	dialURL, err := t.dialURL(token)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}
	conn, _, err := websocket.Dial(hctx, dialURL, &websocket.DialOptions{
		HTTPClient: t.cfg.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	if !t.transition(gen, ConnectionState{Phase: PhaseConnected}) {
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}

	if err := wsjson.Write(hctx, conn, command{Type: EventAuthenticate, Payload: t.cfg.Identity}); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return &TransportError{Op: "authenticate", Err: err}
	}
	connID, err := t.awaitAuthenticated(hctx, conn)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return err
	}

	life, stop := context.WithCancel(context.Background())
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		stop()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	t.conn, t.connID, t.cancel = conn, connID, stop
	rooms := make([]string, 0, len(t.rooms))
	for r := range t.rooms {
		rooms = append(rooms, r)
	}
	t.mu.Unlock()

	t.transition(gen, ConnectionState{Phase: PhaseAuthenticated})
	go t.readLoop(life, gen, conn)
	if t.cfg.HeartbeatInterval > 0 {
		go t.heartbeatLoop(life, conn)
	}

	for _, room := range rooms {
		if err := wsjson.Write(life, conn, command{Type: EventJoinConversation, Payload: roomPayload{ConversationID: room}}); err != nil {
			t.cfg.Logger.Warn("rejoin room failed", "room", room, "error", err)
		}
	}
	return nil
}

// awaitAuthenticated reads frames until the server accepts or rejects the
// authenticate command. Other frames received meanwhile are dispatched.
func (t *Transport) awaitAuthenticated(ctx context.Context, conn *websocket.Conn) (string, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return "", &TransportError{Op: "await authenticated", Err: err}
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case EventAuthenticated:
			var p struct {
				ConnectionID string `json:"connectionId"`
				SocketID     string `json:"socketId"`
			}
			_ = json.Unmarshal(env.Payload, &p)
			t.dispatch(env)
			switch {
			case p.ConnectionID != "":
				return p.ConnectionID, nil
			case p.SocketID != "":
				return p.SocketID, nil
			default:
				return uuid.NewString(), nil
			}
		case EventAuthenticationError:
			var p struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(env.Payload, &p)
			if p.Message == "" {
				p.Message = "rejected by server"
			}
			return "", &AuthenticationError{Reason: p.Message}
		default:
			t.dispatch(env)
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.connectionLost(gen, conn, err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			t.cfg.Logger.Debug("ignoring malformed frame", "bytes", len(data))
			continue
		}
		t.dispatch(env)
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				t.cfg.Logger.Warn("heartbeat failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (t *Transport) connectionLost(gen uint64, conn *websocket.Conn, err error) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	cancel := t.cancel
	t.conn, t.cancel, t.connID = nil, nil, ""
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	conn.Close(websocket.StatusGoingAway, "")

	reason := "connection lost"
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		reason = "closed: " + ce.Code.String()
	}
	t.cfg.Logger.Info("realtime connection lost", "reason", reason, "error", err)
	t.transition(gen, ConnectionState{Phase: PhaseDisconnected, Reason: reason})
	t.scheduleReconnect(gen)
}

func (t *Transport) scheduleReconnect(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed || gen != t.gen || t.timer != nil {
		return
	}
	t.timer = time.AfterFunc(t.cfg.ReconnectDelay, func() { t.reconnect(gen) })
}

func (t *Transport) reconnect(prev uint64) {
	t.mu.Lock()
	if !t.armed || prev != t.gen {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	token := t.token
	t.mu.Unlock()

	ctx := context.Background()
	t.cfg.Metrics.reconnect()

	var err error
	if t.cfg.Credentials != nil {
		token, err = t.cfg.Credentials.Credential(ctx)
	} else {
		token, err = checkToken(token, time.Now())
	}
	if err != nil || token == "" {
		t.cfg.Logger.Warn("no credential, stopping reconnection", "error", err)
		t.mu.Lock()
		if prev == t.gen {
			t.armed = false
		}
		t.mu.Unlock()
		t.transition(prev, ConnectionState{Phase: PhaseDisconnected, Reason: "no credential"})
		return
	}

	t.mu.Lock()
	if !t.armed || prev != t.gen {
		t.mu.Unlock()
		return
	}
	t.gen++
	gen := t.gen
	t.token = token
	t.mu.Unlock()

	t.transition(gen, ConnectionState{Phase: PhaseConnecting})
	_ = t.attempt(ctx, gen, token)
}

func (t *Transport) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// transition applies s if gen is still current and notifies state subscribers.
func (t *Transport) transition(gen uint64, s ConnectionState) bool {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return false
	}
	t.state = s
	t.mu.Unlock()

	t.cfg.Metrics.transportState(string(s.Phase))
	t.cfg.Logger.Debug("realtime state", "state", s.String())
	for _, h := range t.stateSubs.snapshot(stateKind) {
		safeInvoke(t.cfg.Logger, stateKind, func() { h(s) })
	}
	return true
}

func (t *Transport) dispatch(env Envelope) {
	t.cfg.Metrics.event(env.Type)
	for _, h := range t.handlers.snapshot(env.Type) {
		safeInvoke(t.cfg.Logger, env.Type, func() { h(env.Payload) })
	}
}

func (t *Transport) dialURL(token string) (string, error) {
	raw := strings.Replace(t.cfg.URL, "https://", "wss://", 1)
	raw = strings.Replace(raw, "http://", "ws://", 1)
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
