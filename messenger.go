package dmpsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MessengerConfig configures a Messenger.
type MessengerConfig struct {
	BaseURL     string
	SocketURL   string
	Identity    Identity
	Credentials CredentialProvider
	HTTPClient  *http.Client
	Timeout     time.Duration

	Cache     CacheConfig
	Snapshots SnapshotStore

	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration

	// Registerer receives the metrics. Nil disables them.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Messenger is the single owner of the REST client, request cache, socket
// transport and bus. UI code talks to it and to the conversation currently
// opened with Open.
type Messenger struct {
	cfg       MessengerConfig
	logger    *slog.Logger
	metrics   *Metrics
	cache     *RequestCache
	client    *Client
	transport *Transport
	bus       *Bus

	mu     sync.Mutex
	active *ConversationSync
}

// NewMessenger wires a Messenger. The cache janitor starts immediately and is
// stopped by Close.
func NewMessenger(cfg MessengerConfig) (*Messenger, error) {
	if cfg.Identity.UserID == "" {
		return nil, &ValidationError{Field: "identity.userId", Reason: "is required"}
	}
	if cfg.SocketURL == "" {
		return nil, &ValidationError{Field: "socketUrl", Reason: "is required"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var metrics *Metrics
	if cfg.Registerer != nil {
		metrics = NewMetrics(cfg.Registerer)
	}

	cacheCfg := cfg.Cache
	if cacheCfg.Logger == nil {
		cacheCfg.Logger = logger.With("component", "cache")
	}
	if cacheCfg.Metrics == nil {
		cacheCfg.Metrics = metrics
	}
	cache := NewRequestCache(cacheCfg)

	opts := []ClientOption{
		WithCredentials(cfg.Credentials),
		WithRequestCache(cache),
		WithLogger(logger.With("component", "rest")),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}
	client := NewClient(opts...)

	transport := NewTransport(TransportConfig{
		URL:               cfg.SocketURL,
		Identity:          cfg.Identity,
		Credentials:       cfg.Credentials,
		ReconnectDelay:    cfg.ReconnectDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HTTPClient:        cfg.HTTPClient,
		Logger:            logger.With("component", "realtime"),
		Metrics:           metrics,
	})

	if err := cache.StartJanitor(); err != nil {
		return nil, err
	}

	return &Messenger{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		cache:     cache,
		client:    client,
		transport: transport,
		bus:       NewBus(transport, logger.With("component", "bus")),
	}, nil
}

func (m *Messenger) Client() *Client { return m.client }
func (m *Messenger) Transport() *Transport { return m.transport }
func (m *Messenger) Cache() *RequestCache { return m.cache }
func (m *Messenger) Bus() *Bus { return m.bus }
func (m *Messenger) Identity() Identity { return m.cfg.Identity }
func (m *Messenger) Metrics() *Metrics { return m.metrics }

// ── Connection ───────────────────────────────────────────

// ConnectionStatus returns the transport state.
func (m *Messenger) ConnectionStatus() ConnectionState {
	return m.transport.State()
}

// IsConnected reports whether the socket is authenticated.
func (m *Messenger) IsConnected() bool {
	return m.transport.State().Phase == PhaseAuthenticated
}

// ConnectWebSocket connects with token, or with the configured credentials
// when token is empty.
func (m *Messenger) ConnectWebSocket(ctx context.Context, token string) error {
	return m.transport.Connect(ctx, token)
}

// DisconnectWebSocket closes the socket and stops reconnection.
func (m *Messenger) DisconnectWebSocket() {
	m.transport.Disconnect()
}

// OnConnectionChange subscribes to transport state transitions.
func (m *Messenger) OnConnectionChange(cb func(ConnectionState)) func() {
	return m.transport.OnStateChange(cb)
}

// ── Push subscriptions ───────────────────────────────────

func (m *Messenger) OnNewMessage(cb func(Message)) func() {
	return m.bus.OnNewMessage(cb)
}

func (m *Messenger) OnConversationUpdate(cb func(ConversationUpdate)) func() {
	return m.bus.OnConversationUpdate(cb)
}

func (m *Messenger) OnPresenceChange(cb func(PresenceChange)) func() {
	return m.bus.OnPresenceChange(cb)
}

func (m *Messenger) OnNotification(cb func(Notification)) func() {
	return m.bus.OnNotification(cb)
}

// ── Active conversation ──────────────────────────────────

// Open makes target the active conversation, closing the previous one, and
// loads its history. The engine is returned even when the load failed; its
// Err then holds the failure.
func (m *Messenger) Open(ctx context.Context, target Target) (*ConversationSync, error) {
	if target.ConversationID == "" && (target.Context.Type == "" || target.Context.ID == "") {
		return nil, &ValidationError{Field: "target", Reason: "needs a conversation id or a context"}
	}

	engine := NewConversationSync(target, m.client, SyncOptions{
		Identity:  m.cfg.Identity,
		Realtime:  m.transport,
		Cache:     m.cache,
		Snapshots: m.cfg.Snapshots,
		Logger:    m.logger.With("component", "sync", "target", target.String()),
		Metrics:   m.metrics,
	})

	m.mu.Lock()
	prev := m.active
	m.active = engine
	m.mu.Unlock()

	if prev != nil {
		if err := prev.Close(ctx); err != nil {
			m.logger.Warn("closing previous conversation", "target", prev.Target().String(), "error", err)
		}
	}
	if err := engine.Attach(ctx); err != nil {
		m.logger.Warn("attach conversation", "target", target.String(), "error", err)
	}
	if _, err := engine.LoadHistory(ctx); err != nil {
		return engine, fmt.Errorf("open %s: %w", target, err)
	}
	return engine, nil
}

// Active returns the conversation opened last, or nil.
func (m *Messenger) Active() *ConversationSync {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SendMessage sends content in the active conversation.
func (m *Messenger) SendMessage(ctx context.Context, content string) (Message, error) {
	active := m.Active()
	if active == nil {
		return Message{}, ErrNoConversation
	}
	return active.Send(ctx, content)
}

// Messages returns the ordered list of the active conversation.
func (m *Messenger) Messages() []Message {
	if active := m.Active(); active != nil {
		return active.Messages()
	}
	return nil
}

// Loading reports whether the active conversation is loading.
func (m *Messenger) Loading() bool {
	if active := m.Active(); active != nil {
		return active.Loading()
	}
	return false
}

// Error returns the load error of the active conversation.
func (m *Messenger) Error() error {
	if active := m.Active(); active != nil {
		return active.Err()
	}
	return nil
}

// Close tears everything down.
func (m *Messenger) Close() error {
	m.mu.Lock()
	active := m.active
	m.active = nil
	m.mu.Unlock()

	var errs []error
	if active != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		errs = append(errs, active.Close(ctx))
		cancel()
	}
	m.transport.Close()
	m.cache.Stop()
	return errors.Join(errs...)
}
