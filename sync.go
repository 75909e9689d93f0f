package dmpsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessagingAPI is the part of the REST collaborator a sync engine uses.
// *Client implements it.
type MessagingAPI interface {
	History(ctx context.Context, ref ContextRef) (*HistoryPage, error)
	ConversationMessages(ctx context.Context, conversationID string) (*HistoryPage, error)
	SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (Message, error)
}

// SyncOptions configures a ConversationSync. Only Identity is required.
type SyncOptions struct {
	Identity  Identity
	Realtime  RealtimeSubscriber
	Cache     *RequestCache
	Snapshots SnapshotStore
	// HistoryTimeout overrides the cache timeout for history reads.
	HistoryTimeout time.Duration
	Clock          func() time.Time
	Logger         *slog.Logger
	Metrics        *Metrics
}

func (o *SyncOptions) defaults() {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

const changeKind = "change"

// ConversationSync keeps one conversation's message list consistent across REST
// history, optimistic sends and realtime pushes. The list is ordered by
// timestamp and holds at most one entry per server id.
type ConversationSync struct {
	target Target
	key    string
	api    MessagingAPI
	opts   SyncOptions
	subs   *registry[func([]Message)]

	mu             sync.Mutex
	conversationID string
	conversation   *Conversation
	messages       []Message
	loading        bool
	err            error
	stale          *StaleDataWarning
	unsubscribe    func()
	attached       bool
	joined         string
}

// NewConversationSync creates an engine for target. Nothing is fetched until
// LoadHistory is called.
func NewConversationSync(target Target, api MessagingAPI, opts SyncOptions) *ConversationSync {
	opts.defaults()
	return &ConversationSync{
		target:         target,
		key:            HistoryKey(target),
		api:            api,
		opts:           opts,
		subs:           newRegistry[func([]Message)](),
		conversationID: target.ConversationID,
	}
}

// Attach subscribes to new_message pushes and joins the conversation room once
// its id is known.
func (s *ConversationSync) Attach(ctx context.Context) error {
	rt := s.opts.Realtime
	if rt == nil {
		return nil
	}
	s.mu.Lock()
	if s.attached {
		s.mu.Unlock()
		return nil
	}
	s.attached = true
	s.unsubscribe = rt.Subscribe(EventNewMessage, s.handlePush)
	s.mu.Unlock()
	return s.joinRoom(ctx)
}

// Close leaves the room and drops subscriptions.
func (s *ConversationSync) Close(ctx context.Context) error {
	s.mu.Lock()
	unsub, room := s.unsubscribe, s.joined
	s.unsubscribe, s.joined, s.attached = nil, "", false
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.subs.clear()
	if room != "" && s.opts.Realtime != nil {
		return s.opts.Realtime.LeaveRoom(ctx, room)
	}
	return nil
}

func (s *ConversationSync) joinRoom(ctx context.Context) error {
	s.mu.Lock()
	id := s.conversationID
	if !s.attached || id == "" || s.joined == id {
		s.mu.Unlock()
		return nil
	}
	s.joined = id
	s.mu.Unlock()
	return s.opts.Realtime.JoinRoom(ctx, id)
}

func (s *ConversationSync) handlePush(payload json.RawMessage) {
	msg, err := ParseSentMessage(payload)
	if err != nil {
		s.opts.Logger.Debug("dropping malformed new_message", "error", err)
		return
	}
	s.OnIncoming(msg)
}

// ── State accessors ──────────────────────────────────────

// Messages returns a copy of the ordered message list.
func (s *ConversationSync) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Loading reports whether a history load is in progress.
func (s *ConversationSync) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err returns the error of the last history load that had no fallback.
// It is distinct from an empty conversation.
func (s *ConversationSync) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stale returns the warning attached to the current list when it was served
// from cache or snapshot after a failure, nil otherwise.
func (s *ConversationSync) Stale() *StaleDataWarning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// ConversationID returns the server id, empty until history resolves a context target.
func (s *ConversationSync) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Conversation returns the conversation metadata from the last history load.
func (s *ConversationSync) Conversation() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversation == nil {
		return nil
	}
	c := *s.conversation
	return &c
}

// Target returns what the engine follows.
func (s *ConversationSync) Target() Target { return s.target }

// OnChange registers cb to receive the full list after every change.
func (s *ConversationSync) OnChange(cb func([]Message)) func() {
	return s.subs.add(changeKind, cb)
}

func (s *ConversationSync) notify() {
	list := s.Messages()
	for _, cb := range s.subs.snapshot(changeKind) {
		safeInvoke(s.opts.Logger, changeKind, func() { cb(list) })
	}
}

// ============================================================================
// History
// ============================================================================

// LoadHistory fetches history through the request cache and merges it with
// what is already displayed. When the fetch fails it falls back to the last
// snapshot; with no fallback the error is recorded in Err and returned.
func (s *ConversationSync) LoadHistory(ctx context.Context) ([]Message, error) {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()
	s.notify()

	page, warn, err := Fetch(ctx, s.opts.Cache, s.key, s.fetchHistory, CacheOptions{
		UseCache:     true,
		CacheTimeout: s.opts.HistoryTimeout,
	})
	if err == nil && page == nil {
		err = &SchemaError{Type: "history", Reason: "empty reply"}
	}
	if err != nil {
		page, warn = s.snapshotFallback(ctx, err)
	}
	if page == nil {
		s.opts.Logger.Warn("history load failed", "target", s.target.String(), "error", err)
		s.mu.Lock()
		s.loading = false
		s.err = err
		s.mu.Unlock()
		s.notify()
		return nil, err
	}
	if warn == nil && s.opts.Snapshots != nil {
		if serr := s.opts.Snapshots.Save(ctx, s.key, page); serr != nil {
			s.opts.Logger.Warn("saving history snapshot", "key", s.key, "error", serr)
		}
	}

	s.mu.Lock()
	s.applyHistoryLocked(page)
	s.loading = false
	s.err = nil
	s.stale = warn
	list := append([]Message(nil), s.messages...)
	s.mu.Unlock()
	s.notify()

	if s.opts.Realtime != nil {
		if jerr := s.joinRoom(ctx); jerr != nil {
			s.opts.Logger.Warn("join conversation room", "error", jerr)
		}
	}
	return list, nil
}

func (s *ConversationSync) fetchHistory(ctx context.Context) (*HistoryPage, error) {
	if s.target.ConversationID != "" {
		return s.api.ConversationMessages(ctx, s.target.ConversationID)
	}
	return s.api.History(ctx, s.target.Context)
}

func (s *ConversationSync) snapshotFallback(ctx context.Context, cause error) (*HistoryPage, *StaleDataWarning) {
	if s.opts.Snapshots == nil {
		return nil, nil
	}
	page, savedAt, ok, err := s.opts.Snapshots.Load(ctx, s.key)
	if err != nil {
		s.opts.Logger.Warn("loading history snapshot", "key", s.key, "error", err)
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	return page, &StaleDataWarning{Key: s.key, Age: s.opts.Clock().Sub(savedAt), Cause: cause}
}

// applyHistoryLocked replaces the list with the server history, keeping pushed
// messages the history does not contain yet and unconfirmed local messages.
// page is shared with the cache and must not be mutated.
func (s *ConversationSync) applyHistoryLocked(page *HistoryPage) {
	if page.Conversation != nil {
		c := *page.Conversation
		s.conversation = &c
		if s.conversationID == "" {
			s.conversationID = c.ID
		}
	}

	ids := make(map[string]struct{}, len(page.Messages))
	clientIDs := make(map[string]struct{})
	list := make([]Message, 0, len(page.Messages)+len(s.messages))
	for _, m := range page.Messages {
		if m.ID == "" {
			continue
		}
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		if m.LocalID != "" {
			clientIDs[m.LocalID] = struct{}{}
		}
		if m.ConversationID == "" {
			m.ConversationID = s.conversationID
		}
		if m.Status == "" {
			m.Status = StatusSent
		}
		list = append(list, m)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Timestamp.Before(list[j].Timestamp)
	})

	var pending []Message
	for _, m := range s.messages {
		if m.Temporary() {
			if _, confirmed := clientIDs[m.LocalID]; !confirmed {
				pending = append(pending, m)
			}
			continue
		}
		if _, ok := ids[m.ID]; !ok {
			list = insertOrdered(list, m)
		}
	}
	s.messages = append(list, pending...)
}

// insertOrdered places m after the last message not newer than it.
func insertOrdered(list []Message, m Message) []Message {
	i := len(list)
	for i > 0 && list[i-1].Timestamp.After(m.Timestamp) {
		i--
	}
	list = append(list, Message{})
	copy(list[i+1:], list[i:])
	list[i] = m
	return list
}

// ============================================================================
// Send
// ============================================================================

// Send validates content, inserts an optimistic message with a tmp- local id
// and posts it. On success the optimistic entry is replaced in place by the
// confirmed one; on failure it stays in the list with status error and the
// error is returned. Failed sends are never retried automatically.
func (s *ConversationSync) Send(ctx context.Context, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, &ValidationError{Field: "content", Reason: "must not be empty"}
	}

	convID := s.ConversationID()
	if convID == "" {
		if _, err := s.LoadHistory(ctx); err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrNoConversation, err)
		}
		if convID = s.ConversationID(); convID == "" {
			return Message{}, ErrNoConversation
		}
	}

	temp := Message{
		LocalID:        "tmp-" + uuid.NewString(),
		ConversationID: convID,
		Content:        content,
		Type:           "text",
		SenderID:       s.opts.Identity.UserID,
		SenderType:     s.opts.Identity.UserType,
		Timestamp:      s.opts.Clock(),
		Status:         StatusSending,
	}
	s.mu.Lock()
	s.messages = append(s.messages, temp)
	s.mu.Unlock()
	s.opts.Metrics.message("send")
	s.notify()

	return s.deliver(ctx, temp)
}

// Retry re-sends a message that failed, keeping its local id and position.
func (s *ConversationSync) Retry(ctx context.Context, localID string) (Message, error) {
	s.mu.Lock()
	i := s.indexLocalLocked(localID)
	if i < 0 {
		s.mu.Unlock()
		return Message{}, ErrUnknownMessage
	}
	if s.messages[i].Status != StatusError || !s.messages[i].Temporary() {
		s.mu.Unlock()
		return Message{}, &ValidationError{Field: "status", Reason: "only failed messages can be retried"}
	}
	s.messages[i].Status = StatusSending
	temp := s.messages[i]
	s.mu.Unlock()
	s.opts.Metrics.message("retry")
	s.notify()

	return s.deliver(ctx, temp)
}

func (s *ConversationSync) deliver(ctx context.Context, temp Message) (Message, error) {
	start := time.Now()
	confirmed, err := s.api.SendMessage(ctx, temp.ConversationID, SendMessageRequest{
		Content:  temp.Content,
		Type:     temp.Type,
		ClientID: temp.LocalID,
	})
	s.opts.Metrics.sendDuration(time.Since(start).Seconds())

	if err != nil {
		s.mu.Lock()
		if i := s.indexLocalLocked(temp.LocalID); i >= 0 && s.messages[i].Temporary() {
			s.messages[i].Status = StatusError
		}
		s.mu.Unlock()
		s.opts.Metrics.message("send_error")
		s.opts.Logger.Warn("send failed", "conversation", temp.ConversationID, "local_id", temp.LocalID, "error", err)
		s.notify()
		return Message{}, err
	}

	s.mu.Lock()
	final := s.confirmLocked(temp.LocalID, confirmed)
	s.mu.Unlock()
	if s.opts.Cache != nil {
		s.opts.Cache.Invalidate(s.key)
	}
	s.opts.Metrics.message("confirm")
	s.notify()
	return final, nil
}

// confirmLocked promotes the local message to its confirmed counterpart in place
// and removes any other entry carrying the same server id.
func (s *ConversationSync) confirmLocked(localID string, confirmed Message) Message {
	i := s.indexLocalLocked(localID)
	if i < 0 {
		if j := s.indexIDLocked(confirmed.ID); j >= 0 {
			return s.messages[j]
		}
		s.messages = insertOrdered(s.messages, confirmed)
		return confirmed
	}
	merged := mergeConfirmed(s.messages[i], confirmed)
	s.messages[i] = merged
	s.removeDuplicatesLocked(merged.ID, i)
	return merged
}

func mergeConfirmed(local, confirmed Message) Message {
	m := confirmed
	m.LocalID = local.LocalID
	if m.ConversationID == "" {
		m.ConversationID = local.ConversationID
	}
	if m.Content == "" {
		m.Content = local.Content
	}
	if m.Type == "" {
		m.Type = local.Type
	}
	if m.SenderID == "" {
		m.SenderID = local.SenderID
		m.SenderType = local.SenderType
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = local.Timestamp
	}
	if m.Status == "" || m.Status == StatusSending || m.Status == StatusError {
		m.Status = StatusSent
	}
	if rank(local.Status) > rank(m.Status) {
		m.Status = local.Status
	}
	return m
}

// rank orders confirmed statuses so a late echo never downgrades a receipt.
func rank(st DeliveryStatus) int {
	switch st {
	case StatusRead:
		return 3
	case StatusDelivered:
		return 2
	case StatusSent:
		return 1
	}
	return 0
}

// ============================================================================
// Incoming
// ============================================================================

// OnIncoming merges a pushed message. A message whose server id is already
// listed is ignored, and so is a message for another conversation. A push
// that echoes a local message (by clientId, or own sender and same content)
// replaces it in place. It reports whether the list changed.
func (s *ConversationSync) OnIncoming(msg Message) bool {
	if msg.ID == "" {
		return false
	}
	s.mu.Lock()
	if s.conversationID == "" || msg.ConversationID != s.conversationID {
		s.mu.Unlock()
		return false
	}
	if msg.Status == "" {
		msg.Status = StatusSent
	}
	if s.indexIDLocked(msg.ID) >= 0 {
		s.mu.Unlock()
		s.opts.Metrics.message("duplicate")
		return false
	}
	if i := s.correlateLocked(msg); i >= 0 {
		s.messages[i] = mergeConfirmed(s.messages[i], msg)
	} else {
		s.messages = insertOrdered(s.messages, msg)
	}
	s.mu.Unlock()

	s.opts.Metrics.message("incoming")
	s.notify()
	return true
}

func (s *ConversationSync) correlateLocked(msg Message) int {
	if msg.LocalID != "" {
		for i, m := range s.messages {
			if m.Temporary() && m.LocalID == msg.LocalID {
				return i
			}
		}
	}
	if !IsOwnMessage(msg, s.opts.Identity) {
		return -1
	}
	// Failed temps stay in the list for retry; only in-flight ones can match.
	for i, m := range s.messages {
		if m.Temporary() && m.Status == StatusSending && m.Content == msg.Content {
			return i
		}
	}
	return -1
}

func (s *ConversationSync) indexLocalLocked(localID string) int {
	if localID == "" {
		return -1
	}
	for i, m := range s.messages {
		if m.LocalID == localID {
			return i
		}
	}
	return -1
}

func (s *ConversationSync) indexIDLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range s.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (s *ConversationSync) removeDuplicatesLocked(id string, keep int) {
	if id == "" {
		return
	}
	out := s.messages[:0]
	for i, m := range s.messages {
		if i != keep && m.ID == id {
			continue
		}
		out = append(out, m)
	}
	s.messages = out
}

// IsOwnMessage reports whether msg was authored by the session user. Optimistic
// messages carry the session identity, so confirmed and unconfirmed messages go
// through the same comparison. An unknown sender type matches on id alone.
func IsOwnMessage(msg Message, me Identity) bool {
	if me.UserID == "" || msg.SenderID == "" || msg.SenderID != me.UserID {
		return false
	}
	if msg.SenderType == "" || me.UserType == "" {
		return true
	}
	return msg.SenderType == me.UserType
}
