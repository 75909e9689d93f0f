package dmpsync

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// Bus fans conversation updates, presence changes and notifications out to
// any number of subscribers. Payloads are normalized; malformed ones are
// logged and dropped.
type Bus struct {
	src    EventSubscriber
	logger *slog.Logger
}

// NewBus creates a bus over src. A nil logger uses slog.Default.
func NewBus(src EventSubscriber, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{src: src, logger: logger}
}

// OnConversationUpdate subscribes to conversation_update events.
func (b *Bus) OnConversationUpdate(cb func(ConversationUpdate)) func() {
	return subscribeParsed(b, EventConversationUpdate, ParseConversationUpdate, cb)
}

// OnPresenceChange subscribes to presence events.
func (b *Bus) OnPresenceChange(cb func(PresenceChange)) func() {
	return subscribeParsed(b, EventPresence, ParsePresence, cb)
}

// OnNotification subscribes to notification events.
func (b *Bus) OnNotification(cb func(Notification)) func() {
	return subscribeParsed(b, EventNotification, ParseNotification, cb)
}

// OnNewMessage subscribes to every new_message push, whatever the conversation.
func (b *Bus) OnNewMessage(cb func(Message)) func() {
	return subscribeParsed(b, EventNewMessage, ParseSentMessage, cb)
}

func subscribeParsed[T any](b *Bus, kind string, parse func([]byte) (T, error), cb func(T)) func() {
	return b.src.Subscribe(kind, func(payload json.RawMessage) {
		v, err := parse(payload)
		if err != nil {
			b.logger.Warn("dropping malformed event", "kind", kind, "error", err)
			return
		}
		cb(v)
	})
}

// ============================================================================
// Push payloads
// ============================================================================

var (
	unreadKeys   = []string{"unreadCount", "unread_count", "non_lus"}
	userIDKeys   = []string{"userId", "user_id", "id"}
	userTypeKeys = []string{"userType", "user_type"}
	onlineKeys   = []string{"online", "isOnline", "en_ligne"}
	presenceAt   = []string{"at", "timestamp", "lastSeen", "last_seen"}
)

// ParseConversationUpdate normalizes a conversation_update payload.
func ParseConversationUpdate(raw []byte) (ConversationUpdate, error) {
	v, err := decodePayload(raw, "conversation_update")
	if err != nil {
		return ConversationUpdate{}, err
	}
	obj, err := asObject(v, "conversation_update")
	if err != nil {
		return ConversationUpdate{}, err
	}
	u := ConversationUpdate{
		ConversationID: lookupString(obj, convRecordIDKeys...),
		UpdatedAt:      lookupTime(obj, lastActivityKeys...),
		UnreadCount:    lookupInt(obj, unreadKeys...),
	}
	if conv, ok := obj["conversation"].(map[string]any); ok && u.ConversationID == "" {
		u.ConversationID = lookupString(conv, convRecordIDKeys...)
	}
	if u.ConversationID == "" {
		return ConversationUpdate{}, &SchemaError{Type: "conversation_update", Reason: "missing conversation id"}
	}
	if last, ok := lookupRaw(obj, lastMessageKeys...); ok {
		switch lm := last.(type) {
		case string:
			u.LastMessage = lm
		case map[string]any:
			u.LastMessage = lookupString(lm, contentKeys...)
			if u.UpdatedAt.IsZero() {
				u.UpdatedAt = lookupTime(lm, timestampKeys...)
			}
		}
	}
	return u, nil
}

// ParsePresence normalizes a presence payload. Online is derived from the
// status string when the boolean is absent.
func ParsePresence(raw []byte) (PresenceChange, error) {
	v, err := decodePayload(raw, "presence")
	if err != nil {
		return PresenceChange{}, err
	}
	obj, err := asObject(v, "presence")
	if err != nil {
		return PresenceChange{}, err
	}
	p := PresenceChange{
		UserID:   lookupString(obj, userIDKeys...),
		UserType: normalizeSenderType(lookupString(obj, userTypeKeys...)),
		Status:   strings.ToLower(lookupString(obj, statusKeys...)),
		At:       lookupTime(obj, presenceAt...),
	}
	if p.UserID == "" {
		return PresenceChange{}, &SchemaError{Type: "presence", Reason: "missing user id"}
	}
	if _, ok := lookupRaw(obj, onlineKeys...); ok {
		p.Online = lookupBool(obj, onlineKeys...)
	} else {
		p.Online = p.Status == "online" || p.Status == "en_ligne"
	}
	if p.Status == "" {
		p.Status = "offline"
		if p.Online {
			p.Status = "online"
		}
	}
	return p, nil
}
