package dmpsync

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// This file is the single normalization boundary between backend payloads and
// the typed model. The backend is not consistent about field names (French and
// snake_case aliases appear next to camelCase ones, ids arrive as numbers or
// strings, some replies are wrapped in {success, data}). The alias tables below
// are the only place that tolerance lives; a payload matching none of them is a
// SchemaError.

var (
	idKeys             = []string{"id", "_id"}
	contentKeys        = []string{"content", "contenu"}
	senderIDKeys       = []string{"senderId", "sender_id", "expediteur_id"}
	senderTypeKeys     = []string{"senderType", "sender_type", "expediteur_type"}
	timestampKeys      = []string{"timestamp", "createdAt", "created_at", "date_envoi"}
	conversationIDKeys = []string{"conversationId", "conversation_id"}
	convRecordIDKeys   = []string{"id", "_id", "conversationId", "conversation_id"}
	clientIDKeys       = []string{"clientId", "client_id", "tempId"}
	statusKeys         = []string{"status", "statut"}
	messageTypeKeys    = []string{"type", "type_message"}
	titleKeys          = []string{"title", "titre"}
	convTypeKeys       = []string{"type_conversation", "type"}
	contextTypeKeys    = []string{"contextType", "context_type", "contexte_type"}
	contextIDKeys      = []string{"contextId", "context_id", "contexte_id"}
	lastActivityKeys   = []string{"lastActivity", "updatedAt", "updated_at", "derniere_activite"}
	lastMessageKeys    = []string{"lastMessage", "last_message", "dernier_message"}
	participantIDKeys  = []string{"id", "user_id", "userId"}
	participantTypKeys = []string{"type", "user_type", "userType"}
	participantNmKeys  = []string{"name", "nom"}
	notifMessageKeys   = []string{"message", "contenu", "content"}
	readKeys           = []string{"read", "lu", "is_read"}
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// decodePayload decodes raw JSON, preserving numbers, and strips an optional
// {success, data} envelope.
func decodePayload(raw []byte, typ string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &SchemaError{Type: typ, Reason: "invalid JSON: " + err.Error()}
	}
	if obj, ok := v.(map[string]any); ok {
		if inner, ok := obj["data"]; ok {
			if _, enveloped := obj["success"]; enveloped || len(obj) == 1 {
				return inner, nil
			}
		}
	}
	return v, nil
}

func asObject(v any, typ string) (map[string]any, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &SchemaError{Type: typ, Reason: "expected object"}
	}
	return obj, nil
}

// ============================================================================
// Messages
// ============================================================================

// ParseMessage normalizes one message payload.
func ParseMessage(raw []byte) (Message, error) {
	v, err := decodePayload(raw, "message")
	if err != nil {
		return Message{}, err
	}
	obj, err := asObject(v, "message")
	if err != nil {
		return Message{}, err
	}
	return messageFromObject(obj)
}

// ParseSentMessage normalizes the reply of the send endpoint: {message} or the bare message.
func ParseSentMessage(raw []byte) (Message, error) {
	v, err := decodePayload(raw, "message")
	if err != nil {
		return Message{}, err
	}
	obj, err := asObject(v, "message")
	if err != nil {
		return Message{}, err
	}
	if inner, ok := obj["message"].(map[string]any); ok {
		obj = inner
	}
	return messageFromObject(obj)
}

func messageFromObject(obj map[string]any) (Message, error) {
	id := lookupString(obj, idKeys...)
	if id == "" {
		return Message{}, &SchemaError{Type: "message", Reason: "missing id"}
	}
	content, ok := lookupRaw(obj, contentKeys...)
	if !ok {
		return Message{}, &SchemaError{Type: "message", Reason: "missing content"}
	}
	text, ok := content.(string)
	if !ok {
		return Message{}, &SchemaError{Type: "message", Reason: "content is not a string"}
	}

	msg := Message{
		ID:             id,
		LocalID:        lookupString(obj, clientIDKeys...),
		ConversationID: lookupString(obj, conversationIDKeys...),
		Content:        text,
		Type:           lookupString(obj, messageTypeKeys...),
		SenderID:       lookupString(obj, senderIDKeys...),
		SenderType:     normalizeSenderType(lookupString(obj, senderTypeKeys...)),
		Timestamp:      lookupTime(obj, timestampKeys...),
		Status:         parseStatus(obj),
	}
	if sender, ok := obj["sender"].(map[string]any); ok {
		if msg.SenderID == "" {
			msg.SenderID = lookupString(sender, participantIDKeys...)
		}
		if msg.SenderType == "" {
			msg.SenderType = normalizeSenderType(lookupString(sender, participantTypKeys...))
		}
	}
	if msg.Type == "" {
		msg.Type = "text"
	}
	return msg, nil
}

func parseStatus(obj map[string]any) DeliveryStatus {
	if lookupBool(obj, readKeys...) {
		return StatusRead
	}
	switch strings.ToLower(lookupString(obj, statusKeys...)) {
	case "delivered", "livre", "livré":
		return StatusDelivered
	case "read", "lu":
		return StatusRead
	case "error", "failed":
		return StatusError
	default:
		return StatusSent
	}
}

// ============================================================================
// History
// ============================================================================

// ParseHistory normalizes {conversation, messages[], pagination}. A bare array
// is accepted as the message list.
func ParseHistory(raw []byte) (*HistoryPage, error) {
	v, err := decodePayload(raw, "history")
	if err != nil {
		return nil, err
	}

	var items []any
	page := &HistoryPage{}
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		list, ok := t["messages"].([]any)
		if !ok {
			if t["messages"] != nil {
				return nil, &SchemaError{Type: "history", Reason: "messages is not an array"}
			}
			return nil, &SchemaError{Type: "history", Reason: "missing messages"}
		}
		items = list
		if convObj, ok := t["conversation"].(map[string]any); ok {
			conv, err := conversationFromObject(convObj)
			if err != nil {
				return nil, err
			}
			page.Conversation = &conv
		}
		if pg, ok := t["pagination"].(map[string]any); ok {
			page.Pagination = &Pagination{
				Page:  lookupInt(pg, "page", "current_page"),
				Limit: lookupInt(pg, "limit", "per_page"),
				Total: lookupInt(pg, "total"),
			}
		}
	default:
		return nil, &SchemaError{Type: "history", Reason: "expected object or array"}
	}

	page.Messages = make([]Message, 0, len(items))
	for _, item := range items {
		obj, err := asObject(item, "message")
		if err != nil {
			return nil, err
		}
		msg, err := messageFromObject(obj)
		if err != nil {
			return nil, err
		}
		if msg.ConversationID == "" && page.Conversation != nil {
			msg.ConversationID = page.Conversation.ID
		}
		page.Messages = append(page.Messages, msg)
	}
	return page, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ParseConversation normalizes one conversation payload, bare or as {conversation}.
func ParseConversation(raw []byte) (Conversation, error) {
	v, err := decodePayload(raw, "conversation")
	if err != nil {
		return Conversation{}, err
	}
	obj, err := asObject(v, "conversation")
	if err != nil {
		return Conversation{}, err
	}
	if inner, ok := obj["conversation"].(map[string]any); ok {
		obj = inner
	}
	return conversationFromObject(obj)
}

// ParseConversations normalizes {conversations[]} or a bare array.
func ParseConversations(raw []byte) ([]Conversation, error) {
	items, err := decodeList(raw, "conversations")
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(items))
	for _, item := range items {
		obj, err := asObject(item, "conversation")
		if err != nil {
			return nil, err
		}
		conv, err := conversationFromObject(obj)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

func conversationFromObject(obj map[string]any) (Conversation, error) {
	id := lookupString(obj, convRecordIDKeys...)
	if id == "" {
		return Conversation{}, &SchemaError{Type: "conversation", Reason: "missing id"}
	}
	conv := Conversation{
		ID:    id,
		Title: lookupString(obj, titleKeys...),
		Type:  lookupString(obj, convTypeKeys...),
		Context: ContextRef{
			Type: lookupString(obj, contextTypeKeys...),
			ID:   lookupString(obj, contextIDKeys...),
		},
		LastActivity: lookupTime(obj, lastActivityKeys...),
	}
	if last, ok := lookupRaw(obj, lastMessageKeys...); ok {
		switch lm := last.(type) {
		case string:
			conv.LastMessage = lm
		case map[string]any:
			conv.LastMessage = lookupString(lm, contentKeys...)
			if conv.LastActivity.IsZero() {
				conv.LastActivity = lookupTime(lm, timestampKeys...)
			}
		}
	}
	if parts, ok := obj["participants"].([]any); ok {
		for _, p := range parts {
			po, ok := p.(map[string]any)
			if !ok {
				return Conversation{}, &SchemaError{Type: "participant", Reason: "expected object"}
			}
			conv.Participants = append(conv.Participants, Participant{
				ID:   lookupString(po, participantIDKeys...),
				Type: normalizeSenderType(lookupString(po, participantTypKeys...)),
				Name: lookupString(po, participantNmKeys...),
			})
		}
	}
	return conv, nil
}

// ============================================================================
// Notifications
// ============================================================================

// ParseNotification normalizes one notification payload.
func ParseNotification(raw []byte) (Notification, error) {
	v, err := decodePayload(raw, "notification")
	if err != nil {
		return Notification{}, err
	}
	obj, err := asObject(v, "notification")
	if err != nil {
		return Notification{}, err
	}
	return notificationFromObject(obj)
}

// ParseNotifications normalizes {notifications[]} or a bare array.
func ParseNotifications(raw []byte) ([]Notification, error) {
	items, err := decodeList(raw, "notifications")
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(items))
	for _, item := range items {
		obj, err := asObject(item, "notification")
		if err != nil {
			return nil, err
		}
		n, err := notificationFromObject(obj)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func notificationFromObject(obj map[string]any) (Notification, error) {
	id := lookupString(obj, idKeys...)
	if id == "" {
		return Notification{}, &SchemaError{Type: "notification", Reason: "missing id"}
	}
	return Notification{
		ID:        id,
		Type:      lookupString(obj, "type", "type_notification"),
		Title:     lookupString(obj, titleKeys...),
		Message:   lookupString(obj, notifMessageKeys...),
		Read:      lookupBool(obj, readKeys...),
		CreatedAt: lookupTime(obj, timestampKeys...),
	}, nil
}

func decodeList(raw []byte, key string) ([]any, error) {
	v, err := decodePayload(raw, key)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case []any:
		return t, nil
	case map[string]any:
		if list, ok := t[key].([]any); ok {
			return list, nil
		}
		if t[key] == nil {
			return nil, &SchemaError{Type: key, Reason: "missing " + key}
		}
		return nil, &SchemaError{Type: key, Reason: key + " is not an array"}
	default:
		return nil, &SchemaError{Type: key, Reason: "expected object or array"}
	}
}

// ============================================================================
// Field helpers
// ============================================================================

func lookupRaw(obj map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookupString(obj map[string]any, keys ...string) string {
	v, ok := lookupRaw(obj, keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func lookupInt(obj map[string]any, keys ...string) int {
	s := lookupString(obj, keys...)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func lookupBool(obj map[string]any, keys ...string) bool {
	v, ok := lookupRaw(obj, keys...)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case json.Number:
		return t.String() != "0"
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	return false
}

// lookupTime accepts RFC 3339 variants or epoch milliseconds.
func lookupTime(obj map[string]any, keys ...string) time.Time {
	v, ok := lookupRaw(obj, keys...)
	if !ok {
		return time.Time{}
	}
	switch t := v.(type) {
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}
		}
		return time.UnixMilli(ms).UTC()
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC()
			}
		}
	}
	return time.Time{}
}
