package dmpsync

import (
	"strings"
	"time"
)

// ============================================================================
// Identity
// ============================================================================

// SenderType identifies which side of the portal authored a message.
type SenderType string

const (
	SenderPatient SenderType = "patient"
	SenderMedecin SenderType = "medecin"
	SenderSystem  SenderType = "system"
)

// Identity is the current session user as announced in the socket handshake.
type Identity struct {
	UserID   string     `json:"userId"`
	UserType SenderType `json:"userType"`
	Role     string     `json:"role,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

// DeliveryStatus tracks a message from optimistic insert to read receipt.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusError     DeliveryStatus = "error"
)

// Message is one entry of a conversation. ID is empty until the server confirms
// it; LocalID is set for messages created by this client.
type Message struct {
	ID             string         `json:"id,omitempty"`
	LocalID        string         `json:"clientId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Content        string         `json:"content"`
	Type           string         `json:"type,omitempty"`
	SenderID       string         `json:"senderId"`
	SenderType     SenderType     `json:"senderType,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Status         DeliveryStatus `json:"status,omitempty"`
}

// Key returns the server id when known, the local id otherwise.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.LocalID
}

// Temporary reports whether the message has not been confirmed by the server.
func (m Message) Temporary() bool {
	return m.ID == "" && m.LocalID != ""
}

// ============================================================================
// Conversations
// ============================================================================

// ContextRef names the medical object a conversation is attached to,
// e.g. {Type: "ordonnance", ID: "15"}.
type ContextRef struct {
	Type string `json:"contextType"`
	ID   string `json:"contextId"`
}

func (c ContextRef) String() string { return c.Type + "/" + c.ID }

// IsZero reports whether the reference is unset.
func (c ContextRef) IsZero() bool { return c.Type == "" && c.ID == "" }

// Participant is one patient or medecin member of a conversation.
type Participant struct {
	ID   string     `json:"id"`
	Type SenderType `json:"type"`
	Name string     `json:"name,omitempty"`
}

// Conversation is the server-side thread; the client only reads it or requests creation.
type Conversation struct {
	ID           string        `json:"id"`
	Title        string        `json:"title,omitempty"`
	Type         string        `json:"type,omitempty"`
	Context      ContextRef    `json:"context,omitzero"`
	Participants []Participant `json:"participants,omitempty"`
	LastActivity time.Time     `json:"lastActivity,omitzero"`
	LastMessage  string        `json:"lastMessage,omitempty"`
}

// Pagination is the paging block returned alongside history.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

// HistoryPage is the normalized reply of the history endpoints.
type HistoryPage struct {
	Conversation *Conversation `json:"conversation,omitempty"`
	Messages     []Message     `json:"messages"`
	Pagination   *Pagination   `json:"pagination,omitempty"`
}

// Target selects the conversation a sync engine follows: a known conversation id,
// or a context whose conversation id is learned from history.
type Target struct {
	ConversationID string
	Context        ContextRef
}

func (t Target) String() string {
	if t.ConversationID != "" {
		return "conversation/" + t.ConversationID
	}
	return "context/" + t.Context.String()
}

// ============================================================================
// Requests
// ============================================================================

// SendMessageRequest is the body of POST /messaging/conversation/{id}/message.
type SendMessageRequest struct {
	Content  string `json:"content"`
	Type     string `json:"type"`
	ClientID string `json:"clientId,omitempty"`
}

// CreateConversationRequest is the body of POST /messaging/conversation.
type CreateConversationRequest struct {
	Titre            string        `json:"titre"`
	TypeConversation string        `json:"type_conversation"`
	Participants     []Participant `json:"participants"`
}

// ============================================================================
// Push events
// ============================================================================

// ConversationUpdate is the normalized conversation_update event.
type ConversationUpdate struct {
	ConversationID string    `json:"conversationId"`
	LastMessage    string    `json:"lastMessage,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
	UnreadCount    int       `json:"unreadCount"`
}

// PresenceChange is the normalized presence event.
type PresenceChange struct {
	UserID   string     `json:"userId"`
	UserType SenderType `json:"userType,omitempty"`
	Online   bool       `json:"online"`
	Status   string     `json:"status"`
	At       time.Time  `json:"at"`
}

// Notification is a prescription/messaging notification.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

func normalizeSenderType(s string) SenderType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "patient":
		return SenderPatient
	case "medecin", "médecin", "doctor", "professionnel":
		return SenderMedecin
	case "system", "systeme", "système":
		return SenderSystem
	case "":
		return ""
	default:
		return SenderType(strings.ToLower(s))
	}
}
