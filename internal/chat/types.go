package chat

import "time"

type Role string

const (
	RoleFarmer  Role = "farmer"
	RoleAdopter Role = "adopter"
	RoleExpert  Role = "expert"
	RoleAdmin   Role = "admin"
	RoleUnknown Role = "unknown"
)

func (r Role) Valid() bool {
	switch r {
	case RoleFarmer, RoleAdopter, RoleExpert, RoleAdmin:
		return true
	default:
		return false
	}
}

// Participant is the display snapshot of a counterpart as returned by the
// identity provider. The messaging core only stores participant ids.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

// Placeholder is used when a counterpart can no longer be resolved so the
// conversation history stays visible.
func Placeholder(id string) Participant {
	return Participant{ID: id, DisplayName: "Unknown participant", Role: RoleUnknown}
}

type Body struct {
	Text     string `json:"text,omitempty"`
	MediaRef string `json:"media_ref,omitempty"`
}

func (b Body) Empty() bool {
	return b.Text == "" && b.MediaRef == ""
}

// Message is immutable once stored except for DeliveredAt and ReadAt, which
// are each set at most once.
type Message struct {
	ID               string          `json:"id"`
	ConversationKey  ConversationKey `json:"conversation_key"`
	SenderID         string          `json:"sender_id"`
	RecipientID      string          `json:"recipient_id"`
	Body             Body            `json:"body"`
	ContextID        string          `json:"context_id,omitempty"`
	IdempotencyToken string          `json:"idempotency_token,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	ReadAt           *time.Time      `json:"read_at,omitempty"`
}

func (m Message) Delivered() bool { return m.DeliveredAt != nil }
func (m Message) Read() bool      { return m.ReadAt != nil }

// Counterpart returns the other participant of the message relative to viewer.
func (m Message) Counterpart(viewer string) string {
	if m.SenderID == viewer {
		return m.RecipientID
	}
	return m.SenderID
}

func (m Message) clone() Message {
	cp := m
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		cp.DeliveredAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		cp.ReadAt = &t
	}
	return cp
}

// ConversationHead is the store-level aggregate for one conversation as seen
// by a viewer, before counterpart metadata is attached.
type ConversationHead struct {
	Key         ConversationKey
	Counterpart string
	LastMessage Message
	UnreadCount int
}

type ConversationSummary struct {
	Key          ConversationKey `json:"conversation_key"`
	ContextID    string          `json:"context_id,omitempty"`
	Counterpart  Participant     `json:"counterpart"`
	LastMessage  Message         `json:"last_message"`
	Preview      string          `json:"preview"`
	UnreadCount  int             `json:"unread_count"`
	LastActivity time.Time       `json:"last_activity"`
	ReadThrough  *time.Time      `json:"read_through,omitempty"`
}

type SendInput struct {
	SenderID         string
	RecipientID      string
	Body             Body
	ContextID        string
	IdempotencyToken string
}

type ListConversationsInput struct {
	Viewer    string
	PageSize  int
	PageToken string
}

type ConversationPage struct {
	Conversations []ConversationSummary `json:"conversations"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type ListMessagesInput struct {
	Viewer string
	Key    ConversationKey
	Since  time.Time
	Cursor string
	Limit  int
}

type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// MessageQuery scopes a single-conversation read. AfterID is exclusive.
type MessageQuery struct {
	Since   time.Time
	AfterID string
	Limit   int
}

type EventType string

const (
	EventNewMessage   EventType = "new_message"
	EventMessagesRead EventType = "messages_read"
)

// Event is a real-time notification. It carries a preview, not necessarily
// the full message; clients re-fetch for the authoritative state.
type Event struct {
	Type            EventType       `json:"type"`
	Recipient       string          `json:"-"`
	ConversationKey ConversationKey `json:"conversation_key"`
	MessageID       string          `json:"message_id,omitempty"`
	SenderID        string          `json:"sender_id,omitempty"`
	MessagePreview  string          `json:"message_preview,omitempty"`
	ReaderID        string          `json:"reader_id,omitempty"`
	Count           int             `json:"count,omitempty"`
	At              time.Time       `json:"at"`
}
