package models

import "time"

type ConsentState string

const (
	ConsentUnknown ConsentState = "unknown"
	ConsentAllowed ConsentState = "allowed"
	ConsentDenied  ConsentState = "denied"
)

type ConversationKind string

const (
	ConversationKindGroup ConversationKind = "group"
	ConversationKindDM    ConversationKind = "dm"
)

type PermissionLevel string

const (
	PermissionAllow PermissionLevel = "allow"
	PermissionAdmin PermissionLevel = "admin"
	PermissionDeny  PermissionLevel = "deny"
)

type Conversation struct {
	ID             string           `json:"id"`
	InboxID        string           `json:"inbox_id"`
	Kind           ConversationKind `json:"kind"`
	Name           string           `json:"name,omitempty"`
	CreatorInboxID string           `json:"creator_inbox_id"`
	InviteTag      string           `json:"invite_tag,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

type Member struct {
	InboxID string `json:"inbox_id"`
	Role    string `json:"role,omitempty"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderInboxID  string    `json:"sender_inbox_id"`
	Text           string    `json:"text"`
	SentAt         time.Time `json:"sent_at"`
}

// SentAtNs is the nanosecond watermark used for gap replay after a
// stream restart.
func (m Message) SentAtNs() int64 {
	return m.SentAt.UnixNano()
}

// ConversationLocalState is the per-conversation state owned by this
// device only; it is never synced over the transport.
type ConversationLocalState struct {
	ConversationID   string       `json:"conversation_id"`
	Consent          ConsentState `json:"consent"`
	Unread           bool         `json:"unread"`
	Pinned           bool         `json:"pinned"`
	Muted            bool         `json:"muted"`
	ScheduledExplode bool         `json:"scheduled_explode"`
	JoinRequestSent  bool         `json:"join_request_sent"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

type MemberProfile struct {
	InboxID     string    `json:"inbox_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type User struct {
	ID          string    `json:"id"`
	InboxID     string    `json:"inbox_id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type EngineMetricsSnapshot struct {
	StreamRetries           map[string]int `json:"stream_retries"`
	TerminalStreamFailures  map[string]int `json:"terminal_stream_failures"`
	MessagesProcessed       int            `json:"messages_processed"`
	ConversationsProcessed  int            `json:"conversations_processed"`
	ConsentSkips            int            `json:"consent_skips"`
	InviteAdmissions        int            `json:"invite_admissions"`
	InviteSignatureFailures int            `json:"invite_signature_failures"`
	LastUpdatedAt           time.Time      `json:"last_updated_at"`
}
