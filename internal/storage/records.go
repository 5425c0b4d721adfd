package storage

import (
	"time"

	"aim-chat/inbox-engine/pkg/models"
)

type conversationRecord struct {
	ID             string `gorm:"primaryKey"`
	InboxID        string `gorm:"index"`
	Kind           string
	Name           string
	CreatorInboxID string
	InviteTag      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (conversationRecord) TableName() string { return "conversations" }

type messageRecord struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"index"`
	SenderInboxID  string
	Text           string
	SentAtNs       int64 `gorm:"index"`
	CreatedAt      time.Time
}

func (messageRecord) TableName() string { return "messages" }

type localStateRecord struct {
	ConversationID   string `gorm:"primaryKey"`
	Consent          string
	Unread           bool
	Pinned           bool
	Muted            bool
	ScheduledExplode bool
	JoinRequestSent  bool
	UpdatedAt        time.Time
}

func (localStateRecord) TableName() string { return "conversation_local_state" }

type memberProfileRecord struct {
	InboxID     string `gorm:"primaryKey"`
	DisplayName string
	AvatarURL   string
	UpdatedAt   time.Time
}

func (memberProfileRecord) TableName() string { return "member_profiles" }

type kvRecord struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (kvRecord) TableName() string { return "engine_kv" }

func conversationFromRecord(rec conversationRecord) models.Conversation {
	return models.Conversation{
		ID:             rec.ID,
		InboxID:        rec.InboxID,
		Kind:           models.ConversationKind(rec.Kind),
		Name:           rec.Name,
		CreatorInboxID: rec.CreatorInboxID,
		InviteTag:      rec.InviteTag,
		CreatedAt:      rec.CreatedAt,
	}
}

func recordFromConversation(conv models.Conversation) conversationRecord {
	return conversationRecord{
		ID:             conv.ID,
		InboxID:        conv.InboxID,
		Kind:           string(conv.Kind),
		Name:           conv.Name,
		CreatorInboxID: conv.CreatorInboxID,
		InviteTag:      conv.InviteTag,
		CreatedAt:      conv.CreatedAt,
	}
}

func messageFromRecord(rec messageRecord) models.Message {
	return models.Message{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		SenderInboxID:  rec.SenderInboxID,
		Text:           rec.Text,
		SentAt:         time.Unix(0, rec.SentAtNs).UTC(),
	}
}

func recordFromMessage(msg models.Message) messageRecord {
	return messageRecord{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderInboxID:  msg.SenderInboxID,
		Text:           msg.Text,
		SentAtNs:       msg.SentAt.UnixNano(),
	}
}

func localStateFromRecord(rec localStateRecord) models.ConversationLocalState {
	return models.ConversationLocalState{
		ConversationID:   rec.ConversationID,
		Consent:          models.ConsentState(rec.Consent),
		Unread:           rec.Unread,
		Pinned:           rec.Pinned,
		Muted:            rec.Muted,
		ScheduledExplode: rec.ScheduledExplode,
		JoinRequestSent:  rec.JoinRequestSent,
		UpdatedAt:        rec.UpdatedAt,
	}
}
