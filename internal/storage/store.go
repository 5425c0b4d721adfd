// Package storage is the device-local persistence layer: conversation
// snapshots, message history, per-conversation local state, and member
// profiles, all in one SQLite database. Writes publish change events on
// the hub so UI layers can refresh without polling.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"aim-chat/inbox-engine/internal/contracts"
	"aim-chat/inbox-engine/internal/events"
	"aim-chat/inbox-engine/pkg/models"
)

const deviceTokenKey = "device_token"

var ErrNotFound = errors.New("record not found")

type Store struct {
	db  *gorm.DB
	hub *events.Hub
}

// Open opens (or creates) the engine database under dataDir. The hub
// may be nil when change notifications are not needed.
func Open(dataDir string, hub *events.Hub) (*Store, error) {
	dbPath := filepath.Join(dataDir, "inbox-engine.db")
	return openPath(dbPath, hub)
}

// OpenInMemory backs the store with an in-memory database; tests use it.
func OpenInMemory(hub *events.Hub) (*Store, error) {
	return openPath(":memory:", hub)
}

func openPath(dbPath string, hub *events.Hub) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("open database: %w", err))
	}
	if err := db.AutoMigrate(
		&conversationRecord{},
		&messageRecord{},
		&localStateRecord{},
		&memberProfileRecord{},
		&kvRecord{},
	); err != nil {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("migrate database: %w", err))
	}
	return &Store{db: db, hub: hub}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertConversation persists the conversation snapshot together with
// its recent messages in one transaction, so a crash mid-persist never
// leaves a conversation without its bootstrap history.
func (s *Store) UpsertConversation(ctx context.Context, conv models.Conversation, recent []models.Message) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := recordFromConversation(conv)
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
			return err
		}
		for _, msg := range recent {
			msgRec := recordFromMessage(msg)
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&msgRec).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	s.publish(events.ConversationStored, conv)
	return nil
}

func (s *Store) UpsertMessage(ctx context.Context, msg models.Message) error {
	rec := recordFromMessage(msg)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	s.publish(events.MessageStored, msg)
	return nil
}

func (s *Store) Conversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var rec conversationRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", conversationID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Conversation{}, ErrNotFound
		}
		return models.Conversation{}, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	return conversationFromRecord(rec), nil
}

func (s *Store) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var recs []conversationRecord
	err := s.db.WithContext(ctx).Order("created_at asc").Find(&recs).Error
	if err != nil {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	out := make([]models.Conversation, 0, len(recs))
	for _, rec := range recs {
		out = append(out, conversationFromRecord(rec))
	}
	return out, nil
}

// Messages returns up to limit most recent messages in ascending
// send-time order.
func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []messageRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sent_at_ns desc").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	out := make([]models.Message, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, messageFromRecord(recs[i]))
	}
	return out, nil
}

// LatestMessageSentAtNs is the persisted watermark: the newest send
// timestamp across all conversations, or 0 when the store is empty.
func (s *Store) LatestMessageSentAtNs(ctx context.Context) (int64, error) {
	var watermark *int64
	err := s.db.WithContext(ctx).Model(&messageRecord{}).Select("max(sent_at_ns)").Scan(&watermark).Error
	if err != nil {
		return 0, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	if watermark == nil {
		return 0, nil
	}
	return *watermark, nil
}

// LocalState returns the local state row for the conversation, creating
// a default row (consent unknown, everything false) on first access.
func (s *Store) LocalState(ctx context.Context, conversationID string) (models.ConversationLocalState, error) {
	var rec localStateRecord
	err := s.db.WithContext(ctx).First(&rec, "conversation_id = ?", conversationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec = localStateRecord{
			ConversationID: conversationID,
			Consent:        string(models.ConsentUnknown),
			UpdatedAt:      time.Now().UTC(),
		}
		err = s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	}
	if err != nil {
		return models.ConversationLocalState{}, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	return localStateFromRecord(rec), nil
}

func (s *Store) SetConsent(ctx context.Context, conversationID string, consent models.ConsentState) error {
	return s.mutateLocalState(ctx, conversationID, map[string]any{"consent": string(consent)})
}

func (s *Store) SetUnread(ctx context.Context, conversationID string, unread bool) error {
	return s.mutateLocalState(ctx, conversationID, map[string]any{"unread": unread})
}

func (s *Store) SetPinned(ctx context.Context, conversationID string, pinned bool) error {
	return s.mutateLocalState(ctx, conversationID, map[string]any{"pinned": pinned})
}

func (s *Store) SetMuted(ctx context.Context, conversationID string, muted bool) error {
	return s.mutateLocalState(ctx, conversationID, map[string]any{"muted": muted})
}

func (s *Store) MarkExplodeScheduled(ctx context.Context, conversationID string) error {
	return s.mutateLocalState(ctx, conversationID, map[string]any{"scheduled_explode": true})
}

func (s *Store) MarkJoinRequestSent(ctx context.Context, conversationID string) error {
	return s.mutateLocalState(ctx, conversationID, map[string]any{"join_request_sent": true})
}

func (s *Store) mutateLocalState(ctx context.Context, conversationID string, changes map[string]any) error {
	if _, err := s.LocalState(ctx, conversationID); err != nil {
		return err
	}
	changes["updated_at"] = time.Now().UTC()
	err := s.db.WithContext(ctx).
		Model(&localStateRecord{}).
		Where("conversation_id = ?", conversationID).
		Updates(changes).Error
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	state, err := s.LocalState(ctx, conversationID)
	if err != nil {
		return err
	}
	s.publish(events.LocalStateChanged, state)
	return nil
}

func (s *Store) UpsertMemberProfiles(ctx context.Context, profiles []models.MemberProfile) error {
	if len(profiles) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, profile := range profiles {
			rec := memberProfileRecord{
				InboxID:     profile.InboxID,
				DisplayName: profile.DisplayName,
				AvatarURL:   profile.AvatarURL,
				UpdatedAt:   time.Now().UTC(),
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	s.publish(events.ProfileStored, profiles)
	return nil
}

func (s *Store) MemberProfile(ctx context.Context, inboxID string) (models.MemberProfile, error) {
	var rec memberProfileRecord
	err := s.db.WithContext(ctx).First(&rec, "inbox_id = ?", inboxID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.MemberProfile{}, ErrNotFound
		}
		return models.MemberProfile{}, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	return models.MemberProfile{
		InboxID:     rec.InboxID,
		DisplayName: rec.DisplayName,
		AvatarURL:   rec.AvatarURL,
		UpdatedAt:   rec.UpdatedAt,
	}, nil
}

func (s *Store) SetDeviceToken(ctx context.Context, token string) error {
	rec := kvRecord{Key: deviceTokenKey, Value: token}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	return nil
}

func (s *Store) DeviceToken(ctx context.Context) (string, error) {
	var rec kvRecord
	err := s.db.WithContext(ctx).First(&rec, "key = ?", deviceTokenKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	return rec.Value, nil
}

// DeleteInboxData removes every row; used by the delete-and-stop path
// before the identity keystore is wiped.
func (s *Store) DeleteInboxData(ctx context.Context) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{
			&messageRecord{},
			&conversationRecord{},
			&localStateRecord{},
			&memberProfileRecord{},
			&kvRecord{},
		} {
			if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	return nil
}

func (s *Store) publish(kind events.Kind, payload any) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(kind, payload)
}
