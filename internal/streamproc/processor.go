// Package streamproc is the policy and persistence gate between raw
// transport events and the local store: consent gating, creator
// bootstrap, atomic persistence, unread marking, and push-topic
// subscription.
package streamproc

import (
	"context"
	"errors"
	"log/slog"

	"aim-chat/inbox-engine/internal/invites"
	"aim-chat/inbox-engine/internal/metrics"
	"aim-chat/inbox-engine/internal/storage"
	"aim-chat/inbox-engine/internal/transport"
	"aim-chat/inbox-engine/pkg/models"
)

const recentMessageLimit = 50

// PushAPI is the slice of the backend client the processor needs.
type PushAPI interface {
	SubscribeToTopics(ctx context.Context, installationID string, topics []string) error
}

type Processor struct {
	log     *slog.Logger
	store   *storage.Store
	api     PushAPI
	invites *invites.Manager
	metrics *metrics.Engine
}

func New(log *slog.Logger, store *storage.Store, api PushAPI, inviteMgr *invites.Manager, m *metrics.Engine) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		log:     log,
		store:   store,
		api:     api,
		invites: inviteMgr,
		metrics: m,
	}
}

// ProcessConversation applies the consent gate and persists the
// conversation with its recent messages as one unit. Skipped
// conversations stay invisible locally.
func (p *Processor) ProcessConversation(ctx context.Context, client transport.Client, conv transport.Conversation) error {
	proceed, err := p.shouldProcessConversation(ctx, client, conv)
	if err != nil {
		return err
	}
	if !proceed {
		if p.metrics != nil {
			p.metrics.ConsentSkip()
		}
		p.log.Debug("conversation skipped by consent gate", "conversation_id", conv.ID())
		return nil
	}

	if conv.CreatorInboxID() == client.InboxID() {
		p.bootstrapCreatorConversation(ctx, conv)
	}

	recent, err := conv.RecentMessages(ctx, recentMessageLimit)
	if err != nil {
		p.log.Warn("recent messages unavailable, persisting conversation alone",
			"conversation_id", conv.ID(),
			"reason", err.Error(),
		)
		recent = nil
	}
	snapshot := conv.Snapshot()
	snapshot.InboxID = client.InboxID()
	if err := p.store.UpsertConversation(ctx, snapshot, recent); err != nil {
		return err
	}
	consent, err := conv.ConsentState(ctx)
	if err == nil {
		if err := p.store.SetConsent(ctx, conv.ID(), consent); err != nil {
			p.log.Warn("consent mirror write failed", "conversation_id", conv.ID(), "reason", err.Error())
		}
	}

	p.subscribePushTopics(ctx, client, conv.ID())
	if p.metrics != nil {
		p.metrics.ConversationProcessed()
	}
	return nil
}

// ProcessMessage resolves the owning conversation, delegates DMs to the
// invite manager, and persists group messages with the unread policy.
func (p *Processor) ProcessMessage(ctx context.Context, client transport.Client, msg models.Message, activeConversationID string) error {
	conv, err := client.FindConversation(ctx, msg.ConversationID)
	if err != nil {
		if errors.Is(err, transport.ErrConversationNotFound) {
			p.log.Info("message for unknown conversation dropped", "message_id", msg.ID)
			return nil
		}
		return err
	}

	if conv.Kind() == models.ConversationKindDM {
		if _, err := p.invites.ProcessJoinRequest(ctx, msg, client); err != nil {
			p.log.Info("join request processing failed",
				"sender_id", msg.SenderInboxID,
				"reason", err.Error(),
			)
		}
		return nil
	}

	// A message can race ahead of its conversation event, so the
	// consent gate runs again here.
	proceed, err := p.shouldProcessConversation(ctx, client, conv)
	if err != nil {
		return err
	}
	if !proceed {
		if p.metrics != nil {
			p.metrics.ConsentSkip()
		}
		return nil
	}

	snapshot := conv.Snapshot()
	snapshot.InboxID = client.InboxID()
	if err := p.store.UpsertConversation(ctx, snapshot, nil); err != nil {
		return err
	}
	if err := p.store.UpsertMessage(ctx, msg); err != nil {
		return err
	}
	p.applyUnreadPolicy(ctx, client, msg, activeConversationID)
	if p.metrics != nil {
		p.metrics.MessageProcessed()
	}
	return nil
}

// shouldProcessConversation is the consent gate. Allowed consent or
// being the conversation's creator passes; unknown consent passes only
// when this identity previously sent a join request for the
// conversation, in which case consent is escalated to allowed.
func (p *Processor) shouldProcessConversation(ctx context.Context, client transport.Client, conv transport.Conversation) (bool, error) {
	consent, err := conv.ConsentState(ctx)
	if err != nil {
		return false, err
	}
	if consent == models.ConsentAllowed {
		return true, nil
	}
	if conv.CreatorInboxID() == client.InboxID() {
		return true, nil
	}
	if consent == models.ConsentDenied {
		return false, nil
	}

	local, err := p.store.LocalState(ctx, conv.ID())
	if err != nil {
		return false, err
	}
	if !local.JoinRequestSent {
		return false, nil
	}
	if err := conv.UpdateConsentState(ctx, models.ConsentAllowed); err != nil {
		return false, err
	}
	if err := p.store.SetConsent(ctx, conv.ID(), models.ConsentAllowed); err != nil {
		return false, err
	}
	return true, nil
}

// bootstrapCreatorConversation makes a creator-owned conversation
// invitable: an invite tag exists and any member may add members.
// Both steps are idempotent and best-effort.
func (p *Processor) bootstrapCreatorConversation(ctx context.Context, conv transport.Conversation) {
	if _, err := conv.EnsureInviteTag(ctx); err != nil {
		p.log.Warn("invite tag bootstrap failed", "conversation_id", conv.ID(), "reason", err.Error())
	}
	level, err := conv.AddMemberPermission(ctx)
	if err != nil {
		p.log.Warn("add-member permission read failed", "conversation_id", conv.ID(), "reason", err.Error())
		return
	}
	if level == models.PermissionAllow {
		return
	}
	if err := conv.UpdateAddMemberPermission(ctx, models.PermissionAllow); err != nil {
		p.log.Warn("add-member permission relax failed", "conversation_id", conv.ID(), "reason", err.Error())
	}
}

func (p *Processor) applyUnreadPolicy(ctx context.Context, client transport.Client, msg models.Message, activeConversationID string) {
	if msg.SenderInboxID == client.InboxID() {
		return
	}
	if msg.ConversationID == activeConversationID {
		return
	}
	if err := p.store.SetUnread(ctx, msg.ConversationID, true); err != nil {
		p.log.Warn("unread mark failed", "conversation_id", msg.ConversationID, "reason", err.Error())
	}
}

func (p *Processor) subscribePushTopics(ctx context.Context, client transport.Client, conversationID string) {
	if p.api == nil {
		return
	}
	topics := []string{
		"conversation/" + conversationID,
		"welcome/" + client.InstallationID(),
	}
	if err := p.api.SubscribeToTopics(ctx, client.InstallationID(), topics); err != nil {
		p.log.Warn("push topic subscription failed", "conversation_id", conversationID, "reason", err.Error())
	}
}
