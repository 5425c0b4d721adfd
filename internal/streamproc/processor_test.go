package streamproc

import (
	"context"
	"errors"
	"testing"

	"aim-chat/inbox-engine/internal/identity"
	"aim-chat/inbox-engine/internal/invites"
	"aim-chat/inbox-engine/internal/storage"
	"aim-chat/inbox-engine/internal/transport"
	"aim-chat/inbox-engine/pkg/models"
)

type fixture struct {
	net       *transport.Network
	store     *storage.Store
	processor *Processor

	creator       *identity.Identity
	creatorClient transport.Client
	member        *identity.Identity
	memberClient  transport.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	net := transport.NewNetwork()
	ctx := context.Background()

	creator, _, err := identity.New("", "")
	if err != nil {
		t.Fatalf("new identity failed: %v", err)
	}
	creatorClient, err := net.Create(ctx, creator)
	if err != nil {
		t.Fatalf("create creator client failed: %v", err)
	}
	member, _, err := identity.New("", "")
	if err != nil {
		t.Fatalf("new identity failed: %v", err)
	}
	memberClient, err := net.Create(ctx, member)
	if err != nil {
		t.Fatalf("create member client failed: %v", err)
	}

	store, err := storage.OpenInMemory(nil)
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return &fixture{
		net:           net,
		store:         store,
		processor:     New(nil, store, nil, invites.NewManager(nil, member, nil), nil),
		creator:       creator,
		creatorClient: creatorClient,
		member:        member,
		memberClient:  memberClient,
	}
}

// newGroup creates a group owned by the creator with the member already
// added, and returns the member's view of it.
func (f *fixture) newGroup(t *testing.T) transport.Conversation {
	t.Helper()
	ctx := context.Background()
	conv, err := f.creatorClient.CreateGroup(ctx, "room", []string{f.member.InboxID})
	if err != nil {
		t.Fatalf("create group failed: %v", err)
	}
	memberView, err := f.memberClient.FindConversation(ctx, conv.ID())
	if err != nil {
		t.Fatalf("find conversation failed: %v", err)
	}
	return memberView
}

func TestUnknownConsentConversationIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.newGroup(t)

	if err := f.processor.ProcessConversation(ctx, f.memberClient, conv); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if _, err := f.store.Conversation(ctx, conv.ID()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown-consent conversation must not be persisted, got %v", err)
	}
}

func TestJoinRequestSentEscalatesConsent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.newGroup(t)

	if err := f.store.MarkJoinRequestSent(ctx, conv.ID()); err != nil {
		t.Fatalf("mark join request failed: %v", err)
	}
	if err := f.processor.ProcessConversation(ctx, f.memberClient, conv); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	stored, err := f.store.Conversation(ctx, conv.ID())
	if err != nil {
		t.Fatalf("conversation not persisted: %v", err)
	}
	if stored.InboxID != f.member.InboxID {
		t.Fatalf("persisted for wrong inbox: %q", stored.InboxID)
	}
	consent, err := conv.ConsentState(ctx)
	if err != nil {
		t.Fatalf("consent state failed: %v", err)
	}
	if consent != models.ConsentAllowed {
		t.Fatalf("consent must be escalated to allowed, got %q", consent)
	}
	local, err := f.store.LocalState(ctx, conv.ID())
	if err != nil {
		t.Fatalf("local state failed: %v", err)
	}
	if local.Consent != models.ConsentAllowed {
		t.Fatalf("local consent mirror must be allowed, got %q", local.Consent)
	}
}

func TestDeniedConsentStaysSkippedDespiteJoinRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.newGroup(t)

	if err := conv.UpdateConsentState(ctx, models.ConsentDenied); err != nil {
		t.Fatalf("update consent failed: %v", err)
	}
	if err := f.store.MarkJoinRequestSent(ctx, conv.ID()); err != nil {
		t.Fatalf("mark join request failed: %v", err)
	}
	if err := f.processor.ProcessConversation(ctx, f.memberClient, conv); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if _, err := f.store.Conversation(ctx, conv.ID()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("denied conversation must not be persisted, got %v", err)
	}
}

func TestCreatorBootstrapMakesConversationInvitable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, err := f.creatorClient.CreateGroup(ctx, "room", nil)
	if err != nil {
		t.Fatalf("create group failed: %v", err)
	}

	if err := f.processor.ProcessConversation(ctx, f.creatorClient, conv); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if conv.InviteTag() == "" {
		t.Fatal("creator bootstrap must ensure an invite tag")
	}
	level, err := conv.AddMemberPermission(ctx)
	if err != nil {
		t.Fatalf("permission read failed: %v", err)
	}
	if level != models.PermissionAllow {
		t.Fatalf("creator bootstrap must relax add policy, got %q", level)
	}
	if _, err := f.store.Conversation(ctx, conv.ID()); err != nil {
		t.Fatalf("creator conversation not persisted: %v", err)
	}
}

func TestProcessConversationPersistsRecentMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, err := f.creatorClient.CreateGroup(ctx, "room", nil)
	if err != nil {
		t.Fatalf("create group failed: %v", err)
	}
	for _, text := range []string{"one", "two", "three"} {
		if _, err := conv.Send(ctx, text); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	if err := f.processor.ProcessConversation(ctx, f.creatorClient, conv); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	msgs, err := f.store.Messages(ctx, conv.ID(), 10)
	if err != nil {
		t.Fatalf("messages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 bootstrap messages, got %d", len(msgs))
	}
	if msgs[0].Text != "one" || msgs[2].Text != "three" {
		t.Fatalf("messages out of order: %q %q", msgs[0].Text, msgs[2].Text)
	}
}

func TestProcessMessagePersistsAheadOfConversationEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.newGroup(t)
	if err := conv.UpdateConsentState(ctx, models.ConsentAllowed); err != nil {
		t.Fatalf("update consent failed: %v", err)
	}

	creatorView, err := f.creatorClient.FindConversation(ctx, conv.ID())
	if err != nil {
		t.Fatalf("find conversation failed: %v", err)
	}
	msg, err := creatorView.Send(ctx, "first contact")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if err := f.processor.ProcessMessage(ctx, f.memberClient, msg, ""); err != nil {
		t.Fatalf("process message failed: %v", err)
	}
	if _, err := f.store.Conversation(ctx, conv.ID()); err != nil {
		t.Fatalf("conversation must be persisted alongside the message: %v", err)
	}
	msgs, err := f.store.Messages(ctx, conv.ID(), 10)
	if err != nil {
		t.Fatalf("messages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != msg.ID {
		t.Fatalf("message not persisted: %+v", msgs)
	}
}

func TestUnreadPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.newGroup(t)
	if err := conv.UpdateConsentState(ctx, models.ConsentAllowed); err != nil {
		t.Fatalf("update consent failed: %v", err)
	}
	creatorView, err := f.creatorClient.FindConversation(ctx, conv.ID())
	if err != nil {
		t.Fatalf("find conversation failed: %v", err)
	}

	assertUnread := func(want bool) {
		t.Helper()
		local, err := f.store.LocalState(ctx, conv.ID())
		if err != nil {
			t.Fatalf("local state failed: %v", err)
		}
		if local.Unread != want {
			t.Fatalf("unread = %v, want %v", local.Unread, want)
		}
	}

	// Incoming message while the conversation is active stays read.
	msg, err := creatorView.Send(ctx, "ping")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := f.processor.ProcessMessage(ctx, f.memberClient, msg, conv.ID()); err != nil {
		t.Fatalf("process message failed: %v", err)
	}
	assertUnread(false)

	// The member's own message never marks unread.
	own, err := conv.Send(ctx, "my reply")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := f.processor.ProcessMessage(ctx, f.memberClient, own, ""); err != nil {
		t.Fatalf("process message failed: %v", err)
	}
	assertUnread(false)

	// Incoming message for an inactive conversation flips unread.
	msg2, err := creatorView.Send(ctx, "ping again")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := f.processor.ProcessMessage(ctx, f.memberClient, msg2, "some_other_conv"); err != nil {
		t.Fatalf("process message failed: %v", err)
	}
	assertUnread(true)
}

func TestDMMessagesAreNotPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dm, err := f.creatorClient.CreateDM(ctx, f.member.InboxID)
	if err != nil {
		t.Fatalf("create dm failed: %v", err)
	}
	msg, err := dm.Send(ctx, "hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if err := f.processor.ProcessMessage(ctx, f.memberClient, msg, ""); err != nil {
		t.Fatalf("process message failed: %v", err)
	}
	if _, err := f.store.Conversation(ctx, dm.ID()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("dm must not be persisted, got %v", err)
	}
}

func TestMessageForUnknownConversationIsDropped(t *testing.T) {
	f := newFixture(t)
	msg := models.Message{ID: "m1", ConversationID: "conv_missing", SenderInboxID: "inbx1peer"}
	if err := f.processor.ProcessMessage(context.Background(), f.memberClient, msg, ""); err != nil {
		t.Fatalf("unknown conversation must be dropped silently, got %v", err)
	}
}
