package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"aim-chat/inbox-engine/internal/identity"
	"aim-chat/inbox-engine/pkg/models"
)

// Network is the in-memory transport backend. Every client dialed from
// the same Network shares one world, which is what the engine tests
// rely on.
type Network struct {
	mu            sync.Mutex
	inboxes       map[string]struct{}
	conversations map[string]*netConversation
	msgSubs       map[int]*msgSub
	convSubs      map[int]*convSub
	nextSub       int
}

type netConversation struct {
	id        string
	kind      models.ConversationKind
	name      string
	creator   string
	inviteTag string
	createdAt time.Time
	members   map[string]string
	messages  []models.Message
	consent   map[string]models.ConsentState
	addPolicy models.PermissionLevel
}

type msgSub struct {
	inboxID string
	kinds   []models.ConversationKind
	consent []models.ConsentState
	ch      chan models.Message
	stream  *MessageStream
}

type convSub struct {
	inboxID string
	kinds   []models.ConversationKind
	ch      chan Conversation
	stream  *ConversationStream
}

func NewNetwork() *Network {
	return &Network{
		inboxes:       make(map[string]struct{}),
		conversations: make(map[string]*netConversation),
		msgSubs:       make(map[int]*msgSub),
		convSubs:      make(map[int]*convSub),
	}
}

func (n *Network) Build(_ context.Context, id *identity.Identity) (Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.inboxes[id.InboxID]; !ok {
		return nil, ErrUnknownInbox
	}
	return n.newClientLocked(id.InboxID), nil
}

func (n *Network) Create(_ context.Context, id *identity.Identity) (Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inboxes[id.InboxID] = struct{}{}
	return n.newClientLocked(id.InboxID), nil
}

func (n *Network) newClientLocked(inboxID string) *netClient {
	return &netClient{
		net:            n,
		inboxID:        inboxID,
		installationID: "inst_" + uuid.NewString(),
	}
}

// DropStreams fails every open stream for the inbox, simulating a
// network interruption. Test hook.
func (n *Network) DropStreams(inboxID string, err error) {
	n.mu.Lock()
	var msgStreams []*MessageStream
	var convStreams []*ConversationStream
	for id, sub := range n.msgSubs {
		if sub.inboxID == inboxID {
			msgStreams = append(msgStreams, sub.stream)
			close(sub.ch)
			delete(n.msgSubs, id)
		}
	}
	for id, sub := range n.convSubs {
		if sub.inboxID == inboxID {
			convStreams = append(convStreams, sub.stream)
			close(sub.ch)
			delete(n.convSubs, id)
		}
	}
	n.mu.Unlock()

	for _, s := range msgStreams {
		s.Fail(err)
	}
	for _, s := range convStreams {
		s.Fail(err)
	}
}

type netClient struct {
	net            *Network
	inboxID        string
	installationID string

	mu     sync.Mutex
	closed bool
}

func (c *netClient) InboxID() string        { return c.inboxID }
func (c *netClient) InstallationID() string { return c.installationID }

func (c *netClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *netClient) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

func (c *netClient) ListConversations(_ context.Context, opts ListOptions) ([]Conversation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	out := make([]Conversation, 0)
	for _, conv := range c.net.conversations {
		if _, member := conv.members[c.inboxID]; !member {
			continue
		}
		if !opts.After.IsZero() && !conv.createdAt.After(opts.After) {
			continue
		}
		if !opts.Before.IsZero() && !conv.createdAt.Before(opts.Before) {
			continue
		}
		if !matchConsent(opts.Consent, conv.consentFor(c.inboxID)) {
			continue
		}
		out = append(out, &convHandle{net: c.net, conv: conv, viewer: c.inboxID})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (c *netClient) SyncAllConversations(ctx context.Context, consent []models.ConsentState) (int, error) {
	convs, err := c.ListConversations(ctx, ListOptions{Consent: consent})
	if err != nil {
		return 0, err
	}
	return len(convs), nil
}

func (c *netClient) FindConversation(_ context.Context, conversationID string) (Conversation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	conv, ok := c.net.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if _, member := conv.members[c.inboxID]; !member {
		return nil, ErrConversationNotFound
	}
	return &convHandle{net: c.net, conv: conv, viewer: c.inboxID}, nil
}

func (c *netClient) StreamConversations(_ context.Context, kinds []models.ConversationKind) (*ConversationStream, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	id := c.net.nextSub
	c.net.nextSub++
	ch := make(chan Conversation, 256)
	sub := &convSub{inboxID: c.inboxID, kinds: kinds, ch: ch}
	stream := NewConversationStream(ch, func() { c.net.removeConvSub(id) })
	sub.stream = stream
	c.net.convSubs[id] = sub
	return stream, nil
}

func (c *netClient) StreamAllMessages(_ context.Context, kinds []models.ConversationKind, consent []models.ConsentState) (*MessageStream, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	id := c.net.nextSub
	c.net.nextSub++
	ch := make(chan models.Message, 256)
	sub := &msgSub{inboxID: c.inboxID, kinds: kinds, consent: consent, ch: ch}
	stream := NewMessageStream(ch, func() { c.net.removeMsgSub(id) })
	sub.stream = stream
	c.net.msgSubs[id] = sub
	return stream, nil
}

func (c *netClient) CreateGroup(_ context.Context, name string, memberInboxIDs []string) (Conversation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.net.mu.Lock()
	conv := &netConversation{
		id:        "conv_" + uuid.NewString(),
		kind:      models.ConversationKindGroup,
		name:      name,
		creator:   c.inboxID,
		createdAt: time.Now().UTC(),
		members:   map[string]string{c.inboxID: "admin"},
		consent:   map[string]models.ConsentState{c.inboxID: models.ConsentAllowed},
		addPolicy: models.PermissionAdmin,
	}
	for _, id := range memberInboxIDs {
		if id != c.inboxID {
			conv.members[id] = "member"
		}
	}
	c.net.conversations[conv.id] = conv
	c.net.mu.Unlock()

	c.net.notifyConversation(conv)
	return &convHandle{net: c.net, conv: conv, viewer: c.inboxID}, nil
}

func (c *netClient) CreateDM(_ context.Context, peerInboxID string) (Conversation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if peerInboxID == "" || peerInboxID == c.inboxID {
		return nil, ErrInvalidConversationArg
	}
	c.net.mu.Lock()
	conv := &netConversation{
		id:        "conv_" + uuid.NewString(),
		kind:      models.ConversationKindDM,
		creator:   c.inboxID,
		createdAt: time.Now().UTC(),
		members:   map[string]string{c.inboxID: "member", peerInboxID: "member"},
		consent:   map[string]models.ConsentState{c.inboxID: models.ConsentAllowed},
		addPolicy: models.PermissionDeny,
	}
	c.net.conversations[conv.id] = conv
	c.net.mu.Unlock()

	c.net.notifyConversation(conv)
	return &convHandle{net: c.net, conv: conv, viewer: c.inboxID}, nil
}

func (n *Network) removeMsgSub(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if sub, ok := n.msgSubs[id]; ok {
		close(sub.ch)
		delete(n.msgSubs, id)
	}
}

func (n *Network) removeConvSub(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if sub, ok := n.convSubs[id]; ok {
		close(sub.ch)
		delete(n.convSubs, id)
	}
}

func (n *Network) notifyConversation(conv *netConversation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, sub := range n.convSubs {
		if _, member := conv.members[sub.inboxID]; !member {
			continue
		}
		if !matchKind(sub.kinds, conv.kind) {
			continue
		}
		handle := &convHandle{net: n, conv: conv, viewer: sub.inboxID}
		select {
		case sub.ch <- handle:
		default:
			close(sub.ch)
			delete(n.convSubs, id)
		}
	}
}

func (n *Network) notifyMessage(conv *netConversation, msg models.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, sub := range n.msgSubs {
		if _, member := conv.members[sub.inboxID]; !member {
			continue
		}
		if !matchKind(sub.kinds, conv.kind) {
			continue
		}
		if !matchConsent(sub.consent, conv.consentFor(sub.inboxID)) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			close(sub.ch)
			delete(n.msgSubs, id)
		}
	}
}

func (c *netConversation) consentFor(inboxID string) models.ConsentState {
	if state, ok := c.consent[inboxID]; ok {
		return state
	}
	return models.ConsentUnknown
}

type convHandle struct {
	net    *Network
	conv   *netConversation
	viewer string
}

func (h *convHandle) ID() string { return h.conv.id }

func (h *convHandle) Kind() models.ConversationKind {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	return h.conv.kind
}

func (h *convHandle) Name() string {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	return h.conv.name
}

func (h *convHandle) CreatorInboxID() string {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	return h.conv.creator
}

func (h *convHandle) CreatedAt() time.Time {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	return h.conv.createdAt
}

func (h *convHandle) InviteTag() string {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	return h.conv.inviteTag
}

func (h *convHandle) Members(_ context.Context) ([]models.Member, error) {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	out := make([]models.Member, 0, len(h.conv.members))
	for id, role := range h.conv.members {
		out = append(out, models.Member{InboxID: id, Role: role})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InboxID < out[j].InboxID })
	return out, nil
}

func (h *convHandle) AddMembers(_ context.Context, inboxIDs []string) error {
	h.net.mu.Lock()
	if h.conv.kind != models.ConversationKindGroup {
		h.net.mu.Unlock()
		return ErrInvalidConversationArg
	}
	role, member := h.conv.members[h.viewer]
	if !member {
		h.net.mu.Unlock()
		return ErrNotAMember
	}
	if h.conv.addPolicy == models.PermissionAdmin && role != "admin" {
		h.net.mu.Unlock()
		return ErrPermissionDenied
	}
	if h.conv.addPolicy == models.PermissionDeny && h.viewer != h.conv.creator {
		h.net.mu.Unlock()
		return ErrPermissionDenied
	}
	for _, id := range inboxIDs {
		if id == "" {
			continue
		}
		if _, exists := h.conv.members[id]; !exists {
			h.conv.members[id] = "member"
		}
	}
	conv := h.conv
	h.net.mu.Unlock()

	h.net.notifyConversation(conv)
	return nil
}

func (h *convHandle) ConsentState(_ context.Context) (models.ConsentState, error) {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	return h.conv.consentFor(h.viewer), nil
}

func (h *convHandle) UpdateConsentState(_ context.Context, state models.ConsentState) error {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	h.conv.consent[h.viewer] = state
	return nil
}

func (h *convHandle) AddMemberPermission(_ context.Context) (models.PermissionLevel, error) {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	return h.conv.addPolicy, nil
}

func (h *convHandle) UpdateAddMemberPermission(_ context.Context, level models.PermissionLevel) error {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	if h.viewer != h.conv.creator {
		return ErrPermissionDenied
	}
	h.conv.addPolicy = level
	return nil
}

func (h *convHandle) EnsureInviteTag(_ context.Context) (string, error) {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	if h.conv.inviteTag == "" {
		h.conv.inviteTag = "tag_" + uuid.NewString()
	}
	return h.conv.inviteTag, nil
}

func (h *convHandle) MessagesSince(_ context.Context, sinceNs int64) ([]models.Message, error) {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	out := make([]models.Message, 0)
	for _, msg := range h.conv.messages {
		if msg.SentAt.UnixNano() > sinceNs {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (h *convHandle) RecentMessages(_ context.Context, limit int) ([]models.Message, error) {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	if limit <= 0 || limit > len(h.conv.messages) {
		limit = len(h.conv.messages)
	}
	out := append([]models.Message(nil), h.conv.messages[len(h.conv.messages)-limit:]...)
	return out, nil
}

func (h *convHandle) Send(_ context.Context, text string) (models.Message, error) {
	h.net.mu.Lock()
	if _, member := h.conv.members[h.viewer]; !member {
		h.net.mu.Unlock()
		return models.Message{}, ErrNotAMember
	}
	msg := models.Message{
		ID:             "msg_" + uuid.NewString(),
		ConversationID: h.conv.id,
		SenderInboxID:  h.viewer,
		Text:           text,
		SentAt:         time.Now().UTC(),
	}
	h.conv.messages = append(h.conv.messages, msg)
	conv := h.conv
	h.net.mu.Unlock()

	h.net.notifyMessage(conv, msg)
	return msg, nil
}

func (h *convHandle) Snapshot() models.Conversation {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	return models.Conversation{
		ID:             h.conv.id,
		InboxID:        h.viewer,
		Kind:           h.conv.kind,
		Name:           h.conv.name,
		CreatorInboxID: h.conv.creator,
		InviteTag:      h.conv.inviteTag,
		CreatedAt:      h.conv.createdAt,
	}
}
