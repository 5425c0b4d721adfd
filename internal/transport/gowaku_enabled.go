//go:build real_waku

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/waku-org/go-waku/waku/persistence"
	"github.com/waku-org/go-waku/waku/persistence/sqlite"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	legacyStore "github.com/waku-org/go-waku/waku/v2/protocol/legacy_store"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
	"github.com/waku-org/go-waku/waku/v2/utils"

	"aim-chat/inbox-engine/internal/identity"
	"aim-chat/inbox-engine/pkg/models"
)

const (
	enginePubsubTopic  = "/waku/2/default-waku/proto"
	engineContentTopic = "/aim-chat/1/inbox-sync/proto"
)

// wakuNetwork relays engine state over a go-waku node. Every envelope
// published on the content topic is also applied to an in-memory
// replica, so reads and stream fan-out reuse the Network machinery and
// only mutations touch the wire.
type wakuNetwork struct {
	mu             sync.RWMutex
	node           *wakuNode.WakuNode
	replica        *Network
	cfg            Config
	bootstrapNodes []string
	seenEnvelopes  map[string]struct{}
	maintainCancel context.CancelFunc
	maintainWG     sync.WaitGroup
}

type wireEnvelope struct {
	ID             string                 `json:"id"`
	Kind           string                 `json:"kind"`
	InboxID        string                 `json:"inbox_id,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Conversation   *wireConversation      `json:"conversation,omitempty"`
	Members        []string               `json:"members,omitempty"`
	InviteTag      string                 `json:"invite_tag,omitempty"`
	AddPolicy      models.PermissionLevel `json:"add_policy,omitempty"`
	Message        *models.Message        `json:"message,omitempty"`
	SentAt         int64                  `json:"sent_at"`
}

type wireConversation struct {
	ID        string                  `json:"id"`
	Kind      models.ConversationKind `json:"kind"`
	Name      string                  `json:"name,omitempty"`
	Creator   string                  `json:"creator"`
	CreatedAt time.Time               `json:"created_at"`
	Members   []string                `json:"members"`
}

const (
	wireKindInbox        = "inbox_registered"
	wireKindConversation = "conversation"
	wireKindMembers      = "members_added"
	wireKindInviteTag    = "invite_tag"
	wireKindAddPolicy    = "add_policy"
	wireKindMessage      = "message"
)

// NewDialer starts a go-waku node and returns a dialer backed by it.
func NewDialer(cfg Config) (Dialer, error) {
	cfg = NormalizeConfig(cfg)
	if err := ValidateBootstrapNodes(cfg.BootstrapNodes); err != nil {
		return nil, err
	}
	if cfg.Backend != BackendGoWaku {
		return NewNetwork(), nil
	}

	w := &wakuNetwork{
		replica:        NewNetwork(),
		cfg:            cfg,
		bootstrapNodes: append([]string(nil), cfg.BootstrapNodes...),
		seenEnvelopes:  make(map[string]struct{}),
	}
	if err := w.start(context.Background()); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *wakuNetwork) start(ctx context.Context) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(w.cfg.Port)))
	if err != nil {
		return err
	}
	provider, err := newInMemoryMessageProvider()
	if err != nil {
		return err
	}
	node, err := wakuNode.New(
		wakuNode.WithHostAddress(hostAddr),
		wakuNode.WithWakuRelay(),
		wakuNode.WithMessageProvider(provider),
		wakuNode.WithWakuStore(),
	)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	for _, addr := range w.bootstrapNodes {
		if err := node.DialPeer(ctx, addr); err != nil {
			slog.Warn("bootstrap dial failed", "peer_addr", addr, "reason", err.Error())
		}
	}

	filter := protocol.NewContentFilter(enginePubsubTopic, engineContentTopic)
	subs, err := node.Relay().Subscribe(ctx, filter)
	if err != nil {
		node.Stop()
		return err
	}
	for _, sub := range subs {
		go func(subscription *relay.Subscription) {
			for env := range subscription.Ch {
				if env == nil || env.Message() == nil {
					continue
				}
				var wire wireEnvelope
				if err := json.Unmarshal(env.Message().Payload, &wire); err != nil {
					continue
				}
				w.apply(wire)
			}
		}(sub)
	}

	w.mu.Lock()
	w.node = node
	w.mu.Unlock()
	w.startPeerMaintenance()
	return nil
}

func (w *wakuNetwork) Close() {
	w.stopPeerMaintenance()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.node != nil {
		w.node.Stop()
		w.node = nil
	}
}

func (w *wakuNetwork) Build(ctx context.Context, id *identity.Identity) (Client, error) {
	if !w.knowsInbox(id.InboxID) {
		if err := w.replayHistory(ctx); err != nil {
			return nil, err
		}
	}
	inner, err := w.replica.Build(ctx, id)
	if err != nil {
		return nil, err
	}
	return &wakuClient{net: w, inner: inner.(*netClient)}, nil
}

func (w *wakuNetwork) Create(ctx context.Context, id *identity.Identity) (Client, error) {
	if err := w.publish(ctx, wireEnvelope{
		Kind:    wireKindInbox,
		InboxID: id.InboxID,
	}); err != nil {
		return nil, err
	}
	inner, err := w.replica.Create(ctx, id)
	if err != nil {
		return nil, err
	}
	return &wakuClient{net: w, inner: inner.(*netClient)}, nil
}

func (w *wakuNetwork) knowsInbox(inboxID string) bool {
	w.replica.mu.Lock()
	defer w.replica.mu.Unlock()
	_, ok := w.replica.inboxes[inboxID]
	return ok
}

func (w *wakuNetwork) publish(ctx context.Context, wire wireEnvelope) error {
	w.mu.RLock()
	node := w.node
	w.mu.RUnlock()
	if node == nil {
		return errors.New("go-waku node is not started")
	}
	if wire.ID == "" {
		wire.ID = randomEnvelopeID()
	}
	wire.SentAt = time.Now().UnixNano()
	payload, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	ts := wire.SentAt
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: engineContentTopic,
		Timestamp:    &ts,
	}
	if _, err := node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(enginePubsubTopic)); err != nil {
		return err
	}
	w.apply(wire)
	return nil
}

// apply folds one envelope into the replica. Envelopes are idempotent
// so relay echo and store replay are safe.
func (w *wakuNetwork) apply(wire wireEnvelope) {
	w.mu.Lock()
	if _, seen := w.seenEnvelopes[wire.ID]; seen {
		w.mu.Unlock()
		return
	}
	w.seenEnvelopes[wire.ID] = struct{}{}
	w.mu.Unlock()

	switch wire.Kind {
	case wireKindInbox:
		w.replica.mu.Lock()
		w.replica.inboxes[wire.InboxID] = struct{}{}
		w.replica.mu.Unlock()
	case wireKindConversation:
		if wire.Conversation == nil {
			return
		}
		w.applyConversation(*wire.Conversation)
	case wireKindMembers:
		w.applyMembers(wire.ConversationID, wire.Members)
	case wireKindInviteTag:
		w.replica.mu.Lock()
		if conv, ok := w.replica.conversations[wire.ConversationID]; ok && conv.inviteTag == "" {
			conv.inviteTag = wire.InviteTag
		}
		w.replica.mu.Unlock()
	case wireKindAddPolicy:
		w.replica.mu.Lock()
		if conv, ok := w.replica.conversations[wire.ConversationID]; ok {
			conv.addPolicy = wire.AddPolicy
		}
		w.replica.mu.Unlock()
	case wireKindMessage:
		if wire.Message == nil {
			return
		}
		w.applyMessage(*wire.Message)
	}
}

func (w *wakuNetwork) applyConversation(wc wireConversation) {
	w.replica.mu.Lock()
	if _, exists := w.replica.conversations[wc.ID]; exists {
		w.replica.mu.Unlock()
		return
	}
	conv := &netConversation{
		id:        wc.ID,
		kind:      wc.Kind,
		name:      wc.Name,
		creator:   wc.Creator,
		createdAt: wc.CreatedAt,
		members:   make(map[string]string, len(wc.Members)),
		consent:   map[string]models.ConsentState{wc.Creator: models.ConsentAllowed},
		addPolicy: models.PermissionAdmin,
	}
	for _, id := range wc.Members {
		role := "member"
		if id == wc.Creator {
			role = "admin"
		}
		conv.members[id] = role
	}
	w.replica.conversations[conv.id] = conv
	w.replica.mu.Unlock()

	w.replica.notifyConversation(conv)
}

func (w *wakuNetwork) applyMembers(conversationID string, members []string) {
	w.replica.mu.Lock()
	conv, ok := w.replica.conversations[conversationID]
	if !ok {
		w.replica.mu.Unlock()
		return
	}
	for _, id := range members {
		if id == "" {
			continue
		}
		if _, exists := conv.members[id]; !exists {
			conv.members[id] = "member"
		}
	}
	w.replica.mu.Unlock()

	w.replica.notifyConversation(conv)
}

func (w *wakuNetwork) applyMessage(msg models.Message) {
	w.replica.mu.Lock()
	conv, ok := w.replica.conversations[msg.ConversationID]
	if !ok {
		w.replica.mu.Unlock()
		return
	}
	for _, existing := range conv.messages {
		if existing.ID == msg.ID {
			w.replica.mu.Unlock()
			return
		}
	}
	conv.messages = append(conv.messages, msg)
	w.replica.mu.Unlock()

	w.replica.notifyMessage(conv, msg)
}

// replayHistory pulls envelopes from store peers so a restarted node can
// rebuild its replica. Failover across bootstrap peers follows the
// configured fanout.
func (w *wakuNetwork) replayHistory(ctx context.Context) error {
	w.mu.RLock()
	node := w.node
	bootstrapNodes := append([]string(nil), w.bootstrapNodes...)
	fanout := w.cfg.StoreQueryFanout
	lookback := w.cfg.HistoryLookback
	w.mu.RUnlock()
	if node == nil {
		return errors.New("go-waku node is not started")
	}
	if fanout <= 0 {
		fanout = 1
	}

	start := time.Now().Add(-lookback).UnixNano()
	end := time.Now().UnixNano()
	criteria := legacyStore.Query{
		PubsubTopic:   enginePubsubTopic,
		ContentTopics: []string{engineContentTopic},
		StartTime:     &start,
		EndTime:       &end,
	}
	baseOpts := []legacyStore.HistoryRequestOption{legacyStore.WithPaging(true, 100)}

	type queryCandidate struct {
		opts     []legacyStore.HistoryRequestOption
		peerAddr string
	}
	candidates := make([]queryCandidate, 0, fanout+1)
	for _, addr := range bootstrapNodes {
		if len(candidates) >= fanout {
			break
		}
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		peerAddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			continue
		}
		opts := append([]legacyStore.HistoryRequestOption{}, baseOpts...)
		opts = append(opts, legacyStore.WithPeerAddr(peerAddr))
		candidates = append(candidates, queryCandidate{opts: opts, peerAddr: addr})
	}
	candidates = append(candidates, queryCandidate{
		opts:     append([]legacyStore.HistoryRequestOption{}, baseOpts...),
		peerAddr: "auto",
	})

	var (
		result  *legacyStore.Result
		err     error
		lastErr error
	)
	for i, candidate := range candidates {
		result, err = node.LegacyStore().Query(ctx, criteria, candidate.opts...)
		if err == nil {
			break
		}
		slog.Warn("store query attempt failed", "peer_addr", candidate.peerAddr, "attempt", i+1, "reason", err.Error())
		lastErr = err
	}
	if err != nil {
		return lastErr
	}

	consume := func() {
		for _, wm := range result.Messages {
			if wm == nil {
				continue
			}
			var wire wireEnvelope
			if err := json.Unmarshal(wm.Payload, &wire); err != nil {
				continue
			}
			w.apply(wire)
		}
	}
	consume()
	for !result.IsComplete() {
		result, err = node.LegacyStore().Next(ctx, result)
		if err != nil {
			return err
		}
		consume()
	}
	return nil
}

func (w *wakuNetwork) startPeerMaintenance() {
	w.mu.Lock()
	if w.maintainCancel != nil {
		w.maintainCancel()
		w.maintainCancel = nil
	}
	if len(w.bootstrapNodes) == 0 || w.node == nil {
		w.mu.Unlock()
		return
	}
	maintainCtx, cancel := context.WithCancel(context.Background())
	w.maintainCancel = cancel
	w.maintainWG.Add(1)
	cfg := w.cfg
	w.mu.Unlock()

	go func() {
		defer w.maintainWG.Done()
		ticker := time.NewTicker(cfg.ReconnectInterval)
		defer ticker.Stop()

		backoff := cfg.ReconnectInterval
		nextAttemptAt := time.Now()
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

		for {
			select {
			case <-maintainCtx.Done():
				return
			case <-ticker.C:
				if time.Now().Before(nextAttemptAt) {
					continue
				}
				if !w.needMorePeers() {
					backoff = cfg.ReconnectInterval
					nextAttemptAt = time.Now()
					continue
				}
				if w.redialBootstrapPeers(maintainCtx, rnd) || !w.needMorePeers() {
					backoff = cfg.ReconnectInterval
					nextAttemptAt = time.Now()
					continue
				}
				backoff *= 2
				if backoff > cfg.ReconnectBackoffMax {
					backoff = cfg.ReconnectBackoffMax
				}
				jitter := time.Duration(rnd.Int63n(int64(backoff / 2)))
				nextAttemptAt = time.Now().Add(backoff + jitter)
			}
		}
	}()
}

func (w *wakuNetwork) stopPeerMaintenance() {
	w.mu.Lock()
	cancel := w.maintainCancel
	w.maintainCancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		w.maintainWG.Wait()
	}
}

func (w *wakuNetwork) needMorePeers() bool {
	w.mu.RLock()
	node := w.node
	target := w.cfg.MinPeers
	bootstrapCount := len(w.bootstrapNodes)
	w.mu.RUnlock()
	if node == nil {
		return false
	}
	if target <= 0 {
		target = 1
	}
	if bootstrapCount > 0 && target > bootstrapCount {
		target = bootstrapCount
	}
	return node.PeerCount() < target
}

func (w *wakuNetwork) redialBootstrapPeers(ctx context.Context, rnd *rand.Rand) bool {
	w.mu.RLock()
	node := w.node
	bootstrapNodes := append([]string(nil), w.bootstrapNodes...)
	w.mu.RUnlock()
	if node == nil || len(bootstrapNodes) == 0 {
		return false
	}

	rnd.Shuffle(len(bootstrapNodes), func(i, j int) {
		bootstrapNodes[i], bootstrapNodes[j] = bootstrapNodes[j], bootstrapNodes[i]
	})

	success := false
	for i, addr := range bootstrapNodes {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if err := node.DialPeer(ctx, addr); err == nil {
			success = true
			slog.Info("peer redial succeeded", "peer_addr", addr, "attempt", i+1)
		} else {
			slog.Warn("peer redial failed", "peer_addr", addr, "attempt", i+1, "reason", err.Error())
		}
	}
	return success
}

func randomEnvelopeID() string {
	var buf [16]byte
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range buf {
		buf[i] = byte(rnd.Intn(256))
	}
	const hex = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range buf {
		out[2*i] = hex[b>>4]
		out[2*i+1] = hex[b&0x0f]
	}
	return "env_" + string(out)
}

func newInMemoryMessageProvider() (*persistence.DBStore, error) {
	db, err := sqlite.NewDB(":memory:", utils.Logger())
	if err != nil {
		return nil, err
	}
	return persistence.NewDBStore(
		prometheus.DefaultRegisterer,
		utils.Logger(),
		persistence.WithDB(db),
		persistence.WithMigrations(sqlite.Migrations),
	)
}

// wakuClient delegates reads to the replica and routes mutations over
// the relay so other nodes converge.
type wakuClient struct {
	net   *wakuNetwork
	inner *netClient
}

func (c *wakuClient) InboxID() string        { return c.inner.InboxID() }
func (c *wakuClient) InstallationID() string { return c.inner.InstallationID() }
func (c *wakuClient) Close() error           { return c.inner.Close() }

func (c *wakuClient) ListConversations(ctx context.Context, opts ListOptions) ([]Conversation, error) {
	convs, err := c.inner.ListConversations(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(convs))
	for _, conv := range convs {
		out = append(out, &wakuConversation{net: c.net, inner: conv.(*convHandle)})
	}
	return out, nil
}

func (c *wakuClient) SyncAllConversations(ctx context.Context, consent []models.ConsentState) (int, error) {
	if err := c.net.replayHistory(ctx); err != nil {
		return 0, err
	}
	return c.inner.SyncAllConversations(ctx, consent)
}

func (c *wakuClient) FindConversation(ctx context.Context, conversationID string) (Conversation, error) {
	conv, err := c.inner.FindConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &wakuConversation{net: c.net, inner: conv.(*convHandle)}, nil
}

func (c *wakuClient) StreamConversations(ctx context.Context, kinds []models.ConversationKind) (*ConversationStream, error) {
	return c.inner.StreamConversations(ctx, kinds)
}

func (c *wakuClient) StreamAllMessages(ctx context.Context, kinds []models.ConversationKind, consent []models.ConsentState) (*MessageStream, error) {
	return c.inner.StreamAllMessages(ctx, kinds, consent)
}

func (c *wakuClient) CreateGroup(ctx context.Context, name string, memberInboxIDs []string) (Conversation, error) {
	conv, err := c.inner.CreateGroup(ctx, name, memberInboxIDs)
	if err != nil {
		return nil, err
	}
	handle := conv.(*convHandle)
	members, _ := handle.Members(ctx)
	memberIDs := make([]string, 0, len(members))
	for _, m := range members {
		memberIDs = append(memberIDs, m.InboxID)
	}
	err = c.net.publish(ctx, wireEnvelope{
		Kind: wireKindConversation,
		Conversation: &wireConversation{
			ID:        handle.ID(),
			Kind:      handle.Kind(),
			Name:      name,
			Creator:   c.inner.InboxID(),
			CreatedAt: handle.CreatedAt(),
			Members:   memberIDs,
		},
	})
	if err != nil {
		return nil, err
	}
	return &wakuConversation{net: c.net, inner: handle}, nil
}

func (c *wakuClient) CreateDM(ctx context.Context, peerInboxID string) (Conversation, error) {
	conv, err := c.inner.CreateDM(ctx, peerInboxID)
	if err != nil {
		return nil, err
	}
	handle := conv.(*convHandle)
	err = c.net.publish(ctx, wireEnvelope{
		Kind: wireKindConversation,
		Conversation: &wireConversation{
			ID:        handle.ID(),
			Kind:      handle.Kind(),
			Creator:   c.inner.InboxID(),
			CreatedAt: handle.CreatedAt(),
			Members:   []string{c.inner.InboxID(), peerInboxID},
		},
	})
	if err != nil {
		return nil, err
	}
	return &wakuConversation{net: c.net, inner: handle}, nil
}

type wakuConversation struct {
	net   *wakuNetwork
	inner *convHandle
}

func (c *wakuConversation) ID() string                    { return c.inner.ID() }
func (c *wakuConversation) Kind() models.ConversationKind { return c.inner.Kind() }
func (c *wakuConversation) Name() string                  { return c.inner.Name() }
func (c *wakuConversation) CreatorInboxID() string        { return c.inner.CreatorInboxID() }
func (c *wakuConversation) CreatedAt() time.Time          { return c.inner.CreatedAt() }
func (c *wakuConversation) InviteTag() string             { return c.inner.InviteTag() }
func (c *wakuConversation) Snapshot() models.Conversation { return c.inner.Snapshot() }

func (c *wakuConversation) Members(ctx context.Context) ([]models.Member, error) {
	return c.inner.Members(ctx)
}

func (c *wakuConversation) AddMembers(ctx context.Context, inboxIDs []string) error {
	if err := c.inner.AddMembers(ctx, inboxIDs); err != nil {
		return err
	}
	return c.net.publish(ctx, wireEnvelope{
		Kind:           wireKindMembers,
		ConversationID: c.inner.ID(),
		Members:        inboxIDs,
	})
}

func (c *wakuConversation) ConsentState(ctx context.Context) (models.ConsentState, error) {
	return c.inner.ConsentState(ctx)
}

// UpdateConsentState stays local; consent is a per-inbox decision and
// never leaves the device.
func (c *wakuConversation) UpdateConsentState(ctx context.Context, state models.ConsentState) error {
	return c.inner.UpdateConsentState(ctx, state)
}

func (c *wakuConversation) AddMemberPermission(ctx context.Context) (models.PermissionLevel, error) {
	return c.inner.AddMemberPermission(ctx)
}

func (c *wakuConversation) UpdateAddMemberPermission(ctx context.Context, level models.PermissionLevel) error {
	if err := c.inner.UpdateAddMemberPermission(ctx, level); err != nil {
		return err
	}
	return c.net.publish(ctx, wireEnvelope{
		Kind:           wireKindAddPolicy,
		ConversationID: c.inner.ID(),
		AddPolicy:      level,
	})
}

func (c *wakuConversation) EnsureInviteTag(ctx context.Context) (string, error) {
	tag, err := c.inner.EnsureInviteTag(ctx)
	if err != nil {
		return "", err
	}
	err = c.net.publish(ctx, wireEnvelope{
		Kind:           wireKindInviteTag,
		ConversationID: c.inner.ID(),
		InviteTag:      tag,
	})
	if err != nil {
		return "", err
	}
	return tag, nil
}

func (c *wakuConversation) MessagesSince(ctx context.Context, sinceNs int64) ([]models.Message, error) {
	if err := c.net.replayHistory(ctx); err != nil {
		slog.Warn("history replay before watermark read failed", "reason", err.Error())
	}
	return c.inner.MessagesSince(ctx, sinceNs)
}

func (c *wakuConversation) RecentMessages(ctx context.Context, limit int) ([]models.Message, error) {
	return c.inner.RecentMessages(ctx, limit)
}

func (c *wakuConversation) Send(ctx context.Context, text string) (models.Message, error) {
	msg, err := c.inner.Send(ctx, text)
	if err != nil {
		return models.Message{}, err
	}
	err = c.net.publish(ctx, wireEnvelope{
		Kind:    wireKindMessage,
		Message: &msg,
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}
