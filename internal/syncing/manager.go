// Package syncing keeps the local store eventually consistent with the
// transport feed for one ready episode: an initial catch-up pass, then
// two independently supervised streams with capped backoff, watermark
// gap replay, and a throttled member-profile refresh.
package syncing

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"aim-chat/inbox-engine/internal/events"
	"aim-chat/inbox-engine/internal/metrics"
	"aim-chat/inbox-engine/internal/platform/ratelimiter"
	"aim-chat/inbox-engine/internal/platform/retry"
	"aim-chat/inbox-engine/internal/storage"
	"aim-chat/inbox-engine/internal/streamproc"
	"aim-chat/inbox-engine/internal/transport"
	"aim-chat/inbox-engine/pkg/models"
)

const (
	messageStreamName      = "messages"
	conversationStreamName = "conversations"

	persistChunkSize       = 5
	profileRefreshInterval = 2 * time.Minute
)

// ProfileAPI is the slice of the backend client the manager needs.
type ProfileAPI interface {
	GetProfiles(ctx context.Context, inboxIDs []string) ([]models.MemberProfile, error)
}

type Manager struct {
	log      *slog.Logger
	client   transport.Client
	api      ProfileAPI
	store    *storage.Store
	proc     *streamproc.Processor
	hub      *events.Hub
	metrics  *metrics.Engine
	policy   retry.Policy
	throttle *ratelimiter.MapLimiter

	mu          sync.Mutex
	activeConv  string
	watermarkNs int64

	wg sync.WaitGroup
}

func NewManager(
	log *slog.Logger,
	client transport.Client,
	api ProfileAPI,
	store *storage.Store,
	proc *streamproc.Processor,
	hub *events.Hub,
	m *metrics.Engine,
) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log,
		client:   client,
		api:      api,
		store:    store,
		proc:     proc,
		hub:      hub,
		metrics:  m,
		policy:   retry.DefaultPolicy().Normalize(),
		throttle: ratelimiter.PerInterval(profileRefreshInterval, time.Hour),
	}
}

// Start runs the initial catch-up, then launches the two stream
// supervisors and the active-conversation watcher. All child tasks end
// when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.initialSync(ctx)
		if ctx.Err() != nil {
			return
		}
		m.wg.Add(2)
		go func() {
			defer m.wg.Done()
			m.superviseMessageStream(ctx)
		}()
		go func() {
			defer m.wg.Done()
			m.superviseConversationStream(ctx)
		}()
	}()

	if m.hub != nil {
		ch, cancel := m.hub.Subscribe(events.ActiveConversationChanged)
		m.seedActiveConversation()
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					if id, ok := ev.Payload.(string); ok {
						m.setActiveConversation(id)
					}
				}
			}
		}()
	}
}

func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) ActiveConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeConv
}

func (m *Manager) setActiveConversation(id string) {
	m.mu.Lock()
	m.activeConv = id
	m.mu.Unlock()
}

// seedActiveConversation adopts the newest active-conversation change
// the UI published before this episode subscribed, so a re-authorize
// does not reset the open conversation's unread suppression.
func (m *Manager) seedActiveConversation() {
	hist := m.hub.History(events.ActiveConversationChanged)
	for i := len(hist) - 1; i >= 0; i-- {
		if id, ok := hist[i].Payload.(string); ok {
			m.setActiveConversation(id)
			return
		}
	}
}

// Watermark is the send time of the newest processed message. It only
// moves forward.
func (m *Manager) Watermark() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermarkNs
}

func (m *Manager) advanceWatermark(sentAtNs int64) {
	m.mu.Lock()
	if sentAtNs > m.watermarkNs {
		m.watermarkNs = sentAtNs
	}
	m.mu.Unlock()
}

// initialSync is best-effort: a failed step degrades the initial view
// instead of aborting the episode. The watermark starts from the newest
// persisted message, so messages missed across a restart are replayed
// even when a conversation's recent-message bootstrap cannot reach back
// far enough.
func (m *Manager) initialSync(ctx context.Context) {
	m.seedWatermark(ctx)
	if _, err := m.client.SyncAllConversations(ctx, nil); err != nil {
		m.log.Warn("initial sync-all failed", "reason", err.Error())
	}
	convs, err := m.client.ListConversations(ctx, transport.ListOptions{})
	if err != nil {
		m.log.Warn("initial conversation list failed", "reason", err.Error())
		return
	}
	m.persistConversations(ctx, convs)
	m.replayMissedMessages(ctx)
}

func (m *Manager) seedWatermark(ctx context.Context) {
	latest, err := m.store.LatestMessageSentAtNs(ctx)
	if err != nil {
		m.log.Warn("watermark seed failed", "reason", err.Error())
		return
	}
	m.advanceWatermark(latest)
}

// persistConversations processes the list in chunks of five so the
// initial catch-up never floods the store or the backend.
func (m *Manager) persistConversations(ctx context.Context, convs []transport.Conversation) {
	for start := 0; start < len(convs); start += persistChunkSize {
		end := start + persistChunkSize
		if end > len(convs) {
			end = len(convs)
		}
		var chunk sync.WaitGroup
		for _, conv := range convs[start:end] {
			chunk.Add(1)
			go func(conv transport.Conversation) {
				defer chunk.Done()
				if err := m.proc.ProcessConversation(ctx, m.client, conv); err != nil {
					m.log.Warn("conversation persist failed",
						"conversation_id", conv.ID(),
						"reason", err.Error(),
					)
				}
				m.syncMemberProfiles(ctx, conv)
			}(conv)
		}
		chunk.Wait()
		if ctx.Err() != nil {
			return
		}
	}
}

// syncMemberProfiles refreshes member profiles for the conversation at
// most once per throttle interval. Staleness of one interval is the
// accepted worst case.
func (m *Manager) syncMemberProfiles(ctx context.Context, conv transport.Conversation) {
	if m.api == nil {
		return
	}
	if !m.throttle.Allow(conv.ID(), time.Now()) {
		return
	}
	members, err := conv.Members(ctx)
	if err != nil {
		m.log.Warn("member list failed", "conversation_id", conv.ID(), "reason", err.Error())
		return
	}
	ids := make([]string, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.InboxID)
	}
	profiles, err := m.api.GetProfiles(ctx, ids)
	if err != nil {
		m.log.Warn("profile batch failed", "conversation_id", conv.ID(), "reason", err.Error())
		return
	}
	if err := m.store.UpsertMemberProfiles(ctx, profiles); err != nil {
		m.log.Warn("profile persist failed", "conversation_id", conv.ID(), "reason", err.Error())
	}
}

func (m *Manager) superviseMessageStream(ctx context.Context) {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	retryCount := 0
	firstAttempt := true

	for {
		if ctx.Err() != nil {
			return
		}
		if !firstAttempt {
			// Close the delivery gap before going live again: re-sync,
			// then replay everything after the watermark.
			m.resyncAfterStreamLoss(ctx)
			if ctx.Err() != nil {
				return
			}
		}
		firstAttempt = false

		stream, err := m.client.StreamAllMessages(ctx, nil, nil)
		if err != nil {
			if !m.delayRetry(ctx, messageStreamName, &retryCount, rnd, err) {
				return
			}
			continue
		}
		retryCount = 0

		streamErr := m.drainMessageStream(ctx, stream)
		stream.Close()
		if ctx.Err() != nil {
			return
		}
		if !m.delayRetry(ctx, messageStreamName, &retryCount, rnd, streamErr) {
			return
		}
	}
}

func (m *Manager) drainMessageStream(ctx context.Context, stream *transport.MessageStream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-stream.C:
			if !ok {
				if err := stream.Err(); err != nil {
					return err
				}
				return transport.ErrStreamClosed
			}
			m.processMessage(ctx, msg)
		}
	}
}

func (m *Manager) processMessage(ctx context.Context, msg models.Message) {
	if err := m.proc.ProcessMessage(ctx, m.client, msg, m.ActiveConversationID()); err != nil {
		m.log.Warn("message processing failed",
			"message_id", msg.ID,
			"reason", err.Error(),
		)
		return
	}
	m.advanceWatermark(msg.SentAtNs())
}

// resyncAfterStreamLoss runs a sync-all, then replays messages newer
// than the watermark across all conversations in send-time order.
func (m *Manager) resyncAfterStreamLoss(ctx context.Context) {
	if _, err := m.client.SyncAllConversations(ctx, nil); err != nil {
		m.log.Warn("post-loss sync-all failed", "reason", err.Error())
	}
	m.replayMissedMessages(ctx)
}

// replayMissedMessages processes every message newer than the watermark
// across all conversations, oldest first. A zero watermark means no
// message has ever been processed; there is no gap to close.
func (m *Manager) replayMissedMessages(ctx context.Context) {
	watermark := m.Watermark()
	if watermark == 0 {
		return
	}
	convs, err := m.client.ListConversations(ctx, transport.ListOptions{})
	if err != nil {
		m.log.Warn("gap replay conversation list failed", "reason", err.Error())
		return
	}
	var missed []models.Message
	for _, conv := range convs {
		msgs, err := conv.MessagesSince(ctx, watermark)
		if err != nil {
			m.log.Warn("gap replay fetch failed",
				"conversation_id", conv.ID(),
				"reason", err.Error(),
			)
			continue
		}
		missed = append(missed, msgs...)
	}
	sort.Slice(missed, func(i, j int) bool {
		return missed[i].SentAt.Before(missed[j].SentAt)
	})
	for _, msg := range missed {
		if ctx.Err() != nil {
			return
		}
		m.processMessage(ctx, msg)
	}
}

func (m *Manager) superviseConversationStream(ctx context.Context) {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	retryCount := 0

	for {
		if ctx.Err() != nil {
			return
		}
		stream, err := m.client.StreamConversations(ctx, nil)
		if err != nil {
			if !m.delayRetry(ctx, conversationStreamName, &retryCount, rnd, err) {
				return
			}
			continue
		}
		retryCount = 0

		streamErr := m.drainConversationStream(ctx, stream)
		stream.Close()
		if ctx.Err() != nil {
			return
		}
		if !m.delayRetry(ctx, conversationStreamName, &retryCount, rnd, streamErr) {
			return
		}
	}
}

func (m *Manager) drainConversationStream(ctx context.Context, stream *transport.ConversationStream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case conv, ok := <-stream.C:
			if !ok {
				if err := stream.Err(); err != nil {
					return err
				}
				return transport.ErrStreamClosed
			}
			m.syncMemberProfiles(ctx, conv)
			if err := m.proc.ProcessConversation(ctx, m.client, conv); err != nil {
				m.log.Warn("conversation processing failed",
					"conversation_id", conv.ID(),
					"reason", err.Error(),
				)
			}
		}
	}
}

// delayRetry sleeps the backoff for the next attempt. It returns false
// when the retry budget is exhausted; the stream is then abandoned for
// the rest of the episode.
func (m *Manager) delayRetry(ctx context.Context, stream string, retryCount *int, rnd *rand.Rand, cause error) bool {
	*retryCount++
	if m.policy.Exhausted(*retryCount) {
		if m.metrics != nil {
			m.metrics.TerminalStreamFailure(stream)
		}
		reason := "stream closed"
		if cause != nil {
			reason = cause.Error()
		}
		m.log.Error("stream abandoned after retry budget",
			"stream", stream,
			"retries", *retryCount-1,
			"reason", reason,
		)
		return false
	}
	if m.metrics != nil {
		m.metrics.StreamRetry(stream)
	}
	delay := m.policy.Next(*retryCount, rnd)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}
