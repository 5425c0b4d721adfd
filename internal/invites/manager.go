package invites

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"aim-chat/inbox-engine/internal/contracts"
	"aim-chat/inbox-engine/internal/identity"
	"aim-chat/inbox-engine/internal/metrics"
	"aim-chat/inbox-engine/internal/platform/retry"
	"aim-chat/inbox-engine/internal/transport"
	"aim-chat/inbox-engine/pkg/models"
)

const dmStreamName = "invite_dm"

// Manager turns a verified invite carried in a direct message into a
// membership grant. It knows nothing about UI or notifications.
type Manager struct {
	log     *slog.Logger
	id      *identity.Identity
	metrics *metrics.Engine
	policy  retry.Policy

	mu       sync.Mutex
	admitted map[string]struct{}

	wg sync.WaitGroup
}

func NewManager(log *slog.Logger, id *identity.Identity, m *metrics.Engine) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log,
		id:       id,
		metrics:  m,
		policy:   retry.DefaultPolicy().Normalize(),
		admitted: make(map[string]struct{}),
	}
}

// ProcessJoinRequest inspects one direct message. Plain chat text
// returns ("", nil); only invite-shaped text that fails verification or
// resolution is an error.
func (m *Manager) ProcessJoinRequest(ctx context.Context, msg models.Message, client transport.Client) (string, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return "", nil
	}
	invite, ok := ParseInviteCode(text)
	if !ok {
		return "", nil
	}

	payload, err := Verify(invite, m.id.SigningPublicKey)
	if err != nil {
		if m.metrics != nil {
			m.metrics.InviteSignatureFailure()
		}
		m.log.Warn("join request rejected: invalid invite signature",
			"sender_id", msg.SenderInboxID,
			"message_id", msg.ID,
		)
		return "", contracts.WrapCategorizedError(contracts.ErrorCategoryCrypto, err)
	}

	conversationID, err := DecodeConversationToken(payload, m.id.EncryptionPrivateKey)
	if err != nil {
		if m.metrics != nil {
			m.metrics.InviteSignatureFailure()
		}
		m.log.Warn("join request rejected: undecodable conversation token",
			"sender_id", msg.SenderInboxID,
		)
		return "", contracts.WrapCategorizedError(contracts.ErrorCategoryCrypto, err)
	}

	// The same invite DM can arrive concurrently on the manager's own DM
	// stream and on the general message stream, so the admission key is
	// reserved before AddMembers, not after. The loser of the reservation
	// returns as if the admission had already happened; the reservation
	// is released again on failure so a transient error stays retryable.
	admissionKey := msg.SenderInboxID + "|" + conversationID
	m.mu.Lock()
	if _, done := m.admitted[admissionKey]; done {
		m.mu.Unlock()
		return conversationID, nil
	}
	m.admitted[admissionKey] = struct{}{}
	m.mu.Unlock()
	release := func() {
		m.mu.Lock()
		delete(m.admitted, admissionKey)
		m.mu.Unlock()
	}

	conv, err := client.FindConversation(ctx, conversationID)
	if err != nil {
		release()
		if errors.Is(err, transport.ErrConversationNotFound) {
			m.log.Info("join request targets unknown conversation",
				"sender_id", msg.SenderInboxID,
				"conversation_id", conversationID,
			)
			return "", contracts.WrapCategorizedError(contracts.ErrorCategoryAPI, err)
		}
		return "", contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}
	if conv.Kind() != models.ConversationKindGroup {
		release()
		m.log.Info("join request targets a direct conversation",
			"sender_id", msg.SenderInboxID,
			"conversation_id", conversationID,
		)
		return "", contracts.WrapCategorizedError(contracts.ErrorCategoryAPI, ErrInvalidConversationType)
	}

	if err := conv.AddMembers(ctx, []string{msg.SenderInboxID}); err != nil {
		release()
		return "", contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}

	if m.metrics != nil {
		m.metrics.InviteAdmitted()
	}
	m.log.Info("join request admitted",
		"sender_id", msg.SenderInboxID,
		"conversation_id", conversationID,
	)
	return conversationID, nil
}

// Start runs the manager's own DM stream so invite admission works even
// when the requester's invite is the very first message this inbox ever
// receives. Self-sent messages are skipped.
func (m *Manager) Start(ctx context.Context, client transport.Client) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.superviseDMStream(ctx, client)
	}()
}

func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) superviseDMStream(ctx context.Context, client transport.Client) {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	retryCount := 0

	for {
		if ctx.Err() != nil {
			return
		}
		stream, err := client.StreamAllMessages(ctx, []models.ConversationKind{models.ConversationKindDM}, nil)
		if err != nil {
			if !m.delayRetry(ctx, &retryCount, rnd, err) {
				return
			}
			continue
		}
		retryCount = 0

		streamErr := m.drainDMStream(ctx, client, stream)
		stream.Close()
		if ctx.Err() != nil {
			return
		}
		if !m.delayRetry(ctx, &retryCount, rnd, streamErr) {
			return
		}
	}
}

func (m *Manager) drainDMStream(ctx context.Context, client transport.Client, stream *transport.MessageStream) error {
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
			if msg.SenderInboxID == client.InboxID() {
				continue
			}
			if _, err := m.ProcessJoinRequest(ctx, msg, client); err != nil {
				m.log.Info("join request processing failed",
					"sender_id", msg.SenderInboxID,
					"reason", err.Error(),
				)
			}
		}
	}
}

func (m *Manager) delayRetry(ctx context.Context, retryCount *int, rnd *rand.Rand, cause error) bool {
	*retryCount++
	if m.policy.Exhausted(*retryCount) {
		if m.metrics != nil {
			m.metrics.TerminalStreamFailure(dmStreamName)
		}
		reason := "stream closed"
		if cause != nil {
			reason = cause.Error()
		}
		m.log.Error("invite DM stream abandoned after retry budget",
			"stream", dmStreamName,
			"retries", *retryCount-1,
			"reason", reason,
		)
		return false
	}
	if m.metrics != nil {
		m.metrics.StreamRetry(dmStreamName)
	}
	delay := m.policy.Next(*retryCount, rnd)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}
