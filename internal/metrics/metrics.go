// Package metrics exposes engine counters to a prometheus registry and
// keeps a plain snapshot for the daemon status surface.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"aim-chat/inbox-engine/pkg/models"
)

type Engine struct {
	streamRetries    *prometheus.CounterVec
	terminalFailures *prometheus.CounterVec
	messages         prometheus.Counter
	conversations    prometheus.Counter
	consentSkips     prometheus.Counter
	inviteAdmissions prometheus.Counter
	inviteSigFails   prometheus.Counter

	mu       sync.Mutex
	snapshot models.EngineMetricsSnapshot
}

// New registers the engine collectors on reg. Pass
// prometheus.DefaultRegisterer in the daemon; tests use a fresh
// registry so collectors never collide.
func New(reg prometheus.Registerer) *Engine {
	e := &Engine{
		streamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_engine_stream_retries_total",
			Help: "Stream supervisor retry attempts by stream name.",
		}, []string{"stream"}),
		terminalFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_engine_stream_terminal_failures_total",
			Help: "Streams abandoned after exhausting retries, by stream name.",
		}, []string{"stream"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_engine_messages_processed_total",
			Help: "Messages accepted by the stream processor.",
		}),
		conversations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_engine_conversations_processed_total",
			Help: "Conversation events accepted by the stream processor.",
		}),
		consentSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_engine_consent_skips_total",
			Help: "Events dropped by the consent gate.",
		}),
		inviteAdmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_engine_invite_admissions_total",
			Help: "Join requests admitted into conversations.",
		}),
		inviteSigFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_engine_invite_signature_failures_total",
			Help: "Join requests rejected for bad signatures.",
		}),
	}
	e.snapshot.StreamRetries = make(map[string]int)
	e.snapshot.TerminalStreamFailures = make(map[string]int)
	if reg != nil {
		reg.MustRegister(
			e.streamRetries,
			e.terminalFailures,
			e.messages,
			e.conversations,
			e.consentSkips,
			e.inviteAdmissions,
			e.inviteSigFails,
		)
	}
	return e
}

func (e *Engine) StreamRetry(stream string) {
	e.streamRetries.WithLabelValues(stream).Inc()
	e.mu.Lock()
	e.snapshot.StreamRetries[stream]++
	e.touchLocked()
	e.mu.Unlock()
}

func (e *Engine) TerminalStreamFailure(stream string) {
	e.terminalFailures.WithLabelValues(stream).Inc()
	e.mu.Lock()
	e.snapshot.TerminalStreamFailures[stream]++
	e.touchLocked()
	e.mu.Unlock()
}

func (e *Engine) MessageProcessed() {
	e.messages.Inc()
	e.mu.Lock()
	e.snapshot.MessagesProcessed++
	e.touchLocked()
	e.mu.Unlock()
}

func (e *Engine) ConversationProcessed() {
	e.conversations.Inc()
	e.mu.Lock()
	e.snapshot.ConversationsProcessed++
	e.touchLocked()
	e.mu.Unlock()
}

func (e *Engine) ConsentSkip() {
	e.consentSkips.Inc()
	e.mu.Lock()
	e.snapshot.ConsentSkips++
	e.touchLocked()
	e.mu.Unlock()
}

func (e *Engine) InviteAdmitted() {
	e.inviteAdmissions.Inc()
	e.mu.Lock()
	e.snapshot.InviteAdmissions++
	e.touchLocked()
	e.mu.Unlock()
}

func (e *Engine) InviteSignatureFailure() {
	e.inviteSigFails.Inc()
	e.mu.Lock()
	e.snapshot.InviteSignatureFailures++
	e.touchLocked()
	e.mu.Unlock()
}

func (e *Engine) Snapshot() models.EngineMetricsSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.snapshot
	out.StreamRetries = make(map[string]int, len(e.snapshot.StreamRetries))
	for k, v := range e.snapshot.StreamRetries {
		out.StreamRetries[k] = v
	}
	out.TerminalStreamFailures = make(map[string]int, len(e.snapshot.TerminalStreamFailures))
	for k, v := range e.snapshot.TerminalStreamFailures {
		out.TerminalStreamFailures[k] = v
	}
	return out
}

func (e *Engine) touchLocked() {
	e.snapshot.LastUpdatedAt = time.Now().UTC()
}
