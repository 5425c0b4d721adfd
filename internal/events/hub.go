package events

import (
	"sync"
	"time"
)

// Kind identifies the cross-component signals the engine consumes and
// emits. UI and platform shells publish the first group; the persistent
// store publishes change notifications.
type Kind string

const (
	ActiveConversationChanged        Kind = "active_conversation_changed"
	PushTokenChanged                 Kind = "push_token_changed"
	AppForegrounded                  Kind = "app_foregrounded"
	ConversationUnsubscribeRequested Kind = "conversation_unsubscribe_requested"
	UnregisterAllRequested           Kind = "unregister_all_requested"

	ConversationStored Kind = "conversation_stored"
	MessageStored      Kind = "message_stored"
	LocalStateChanged  Kind = "local_state_changed"
	ProfileStored      Kind = "profile_stored"
)

type Event struct {
	Seq       int64
	Kind      Kind
	Payload   any
	Timestamp time.Time
}

// Hub fans events out to subscribers over buffered channels. Slow
// subscribers are dropped rather than blocking publishers.
type Hub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []Event
	subs    map[int]subscriber
	nextSub int
}

type subscriber struct {
	ch    chan Event
	kinds map[Kind]struct{}
}

func NewHub(historyLimit int) *Hub {
	if historyLimit < 1 {
		historyLimit = 1
	}
	return &Hub{
		limit: historyLimit,
		subs:  make(map[int]subscriber),
	}
}

func (h *Hub) Publish(kind Kind, payload any) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event := Event{
		Seq:       h.nextSeq,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]Event(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, sub := range h.subs {
		if !sub.wants(kind) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			close(sub.ch)
			delete(h.subs, id)
		}
	}
	return event
}

// Subscribe returns a channel of future events matching kinds (all kinds
// when empty) plus a cancel func. The channel is closed on cancel or when
// the subscriber falls too far behind.
func (h *Hub) Subscribe(kinds ...Kind) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var filter map[Kind]struct{}
	if len(kinds) > 0 {
		filter = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			filter[k] = struct{}{}
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, 128)
	h.subs[id] = subscriber{ch: ch, kinds: filter}

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub.ch)
			delete(h.subs, id)
		}
	}
	return ch, cancel
}

// History returns the retained tail of published events, oldest first,
// filtered to kinds when given. Components that start after the events
// they care about use it to catch up.
func (h *Hub) History(kinds ...Kind) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(kinds) == 0 {
		return append([]Event(nil), h.history...)
	}
	filter := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		filter[k] = struct{}{}
	}
	var out []Event
	for _, ev := range h.history {
		if _, ok := filter[ev.Kind]; ok {
			out = append(out, ev)
		}
	}
	return out
}

func (s subscriber) wants(kind Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}
