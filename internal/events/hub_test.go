package events

import (
	"testing"
	"time"
)

func TestPublishReachesMatchingSubscribers(t *testing.T) {
	hub := NewHub(16)
	all, cancelAll := hub.Subscribe()
	defer cancelAll()
	filtered, cancelFiltered := hub.Subscribe(MessageStored)
	defer cancelFiltered()

	hub.Publish(ConversationStored, "c1")
	hub.Publish(MessageStored, "m1")

	first := <-all
	second := <-all
	if first.Kind != ConversationStored || second.Kind != MessageStored {
		t.Fatalf("unfiltered subscriber saw %q then %q", first.Kind, second.Kind)
	}
	if first.Seq >= second.Seq {
		t.Fatalf("sequence numbers not increasing: %d %d", first.Seq, second.Seq)
	}

	only := <-filtered
	if only.Kind != MessageStored || only.Payload != "m1" {
		t.Fatalf("filtered subscriber saw %+v", only)
	}
	select {
	case ev := <-filtered:
		t.Fatalf("filtered subscriber saw extra event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCancelClosesSubscription(t *testing.T) {
	hub := NewHub(16)
	ch, cancel := hub.Subscribe()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("cancelled subscription must be closed")
	}
	// Publishing after cancel must not panic.
	hub.Publish(MessageStored, "m1")
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	hub := NewHub(16)
	ch, cancel := hub.Subscribe()
	defer cancel()

	// Overflow the subscriber buffer without draining.
	for i := 0; i < 200; i++ {
		hub.Publish(MessageStored, i)
	}

	count := 0
	for range ch {
		count++
	}
	if count == 0 || count >= 200 {
		t.Fatalf("slow subscriber should see a truncated stream, got %d", count)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	hub := NewHub(4)
	for i := 0; i < 10; i++ {
		hub.Publish(MessageStored, i)
	}
	hist := hub.History()
	if len(hist) != 4 {
		t.Fatalf("history length = %d, want 4", len(hist))
	}
	if hist[0].Payload != 6 || hist[3].Payload != 9 {
		t.Fatalf("history kept the wrong tail: %+v", hist)
	}
}

func TestHistoryFiltersByKind(t *testing.T) {
	hub := NewHub(16)
	hub.Publish(MessageStored, "m1")
	hub.Publish(ActiveConversationChanged, "conv_a")
	hub.Publish(MessageStored, "m2")
	hub.Publish(ActiveConversationChanged, "conv_b")

	hist := hub.History(ActiveConversationChanged)
	if len(hist) != 2 {
		t.Fatalf("filtered history length = %d, want 2", len(hist))
	}
	if hist[0].Payload != "conv_a" || hist[1].Payload != "conv_b" {
		t.Fatalf("filtered history out of order: %+v", hist)
	}
}
