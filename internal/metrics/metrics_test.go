package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndSnapshotStayInSync(t *testing.T) {
	e := New(prometheus.NewRegistry())

	e.StreamRetry("messages")
	e.StreamRetry("messages")
	e.StreamRetry("conversations")
	e.TerminalStreamFailure("messages")
	e.MessageProcessed()
	e.ConversationProcessed()
	e.ConsentSkip()
	e.InviteAdmitted()
	e.InviteSignatureFailure()

	snap := e.Snapshot()
	if snap.StreamRetries["messages"] != 2 || snap.StreamRetries["conversations"] != 1 {
		t.Fatalf("stream retries snapshot = %v", snap.StreamRetries)
	}
	if snap.TerminalStreamFailures["messages"] != 1 {
		t.Fatalf("terminal failures snapshot = %v", snap.TerminalStreamFailures)
	}
	if snap.MessagesProcessed != 1 || snap.ConversationsProcessed != 1 || snap.ConsentSkips != 1 {
		t.Fatalf("processing counters snapshot = %+v", snap)
	}
	if snap.InviteAdmissions != 1 || snap.InviteSignatureFailures != 1 {
		t.Fatalf("invite counters snapshot = %+v", snap)
	}
	if snap.LastUpdatedAt.IsZero() {
		t.Fatal("snapshot timestamp not set")
	}

	if got := testutil.ToFloat64(e.streamRetries.WithLabelValues("messages")); got != 2 {
		t.Fatalf("prometheus stream retries = %v", got)
	}
	if got := testutil.ToFloat64(e.messages); got != 1 {
		t.Fatalf("prometheus messages = %v", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	e := New(nil)
	e.StreamRetry("messages")

	snap := e.Snapshot()
	snap.StreamRetries["messages"] = 99

	if e.Snapshot().StreamRetries["messages"] != 1 {
		t.Fatal("snapshot maps must not alias internal state")
	}
}
