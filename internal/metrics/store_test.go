package metrics

import (
	"strings"
	"testing"

	"github.com/gamepulsehq/relay/pkg/types"
)

func TestSnapshotReflectsRecorders(t *testing.T) {
	store := NewStore()

	qr := store.QueueRecorder()
	qr.ObserveLaneDepth(types.PriorityCritical, 3)
	qr.IncEnqueued()
	qr.IncDeadLetter("expired")
	qr.IncDeadLetter("evicted")

	br := store.BroadcastRecorder()
	br.ObserveSessions(2)
	br.IncDelivered(5)
	br.IncDropRateLimited()

	snap := store.Snapshot()
	if snap.LaneDepth["critical"] != 3 || snap.QueueDepthTotal != 3 {
		t.Fatalf("unexpected lane depth: %+v", snap.LaneDepth)
	}
	if snap.EventsEnqueued != 1 {
		t.Fatalf("expected 1 enqueued, got %d", snap.EventsEnqueued)
	}
	if snap.DeadLetterExpired != 1 || snap.DeadLetterEvicted != 1 {
		t.Fatalf("unexpected dead letter counts: %+v", snap)
	}
	if snap.SessionsActive != 2 || snap.EventsDelivered != 5 || snap.DropsRateLimited != 1 {
		t.Fatalf("unexpected broadcast counts: %+v", snap)
	}
}

func TestWritePrometheusFormat(t *testing.T) {
	store := NewStore()
	store.QueueRecorder().ObserveLaneDepth(types.PriorityHigh, 7)
	store.BroadcastRecorder().IncDelivered(2)

	var sb strings.Builder
	if err := store.WritePrometheus(&sb); err != nil {
		t.Fatalf("write prometheus: %v", err)
	}
	out := sb.String()
	if !strings.Contains(out, `relay_queue_depth{lane="high"} 7`) {
		t.Fatalf("missing lane depth gauge:\n%s", out)
	}
	if !strings.Contains(out, "relay_events_delivered_total 2") {
		t.Fatalf("missing delivered counter:\n%s", out)
	}
}
