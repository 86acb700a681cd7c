package watcher

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iamveene/tsushin/internal/bus"
)

type debounceRecorder struct {
	mu   sync.Mutex
	msgs []bus.NormalizedMessage
}

func (r *debounceRecorder) dispatch(_ context.Context, msg bus.NormalizedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *debounceRecorder) snapshot() []bus.NormalizedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.NormalizedMessage, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func convMsg(id, body, timestamp string) bus.NormalizedMessage {
	return bus.NormalizedMessage{
		ID:        id,
		ChatID:    "1@s.whatsapp.net",
		Sender:    "1",
		Body:      body,
		Timestamp: timestamp,
		Channel:   "whatsapp",
	}
}

func TestDebounceCoalescesBurst(t *testing.T) {
	rec := &debounceRecorder{}
	d := newDebouncer(30*time.Millisecond, rec.dispatch)
	defer d.Stop()

	ctx := context.Background()
	d.Add(ctx, convMsg("m1", "hello", ts(1)))
	d.Add(ctx, convMsg("m2", "are you", ts(2)))
	d.Add(ctx, convMsg("m3", "there?", ts(3)))

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 }, "one merged dispatch")

	merged := rec.snapshot()[0]
	if merged.Body != "hello\nare you\nthere?" {
		t.Errorf("merged body = %q", merged.Body)
	}
	if !strings.HasPrefix(merged.ID, "agg-") {
		t.Errorf("merged id = %q, want agg- prefix", merged.ID)
	}
	if got := merged.AggregatedMessageIDs; len(got) != 3 || got[0] != "m1" || got[1] != "m2" || got[2] != "m3" {
		t.Errorf("aggregated ids = %v", got)
	}
	if merged.Timestamp != ts(3) {
		t.Errorf("merged timestamp = %q, want newest %q", merged.Timestamp, ts(3))
	}
}

func TestDebounceReschedulesOnNewArrival(t *testing.T) {
	rec := &debounceRecorder{}
	d := newDebouncer(50*time.Millisecond, rec.dispatch)
	defer d.Stop()

	ctx := context.Background()
	d.Add(ctx, convMsg("m1", "first", ts(1)))
	time.Sleep(30 * time.Millisecond)
	// Arrives inside the window: the pending flush must be pushed back.
	d.Add(ctx, convMsg("m2", "second", ts(2)))
	time.Sleep(30 * time.Millisecond)

	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("flushed %d times before the window settled", n)
	}

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 }, "flush after quiet window")
	if got := rec.snapshot()[0].Body; got != "first\nsecond" {
		t.Errorf("merged body = %q", got)
	}
}

func TestDebounceSeparateKeysFlushIndependently(t *testing.T) {
	rec := &debounceRecorder{}
	d := newDebouncer(20*time.Millisecond, rec.dispatch)
	defer d.Stop()

	ctx := context.Background()
	a := convMsg("a1", "chat a", ts(1))
	b := convMsg("b1", "chat b", ts(2))
	b.ChatID = "2@s.whatsapp.net"
	b.Sender = "2"

	d.Add(ctx, a)
	d.Add(ctx, b)

	if got := d.PendingKeys(); got != 2 {
		t.Errorf("pending keys = %d, want 2", got)
	}

	waitFor(t, func() bool { return len(rec.snapshot()) == 2 }, "both keys flushed")
	for _, m := range rec.snapshot() {
		if len(m.AggregatedMessageIDs) != 1 {
			t.Errorf("cross-chat merge: %v", m.AggregatedMessageIDs)
		}
	}
}

func TestDebounceKeyFallsBackToSender(t *testing.T) {
	m := convMsg("m1", "x", ts(1))
	m.ChatID = ""
	if got, want := debounceKey(m), "whatsapp|1"; got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestDebounceDropsWhitespaceOnlyMerge(t *testing.T) {
	rec := &debounceRecorder{}
	d := newDebouncer(10*time.Millisecond, rec.dispatch)
	defer d.Stop()

	d.Add(context.Background(), convMsg("m1", "   ", ts(1)))
	time.Sleep(50 * time.Millisecond)

	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("whitespace-only merge dispatched %d times", n)
	}
}

func TestDebounceStopDiscardsPending(t *testing.T) {
	rec := &debounceRecorder{}
	d := newDebouncer(20*time.Millisecond, rec.dispatch)

	ctx := context.Background()
	d.Add(ctx, convMsg("m1", "dropped", ts(1)))
	d.Stop()
	time.Sleep(50 * time.Millisecond)

	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("dispatched %d times after Stop", n)
	}
	// Adds after Stop are ignored too.
	d.Add(ctx, convMsg("m2", "late", ts(2)))
	if got := d.PendingKeys(); got != 0 {
		t.Errorf("pending keys after Stop = %d", got)
	}
}

func TestMergeMessagesSortsByTimestamp(t *testing.T) {
	merged := mergeMessages([]bus.NormalizedMessage{
		convMsg("late", "world", ts(5)),
		convMsg("early", "hello", ts(1)),
	})
	if merged.Body != "hello\nworld" {
		t.Errorf("body = %q, want timestamp order", merged.Body)
	}
	if merged.AggregatedMessageIDs[0] != "early" || merged.AggregatedMessageIDs[1] != "late" {
		t.Errorf("ids = %v", merged.AggregatedMessageIDs)
	}
}
