package watcher

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iamveene/tsushin/internal/bus"
)

// debouncer coalesces rapid conversation messages for the same chat
// into a single synthetic dispatch. Each new arrival for a key cancels
// the pending flush timer and schedules a fresh one, so a burst settles
// into exactly one downstream event.
type debouncer struct {
	delay    time.Duration
	dispatch func(ctx context.Context, msg bus.NormalizedMessage)

	mu      sync.Mutex
	pending map[string]*debounceEntry
	stopped bool
}

type debounceEntry struct {
	messages []bus.NormalizedMessage
	timer    *time.Timer
}

func newDebouncer(delay time.Duration, dispatch func(ctx context.Context, msg bus.NormalizedMessage)) *debouncer {
	return &debouncer{
		delay:    delay,
		dispatch: dispatch,
		pending:  make(map[string]*debounceEntry),
	}
}

// debounceKey groups messages that should be merged: one buffer per
// chat per transport, falling back to the sender for DMs with no chat.
func debounceKey(msg bus.NormalizedMessage) string {
	target := msg.ChatID
	if target == "" {
		target = msg.Sender
	}
	return msg.Channel + "|" + target
}

// Add buffers msg and (re)schedules the flush timer for its key.
func (d *debouncer) Add(ctx context.Context, msg bus.NormalizedMessage) {
	key := debounceKey(msg)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	entry, ok := d.pending[key]
	if ok {
		entry.timer.Stop()
		entry.messages = append(entry.messages, msg)
	} else {
		entry = &debounceEntry{messages: []bus.NormalizedMessage{msg}}
		d.pending[key] = entry
	}

	entry.timer = time.AfterFunc(d.delay, func() {
		d.flush(ctx, key)
	})
}

// flush drains the buffer for key and dispatches one merged message.
// Empty or whitespace-only merges are dropped silently.
func (d *debouncer) flush(ctx context.Context, key string) {
	d.mu.Lock()
	entry, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	stopped := d.stopped
	d.mu.Unlock()

	if !ok || stopped || len(entry.messages) == 0 {
		return
	}

	merged := mergeMessages(entry.messages)
	if strings.TrimSpace(merged.Body) == "" {
		return
	}

	slog.Debug("debounce flush",
		"key", key,
		"merged_count", len(entry.messages),
		"synthetic_id", merged.ID,
	)
	d.dispatch(ctx, merged)
}

// Stop cancels every pending timer; buffered messages are discarded.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, entry := range d.pending {
		entry.timer.Stop()
		delete(d.pending, key)
	}
}

// PendingKeys returns the number of keys with an outstanding flush.
func (d *debouncer) PendingKeys() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// mergeMessages builds the synthetic aggregate: bodies newline-joined
// in timestamp order, carrying the original ids and the metadata of the
// newest message.
func mergeMessages(msgs []bus.NormalizedMessage) bus.NormalizedMessage {
	sorted := make([]bus.NormalizedMessage, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	ids := make([]string, 0, len(sorted))
	bodies := make([]string, 0, len(sorted))
	for _, m := range sorted {
		ids = append(ids, m.ID)
		if m.Body != "" {
			bodies = append(bodies, m.Body)
		}
	}

	merged := sorted[len(sorted)-1]
	merged.ID = "agg-" + uuid.NewString()
	merged.Body = strings.Join(bodies, "\n")
	merged.AggregatedMessageIDs = ids
	return merged
}
