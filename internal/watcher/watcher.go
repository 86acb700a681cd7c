// Package watcher runs the ingestion loop: it polls a message source,
// deduplicates against in-memory and persistent state, classifies each
// message through the trigger policy, and dispatches triggered messages
// to the agent layer with lane-specific ordering guarantees.
package watcher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/iamveene/tsushin/internal/bus"
	"github.com/iamveene/tsushin/internal/source"
	"github.com/iamveene/tsushin/internal/store"
	"github.com/iamveene/tsushin/internal/trigger"
)

// Options configures one Watcher instance.
type Options struct {
	PollInterval      time.Duration // default 3s
	StartupBackoff    time.Duration // fixed retry delay for the startup probe, default 5s
	SettleDelay       time.Duration // pause between sequential-lane dispatches, default 500ms
	ConversationDelay time.Duration // debounce window for conversation messages, 0 disables
	StartingTimestamp string        // replay cutoff for freshly provisioned tenants
	BatchLimit        int           // max messages per poll, default source.DefaultBatchLimit
	SeenCapacity      int           // in-memory dedup bound, default 10000
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.StartupBackoff <= 0 {
		o.StartupBackoff = 5 * time.Second
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = 500 * time.Millisecond
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = source.DefaultBatchLimit
	}
}

// Watcher is the ingestion loop. Construct with New, then Start.
type Watcher struct {
	src      source.Source
	cache    store.MessageCache
	dispatch bus.DispatchFunc
	opts     Options
	tracer   trace.Tracer

	policy atomic.Pointer[trigger.Policy]
	seen   *seenSet
	deb    *debouncer

	mu            sync.Mutex
	lastTimestamp string

	paused  atomic.Bool
	running atomic.Bool
	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(src source.Source, policy *trigger.Policy, cache store.MessageCache, dispatch bus.DispatchFunc, opts Options) *Watcher {
	opts.withDefaults()

	w := &Watcher{
		src:      src,
		cache:    cache,
		dispatch: dispatch,
		opts:     opts,
		tracer:   otel.Tracer("tsushin/watcher"),
		seen:     newSeenSet(opts.SeenCapacity),
		done:     make(chan struct{}),
	}
	w.policy.Store(policy)
	w.deb = newDebouncer(opts.ConversationDelay, func(ctx context.Context, msg bus.NormalizedMessage) {
		w.dispatchOne(ctx, msg, bus.TriggerConversation)
	})
	return w
}

// Start resolves the initial high-water mark and launches the polling
// loop. It blocks until the source answers the startup probe (retrying
// forever with fixed backoff) or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	var latest string
	for attempt := 1; ; attempt++ {
		ts, err := w.src.GetLatestTimestamp(ctx)
		if err == nil {
			latest = ts
			break
		}
		slog.Warn("startup: source unreachable, retrying",
			"source", w.src.Name(),
			"attempt", attempt,
			"backoff", w.opts.StartupBackoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.opts.StartupBackoff):
		}
	}

	// Never start behind the tenant's provisioning cutoff: messages older
	// than the explicit starting timestamp must not replay.
	w.setLastTimestamp(bus.MaxTimestamp(latest, w.opts.StartingTimestamp))

	slog.Info("watcher started",
		"source", w.src.Name(),
		"poll_interval", w.opts.PollInterval,
		"starting_from", w.LastTimestamp(),
		"debounce", w.opts.ConversationDelay,
	)

	w.running.Store(true)
	w.started.Store(true)
	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer func() {
		w.running.Store(false)
		close(w.done)
	}()

	for {
		w.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// cycle executes one poll iteration. The loop must outlive any bug in a
// single cycle, so panics are contained here.
func (w *Watcher) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("poll cycle panicked, continuing", "panic", r)
		}
	}()

	if w.paused.Load() {
		return
	}

	batch := w.src.GetNewMessages(ctx, w.LastTimestamp(), w.opts.BatchLimit)
	if len(batch) == 0 {
		return
	}

	policy := w.policy.Load()

	var sequential []bus.NormalizedMessage
	type laneItem struct {
		msg bus.NormalizedMessage
		tt  bus.TriggerType
	}
	var concurrent []laneItem

	for _, msg := range batch {
		if w.seen.Contains(msg.ID) {
			continue
		}

		cached, err := w.cache.Exists(ctx, msg.ID)
		if err != nil {
			// Can't prove it hasn't been dispatched; a skipped message is
			// cheaper than a duplicate agent reply.
			slog.Warn("dedup cache check failed, skipping message",
				"message_id", msg.ID, "error", err)
			continue
		}
		if cached {
			// Replayed after a restart. Advance the cursor past it or the
			// loop stalls forever on this boundary message.
			w.advance(bus.NextTimestamp(msg.Timestamp))
			w.seen.Add(msg.ID)
			slog.Debug("skipping message found in persistent cache", "message_id", msg.ID)
			continue
		}

		tt := policy.Classify(ctx, msg)

		w.seen.Add(msg.ID)
		w.advance(msg.Timestamp)

		switch tt {
		case bus.TriggerNone:
		case bus.TriggerConversation:
			sequential = append(sequential, msg)
		default:
			concurrent = append(concurrent, laneItem{msg: msg, tt: tt})
		}
	}

	// Sequential lane: strict timestamp order, one dispatch fully
	// completing before the next, with a settling delay so two rapid
	// messages cannot race on shared conversation state.
	for i, msg := range sequential {
		if w.opts.ConversationDelay > 0 {
			w.deb.Add(ctx, msg)
			continue
		}
		w.dispatchOne(ctx, msg, bus.TriggerConversation)
		if i < len(sequential)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.opts.SettleDelay):
			}
		}
	}

	// Concurrent lane: dispatch in parallel, await as a batch. Failures
	// are logged per item inside dispatchOne and never abort siblings.
	var g errgroup.Group
	for _, item := range concurrent {
		g.Go(func() error {
			w.dispatchOne(ctx, item.msg, item.tt)
			return nil
		})
	}
	_ = g.Wait()
}

// dispatchOne invokes the downstream callback for a single message,
// catching and logging any error.
func (w *Watcher) dispatchOne(ctx context.Context, msg bus.NormalizedMessage, tt bus.TriggerType) {
	ctx, span := w.tracer.Start(ctx, "watcher.dispatch",
		trace.WithAttributes(
			attribute.String("message.id", msg.ID),
			attribute.String("message.chat_id", msg.ChatID),
			attribute.String("trigger.type", string(tt)),
			attribute.Int("message.aggregated", len(msg.AggregatedMessageIDs)),
		))
	defer span.End()

	if err := w.dispatch(ctx, msg, tt); err != nil {
		span.SetStatus(codes.Error, err.Error())
		slog.Error("dispatch failed",
			"message_id", msg.ID,
			"chat_id", msg.ChatID,
			"trigger", tt,
			"error", err,
		)
		return
	}
	slog.Debug("dispatched", "message_id", msg.ID, "trigger", tt)
}

// Pause skips whole poll cycles (no source query, no dispatch) until
// Resume. The loop itself keeps ticking.
func (w *Watcher) Pause() {
	w.paused.Store(true)
	slog.Info("watcher paused")
}

func (w *Watcher) Resume() {
	w.paused.Store(false)
	slog.Info("watcher resumed")
}

func (w *Watcher) IsPaused() bool  { return w.paused.Load() }
func (w *Watcher) IsRunning() bool { return w.running.Load() }

// Stop halts polling and cancels all pending debounce timers. Blocks
// until the loop goroutine exits.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.deb.Stop()
	// running flips false a hair before done closes, so it cannot gate
	// the wait. Only whether the loop goroutine ever launched matters.
	if w.started.Load() {
		<-w.done
	}
	slog.Info("watcher stopped", "last_timestamp", w.LastTimestamp())
}

// ReloadFilter swaps the trigger policy atomically; the next cycle
// classifies with the new rules.
func (w *Watcher) ReloadFilter(p *trigger.Policy) {
	w.policy.Store(p)
	slog.Info("trigger policy reloaded")
}

// LastTimestamp returns the current high-water mark.
func (w *Watcher) LastTimestamp() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastTimestamp
}

func (w *Watcher) setLastTimestamp(ts string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastTimestamp = ts
}

// advance moves the high-water mark forward, never backward.
func (w *Watcher) advance(ts string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastTimestamp = bus.MaxTimestamp(w.lastTimestamp, ts)
}
