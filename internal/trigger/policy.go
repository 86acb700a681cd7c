package trigger

import (
	"context"
	"log/slog"

	"github.com/iamveene/tsushin/internal/bus"
	"github.com/iamveene/tsushin/internal/store"
)

// Rules is the static part of the policy state, rebuilt from config on
// hot reload. The dynamic parts (emergency stop, contacts, threads) are
// read live from the stores on every classification.
type Rules struct {
	GroupNames      map[string]struct{} // monitored group chat names
	NumberAllowList map[string]struct{} // normalized numbers, no "+"
	DMAutoMode      bool                // tenant-wide auto-reply for unknown DMs
}

// NewRules builds a Rules value from plain slices, normalizing the
// allow-list entries.
func NewRules(groups, allowList []string, dmAuto bool) Rules {
	r := Rules{
		GroupNames:      make(map[string]struct{}, len(groups)),
		NumberAllowList: make(map[string]struct{}, len(allowList)),
		DMAutoMode:      dmAuto,
	}
	for _, g := range groups {
		r.GroupNames[g] = struct{}{}
	}
	for _, n := range allowList {
		r.NumberAllowList[NormalizeNumber(n)] = struct{}{}
	}
	return r
}

// Policy classifies inbound messages. Immutable once built; the watcher
// swaps the whole Policy atomically on reload.
type Policy struct {
	rules         Rules
	tenant        store.TenantStore
	contacts      store.ContactStore
	conversations store.ConversationStore
	identity      *Resolver
}

func NewPolicy(rules Rules, stores *store.Stores, identity *Resolver) *Policy {
	return &Policy{
		rules:         rules,
		tenant:        stores.Tenant,
		contacts:      stores.Contacts,
		conversations: stores.Conversations,
		identity:      identity,
	}
}

// Classify evaluates the trigger rules in strict priority order and
// short-circuits on the first match:
//
//  1. emergency stop (fail-open on read error)
//  2. group gating by chat name
//  3. active conversation (overrides everything below, both directions)
//  4. per-contact trigger flag (an explicit opt-out beats tenant defaults)
//  5. tenant-wide DM auto mode (unknown senders only)
//  6. legacy number allow-list
func (p *Policy) Classify(ctx context.Context, msg bus.NormalizedMessage) bus.TriggerType {
	// Emergency stop gates everything. A failed read must not block the
	// pipeline: not-stopped is the safe default for this check alone.
	stopped, err := p.tenant.EmergencyStop(ctx)
	if err != nil {
		slog.Warn("emergency stop read failed, continuing (fail-open)", "error", err)
	} else if stopped {
		return bus.TriggerNone
	}

	if msg.IsGroup {
		if _, ok := p.rules.GroupNames[msg.ChatName]; ok {
			return bus.TriggerGroup
		}
		// Per-agent keyword filtering inside a monitored group belongs to
		// the downstream router; unmonitored groups stop here.
		return bus.TriggerNone
	}

	return p.classifyDirect(ctx, msg)
}

func (p *Policy) classifyDirect(ctx context.Context, msg bus.NormalizedMessage) bus.TriggerType {
	aliases := p.identity.Resolve(msg.Sender)

	// An in-flight multi-turn conversation is never abandoned mid-way,
	// even for contacts configured to never trigger.
	if p.hasActiveConversation(ctx, aliases) {
		return bus.TriggerConversation
	}

	contact, err := p.contacts.IdentifyBySender(ctx, msg.Sender)
	if err != nil {
		// Fail closed: treating the sender as unknown would let
		// dmAutoMode or the allow-list fire for a contact who
		// explicitly opted out. A missed trigger is recoverable by the
		// sender; a wrong one is not.
		slog.Warn("contact lookup failed, suppressing trigger", "sender", msg.Sender, "error", err)
		return bus.TriggerNone
	}
	if contact != nil {
		// Contact-level configuration always wins over tenant-wide
		// defaults: an explicit opt-out must not be reactivated by
		// dmAutoMode or the legacy allow-list.
		if contact.IsDmTrigger {
			return bus.TriggerContact
		}
		return bus.TriggerNone
	}

	if p.rules.DMAutoMode {
		return bus.TriggerAuto
	}

	if _, ok := p.rules.NumberAllowList[NormalizeNumber(msg.Sender)]; ok {
		return bus.TriggerNumber
	}

	return bus.TriggerNone
}

// hasActiveConversation consults both the conversation-thread store and
// the legacy scheduled-event store under every alias. Lookup errors
// degrade to "no conversation" — the contact/auto rules below still run.
func (p *Policy) hasActiveConversation(ctx context.Context, aliases []string) bool {
	if len(aliases) == 0 {
		return false
	}
	active, err := p.conversations.HasActiveThread(ctx, aliases)
	if err != nil {
		slog.Warn("conversation thread lookup failed", "error", err)
	} else if active {
		return true
	}

	scheduled, err := p.conversations.HasScheduledEvent(ctx, aliases)
	if err != nil {
		slog.Warn("scheduled event lookup failed", "error", err)
		return false
	}
	return scheduled
}
