// Package bus defines the message types exchanged between the ingestion
// pipeline and the agent-processing layer.
package bus

import "context"

// TriggerType classifies why an inbound message should wake an agent.
// Computed fresh on every poll cycle, never persisted.
type TriggerType string

const (
	TriggerGroup        TriggerType = "group"           // monitored group chat
	TriggerNumber       TriggerType = "number"          // legacy number allow-list
	TriggerAuto         TriggerType = "auto"            // tenant-wide DM auto mode
	TriggerContact      TriggerType = "contact_trigger" // per-contact opt-in
	TriggerConversation TriggerType = "conversation"    // active conversation thread
	TriggerNone         TriggerType = "none"
)

// NormalizedMessage is the canonical shape every MessageSource emits.
// ID is the idempotency key; Timestamp is the pagination cursor and is
// always in the fixed sortable format produced by FormatTimestamp.
type NormalizedMessage struct {
	ID         string `json:"id"`
	ChatID     string `json:"chat_id"`
	ChatName   string `json:"chat_name,omitempty"`
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name,omitempty"`
	Body       string `json:"body"`
	Timestamp  string `json:"timestamp"`
	IsGroup    bool   `json:"is_group"`
	MediaType  string `json:"media_type,omitempty"`
	Filename   string `json:"filename,omitempty"`
	MediaURL   string `json:"media_url,omitempty"`
	Channel    string `json:"channel"`

	// Set only on synthetic messages produced by debounce aggregation:
	// the ids of the original messages merged into this one.
	AggregatedMessageIDs []string `json:"aggregated_message_ids,omitempty"`
}

// DispatchFunc hands a triggered message to the agent layer. The watcher
// awaits it, logs any error, and continues; a failing dispatch never
// blocks or aborts sibling dispatches.
type DispatchFunc func(ctx context.Context, msg NormalizedMessage, trigger TriggerType) error
