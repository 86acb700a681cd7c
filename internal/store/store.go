// Package store defines the storage contracts consumed by the trigger
// policy and the ingestion loop, plus the container that groups them.
// In standalone mode all stores are SQLite-backed; in managed mode they
// are Postgres-backed.
package store

import "context"

// Contact is a known sender record.
type Contact struct {
	ID          string
	PhoneNumber string   // normalized, no leading "+"
	DisplayName string
	IsDmTrigger bool     // explicit per-contact opt-in/opt-out
	Aliases     []string // transport-specific ids (e.g. "123@lid")
}

// ContactStore resolves raw sender identifiers to contact records.
type ContactStore interface {
	// IdentifyBySender returns the contact matching a raw sender id under
	// prefix-insensitive matching (leading "+" stripped), or nil if the
	// sender is unknown.
	IdentifyBySender(ctx context.Context, rawSender string) (*Contact, error)
}

// ConversationStore answers whether a sender has an in-flight
// conversation. Two independent stores are consulted: the modern
// conversation-thread table and the legacy scheduled-event table.
// Callers pass every plausible alias for the sender; a hit on any alias
// in either store counts.
type ConversationStore interface {
	HasActiveThread(ctx context.Context, aliases []string) (bool, error)
	HasScheduledEvent(ctx context.Context, aliases []string) (bool, error)
}

// TenantStore exposes the tenant-wide kill switch. Read live on every
// classification so flipping it takes effect without a restart.
type TenantStore interface {
	EmergencyStop(ctx context.Context) (bool, error)
}

// MessageCache is the persistent dedup record. Exists must query the
// backing store directly (no caching layer) — it is the guard against
// replay after a process restart.
type MessageCache interface {
	Exists(ctx context.Context, messageID string) (bool, error)
}

// Stores groups all storage backends used by the pipeline.
type Stores struct {
	Contacts      ContactStore
	Conversations ConversationStore
	Tenant        TenantStore
	Cache         MessageCache

	// Close releases the underlying database handle.
	Close func() error
}
