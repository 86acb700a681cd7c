// Package source abstracts where inbound messages come from. The rest
// of the pipeline only sees the Source contract; whether messages are
// read straight from the bridge's SQLite store, fetched over its HTTP
// API, or buffered from its WebSocket push stream is an implementation
// detail selected in config.
package source

import (
	"context"
	"strings"

	"github.com/iamveene/tsushin/internal/bus"
)

// DefaultBatchLimit caps how many messages one poll may return.
const DefaultBatchLimit = 500

// ContextLine is one line of recent-chat context for group dispatches.
type ContextLine struct {
	Timestamp  string `json:"timestamp"`
	SenderName string `json:"sender_name"`
	Body       string `json:"body"`
}

// Source yields newly arrived messages since a timestamp cursor.
//
// GetLatestTimestamp must fail loudly when the backing store is
// unreachable — silently returning the zero timestamp would replay the
// whole history on reconnect. GetNewMessages degrades the opposite way:
// retrieval errors yield an empty batch so the polling loop keeps
// running. Both return timestamps in bus.TimestampLayout, ascending.
type Source interface {
	Name() string
	GetLatestTimestamp(ctx context.Context) (string, error)
	GetNewMessages(ctx context.Context, since string, limit int) []bus.NormalizedMessage
	// GetRecentMessages returns chat context strictly older than before.
	// Implementations without history access return an empty slice.
	GetRecentMessages(ctx context.Context, chatID, before string, limit int) []ContextLine
	IsAvailable(ctx context.Context) bool
}

// NameResolver maps normalized sender numbers to display names.
// Matching is prefix-insensitive: a leading "+" on either side is
// ignored, as are transport suffixes.
type NameResolver struct {
	names map[string]string
}

func NewNameResolver(names map[string]string) *NameResolver {
	normalized := make(map[string]string, len(names))
	for number, name := range names {
		normalized[normalizeNumber(number)] = name
	}
	return &NameResolver{names: normalized}
}

// Resolve returns the display name for a raw sender id, or "" when the
// sender is not in the mapping.
func (r *NameResolver) Resolve(rawSender string) string {
	if r == nil {
		return ""
	}
	return r.names[normalizeNumber(rawSender)]
}

func normalizeNumber(raw string) string {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "+")
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	return s
}

// clampLimit applies the default/max batch limit.
func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultBatchLimit {
		return DefaultBatchLimit
	}
	return limit
}
