package source

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/iamveene/tsushin/internal/bus"
)

// StoreSource reads messages directly from the WhatsApp bridge's SQLite
// message store. The bridge owns the schema; this source only issues
// read queries against its messages/chats tables.
type StoreSource struct {
	db    *sql.DB
	names *NameResolver
}

func NewStoreSource(path string, names *NameResolver) (*StoreSource, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("open message store %s: %w", path, err)
	}
	return &StoreSource{db: db, names: names}, nil
}

func (s *StoreSource) Name() string { return "store" }

// canonicalTS renders a stored timestamp in the pipeline's sortable
// layout inside SQL. The bridge has written several literal formats over
// time ('T'-separated, space-separated, with and without offsets), and a
// raw string comparison against the canonical cursor silently hides
// rows in the older formats. strftime converts offsets to UTC; values it
// cannot parse fall back to the raw text.
const canonicalTS = `COALESCE(strftime('%Y-%m-%dT%H:%M:%fZ', m.timestamp), m.timestamp)`

// Close releases the read handle on the bridge store.
func (s *StoreSource) Close() error { return s.db.Close() }

func (s *StoreSource) GetLatestTimestamp(ctx context.Context) (string, error) {
	var ts sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(`+canonicalTS+`) FROM messages m`).Scan(&ts)
	if err != nil {
		return "", fmt.Errorf("query latest timestamp: %w", err)
	}
	if !ts.Valid {
		return bus.ZeroTimestamp, nil // empty store
	}
	return bus.NormalizeTimestamp(ts.String), nil
}

func (s *StoreSource) GetNewMessages(ctx context.Context, since string, limit int) []bus.NormalizedMessage {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.chat_jid, COALESCE(c.name, ''), m.sender, m.content,
		        `+canonicalTS+`, COALESCE(m.media_type, ''), COALESCE(m.filename, ''), COALESCE(m.url, '')
		   FROM messages m
		   LEFT JOIN chats c ON c.jid = m.chat_jid
		  WHERE `+canonicalTS+` > ? AND m.is_from_me = 0
		  ORDER BY `+canonicalTS+` ASC
		  LIMIT ?`,
		since, clampLimit(limit),
	)
	if err != nil {
		slog.Warn("store source: query new messages failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []bus.NormalizedMessage
	for rows.Next() {
		var m bus.NormalizedMessage
		var rawTS string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.ChatName, &m.Sender, &m.Body,
			&rawTS, &m.MediaType, &m.Filename, &m.MediaURL); err != nil {
			slog.Warn("store source: scan message failed", "error", err)
			return nil
		}
		m.Timestamp = bus.NormalizeTimestamp(rawTS)
		m.Channel = "whatsapp"
		m.IsGroup = strings.HasSuffix(m.ChatID, "@g.us")
		m.SenderName = s.names.Resolve(m.Sender)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		slog.Warn("store source: iterate messages failed", "error", err)
		return nil
	}
	return out
}

func (s *StoreSource) GetRecentMessages(ctx context.Context, chatID, before string, limit int) []ContextLine {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+canonicalTS+`, m.sender, m.content
		   FROM messages m
		  WHERE m.chat_jid = ? AND `+canonicalTS+` < ?
		  ORDER BY `+canonicalTS+` DESC
		  LIMIT ?`,
		chatID, before, limit,
	)
	if err != nil {
		slog.Warn("store source: recent messages query failed", "chat_id", chatID, "error", err)
		return nil
	}
	defer rows.Close()

	var lines []ContextLine
	for rows.Next() {
		var line ContextLine
		var sender, rawTS string
		if err := rows.Scan(&rawTS, &sender, &line.Body); err != nil {
			return nil
		}
		line.Timestamp = bus.NormalizeTimestamp(rawTS)
		if line.SenderName = s.names.Resolve(sender); line.SenderName == "" {
			line.SenderName = sender
		}
		lines = append(lines, line)
	}
	// Oldest first for prompt assembly.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines
}

// IsAvailable always reports true: the store is a local file and any
// real failure surfaces through GetLatestTimestamp instead.
func (s *StoreSource) IsAvailable(context.Context) bool { return true }
