// Package sqlite implements the store contracts on a local SQLite file
// (standalone mode). Uses the pure-Go driver, no cgo required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iamveene/tsushin/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	id            TEXT PRIMARY KEY,
	phone_number  TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	is_dm_trigger INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_contacts_phone ON contacts(phone_number);

CREATE TABLE IF NOT EXISTS contact_aliases (
	contact_id TEXT NOT NULL REFERENCES contacts(id),
	alias      TEXT NOT NULL,
	PRIMARY KEY (contact_id, alias)
);

CREATE TABLE IF NOT EXISTS conversation_threads (
	id          TEXT PRIMARY KEY,
	contact_ref TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'active',
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threads_ref ON conversation_threads(contact_ref, status);

CREATE TABLE IF NOT EXISTS scheduled_events (
	id         TEXT PRIMARY KEY,
	recipient  TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_recipient ON scheduled_events(recipient, status);

CREATE TABLE IF NOT EXISTS message_cache (
	message_id TEXT PRIMARY KEY,
	cached_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tenant_settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Open opens (creating if needed) the SQLite database and returns the
// full store set backed by it.
func Open(path string) (*store.Stores, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite handles one writer at a time; serialize access through a
	// single connection to avoid SQLITE_BUSY under concurrent lanes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	return &store.Stores{
		Contacts:      &ContactStore{db: db},
		Conversations: &ConversationStore{db: db},
		Tenant:        &TenantStore{db: db},
		Cache:         &MessageCache{db: db},
		Close:         db.Close,
	}, nil
}

// ContactStore implements store.ContactStore on SQLite.
type ContactStore struct {
	db *sql.DB
}

func (s *ContactStore) IdentifyBySender(ctx context.Context, rawSender string) (*store.Contact, error) {
	number := normalizeSender(rawSender)
	if number == "" {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, phone_number, display_name, is_dm_trigger
		   FROM contacts
		  WHERE phone_number = ?
		     OR id IN (SELECT contact_id FROM contact_aliases WHERE alias = ?)
		  LIMIT 1`,
		number, rawSender,
	)

	var c store.Contact
	var trig int
	if err := row.Scan(&c.ID, &c.PhoneNumber, &c.DisplayName, &trig); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("identify contact: %w", err)
	}
	c.IsDmTrigger = trig != 0

	rows, err := s.db.QueryContext(ctx,
		`SELECT alias FROM contact_aliases WHERE contact_id = ?`, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load contact aliases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		c.Aliases = append(c.Aliases, a)
	}
	return &c, rows.Err()
}

// ConversationStore implements store.ConversationStore on SQLite.
type ConversationStore struct {
	db *sql.DB
}

func (s *ConversationStore) HasActiveThread(ctx context.Context, aliases []string) (bool, error) {
	return s.anyMatch(ctx,
		`SELECT 1 FROM conversation_threads WHERE status = 'active' AND contact_ref IN (%s) LIMIT 1`,
		aliases)
}

func (s *ConversationStore) HasScheduledEvent(ctx context.Context, aliases []string) (bool, error) {
	return s.anyMatch(ctx,
		`SELECT 1 FROM scheduled_events WHERE status IN ('pending','active') AND recipient IN (%s) LIMIT 1`,
		aliases)
}

func (s *ConversationStore) anyMatch(ctx context.Context, queryTmpl string, aliases []string) (bool, error) {
	if len(aliases) == 0 {
		return false, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(aliases)), ",")
	args := make([]any, len(aliases))
	for i, a := range aliases {
		args[i] = a
	}

	var one int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(queryTmpl, placeholders), args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("conversation lookup: %w", err)
	}
	return true, nil
}

// TenantStore implements store.TenantStore on SQLite.
type TenantStore struct {
	db *sql.DB
}

func (s *TenantStore) EmergencyStop(ctx context.Context) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM tenant_settings WHERE key = 'emergency_stop'`).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read emergency stop: %w", err)
	}
	return value == "true" || value == "1", nil
}

// MessageCache implements store.MessageCache on SQLite.
type MessageCache struct {
	db *sql.DB
}

func (s *MessageCache) Exists(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM message_cache WHERE message_id = ? LIMIT 1`, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("message cache lookup: %w", err)
	}
	return true, nil
}

// Record inserts a message id into the persistent cache. Idempotent.
// Called by the dispatch path, not by the watcher itself.
func (s *MessageCache) Record(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_cache (message_id, cached_at) VALUES (?, ?)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record message id: %w", err)
	}
	return nil
}

func normalizeSender(raw string) string {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "+")
	// Strip transport suffixes like "@s.whatsapp.net" / "@c.us" / "@lid".
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	return s
}
