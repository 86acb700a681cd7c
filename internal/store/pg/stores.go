// Package pg implements the store contracts on Postgres (managed mode).
// Schema is applied via `tsushin migrate` (golang-migrate).
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/iamveene/tsushin/internal/store"
)

// Open connects to Postgres and returns the full store set backed by it.
func Open(dsn string) (*store.Stores, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &store.Stores{
		Contacts:      &ContactStore{db: db},
		Conversations: &ConversationStore{db: db},
		Tenant:        &TenantStore{db: db},
		Cache:         &MessageCache{db: db},
		Close:         db.Close,
	}, nil
}

// ContactStore implements store.ContactStore on Postgres.
type ContactStore struct {
	db *sql.DB
}

func (s *ContactStore) IdentifyBySender(ctx context.Context, rawSender string) (*store.Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, phone_number, display_name, is_dm_trigger, aliases
		   FROM contacts
		  WHERE phone_number = ltrim($1, '+')
		     OR phone_number = split_part(ltrim($1, '+'), '@', 1)
		     OR $1 = ANY(aliases)
		  LIMIT 1`,
		rawSender,
	)

	var c store.Contact
	if err := row.Scan(&c.ID, &c.PhoneNumber, &c.DisplayName, &c.IsDmTrigger, pq.Array(&c.Aliases)); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("identify contact: %w", err)
	}
	return &c, nil
}

// ConversationStore implements store.ConversationStore on Postgres.
type ConversationStore struct {
	db *sql.DB
}

func (s *ConversationStore) HasActiveThread(ctx context.Context, aliases []string) (bool, error) {
	return s.anyMatch(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM conversation_threads
		    WHERE status = 'active' AND contact_ref = ANY($1))`,
		aliases)
}

func (s *ConversationStore) HasScheduledEvent(ctx context.Context, aliases []string) (bool, error) {
	return s.anyMatch(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM scheduled_events
		    WHERE status IN ('pending','active') AND recipient = ANY($1))`,
		aliases)
}

func (s *ConversationStore) anyMatch(ctx context.Context, query string, aliases []string) (bool, error) {
	if len(aliases) == 0 {
		return false, nil
	}
	var found bool
	if err := s.db.QueryRowContext(ctx, query, pq.Array(aliases)).Scan(&found); err != nil {
		return false, fmt.Errorf("conversation lookup: %w", err)
	}
	return found, nil
}

// TenantStore implements store.TenantStore on Postgres.
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

// MessageCache implements store.MessageCache on Postgres.
type MessageCache struct {
	db *sql.DB
}

func (s *MessageCache) Exists(ctx context.Context, messageID string) (bool, error) {
	var found bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM message_cache WHERE message_id = $1)`,
		messageID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("message cache lookup: %w", err)
	}
	return found, nil
}

// Record inserts a message id into the persistent cache. Idempotent.
func (s *MessageCache) Record(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_cache (message_id, cached_at) VALUES ($1, now())
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID)
	if err != nil {
		return fmt.Errorf("record message id: %w", err)
	}
	return nil
}
