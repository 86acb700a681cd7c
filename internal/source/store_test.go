package source

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/iamveene/tsushin/internal/bus"
)

// seedBridgeStore creates a bridge-shaped message store on disk and
// returns its path.
func seedBridgeStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "messages.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE chats (jid TEXT PRIMARY KEY, name TEXT)`,
		`CREATE TABLE messages (
			id TEXT PRIMARY KEY, chat_jid TEXT, sender TEXT, content TEXT,
			timestamp TEXT, is_from_me INTEGER DEFAULT 0,
			media_type TEXT, filename TEXT, url TEXT)`,
		`INSERT INTO chats VALUES ('grp@g.us', 'Ops')`,
		`INSERT INTO messages (id, chat_jid, sender, content, timestamp, is_from_me) VALUES
			('m1', '111@s.whatsapp.net', '+14155550100', 'first',  '2026-03-01T10:00:01.000Z', 0),
			('m2', 'grp@g.us',           '222',          'second', '2026-03-01T10:00:02.000Z', 0),
			('m3', '111@s.whatsapp.net', 'me',           'mine',   '2026-03-01T10:00:03.000Z', 1),
			('m0', '111@s.whatsapp.net', '+14155550100', 'old',    '2026-03-01T09:59:59.000Z', 0)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return path
}

func TestStoreSourceGetNewMessages(t *testing.T) {
	src, err := NewStoreSource(seedBridgeStore(t), NewNameResolver(map[string]string{"14155550100": "Alice"}))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	msgs := src.GetNewMessages(context.Background(), "2026-03-01T10:00:00.000Z", 0)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (old + self excluded)", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("wrong order: %s, %s", msgs[0].ID, msgs[1].ID)
	}
	if msgs[0].SenderName != "Alice" {
		t.Errorf("sender name = %q", msgs[0].SenderName)
	}
	if !msgs[1].IsGroup || msgs[1].ChatName != "Ops" {
		t.Errorf("group resolution failed: %+v", msgs[1])
	}

	// Timestamps must be non-decreasing within one batch.
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp < msgs[i-1].Timestamp {
			t.Errorf("batch not ascending at %d", i)
		}
	}
}

func TestStoreSourceLatestTimestamp(t *testing.T) {
	src, err := NewStoreSource(seedBridgeStore(t), NewNameResolver(nil))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	ts, err := src.GetLatestTimestamp(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ts != "2026-03-01T10:00:03.000Z" {
		t.Errorf("latest = %q", ts)
	}
}

func TestStoreSourceEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`CREATE TABLE messages (id TEXT, chat_jid TEXT, sender TEXT, content TEXT, timestamp TEXT, is_from_me INTEGER, media_type TEXT, filename TEXT, url TEXT)`); err != nil {
		t.Fatal(err)
	}
	db.Close()

	src, err := NewStoreSource(path, NewNameResolver(nil))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	ts, err := src.GetLatestTimestamp(context.Background())
	if err != nil {
		t.Fatalf("empty store should not error: %v", err)
	}
	if ts != bus.ZeroTimestamp {
		t.Errorf("latest = %q, want zero timestamp", ts)
	}
}

func TestStoreSourceCursorSpansTimestampFormats(t *testing.T) {
	// Older bridge builds wrote space-separated timestamps with an
	// explicit offset. The cursor is canonical ('T'-separated), which
	// sorts above every space-separated literal of the same day, so a
	// raw string comparison would hide such rows until the date rolls
	// over. The query must order across both formats.
	path := filepath.Join(t.TempDir(), "messages.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	for _, stmt := range []string{
		`CREATE TABLE chats (jid TEXT PRIMARY KEY, name TEXT)`,
		`CREATE TABLE messages (
			id TEXT PRIMARY KEY, chat_jid TEXT, sender TEXT, content TEXT,
			timestamp TEXT, is_from_me INTEGER DEFAULT 0,
			media_type TEXT, filename TEXT, url TEXT)`,
		`INSERT INTO messages (id, chat_jid, sender, content, timestamp, is_from_me) VALUES
			('f1', '111@s.whatsapp.net', '+1', 'first', '2026-03-01 10:00:01.000000000+00:00', 0)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	src, err := NewStoreSource(path, NewNameResolver(nil))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	cursor, err := src.GetLatestTimestamp(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cursor != "2026-03-01T10:00:01.000Z" {
		t.Fatalf("latest = %q, want canonical form", cursor)
	}

	// A strictly newer row arrives, still in the old literal format.
	if _, err := db.Exec(`INSERT INTO messages (id, chat_jid, sender, content, timestamp, is_from_me)
		VALUES ('f2', '111@s.whatsapp.net', '+1', 'second', '2026-03-01 11:00:00.000000000+00:00', 0)`); err != nil {
		t.Fatal(err)
	}

	msgs := src.GetNewMessages(context.Background(), cursor, 0)
	if len(msgs) != 1 || msgs[0].ID != "f2" {
		t.Fatalf("newer same-day row not returned past cursor: %+v", msgs)
	}
	if msgs[0].Timestamp != "2026-03-01T11:00:00.000Z" {
		t.Errorf("timestamp not normalized: %q", msgs[0].Timestamp)
	}
}

func TestStoreSourceRecentMessages(t *testing.T) {
	src, err := NewStoreSource(seedBridgeStore(t), NewNameResolver(map[string]string{"14155550100": "Alice"}))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	lines := src.GetRecentMessages(context.Background(), "111@s.whatsapp.net", "2026-03-01T10:00:02.000Z", 10)
	if len(lines) != 2 {
		t.Fatalf("got %d context lines, want 2", len(lines))
	}
	// Oldest first.
	if lines[0].Body != "old" || lines[1].Body != "first" {
		t.Errorf("wrong order/content: %+v", lines)
	}
	if lines[0].SenderName != "Alice" {
		t.Errorf("sender name = %q", lines[0].SenderName)
	}
}
