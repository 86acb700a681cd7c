package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Source.Kind != "store" {
		t.Errorf("source kind = %q, want store", cfg.Source.Kind)
	}
	if cfg.PollInterval() != 3*time.Second {
		t.Errorf("poll interval = %v, want 3s", cfg.PollInterval())
	}
	if cfg.ConversationDelay() != 5*time.Second {
		t.Errorf("conversation delay = %v, want 5s", cfg.ConversationDelay())
	}
	if cfg.Database.Mode != "standalone" {
		t.Errorf("db mode = %q, want standalone", cfg.Database.Mode)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	// JSON5: comments and trailing commas are fine.
	content := `{
		// bridge message store
		source: { kind: "api", api_url: "http://localhost:8080" },
		watcher: { poll_interval_ms: 1000, conversation_delay_s: 2, },
		trigger: {
			groups: ["Ops", "Family"],
			allow_list: ["15550001111"],
			dm_auto_mode: true,
		},
		contacts: { "15550001111": "Alice" },
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Source.Kind != "api" || cfg.Source.APIURL != "http://localhost:8080" {
		t.Errorf("source = %+v", cfg.Source)
	}
	if cfg.PollInterval() != time.Second {
		t.Errorf("poll interval = %v", cfg.PollInterval())
	}
	if len(cfg.Trigger.Groups) != 2 || cfg.Trigger.Groups[0] != "Ops" {
		t.Errorf("groups = %v", cfg.Trigger.Groups)
	}
	if !cfg.Trigger.DMAutoMode {
		t.Error("dm_auto_mode not parsed")
	}
	if cfg.Contacts["15550001111"] != "Alice" {
		t.Errorf("contacts = %v", cfg.Contacts)
	}
	// File omitted the batch limit: default must survive the overlay.
	if cfg.Watcher.BatchLimit != 500 {
		t.Errorf("batch limit = %d, want default 500", cfg.Watcher.BatchLimit)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Source.Kind != "store" {
		t.Errorf("source kind = %q", cfg.Source.Kind)
	}
}

func TestLoadMalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{not valid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed config did not fail")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TSUSHIN_POSTGRES_DSN", "postgres://u:p@localhost/tsushin")
	t.Setenv("TSUSHIN_DB_MODE", "managed")
	t.Setenv("TSUSHIN_BRIDGE_API_TOKEN", "secret-token")
	t.Setenv("TSUSHIN_POLL_INTERVAL_MS", "250")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.IsManagedMode() {
		t.Error("managed mode not detected from env")
	}
	if cfg.Source.APIToken != "secret-token" {
		t.Errorf("api token = %q", cfg.Source.APIToken)
	}
	if cfg.Watcher.PollIntervalMs != 250 {
		t.Errorf("poll interval ms = %d", cfg.Watcher.PollIntervalMs)
	}
}

func TestSecretsNeverFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	// A DSN smuggled into the file must be ignored.
	content := `{ database: { mode: "managed", PostgresDSN: "postgres://file" } }`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.PostgresDSN != "" {
		t.Errorf("DSN loaded from file: %q", cfg.Database.PostgresDSN)
	}
	if cfg.IsManagedMode() {
		t.Error("managed mode without env DSN")
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandHome("~/x.db"); got != home+"/x.db" {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/abs/x.db"); got != "/abs/x.db" {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome(""); got != "" {
		t.Errorf("ExpandHome = %q", got)
	}
}
