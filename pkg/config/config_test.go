package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesHumanFriendlyValues(t *testing.T) {
	path := writeConfig(t, `
server:
  address: 127.0.0.1
  port: 9090
  db_path: /tmp/sync.db
logging:
  level: debug
sync:
  page_limit: 50
  queue_capacity: 512
  max_pooled_buffer_bytes: 1MB
  fetch_retry_backoff: 500ms
sweep:
  enabled: true
  cron: "0 * * * *"
  max_age: 48h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.DBPath != "/tmp/sync.db" {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Sync.MaxPooledBufferBytes.Int64() != 1000000 {
		t.Fatalf("buffer bytes = %d", cfg.Sync.MaxPooledBufferBytes.Int64())
	}
	if cfg.Sync.FetchRetryBackoff.Duration() != 500*time.Millisecond {
		t.Fatalf("backoff = %v", cfg.Sync.FetchRetryBackoff.Duration())
	}
	if cfg.Sweep.MaxAge.Duration() != 48*time.Hour {
		t.Fatalf("max age = %v", cfg.Sweep.MaxAge.Duration())
	}
}

func TestDurationAcceptsNumericSeconds(t *testing.T) {
	path := writeConfig(t, "sweep:\n  max_age: 90\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sweep.MaxAge.Duration() != 90*time.Second {
		t.Fatalf("max age = %v", cfg.Sweep.MaxAge.Duration())
	}
}

func TestEffectiveDefaults(t *testing.T) {
	cfg, err := Effective(Flags{Config: filepath.Join(t.TempDir(), "missing.yaml"), Set: map[string]bool{}})
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Sync.PageLimit != 20 {
		t.Fatalf("defaults = %+v / %+v", cfg.Server, cfg.Sync)
	}
	if cfg.Sync.SendRPS != 5 || cfg.Sync.SendBurst != 10 {
		t.Fatalf("send pacing defaults = %+v", cfg.Sync)
	}
	if cfg.Sweep.Cron == "" || cfg.Sweep.MaxAge.Duration() != 24*time.Hour {
		t.Fatalf("sweep defaults = %+v", cfg.Sweep)
	}
}

func TestEffectivePrecedence(t *testing.T) {
	path := writeConfig(t, "server:\n  address: filehost\n  port: 7000\n  db_path: /file/db\n")

	t.Setenv("COLLABSYNC_DB_PATH", "/env/db")
	t.Setenv("COLLABSYNC_ADDR", "envhost:7100")

	// flags win over env, env wins over file
	cfg, err := Effective(Flags{
		Addr:   "flaghost:7200",
		Config: path,
		Set:    map[string]bool{"addr": true, "config": true},
	})
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if cfg.Server.Address != "flaghost" || cfg.Server.Port != 7200 {
		t.Fatalf("addr = %s", cfg.Addr())
	}
	if cfg.Server.DBPath != "/env/db" {
		t.Fatalf("db path = %s, want env override", cfg.Server.DBPath)
	}
}

func TestEffectiveExplicitMissingConfigFails(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	if _, err := Effective(Flags{Config: missing, Set: map[string]bool{"config": true}}); err == nil {
		t.Fatalf("explicit missing config must fail")
	}
}
