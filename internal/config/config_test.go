package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatmail.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[account]
addr = "alice@example.org"

[imap]
host = "imap.example.org"
port = 993
tls = true

[smtp]
host = "smtp.example.org"
port = 465
tls = true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retry.MaxTries != 8 || cfg.Retry.BaseSeconds != 10 || cfg.Retry.MaxSeconds != 300 {
		t.Fatalf("retry defaults not applied: %+v", cfg.Retry)
	}
	if cfg.Folders.Mvbox == "" || cfg.Folders.Sentbox == "" {
		t.Fatalf("folder defaults not applied: %+v", cfg.Folders)
	}
	if !cfg.MvboxMove {
		t.Fatal("mvbox_move default not applied")
	}
	if cfg.SecurejoinTimeout() != 5*time.Minute {
		t.Fatalf("securejoin timeout = %v", cfg.SecurejoinTimeout())
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
mdns_enabled = true
mvbox_move = false
securejoin_timeout_seconds = 60

[account]
addr = "alice@example.org"

[imap]
host = "imap.example.org"

[smtp]
host = "smtp.example.org"

[retry]
max_tries = 3
base_seconds = 1
max_seconds = 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.MdnsEnabled || cfg.MvboxMove {
		t.Fatalf("flags not loaded: mdns=%v mvbox_move=%v", cfg.MdnsEnabled, cfg.MvboxMove)
	}
	if cfg.Retry.MaxTries != 3 {
		t.Fatalf("retry.max_tries = %d", cfg.Retry.MaxTries)
	}
	if cfg.SecurejoinTimeout() != time.Minute {
		t.Fatalf("securejoin timeout = %v", cfg.SecurejoinTimeout())
	}
}

func TestLoadRejectsIncomplete(t *testing.T) {
	for name, content := range map[string]string{
		"missing addr": `
[imap]
host = "imap.example.org"
[smtp]
host = "smtp.example.org"`,
		"missing hosts": `
[account]
addr = "alice@example.org"`,
		"bad retry": `
[account]
addr = "alice@example.org"
[imap]
host = "imap.example.org"
[smtp]
host = "smtp.example.org"
[retry]
max_tries = 0`,
	} {
		path := writeConfig(t, content)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: Load accepted invalid config", name)
		}
	}
}

func TestSaveRoundtrip(t *testing.T) {
	cfg := Default()
	cfg.Account.Addr = "alice@example.org"
	cfg.IMAP = Server{Host: "imap.example.org", Port: 993, User: "alice", Password: "secret", TLS: true}
	cfg.SMTP = Server{Host: "smtp.example.org", Port: 465, User: "alice", Password: "secret", TLS: true}

	path := filepath.Join(t.TempDir(), "sub", "chatmail.toml")
	if err := Save(path, &cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if *got != cfg {
		t.Fatalf("roundtrip mismatch:\n got %+v\nwant %+v", *got, cfg)
	}
}
