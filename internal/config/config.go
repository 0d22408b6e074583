// Package config loads the per-account chatmail.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Account identifies the mail account this core runs for.
type Account struct {
	Addr        string `toml:"addr"`
	DisplayName string `toml:"display_name"`
}

// Server is one endpoint of the mail server pair.
type Server struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	TLS      bool   `toml:"tls"` // implicit TLS; STARTTLS otherwise
}

// Folders names the chat folders on the IMAP server.
type Folders struct {
	Mvbox   string `toml:"mvbox"`
	Sentbox string `toml:"sentbox"`
}

// Retry tunes the job retry policy.
type Retry struct {
	MaxTries    int `toml:"max_tries"`
	BaseSeconds int `toml:"base_seconds"`
	MaxSeconds  int `toml:"max_seconds"`
}

// Mail is the complete per-account configuration.
type Mail struct {
	Account Account `toml:"account"`
	IMAP    Server  `toml:"imap"`
	SMTP    Server  `toml:"smtp"`
	Folders Folders `toml:"folders"`
	Retry   Retry   `toml:"retry"`

	// MdnsEnabled opts in to sending read receipts.
	MdnsEnabled bool `toml:"mdns_enabled"`
	// MvboxMove moves chat messages out of the inbox into the mvbox.
	MvboxMove bool `toml:"mvbox_move"`
	// SecurejoinTimeoutSeconds bounds an open handshake session.
	SecurejoinTimeoutSeconds int `toml:"securejoin_timeout_seconds"`
	// IdleSeconds is how long a transport thread sleeps with no work.
	IdleSeconds int `toml:"idle_seconds"`
}

// Default returns the configuration defaults applied under missing keys.
func Default() Mail {
	return Mail{
		Folders: Folders{
			Mvbox:   "DeltaChat",
			Sentbox: "Sent",
		},
		Retry: Retry{
			MaxTries:    8,
			BaseSeconds: 10,
			MaxSeconds:  300,
		},
		MvboxMove:                true,
		SecurejoinTimeoutSeconds: 300,
		IdleSeconds:              60,
	}
}

// SecurejoinTimeout returns the handshake deadline as a duration.
func (m Mail) SecurejoinTimeout() time.Duration {
	return time.Duration(m.SecurejoinTimeoutSeconds) * time.Second
}

// IdleTimeout returns the transport idle period as a duration.
func (m Mail) IdleTimeout() time.Duration {
	return time.Duration(m.IdleSeconds) * time.Second
}

// Load reads configuration from the given path, applying defaults for
// absent keys, and validates the result.
func Load(path string) (*Mail, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *Mail) validate() error {
	if m.Account.Addr == "" {
		return fmt.Errorf("config: account.addr is required")
	}
	if m.IMAP.Host == "" || m.SMTP.Host == "" {
		return fmt.Errorf("config: imap.host and smtp.host are required")
	}
	if m.Retry.MaxTries < 1 {
		return fmt.Errorf("config: retry.max_tries must be at least 1")
	}
	return nil
}

// Save writes configuration to the given path, creating parent dirs as needed.
func Save(path string, cfg *Mail) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
