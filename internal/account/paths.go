// Package account resolves the on-disk layout of a chatmail account under
// ~/.chatmail/accounts/<name>/.
package account

import (
	"os"
	"path/filepath"
)

// DefaultName is used when neither the flag nor the environment names an
// account.
const DefaultName = "main"

// EnvAccount overrides the active account name.
const EnvAccount = "CHATMAIL_ACCOUNT"

// BaseDir returns ~/.chatmail.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatmail")
}

// Dir returns the account-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "accounts", name)
}

// DBPath returns the account database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "chatmail.db")
}

// ConfigPath returns the per-account configuration file path.
func ConfigPath(name string) string {
	return filepath.Join(Dir(name), "chatmail.toml")
}

// LockPath returns the lock file path for an account.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// LogDir returns the log directory for an account.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatmaild.log")
}

// QRPath returns where invite QR codes are written for display.
func QRPath(name string) string {
	return filepath.Join(Dir(name), "invite.png")
}

// Resolve determines the active account name: the flag wins, then the
// CHATMAIL_ACCOUNT environment variable, then the default.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(EnvAccount); env != "" {
		return env
	}
	return DefaultName
}

// EnsureDir creates the account directory tree with owner-only permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
