package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/authsync/internal/monitor"
	"github.com/florianilch/authsync/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
	LogFormatOTel LogFormat = "otel"
)

// PersistentStorageType selects the backend that survives restarts.
type PersistentStorageType string

const (
	PersistentStorageFile     PersistentStorageType = "file"
	PersistentStorageSQLite   PersistentStorageType = "sqlite"
	PersistentStorageKeyring  PersistentStorageType = "keyring"
	PersistentStorageEnv      PersistentStorageType = "env"
	PersistentStorageDisabled PersistentStorageType = "disabled"
)

// VolatileStorageType selects the backend scoped to the current session.
type VolatileStorageType string

const (
	VolatileStorageFile     VolatileStorageType = "file"
	VolatileStorageMemory   VolatileStorageType = "memory"
	VolatileStorageDisabled VolatileStorageType = "disabled"
)

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigServerHost      = "127.0.0.1"
	DefaultConfigServerPort      = 4100
	DefaultConfigShutdownTimeout = 5 * time.Second
	DefaultConfigAPIBaseURL      = "http://127.0.0.1:8000"
	DefaultConfigAPITimeout      = 30 * time.Second
	DefaultConfigPersistent      = PersistentStorageFile
	DefaultConfigVolatile        = VolatileStorageFile
	DefaultConfigEnvPrefix       = "AUTHSYNC_STORED_"
	DefaultConfigMonitorInterval = monitor.DefaultInterval

	// keyringService names the keyring entry group.
	keyringService = "authsync"
	appDir         = "authsync"
)

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return s.Host + ":" + strconv.FormatUint(uint64(s.Port), 10)
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// APIConfig locates the remote authentication service.
type APIConfig struct {
	BaseURL string        `json:"base_url" validate:"required,url"`
	Timeout time.Duration `json:"timeout" validate:"gte=0"`
}

// PersistentStorageConfig describes the durable backend.
type PersistentStorageConfig struct {
	Type PersistentStorageType `json:"type" validate:"required,oneof=file sqlite keyring env disabled"`

	// Type-specific settings
	Path        string `json:"path,omitempty"`         // file, sqlite
	KeyringUser string `json:"keyring_user,omitempty"` // keyring
	EnvPrefix   string `json:"env_prefix,omitempty"`   // env

	// Capacity limits stored bytes (keys plus values). Zero means unlimited.
	Capacity int `json:"capacity" validate:"gte=0"`
}

// VolatileStorageConfig describes the session-scoped backend.
type VolatileStorageConfig struct {
	Type     VolatileStorageType `json:"type" validate:"required,oneof=file memory disabled"`
	Path     string              `json:"path,omitempty"`
	Capacity int                 `json:"capacity" validate:"gte=0"`
}

// KeysConfig names the storage keys. Empty names keep their defaults.
type KeysConfig struct {
	Token     string `json:"token,omitempty"`
	Flag      string `json:"flag,omitempty"`
	Theme     string `json:"theme,omitempty"`
	Username  string `json:"username,omitempty"`
	SignedOut string `json:"signed_out,omitempty"`
}

// StorageConfig describes both backends and the key layout shared by them.
type StorageConfig struct {
	Persistent PersistentStorageConfig `json:"persistent"`
	Volatile   VolatileStorageConfig   `json:"volatile"`
	Keys       KeysConfig              `json:"keys"`
}

// TokenKeys converts the configured names to store keys.
func (s StorageConfig) TokenKeys() tokenstore.Keys {
	return tokenstore.Keys{
		Token:     s.Keys.Token,
		Flag:      s.Keys.Flag,
		Theme:     s.Keys.Theme,
		Username:  s.Keys.Username,
		SignedOut: s.Keys.SignedOut,
	}
}

// MonitorConfig tunes the auth state monitor.
type MonitorConfig struct {
	// Interval between polls of the token store.
	Interval time.Duration `json:"interval" validate:"gte=0"`
	// Watch enables change notifications from file backends.
	Watch *bool `json:"watch,omitempty"`
}

// WatchEnabled reports whether file change notifications are used. Defaults to true.
func (m MonitorConfig) WatchEnabled() bool {
	return m.Watch == nil || *m.Watch
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level     `json:"log_level"`
	LogFormat LogFormat      `json:"log_format" validate:"oneof=text json otel"`
	API       APIConfig      `json:"api"`
	Storage   StorageConfig  `json:"storage"`
	Monitor   MonitorConfig  `json:"monitor"`
	Server    ServerConfig   `json:"server"`
	Shutdown  ShutdownConfig `json:"shutdown"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultConfigAPIBaseURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultConfigAPITimeout
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = DefaultConfigMonitorInterval
	}
	if c.Storage.Persistent.Type == "" {
		c.Storage.Persistent.Type = DefaultConfigPersistent
	}
	if c.Storage.Volatile.Type == "" {
		c.Storage.Volatile.Type = DefaultConfigVolatile
	}

	// Dynamic defaults based on storage type
	p := &c.Storage.Persistent
	switch p.Type {
	case PersistentStorageFile, PersistentStorageSQLite:
		if p.Path == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("storage.persistent.path required (auto-detect failed: %w)", err)
			}
			name := "storage.json"
			if p.Type == PersistentStorageSQLite {
				name = "storage.db"
			}
			p.Path = filepath.Join(configDir, appDir, name)
		}
	case PersistentStorageKeyring:
		if p.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("storage.persistent.keyring_user required (auto-detect failed: %w)", err)
			}
			p.KeyringUser = currentUser.Username
		}
	case PersistentStorageEnv:
		if p.EnvPrefix == "" {
			p.EnvPrefix = DefaultConfigEnvPrefix
		}
	}

	v := &c.Storage.Volatile
	if v.Type == VolatileStorageFile && v.Path == "" {
		v.Path = filepath.Join(runtimeDir(), "session.json")
	}

	return nil
}

// runtimeDir returns a per-user directory that lives as long as the login
// session: $XDG_RUNTIME_DIR when set, otherwise a user-specific temp directory.
func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, appDir)
	}
	return filepath.Join(os.TempDir(), appDir+"-"+strconv.Itoa(os.Getuid()))
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Storage.Persistent.Type {
	case PersistentStorageFile, PersistentStorageSQLite:
		if c.Storage.Persistent.Path == "" {
			return errors.New("storage.persistent.path required for file and sqlite storage")
		}
	case PersistentStorageKeyring:
		if c.Storage.Persistent.KeyringUser == "" {
			return errors.New("storage.persistent.keyring_user required for keyring storage")
		}
	case PersistentStorageEnv:
		if c.Storage.Persistent.EnvPrefix == "" {
			return errors.New("storage.persistent.env_prefix required for env storage")
		}
	}

	if c.Storage.Volatile.Type == VolatileStorageFile && c.Storage.Volatile.Path == "" {
		return errors.New("storage.volatile.path required for file storage")
	}

	if err := c.Storage.TokenKeys().Validate(); err != nil {
		return fmt.Errorf("storage.keys: %w", err)
	}

	return nil
}
