package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "3s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the global ~/.kinchat/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// ServerURL is the messaging server base URL (ws:// or wss://).
	ServerURL string `toml:"server_url"`
	// FallbackURL, when set, is tried once after the primary endpoint has
	// exhausted its reconnect attempts.
	FallbackURL string `toml:"fallback_url"`
	// SocketPath is the fixed sub-path of the chat socket endpoint.
	SocketPath string `toml:"socket_path"`

	PageSize          int      `toml:"page_size"`
	TypingIdle        Duration `toml:"typing_idle"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	ReconnectAttempts int      `toml:"reconnect_attempts"`
	ReconnectBackoff  Duration `toml:"reconnect_backoff"`
	RequestTimeout    Duration `toml:"request_timeout"`

	// RejoinOnReconnect controls whether the previously active channel is
	// joined again automatically after the transport recovers.
	RejoinOnReconnect bool `toml:"rejoin_on_reconnect"`
}

// Default returns a config populated with the shipped defaults.
func Default() *Config {
	return &Config{
		DefaultProfile:    "main",
		ServerURL:         "wss://chat.kinship.app",
		SocketPath:        "/ws/chat",
		PageSize:          20,
		TypingIdle:        Duration(3 * time.Second),
		HeartbeatInterval: Duration(25 * time.Second),
		ReconnectAttempts: 5,
		ReconnectBackoff:  Duration(2 * time.Second),
		RequestTimeout:    Duration(10 * time.Second),
		RejoinOnReconnect: false,
	}
}

// Load reads config from the given path, layering file values over
// defaults. A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
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
