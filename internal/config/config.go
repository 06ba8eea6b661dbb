// Package config reads and writes the global ~/.chatkit/config.toml.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the global configuration file.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// ServerURL is the messaging service REST endpoint, EventsURL the
	// realtime websocket endpoint. Token authenticates both.
	ServerURL string `toml:"server_url"`
	EventsURL string `toml:"events_url"`
	Token     string `toml:"token"`

	Engine   Engine   `toml:"engine"`
	Receipts Receipts `toml:"receipts"`
}

// Engine carries the synchronization tuning knobs. Zero values fall back
// to the engine's defaults.
type Engine struct {
	EventPageSize     int   `toml:"event_page_size"`
	MessagePageSize   int   `toml:"message_page_size"`
	LazyLoadThreshold int   `toml:"lazy_load_threshold"`
	MaxEventGap       int64 `toml:"max_event_gap"`

	// GetConversationSleepTimeout and GetConversationMaxRetry drive the
	// retry loop for the read-after-write lag on freshly created
	// conversations.
	GetConversationSleepTimeout duration `toml:"get_conversation_sleep_timeout"`
	GetConversationMaxRetry     int      `toml:"get_conversation_max_retry"`

	// SyncInterval is how often the daemon runs a full synchronize pass.
	SyncInterval duration `toml:"sync_interval"`
}

// Receipts configures the delivered-receipt sender.
type Receipts struct {
	FlushInterval duration `toml:"flush_interval"`
}

// duration adds TOML text (un)marshalling to time.Duration.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// SyncInterval returns the configured sync interval, defaulting to 5m.
func (c *Config) SyncInterval() time.Duration {
	if c.Engine.SyncInterval.Duration <= 0 {
		return 5 * time.Minute
	}
	return c.Engine.SyncInterval.Duration
}

// ReceiptFlushInterval returns the receipt flush interval, defaulting to
// 500ms.
func (c *Config) ReceiptFlushInterval() time.Duration {
	if c.Receipts.FlushInterval.Duration <= 0 {
		return 500 * time.Millisecond
	}
	return c.Receipts.FlushInterval.Duration
}

// Load reads config from the given path. Returns an error if the file is
// missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
// The token lives in this file, so it is never group or world readable.
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
